package lnutil

import (
	"bytes"
	"fmt"
)

// id numbers for messages, semi-arbitrary
const (
	// channel creation messages
	MSGID_CHANDESC = 0x10 // describe a channel we'd like to open
	MSGID_CHANACK  = 0x11 // accept the channel and its first commitment
	MSGID_SIGPROOF = 0x12 // funding tx built & signed; carries the outpoint

	// channel destruction messages
	MSGID_CLOSEREQ  = 0x20 // cooperative close request
	MSGID_CLOSERESP = 0x21 // cooperative close countersignature

	// push pull messages
	MSGID_DELTASIG    = 0x30 // pushing funds; delta and sig for new state
	MSGID_SIGREV      = 0x31 // signing new state and revoking old
	MSGID_REV         = 0x32 // revoking previous channel state
	MSGID_HASHSIG     = 0x33 // offering an HTLC
	MSGID_PREIMAGESIG = 0x34 // settling an HTLC with its preimage
	MSGID_REJECT      = 0x35 // per-operation reject; channel stays up
)

// Msg is the interface all peer messages follow.  Bytes() returns the wire
// serialization: type byte, 36 byte channel id, then the payload.
type Msg interface {
	Peer() PeerId    // who sent (or will receive) this
	Chan() ChannelId // which channel it concerns
	MsgType() uint8  // see constants above
	Bytes() []byte
}

// ChanIdFromMsgBytes peeks the channel id out of a raw message buffer.
func ChanIdFromMsgBytes(b []byte) (ChannelId, error) {
	var cid ChannelId
	if len(b) < 37 {
		return cid, fmt.Errorf("msg %d bytes, too short for a channel id", len(b))
	}
	copy(cid[:], b[1:37])
	return cid, nil
}

// MsgFromBytes finds what type of message a generic []byte is and parses it.
func MsgFromBytes(b []byte, peer PeerId) (Msg, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("empty message buffer")
	}
	switch b[0] {
	case MSGID_CHANDESC:
		return NewChanDescMsgFromBytes(b, peer)
	case MSGID_CHANACK:
		return NewChanAckMsgFromBytes(b, peer)
	case MSGID_SIGPROOF:
		return NewSigProofMsgFromBytes(b, peer)
	case MSGID_CLOSEREQ:
		return NewCloseReqMsgFromBytes(b, peer)
	case MSGID_CLOSERESP:
		return NewCloseRespMsgFromBytes(b, peer)
	case MSGID_DELTASIG:
		return NewDeltaSigMsgFromBytes(b, peer)
	case MSGID_SIGREV:
		return NewSigRevMsgFromBytes(b, peer)
	case MSGID_REV:
		return NewRevMsgFromBytes(b, peer)
	case MSGID_HASHSIG:
		return NewHashSigMsgFromBytes(b, peer)
	case MSGID_PREIMAGESIG:
		return NewPreimageSigMsgFromBytes(b, peer)
	case MSGID_REJECT:
		return NewRejectMsgFromBytes(b, peer)
	default:
		return nil, fmt.Errorf("unknown message of type %x", b[0])
	}
}

func writeHeader(buf *bytes.Buffer, mtype uint8, cid ChannelId) {
	buf.WriteByte(mtype)
	buf.Write(cid[:])
}

func readHeader(b []byte, want int) (ChannelId, []byte, error) {
	var cid ChannelId
	if len(b) < 37+want {
		return cid, nil, fmt.Errorf("msg %d bytes, expect at least %d",
			len(b), 37+want)
	}
	copy(cid[:], b[1:37])
	return cid, b[37:], nil
}

//----------

// ChanDescMsg opens the channel negotiation.  The id is provisional.
type ChanDescMsg struct {
	PeerIdx  PeerId
	ChanId   ChannelId
	Capacity int64
	Push     int64
	Pub      [33]byte // initiator channel pubkey
}

func NewChanDescMsg(peer PeerId, cid ChannelId, capacity, push int64, pub [33]byte) ChanDescMsg {
	return ChanDescMsg{PeerIdx: peer, ChanId: cid, Capacity: capacity, Push: push, Pub: pub}
}

func NewChanDescMsgFromBytes(b []byte, peer PeerId) (ChanDescMsg, error) {
	m := ChanDescMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 8+8+33)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	m.Capacity = BtI64(p[:8])
	m.Push = BtI64(p[8:16])
	copy(m.Pub[:], p[16:49])
	return m, nil
}

func (m ChanDescMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(I64tB(m.Capacity))
	buf.Write(I64tB(m.Push))
	buf.Write(m.Pub[:])
	return buf.Bytes()
}

func (m ChanDescMsg) Peer() PeerId    { return m.PeerIdx }
func (m ChanDescMsg) Chan() ChannelId { return m.ChanId }
func (m ChanDescMsg) MsgType() uint8  { return MSGID_CHANDESC }

//----------

// ChanAckMsg accepts a described channel and signs commitment 0.
type ChanAckMsg struct {
	PeerIdx PeerId
	ChanId  ChannelId
	Pub     [33]byte // acceptor channel pubkey
	Sig     [64]byte
}

func NewChanAckMsg(peer PeerId, cid ChannelId, pub [33]byte, sig [64]byte) ChanAckMsg {
	return ChanAckMsg{PeerIdx: peer, ChanId: cid, Pub: pub, Sig: sig}
}

func NewChanAckMsgFromBytes(b []byte, peer PeerId) (ChanAckMsg, error) {
	m := ChanAckMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 33+64)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	copy(m.Pub[:], p[:33])
	copy(m.Sig[:], p[33:97])
	return m, nil
}

func (m ChanAckMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(m.Pub[:])
	buf.Write(m.Sig[:])
	return buf.Bytes()
}

func (m ChanAckMsg) Peer() PeerId    { return m.PeerIdx }
func (m ChanAckMsg) Chan() ChannelId { return m.ChanId }
func (m ChanAckMsg) MsgType() uint8  { return MSGID_CHANACK }

//----------

// SigProofMsg tells the acceptor the funding tx exists.  Sent under the
// provisional id; carries the funding outpoint the channel re-keys to.
type SigProofMsg struct {
	PeerIdx PeerId
	ChanId  ChannelId
	Op      OutPoint
	Sig     [64]byte
}

func NewSigProofMsg(peer PeerId, cid ChannelId, op OutPoint, sig [64]byte) SigProofMsg {
	return SigProofMsg{PeerIdx: peer, ChanId: cid, Op: op, Sig: sig}
}

func NewSigProofMsgFromBytes(b []byte, peer PeerId) (SigProofMsg, error) {
	m := SigProofMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 36+64)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	var opArr [36]byte
	copy(opArr[:], p[:36])
	m.Op = OutPointFromBytes(opArr)
	copy(m.Sig[:], p[36:100])
	return m, nil
}

func (m SigProofMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	opArr := m.Op.Bytes()
	buf.Write(opArr[:])
	buf.Write(m.Sig[:])
	return buf.Bytes()
}

func (m SigProofMsg) Peer() PeerId    { return m.PeerIdx }
func (m SigProofMsg) Chan() ChannelId { return m.ChanId }
func (m SigProofMsg) MsgType() uint8  { return MSGID_SIGPROOF }

//----------

// DeltaSigMsg pushes funds: how much is being sent, and a signature for
// the resulting state.
type DeltaSigMsg struct {
	PeerIdx   PeerId
	ChanId    ChannelId
	Delta     int32 // positive from the receiver's point of view
	CommitIdx uint64
	Sig       [64]byte
}

func NewDeltaSigMsg(peer PeerId, cid ChannelId, delta int32, commitIdx uint64, sig [64]byte) DeltaSigMsg {
	return DeltaSigMsg{PeerIdx: peer, ChanId: cid, Delta: delta, CommitIdx: commitIdx, Sig: sig}
}

func NewDeltaSigMsgFromBytes(b []byte, peer PeerId) (DeltaSigMsg, error) {
	m := DeltaSigMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 4+8+64)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	m.Delta = BtI32(p[:4])
	m.CommitIdx = BtU64(p[4:12])
	copy(m.Sig[:], p[12:76])
	return m, nil
}

func (m DeltaSigMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(I32tB(m.Delta))
	buf.Write(U64tB(m.CommitIdx))
	buf.Write(m.Sig[:])
	return buf.Bytes()
}

func (m DeltaSigMsg) Peer() PeerId    { return m.PeerIdx }
func (m DeltaSigMsg) Chan() ChannelId { return m.ChanId }
func (m DeltaSigMsg) MsgType() uint8  { return MSGID_DELTASIG }

//----------

// SigRevMsg signs the new state and revokes the previous one.
type SigRevMsg struct {
	PeerIdx   PeerId
	ChanId    ChannelId
	CommitIdx uint64
	Sig       [64]byte
	RevSecret [32]byte // secret for the state being revoked
}

func NewSigRevMsg(peer PeerId, cid ChannelId, commitIdx uint64, sig [64]byte, rev [32]byte) SigRevMsg {
	return SigRevMsg{PeerIdx: peer, ChanId: cid, CommitIdx: commitIdx, Sig: sig, RevSecret: rev}
}

func NewSigRevMsgFromBytes(b []byte, peer PeerId) (SigRevMsg, error) {
	m := SigRevMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 8+64+32)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	m.CommitIdx = BtU64(p[:8])
	copy(m.Sig[:], p[8:72])
	copy(m.RevSecret[:], p[72:104])
	return m, nil
}

func (m SigRevMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(U64tB(m.CommitIdx))
	buf.Write(m.Sig[:])
	buf.Write(m.RevSecret[:])
	return buf.Bytes()
}

func (m SigRevMsg) Peer() PeerId    { return m.PeerIdx }
func (m SigRevMsg) Chan() ChannelId { return m.ChanId }
func (m SigRevMsg) MsgType() uint8  { return MSGID_SIGREV }

//----------

// RevMsg revokes the previous state, completing an update round.
type RevMsg struct {
	PeerIdx   PeerId
	ChanId    ChannelId
	RevSecret [32]byte
}

func NewRevMsg(peer PeerId, cid ChannelId, rev [32]byte) RevMsg {
	return RevMsg{PeerIdx: peer, ChanId: cid, RevSecret: rev}
}

func NewRevMsgFromBytes(b []byte, peer PeerId) (RevMsg, error) {
	m := RevMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 32)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	copy(m.RevSecret[:], p[:32])
	return m, nil
}

func (m RevMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(m.RevSecret[:])
	return buf.Bytes()
}

func (m RevMsg) Peer() PeerId    { return m.PeerIdx }
func (m RevMsg) Chan() ChannelId { return m.ChanId }
func (m RevMsg) MsgType() uint8  { return MSGID_REV }

//----------

// HashSigMsg offers an HTLC: amount, hash, expiry, and a signature for the
// state that includes it.
type HashSigMsg struct {
	PeerIdx   PeerId
	ChanId    ChannelId
	HtlcIdx   uint32
	Amt       int64
	RHash     [32]byte
	Locktime  uint32
	CommitIdx uint64
	Sig       [64]byte
}

func NewHashSigMsg(peer PeerId, cid ChannelId, idx uint32, amt int64,
	rHash [32]byte, locktime uint32, commitIdx uint64, sig [64]byte) HashSigMsg {
	return HashSigMsg{PeerIdx: peer, ChanId: cid, HtlcIdx: idx, Amt: amt,
		RHash: rHash, Locktime: locktime, CommitIdx: commitIdx, Sig: sig}
}

func NewHashSigMsgFromBytes(b []byte, peer PeerId) (HashSigMsg, error) {
	m := HashSigMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 4+8+32+4+8+64)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	m.HtlcIdx = BtU32(p[:4])
	m.Amt = BtI64(p[4:12])
	copy(m.RHash[:], p[12:44])
	m.Locktime = BtU32(p[44:48])
	m.CommitIdx = BtU64(p[48:56])
	copy(m.Sig[:], p[56:120])
	return m, nil
}

func (m HashSigMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(U32tB(m.HtlcIdx))
	buf.Write(I64tB(m.Amt))
	buf.Write(m.RHash[:])
	buf.Write(U32tB(m.Locktime))
	buf.Write(U64tB(m.CommitIdx))
	buf.Write(m.Sig[:])
	return buf.Bytes()
}

func (m HashSigMsg) Peer() PeerId    { return m.PeerIdx }
func (m HashSigMsg) Chan() ChannelId { return m.ChanId }
func (m HashSigMsg) MsgType() uint8  { return MSGID_HASHSIG }

//----------

// PreimageSigMsg settles an HTLC by revealing its preimage.
type PreimageSigMsg struct {
	PeerIdx   PeerId
	ChanId    ChannelId
	HtlcIdx   uint32
	R         [32]byte
	CommitIdx uint64
	Sig       [64]byte
}

func NewPreimageSigMsg(peer PeerId, cid ChannelId, idx uint32, r [32]byte,
	commitIdx uint64, sig [64]byte) PreimageSigMsg {
	return PreimageSigMsg{PeerIdx: peer, ChanId: cid, HtlcIdx: idx, R: r,
		CommitIdx: commitIdx, Sig: sig}
}

func NewPreimageSigMsgFromBytes(b []byte, peer PeerId) (PreimageSigMsg, error) {
	m := PreimageSigMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 4+32+8+64)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	m.HtlcIdx = BtU32(p[:4])
	copy(m.R[:], p[4:36])
	m.CommitIdx = BtU64(p[36:44])
	copy(m.Sig[:], p[44:108])
	return m, nil
}

func (m PreimageSigMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(U32tB(m.HtlcIdx))
	buf.Write(m.R[:])
	buf.Write(U64tB(m.CommitIdx))
	buf.Write(m.Sig[:])
	return buf.Bytes()
}

func (m PreimageSigMsg) Peer() PeerId    { return m.PeerIdx }
func (m PreimageSigMsg) Chan() ChannelId { return m.ChanId }
func (m PreimageSigMsg) MsgType() uint8  { return MSGID_PREIMAGESIG }

//----------

// RejectMsg refuses one operation without tearing the channel down.
// RefType names the message type being refused.
type RejectMsg struct {
	PeerIdx PeerId
	ChanId  ChannelId
	RefType uint8
	Reason  string
}

func NewRejectMsg(peer PeerId, cid ChannelId, refType uint8, reason string) RejectMsg {
	return RejectMsg{PeerIdx: peer, ChanId: cid, RefType: refType, Reason: reason}
}

func NewRejectMsgFromBytes(b []byte, peer PeerId) (RejectMsg, error) {
	m := RejectMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 1)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	m.RefType = p[0]
	m.Reason = string(p[1:])
	return m, nil
}

func (m RejectMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.WriteByte(m.RefType)
	buf.WriteString(m.Reason)
	return buf.Bytes()
}

func (m RejectMsg) Peer() PeerId    { return m.PeerIdx }
func (m RejectMsg) Chan() ChannelId { return m.ChanId }
func (m RejectMsg) MsgType() uint8  { return MSGID_REJECT }

//----------

// CloseReqMsg asks for a cooperative close at the current state.
type CloseReqMsg struct {
	PeerIdx PeerId
	ChanId  ChannelId
	Fee     int64
	Sig     [64]byte
}

func NewCloseReqMsg(peer PeerId, cid ChannelId, fee int64, sig [64]byte) CloseReqMsg {
	return CloseReqMsg{PeerIdx: peer, ChanId: cid, Fee: fee, Sig: sig}
}

func NewCloseReqMsgFromBytes(b []byte, peer PeerId) (CloseReqMsg, error) {
	m := CloseReqMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 8+64)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	m.Fee = BtI64(p[:8])
	copy(m.Sig[:], p[8:72])
	return m, nil
}

func (m CloseReqMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(I64tB(m.Fee))
	buf.Write(m.Sig[:])
	return buf.Bytes()
}

func (m CloseReqMsg) Peer() PeerId    { return m.PeerIdx }
func (m CloseReqMsg) Chan() ChannelId { return m.ChanId }
func (m CloseReqMsg) MsgType() uint8  { return MSGID_CLOSEREQ }

//----------

// CloseRespMsg countersigns a cooperative close.
type CloseRespMsg struct {
	PeerIdx PeerId
	ChanId  ChannelId
	Sig     [64]byte
}

func NewCloseRespMsg(peer PeerId, cid ChannelId, sig [64]byte) CloseRespMsg {
	return CloseRespMsg{PeerIdx: peer, ChanId: cid, Sig: sig}
}

func NewCloseRespMsgFromBytes(b []byte, peer PeerId) (CloseRespMsg, error) {
	m := CloseRespMsg{PeerIdx: peer}
	cid, p, err := readHeader(b, 64)
	if err != nil {
		return m, err
	}
	m.ChanId = cid
	copy(m.Sig[:], p[:64])
	return m, nil
}

func (m CloseRespMsg) Bytes() []byte {
	var buf bytes.Buffer
	writeHeader(&buf, m.MsgType(), m.ChanId)
	buf.Write(m.Sig[:])
	return buf.Bytes()
}

func (m CloseRespMsg) Peer() PeerId    { return m.PeerIdx }
func (m CloseRespMsg) Chan() ChannelId { return m.ChanId }
func (m CloseRespMsg) MsgType() uint8  { return MSGID_CLOSERESP }
