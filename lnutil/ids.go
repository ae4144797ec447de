package lnutil

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PeerId is the static public identity key of a peer.  The first byte is a
// version marker, the remaining 32 bytes are the raw key.
type PeerId [33]byte

func (p PeerId) String() string {
	return hex.EncodeToString(p[:])
}

// PeerIdFromString parses a 66 character hex peer id.
func PeerIdFromString(s string) (PeerId, error) {
	var p PeerId
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, err
	}
	if len(b) != 33 {
		return p, fmt.Errorf("peer id %s is %d bytes, expect 33", s, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// OutPoint identifies a transaction output on chain.
type OutPoint struct {
	Txid  [32]byte
	Index uint32
}

func (op OutPoint) String() string {
	return fmt.Sprintf("%x:%d", op.Txid, op.Index)
}

// Bytes gives the 36 byte txid:index serialization.
func (op OutPoint) Bytes() [36]byte {
	var b [36]byte
	copy(b[:32], op.Txid[:])
	copy(b[32:], U32tB(op.Index))
	return b
}

func OutPointFromBytes(b [36]byte) OutPoint {
	var op OutPoint
	copy(op.Txid[:], b[:32])
	op.Index = BtU32(b[32:])
	return op
}

func OutPointsEqual(a, b OutPoint) bool {
	return a.Index == b.Index && bytes.Equal(a.Txid[:], b.Txid[:])
}

// ChannelId identifies a channel.  Once the funding transaction is known the
// id is the 36 byte funding outpoint.  Before that the channel carries a
// provisional id: 32 random bytes with the index field pegged to ffffffff.
type ChannelId [36]byte

const provisionalMarker = uint32(0xffffffff)

// NewProvisionalChanId makes a random pre-funding channel id.
func NewProvisionalChanId() ChannelId {
	var c ChannelId
	rand.Read(c[:32])
	copy(c[32:], U32tB(provisionalMarker))
	return c
}

// ChanIdFromOutPoint derives the permanent channel id from the funding
// outpoint.
func ChanIdFromOutPoint(op OutPoint) ChannelId {
	return ChannelId(op.Bytes())
}

// ChanIdFromString parses a 72 character hex channel id.
func ChanIdFromString(s string) (ChannelId, error) {
	var c ChannelId
	b, err := hex.DecodeString(s)
	if err != nil {
		return c, err
	}
	if len(b) != 36 {
		return c, fmt.Errorf("channel id %s is %d bytes, expect 36", s, len(b))
	}
	copy(c[:], b)
	return c, nil
}

// Hex is the full 72 character form, parseable by ChanIdFromString.
func (c ChannelId) Hex() string {
	return hex.EncodeToString(c[:])
}

// Provisional is true for ids assigned before the funding tx exists.
func (c ChannelId) Provisional() bool {
	return BtU32(c[32:]) == provisionalMarker
}

func (c ChannelId) String() string {
	if c.Provisional() {
		return fmt.Sprintf("prov:%x", c[:8])
	}
	var b [36]byte
	copy(b[:], c[:])
	return OutPointFromBytes(b).String()
}

// OutPoint recovers the funding outpoint from a permanent channel id.
func (c ChannelId) OutPoint() OutPoint {
	var b [36]byte
	copy(b[:], c[:])
	return OutPointFromBytes(b)
}
