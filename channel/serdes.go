package channel

import (
	"bytes"
	"fmt"

	"github.com/lnlab/lnode/lnutil"
)

/* Checkpoint serialization.  Fixed-width header, then the variable tail:
htlc list, revealed revocation secrets, pending command id.  Flags pack the
bools into one byte.  Layout only ever grows at the end so old checkpoints
stay readable. */

const (
	flagWeInitiated = 1 << iota
	flagWaitConfs
	flagWeClosed
	flagForced
	flagAwaitRev
	flagInProgSettle
)

func putHtlc(buf *bytes.Buffer, h Htlc) {
	buf.Write(lnutil.U32tB(h.Idx))
	buf.Write(lnutil.I64tB(h.Amt))
	buf.Write(h.RHash[:])
	buf.Write(h.R[:])
	buf.Write(lnutil.U32tB(h.Locktime))
	var fl byte
	if h.Incoming {
		fl |= 1
	}
	if h.Cleared {
		fl |= 2
	}
	buf.WriteByte(fl)
}

const htlcLen = 4 + 8 + 32 + 32 + 4 + 1

func getHtlc(b []byte) Htlc {
	var h Htlc
	h.Idx = lnutil.BtU32(b[:4])
	h.Amt = lnutil.BtI64(b[4:12])
	copy(h.RHash[:], b[12:44])
	copy(h.R[:], b[44:76])
	h.Locktime = lnutil.BtU32(b[76:80])
	h.Incoming = b[80]&1 != 0
	h.Cleared = b[80]&2 != 0
	return h
}

// Bytes serializes the whole channel for a checkpoint write.
func (c *Chan) Bytes() []byte {
	var buf bytes.Buffer

	buf.Write(c.Id[:])
	buf.Write(c.Peer[:])
	buf.Write(lnutil.I64tB(c.Capacity))
	buf.Write(lnutil.I64tB(c.Push))
	buf.WriteByte(byte(c.Status))
	opArr := c.FundingOp.Bytes()
	buf.Write(opArr[:])
	buf.Write(lnutil.U32tB(c.ReqConfs))
	buf.Write(c.ProvId[:])
	buf.Write(c.MyPub[:])
	buf.Write(c.TheirPub[:])
	buf.Write(c.RevSeed[:])
	buf.Write(c.SharedSecret[:])
	buf.Write(lnutil.I64tB(c.CloseFee))
	buf.Write(c.CloseTxid[:])
	buf.Write(lnutil.I32tB(c.CloseHeight))

	var fl byte
	if c.WeInitiated {
		fl |= flagWeInitiated
	}
	if c.WaitConfs {
		fl |= flagWaitConfs
	}
	if c.WeClosed {
		fl |= flagWeClosed
	}
	if c.Forced {
		fl |= flagForced
	}
	if c.State.AwaitRev {
		fl |= flagAwaitRev
	}
	if c.State.InProgSettle {
		fl |= flagInProgSettle
	}
	buf.WriteByte(fl)

	buf.Write(lnutil.U64tB(c.State.CommitIdx))
	buf.Write(lnutil.I64tB(c.State.MyAmt))
	buf.Write(lnutil.I32tB(c.State.Delta))
	buf.Write(lnutil.I32tB(c.State.CollidedDelta))
	buf.Write(lnutil.U32tB(c.State.NextHtlcIdx))

	// optional in-progress and collided htlcs, presence-prefixed
	if c.State.InProgHtlc != nil {
		buf.WriteByte(1)
		putHtlc(&buf, *c.State.InProgHtlc)
	} else {
		buf.WriteByte(0)
	}
	if c.State.CollidedHtlc != nil {
		buf.WriteByte(1)
		putHtlc(&buf, *c.State.CollidedHtlc)
	} else {
		buf.WriteByte(0)
	}

	buf.Write(lnutil.U32tB(uint32(len(c.State.Htlcs))))
	for _, h := range c.State.Htlcs {
		putHtlc(&buf, h)
	}

	buf.Write(lnutil.U32tB(uint32(len(c.TheirRevSecrets))))
	for idx, sec := range c.TheirRevSecrets {
		buf.Write(lnutil.U64tB(idx))
		buf.Write(sec[:])
	}

	buf.Write(lnutil.U32tB(uint32(len(c.PendingCmd))))
	buf.WriteString(c.PendingCmd)

	return buf.Bytes()
}

const fixedChanLen = 36 + 33 + 8 + 8 + 1 + 36 + 4 + 36 + 33 + 33 + 32 + 32 + 8 + 32 + 4 + 1 +
	8 + 8 + 4 + 4 + 4

// ChanFromBytes rebuilds a channel from checkpoint bytes.
func ChanFromBytes(b []byte) (*Chan, error) {
	if len(b) < fixedChanLen {
		return nil, fmt.Errorf("checkpoint %d bytes, expect at least %d",
			len(b), fixedChanLen)
	}
	c := new(Chan)
	c.TheirRevSecrets = make(map[uint64][32]byte)

	pos := 0
	copy(c.Id[:], b[pos:pos+36])
	pos += 36
	copy(c.Peer[:], b[pos:pos+33])
	pos += 33
	c.Capacity = lnutil.BtI64(b[pos : pos+8])
	pos += 8
	c.Push = lnutil.BtI64(b[pos : pos+8])
	pos += 8
	c.Status = Status(b[pos])
	pos++
	var opArr [36]byte
	copy(opArr[:], b[pos:pos+36])
	c.FundingOp = lnutil.OutPointFromBytes(opArr)
	pos += 36
	c.ReqConfs = lnutil.BtU32(b[pos : pos+4])
	pos += 4
	copy(c.ProvId[:], b[pos:pos+36])
	pos += 36
	copy(c.MyPub[:], b[pos:pos+33])
	pos += 33
	copy(c.TheirPub[:], b[pos:pos+33])
	pos += 33
	copy(c.RevSeed[:], b[pos:pos+32])
	pos += 32
	copy(c.SharedSecret[:], b[pos:pos+32])
	pos += 32
	c.CloseFee = lnutil.BtI64(b[pos : pos+8])
	pos += 8
	copy(c.CloseTxid[:], b[pos:pos+32])
	pos += 32
	c.CloseHeight = lnutil.BtI32(b[pos : pos+4])
	pos += 4

	fl := b[pos]
	pos++
	c.WeInitiated = fl&flagWeInitiated != 0
	c.WaitConfs = fl&flagWaitConfs != 0
	c.WeClosed = fl&flagWeClosed != 0
	c.Forced = fl&flagForced != 0
	c.State.AwaitRev = fl&flagAwaitRev != 0
	c.State.InProgSettle = fl&flagInProgSettle != 0

	c.State.CommitIdx = lnutil.BtU64(b[pos : pos+8])
	pos += 8
	c.State.MyAmt = lnutil.BtI64(b[pos : pos+8])
	pos += 8
	c.State.Delta = lnutil.BtI32(b[pos : pos+4])
	pos += 4
	c.State.CollidedDelta = lnutil.BtI32(b[pos : pos+4])
	pos += 4
	c.State.NextHtlcIdx = lnutil.BtU32(b[pos : pos+4])
	pos += 4

	for _, target := range []**Htlc{&c.State.InProgHtlc, &c.State.CollidedHtlc} {
		if pos >= len(b) {
			return nil, fmt.Errorf("checkpoint truncated at htlc marker")
		}
		present := b[pos]
		pos++
		if present == 0 {
			continue
		}
		if pos+htlcLen > len(b) {
			return nil, fmt.Errorf("checkpoint truncated in htlc")
		}
		h := getHtlc(b[pos : pos+htlcLen])
		*target = &h
		pos += htlcLen
	}

	if pos+4 > len(b) {
		return nil, fmt.Errorf("checkpoint truncated at htlc count")
	}
	nHtlc := int(lnutil.BtU32(b[pos : pos+4]))
	pos += 4
	if pos+nHtlc*htlcLen > len(b) {
		return nil, fmt.Errorf("checkpoint truncated in htlc list")
	}
	for i := 0; i < nHtlc; i++ {
		c.State.Htlcs = append(c.State.Htlcs, getHtlc(b[pos:pos+htlcLen]))
		pos += htlcLen
	}

	if pos+4 > len(b) {
		return nil, fmt.Errorf("checkpoint truncated at secret count")
	}
	nSec := int(lnutil.BtU32(b[pos : pos+4]))
	pos += 4
	if pos+nSec*40 > len(b) {
		return nil, fmt.Errorf("checkpoint truncated in secret list")
	}
	for i := 0; i < nSec; i++ {
		idx := lnutil.BtU64(b[pos : pos+8])
		var sec [32]byte
		copy(sec[:], b[pos+8:pos+40])
		c.TheirRevSecrets[idx] = sec
		pos += 40
	}

	if pos+4 > len(b) {
		return nil, fmt.Errorf("checkpoint truncated at command id")
	}
	nCmd := int(lnutil.BtU32(b[pos : pos+4]))
	pos += 4
	if pos+nCmd > len(b) {
		return nil, fmt.Errorf("checkpoint truncated in command id")
	}
	c.PendingCmd = string(b[pos : pos+nCmd])

	return c, nil
}
