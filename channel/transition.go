package channel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/lnlab/lnode/consts"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

// Transition applies one input to a channel and returns the effects to run
// once the new state is durable.  The caller hands in a private copy; on a
// non-nil error the copy is discarded and nothing was decided.
//
// Peer misbehavior never returns an error.  A malformed or out-of-order
// message costs the peer that one operation (a Reject goes back), and a
// real contract breach flips the channel into ForceClosing with the
// broadcast effect emitted exactly once.
func Transition(c *Chan, in Input) ([]Effect, error) {
	if c.Status.Terminal() {
		switch in.(type) {
		case PeerMsgInput, ConfirmInput, ReorgInput, ReplayCmd:
			logging.Debugf("chan %s closed, dropping %T\n", c.Id.String(), in)
			return nil, nil
		}
		return nil, Errf(InvalidCommand, "channel %s is closed", c.Id.String())
	}

	switch i := in.(type) {
	case OpenCmd:
		return openChannel(c, i)
	case CloseCmd:
		return closeChannel(c, i)
	case PushCmd:
		return pushFunds(c, i)
	case OfferHtlcCmd:
		return offerHtlc(c, i)
	case SettleHtlcCmd:
		return settleHtlc(c, i)
	case ReplayCmd:
		return replay(c)
	case PeerMsgInput:
		return peerMsg(c, i.Msg)
	case ConfirmInput:
		return confirmed(c, i)
	case ReorgInput:
		return reorged(c, i)
	}
	return nil, Errf(InvalidCommand, "unknown input %T", in)
}

func peerMsg(c *Chan, m lnutil.Msg) ([]Effect, error) {
	switch msg := m.(type) {
	case lnutil.ChanDescMsg:
		return chanDesc(c, msg)
	case lnutil.ChanAckMsg:
		return chanAck(c, msg)
	case lnutil.SigProofMsg:
		return sigProof(c, msg)
	case lnutil.DeltaSigMsg:
		return deltaSig(c, msg)
	case lnutil.SigRevMsg:
		return sigRev(c, msg)
	case lnutil.RevMsg:
		return rev(c, msg)
	case lnutil.HashSigMsg:
		return hashSig(c, msg)
	case lnutil.PreimageSigMsg:
		return preimageSig(c, msg)
	case lnutil.RejectMsg:
		return rejected(c, msg)
	case lnutil.CloseReqMsg:
		return closeReq(c, msg)
	case lnutil.CloseRespMsg:
		return closeResp(c, msg)
	}
	return nil, Errf(InvalidCommand, "unknown message type %x", m.MsgType())
}

// collisionReason marks a Reject caused by simultaneous proposals; the
// rejected side parks its proposal and retries after the winning round.
const collisionReason = "collision"

//---------- open

func openChannel(c *Chan, i OpenCmd) ([]Effect, error) {
	if c.Status != StatusNegotiating || c.Capacity != 0 {
		return nil, Errf(InvalidCommand, "channel %s already exists", c.Id.String())
	}
	if i.Capacity < consts.MinChanCapacity || i.Capacity > consts.MaxChanCapacity {
		return nil, Errf(InvalidCommand, "capacity %d out of range", i.Capacity)
	}
	if i.Push < 0 || i.Capacity-i.Push < consts.MinOutput {
		return nil, Errf(InvalidCommand, "push %d leaves no funder balance", i.Push)
	}

	c.Capacity = i.Capacity
	c.Push = i.Push
	c.ReqConfs = i.ReqConfs
	if c.ReqConfs == 0 {
		c.ReqConfs = consts.DefaultFundingConf
	}
	c.WaitConfs = i.WaitConfs
	c.WeInitiated = true
	c.State.MyAmt = i.Capacity - i.Push
	c.PendingCmd = i.ReqId

	desc := lnutil.NewChanDescMsg(c.Peer, c.Id, c.Capacity, c.Push, c.MyPub)
	return []Effect{SendMsgEffect{desc}}, nil
}

func chanDesc(c *Chan, m lnutil.ChanDescMsg) ([]Effect, error) {
	if c.Status != StatusNegotiating || c.Capacity != 0 {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_CHANDESC, "duplicate channel")
		return []Effect{SendMsgEffect{rej}}, nil
	}
	if m.Capacity < consts.MinChanCapacity || m.Capacity > consts.MaxChanCapacity ||
		m.Push < 0 || m.Capacity-m.Push < consts.MinOutput {
		c.Status = StatusClosed
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_CHANDESC,
			fmt.Sprintf("bad channel terms cap %d push %d", m.Capacity, m.Push))
		return []Effect{
			SendMsgEffect{rej},
			NotifyEffect{"chan.closed", c.Id.Hex()},
			ArchiveEffect{},
		}, nil
	}

	c.Capacity = m.Capacity
	c.Push = m.Push
	c.ReqConfs = consts.DefaultFundingConf
	c.WeInitiated = false
	c.TheirPub = m.Pub
	c.State.MyAmt = m.Push

	sig := SignState(c, 0, c.Capacity-c.Push, nil)
	ack := lnutil.NewChanAckMsg(c.Peer, c.Id, c.MyPub, sig)
	return []Effect{
		SendMsgEffect{ack},
		NotifyEffect{"chan.accepting", c.Id.String()},
	}, nil
}

func chanAck(c *Chan, m lnutil.ChanAckMsg) ([]Effect, error) {
	if c.Status != StatusNegotiating || !c.WeInitiated || c.Capacity == 0 {
		return violation(c, m, "unsolicited ChanAck"), nil
	}
	c.TheirPub = m.Pub
	if !VerifyStateSig(c, m.Sig, 0, c.Capacity-c.Push, nil) {
		// nothing funded yet, just abandon the negotiation
		c.Status = StatusClosed
		effs := auditEffects(c, m, "bad signature on first commitment")
		effs = append(effs, resolveFailed(c, ProtocolViolation, "peer signed a bad first commitment")...)
		effs = append(effs, NotifyEffect{"chan.closed", c.Id.Hex()}, ArchiveEffect{})
		return effs, nil
	}

	tx, op := BuildFundingTx(c)
	sig := SignState(c, 0, c.Capacity-c.Push, nil) // still under the provisional id
	c.FundingOp = op
	c.ProvId = c.Id
	c.Id = lnutil.ChanIdFromOutPoint(op)
	c.Status = StatusFundingSigned

	effs := []Effect{
		RekeyEffect{Old: c.ProvId, New: c.Id},
		SendMsgEffect{lnutil.NewSigProofMsg(c.Peer, c.ProvId, op, sig)},
		BroadcastTxEffect{Tx: tx, Txid: op.Txid},
		WatchEffect{Op: op, Depth: c.ReqConfs, Purpose: PurposeFunding},
		NotifyEffect{"chan.fundingsigned", c.Id.String()},
	}
	if !c.WaitConfs && c.PendingCmd != "" {
		effs = append(effs, ResolveEffect{ReqId: c.PendingCmd, Result: c.Id.String()})
		c.PendingCmd = ""
	}
	return effs, nil
}

func sigProof(c *Chan, m lnutil.SigProofMsg) ([]Effect, error) {
	if c.Status != StatusNegotiating || c.WeInitiated || c.Capacity == 0 {
		return violation(c, m, "unsolicited SigProof"), nil
	}
	if !VerifyStateSig(c, m.Sig, 0, c.Capacity-c.Push, nil) {
		c.Status = StatusClosed
		effs := auditEffects(c, m, "bad funder signature on first commitment")
		effs = append(effs, NotifyEffect{"chan.closed", c.Id.Hex()}, ArchiveEffect{})
		return effs, nil
	}

	c.FundingOp = m.Op
	c.ProvId = c.Id
	c.Id = lnutil.ChanIdFromOutPoint(m.Op)
	c.Status = StatusFundingSigned

	return []Effect{
		RekeyEffect{Old: c.ProvId, New: c.Id},
		WatchEffect{Op: m.Op, Depth: c.ReqConfs, Purpose: PurposeFunding},
		NotifyEffect{"chan.fundingsigned", c.Id.String()},
	}, nil
}

//---------- push

func pushFunds(c *Chan, i PushCmd) ([]Effect, error) {
	if err := checkActive(c); err != nil {
		return nil, err
	}
	if i.Amt < consts.MinSendAmt || i.Amt > consts.MaxSendAmt {
		return nil, Errf(InvalidCommand, "push amount %d out of range", i.Amt)
	}
	if c.State.MyAmt-i.Amt < consts.MinOutput {
		return nil, Errf(InvalidCommand,
			"push of %d leaves balance under %d", i.Amt, consts.MinOutput)
	}

	c.State.Delta = -int32(i.Amt)
	c.PendingCmd = i.ReqId
	return []Effect{SendMsgEffect{buildDeltaSig(c)}}, nil
}

// buildDeltaSig derives the DeltaSig for the push currently marked in
// Delta.  Also used verbatim on replay.
func buildDeltaSig(c *Chan) lnutil.DeltaSigMsg {
	amt := int64(-c.State.Delta)
	newIdx := c.State.CommitIdx + 1
	initAmt := c.TheirAmt() + amt
	if c.WeInitiated {
		initAmt = c.State.MyAmt - amt
	}
	sig := SignState(c, newIdx, initAmt, c.State.Htlcs)
	return lnutil.NewDeltaSigMsg(c.Peer, c.Id, int32(amt), newIdx, sig)
}

func deltaSig(c *Chan, m lnutil.DeltaSigMsg) ([]Effect, error) {
	if effs, ok := roundPreamble(c, m, m.CommitIdx); !ok {
		return effs, nil
	}
	delta := int64(m.Delta)
	if delta <= 0 {
		return violation(c, m, "non-positive push delta"), nil
	}
	if c.TheirAmt()-delta < consts.MinOutput {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_DELTASIG, "insufficient funds")
		return []Effect{SendMsgEffect{rej}}, nil
	}

	initAmt := c.TheirAmt() - delta
	if c.WeInitiated {
		initAmt = c.State.MyAmt + delta
	}
	if !VerifyStateSig(c, m.Sig, m.CommitIdx, initAmt, c.State.Htlcs) {
		return violation(c, m, "bad signature on pushed state"), nil
	}

	oldIdx := c.State.CommitIdx
	c.State.CommitIdx = m.CommitIdx
	c.State.MyAmt += delta
	c.State.AwaitRev = true

	return []Effect{
		SendMsgEffect{buildSigRev(c, oldIdx)},
		NotifyEffect{"push.received", fmt.Sprintf("%s amt %d", c.Id.String(), delta)},
	}, nil
}

// buildSigRev signs the state we just accepted and reveals the secret for
// the one it replaces.
func buildSigRev(c *Chan, revokedIdx uint64) lnutil.SigRevMsg {
	sig := SignState(c, c.State.CommitIdx, c.InitiatorAmt(), c.State.Htlcs)
	return lnutil.NewSigRevMsg(c.Peer, c.Id, c.State.CommitIdx, sig,
		RevSecret(c.RevSeed, revokedIdx))
}

func sigRev(c *Chan, m lnutil.SigRevMsg) ([]Effect, error) {
	if !c.OurRoundInFlight() {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_SIGREV, "no round in flight")
		return []Effect{SendMsgEffect{rej}}, nil
	}
	if m.CommitIdx != c.State.CommitIdx+1 {
		return violation(c, m,
			fmt.Sprintf("SigRev for commit %d, expected %d", m.CommitIdx, c.State.CommitIdx+1)), nil
	}

	// work out what our in-flight round does to the state
	newAmt := c.State.MyAmt
	htlcs := copyHtlcs(c.State.Htlcs)
	var notify NotifyEffect
	switch {
	case c.State.Delta < 0:
		newAmt += int64(c.State.Delta)
		notify = NotifyEffect{"push.sent", c.Id.String()}
	case c.State.InProgSettle:
		h := c.State.InProgHtlc
		for k := range htlcs {
			if htlcs[k].Idx == h.Idx {
				htlcs[k].Cleared = true
				htlcs[k].R = h.R
			}
		}
		newAmt += h.Amt
		notify = NotifyEffect{"htlc.settled",
			fmt.Sprintf("%s htlc %d hash %s", c.Id.String(), h.Idx,
				hex.EncodeToString(h.RHash[:]))}
	default:
		htlcs = append(htlcs, *c.State.InProgHtlc)
		newAmt -= c.State.InProgHtlc.Amt
		notify = NotifyEffect{"htlc.offered", fmt.Sprintf("%s htlc %d", c.Id.String(), c.State.InProgHtlc.Idx)}
	}

	initAmt := c.Capacity - newAmt - inFlight(htlcs)
	if c.WeInitiated {
		initAmt = newAmt
	}
	if !VerifyStateSig(c, m.Sig, m.CommitIdx, initAmt, htlcs) {
		return violation(c, m, "bad signature in SigRev"), nil
	}

	oldIdx := c.State.CommitIdx
	c.TheirRevSecrets[oldIdx] = m.RevSecret
	c.State.CommitIdx = m.CommitIdx
	c.State.MyAmt = newAmt
	c.State.Htlcs = htlcs
	c.State.Delta = 0
	c.State.InProgHtlc = nil
	c.State.InProgSettle = false

	effs := []Effect{
		SendMsgEffect{lnutil.NewRevMsg(c.Peer, c.Id, RevSecret(c.RevSeed, oldIdx))},
		notify,
	}
	if c.PendingCmd != "" {
		effs = append(effs, ResolveEffect{ReqId: c.PendingCmd, Result: c.Id.String()})
		c.PendingCmd = ""
	}
	return effs, nil
}

func rev(c *Chan, m lnutil.RevMsg) ([]Effect, error) {
	if !c.State.AwaitRev {
		logging.Debugf("chan %s stray Rev, dropping\n", c.Id.String())
		return nil, nil
	}
	c.TheirRevSecrets[c.State.CommitIdx-1] = m.RevSecret
	c.State.AwaitRev = false

	effs := []Effect{NotifyEffect{"round.complete", c.Id.String()}}

	// a proposal of ours that lost the tie-break goes out now
	switch {
	case c.State.CollidedDelta != 0:
		amt := int64(-c.State.CollidedDelta)
		c.State.CollidedDelta = 0
		if c.State.MyAmt-amt < consts.MinOutput {
			effs = append(effs, resolveFailed(c, InvalidCommand,
				"balance changed, push no longer affordable")...)
			return effs, nil
		}
		c.State.Delta = -int32(amt)
		effs = append(effs, SendMsgEffect{buildDeltaSig(c)})
	case c.State.CollidedHtlc != nil:
		h := c.State.CollidedHtlc
		c.State.CollidedHtlc = nil
		if c.State.MyAmt-h.Amt < consts.MinOutput {
			effs = append(effs, resolveFailed(c, InvalidCommand,
				"balance changed, htlc no longer affordable")...)
			return effs, nil
		}
		c.State.InProgHtlc = h
		effs = append(effs, SendMsgEffect{buildHashSig(c)})
	}
	return effs, nil
}

func rejected(c *Chan, m lnutil.RejectMsg) ([]Effect, error) {
	if !c.OurRoundInFlight() {
		logging.Debugf("chan %s stray Reject (%s), dropping\n", c.Id.String(), m.Reason)
		return nil, nil
	}
	logging.Infof("chan %s peer rejected our %x: %s\n", c.Id.String(), m.RefType, m.Reason)

	if m.Reason == collisionReason {
		// park the proposal; it re-fires when the peer's round finishes
		c.State.CollidedDelta = c.State.Delta
		c.State.CollidedHtlc = c.State.InProgHtlc
		c.State.Delta = 0
		c.State.InProgHtlc = nil
		c.State.InProgSettle = false
		return nil, nil
	}

	c.State.Delta = 0
	c.State.InProgHtlc = nil
	c.State.InProgSettle = false
	return resolveFailed(c, InvalidCommand, "peer rejected: "+m.Reason), nil
}

//---------- htlc

func offerHtlc(c *Chan, i OfferHtlcCmd) ([]Effect, error) {
	if err := checkActive(c); err != nil {
		return nil, err
	}
	if unclearedCount(c.State.Htlcs) >= consts.MaxHtlcsPerChan {
		return nil, Errf(ResourceExhaustion,
			"channel %s already carries %d htlcs", c.Id.String(), consts.MaxHtlcsPerChan)
	}
	if i.Amt < consts.MinSendAmt || i.Amt > consts.MaxSendAmt {
		return nil, Errf(InvalidCommand, "htlc amount %d out of range", i.Amt)
	}
	if c.State.MyAmt-i.Amt < consts.MinOutput {
		return nil, Errf(InvalidCommand, "htlc of %d exceeds spendable balance", i.Amt)
	}

	locktime := i.Locktime
	if locktime == 0 {
		locktime = consts.DefaultLockTime
	}
	h := Htlc{
		Idx:      c.State.NextHtlcIdx,
		Amt:      i.Amt,
		RHash:    i.RHash,
		Locktime: locktime,
	}
	c.State.NextHtlcIdx++
	c.State.InProgHtlc = &h
	c.PendingCmd = i.ReqId
	return []Effect{SendMsgEffect{buildHashSig(c)}}, nil
}

func buildHashSig(c *Chan) lnutil.HashSigMsg {
	h := c.State.InProgHtlc
	newIdx := c.State.CommitIdx + 1
	htlcs := append(copyHtlcs(c.State.Htlcs), *h)
	initAmt := c.TheirAmt()
	if c.WeInitiated {
		initAmt = c.State.MyAmt - h.Amt
	}
	sig := SignState(c, newIdx, initAmt, htlcs)
	return lnutil.NewHashSigMsg(c.Peer, c.Id, h.Idx, h.Amt, h.RHash, h.Locktime, newIdx, sig)
}

func hashSig(c *Chan, m lnutil.HashSigMsg) ([]Effect, error) {
	if effs, ok := roundPreamble(c, m, m.CommitIdx); !ok {
		return effs, nil
	}
	if unclearedCount(c.State.Htlcs) >= consts.MaxHtlcsPerChan {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_HASHSIG, "htlc limit reached")
		return []Effect{SendMsgEffect{rej}}, nil
	}
	if m.Amt < consts.MinSendAmt || c.TheirAmt()-m.Amt < consts.MinOutput {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_HASHSIG, "insufficient funds")
		return []Effect{SendMsgEffect{rej}}, nil
	}

	h := Htlc{
		Idx:      m.HtlcIdx,
		Amt:      m.Amt,
		RHash:    m.RHash,
		Locktime: m.Locktime,
		Incoming: true,
	}
	htlcs := append(copyHtlcs(c.State.Htlcs), h)
	initAmt := c.TheirAmt() - m.Amt
	if c.WeInitiated {
		initAmt = c.State.MyAmt
	}
	if !VerifyStateSig(c, m.Sig, m.CommitIdx, initAmt, htlcs) {
		return violation(c, m, "bad signature on offered htlc"), nil
	}

	oldIdx := c.State.CommitIdx
	c.State.CommitIdx = m.CommitIdx
	c.State.Htlcs = htlcs
	if m.HtlcIdx >= c.State.NextHtlcIdx {
		c.State.NextHtlcIdx = m.HtlcIdx + 1
	}
	c.State.AwaitRev = true

	return []Effect{
		SendMsgEffect{buildSigRev(c, oldIdx)},
		// hex channel id so the settle loop can parse it back
		NotifyEffect{"htlc.received",
			fmt.Sprintf("%s htlc %d amt %d hash %s",
				c.Id.Hex(), h.Idx, h.Amt, hex.EncodeToString(h.RHash[:]))},
	}, nil
}

func settleHtlc(c *Chan, i SettleHtlcCmd) ([]Effect, error) {
	if err := checkActive(c); err != nil {
		return nil, err
	}
	rhash := sha256.Sum256(i.R[:])
	var found *Htlc
	for k := range c.State.Htlcs {
		h := &c.State.Htlcs[k]
		if h.Incoming && !h.Cleared && h.RHash == rhash {
			found = h
			break
		}
	}
	if found == nil {
		return nil, Errf(InvalidCommand, "no open incoming htlc matches preimage")
	}

	h := *found
	h.R = i.R
	c.State.InProgHtlc = &h
	c.State.InProgSettle = true
	c.PendingCmd = i.ReqId
	return []Effect{SendMsgEffect{buildPreimageSig(c)}}, nil
}

func buildPreimageSig(c *Chan) lnutil.PreimageSigMsg {
	h := c.State.InProgHtlc
	newIdx := c.State.CommitIdx + 1
	htlcs := copyHtlcs(c.State.Htlcs)
	for k := range htlcs {
		if htlcs[k].Idx == h.Idx {
			htlcs[k].Cleared = true
			htlcs[k].R = h.R
		}
	}
	initAmt := c.TheirAmt()
	if c.WeInitiated {
		initAmt = c.State.MyAmt + h.Amt
	}
	sig := SignState(c, newIdx, initAmt, htlcs)
	return lnutil.NewPreimageSigMsg(c.Peer, c.Id, h.Idx, h.R, newIdx, sig)
}

func preimageSig(c *Chan, m lnutil.PreimageSigMsg) ([]Effect, error) {
	if effs, ok := roundPreamble(c, m, m.CommitIdx); !ok {
		return effs, nil
	}
	var found *Htlc
	for k := range c.State.Htlcs {
		h := &c.State.Htlcs[k]
		if !h.Incoming && !h.Cleared && h.Idx == m.HtlcIdx {
			found = h
			break
		}
	}
	if found == nil {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_PREIMAGESIG, "unknown htlc")
		return []Effect{SendMsgEffect{rej}}, nil
	}
	if sha256.Sum256(m.R[:]) != found.RHash {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_PREIMAGESIG, "bad preimage")
		return []Effect{SendMsgEffect{rej}}, nil
	}

	htlcs := copyHtlcs(c.State.Htlcs)
	for k := range htlcs {
		if htlcs[k].Idx == m.HtlcIdx {
			htlcs[k].Cleared = true
			htlcs[k].R = m.R
		}
	}
	initAmt := c.TheirAmt() + found.Amt
	if c.WeInitiated {
		initAmt = c.State.MyAmt
	}
	if !VerifyStateSig(c, m.Sig, m.CommitIdx, initAmt, htlcs) {
		return violation(c, m, "bad signature on settle"), nil
	}

	oldIdx := c.State.CommitIdx
	c.State.CommitIdx = m.CommitIdx
	c.State.Htlcs = htlcs
	c.State.AwaitRev = true

	return []Effect{
		SendMsgEffect{buildSigRev(c, oldIdx)},
		NotifyEffect{"htlc.cleared", fmt.Sprintf("%s htlc %d", c.Id.String(), m.HtlcIdx)},
	}, nil
}

//---------- close

func closeChannel(c *Chan, i CloseCmd) ([]Effect, error) {
	if i.Force {
		switch c.Status {
		case StatusNegotiating:
			// nothing on chain to sweep; fail the open still waiting on
			// this channel, then drop it
			effs := resolveFailed(c, InvalidCommand, "open abandoned before funding")
			c.Status = StatusClosed
			return append(effs,
				ResolveEffect{ReqId: i.ReqId, Result: "abandoned"},
				NotifyEffect{"chan.closed", c.Id.Hex()},
				ArchiveEffect{},
			), nil
		case StatusForceClosing:
			return nil, Errf(InvalidCommand, "channel %s already force closing", c.Id.String())
		}
		// a command still waiting on this channel (a waitconfs open, say)
		// is displaced by the close and fails
		effs := resolveFailed(c, InvalidCommand, "superseded by close")
		c.PendingCmd = i.ReqId
		return append(effs, forceClose(c, "operator request")...), nil
	}

	if c.Status != StatusActive {
		return nil, Errf(InvalidCommand,
			"channel %s is %s, cooperative close needs Active", c.Id.String(), c.Status.String())
	}
	if c.UpdateInFlight() {
		return nil, Errf(InvalidCommand, "channel %s has an update in flight", c.Id.String())
	}

	c.WeClosed = true
	c.CloseFee = consts.CloseFee
	c.PendingCmd = i.ReqId
	c.Status = StatusClosingNegotiated

	sig := SignCloseTx(c, c.CloseFee)
	return []Effect{
		SendMsgEffect{lnutil.NewCloseReqMsg(c.Peer, c.Id, c.CloseFee, sig)},
	}, nil
}

func closeReq(c *Chan, m lnutil.CloseReqMsg) ([]Effect, error) {
	if c.Status != StatusActive || c.UpdateInFlight() {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, lnutil.MSGID_CLOSEREQ, "busy, try again")
		return []Effect{SendMsgEffect{rej}}, nil
	}
	if !VerifyCloseSig(c, m.Sig, m.Fee) {
		return violation(c, m, "bad signature on close request"), nil
	}

	c.CloseFee = m.Fee
	c.Status = StatusClosingNegotiated
	_, ctxid := BuildCloseTx(c, m.Fee)
	c.CloseTxid = ctxid

	sig := SignCloseTx(c, m.Fee)
	return []Effect{
		SendMsgEffect{lnutil.NewCloseRespMsg(c.Peer, c.Id, sig)},
		WatchEffect{
			Op:      lnutil.OutPoint{Txid: ctxid, Index: 0},
			Depth:   consts.CloseConf,
			Purpose: PurposeClosing,
		},
		NotifyEffect{"chan.closing", c.Id.String()},
	}, nil
}

func closeResp(c *Chan, m lnutil.CloseRespMsg) ([]Effect, error) {
	if c.Status != StatusClosingNegotiated || !c.WeClosed {
		return violation(c, m, "unsolicited close response"), nil
	}
	if !VerifyCloseSig(c, m.Sig, c.CloseFee) {
		return violation(c, m, "bad countersignature on close"), nil
	}

	tx, ctxid := BuildCloseTx(c, c.CloseFee)
	c.CloseTxid = ctxid
	return []Effect{
		BroadcastTxEffect{Tx: tx, Txid: ctxid},
		WatchEffect{
			Op:      lnutil.OutPoint{Txid: ctxid, Index: 0},
			Depth:   consts.CloseConf,
			Purpose: PurposeClosing,
		},
		NotifyEffect{"chan.closing", c.Id.String()},
	}, nil
}

//---------- chain events

func confirmed(c *Chan, i ConfirmInput) ([]Effect, error) {
	switch i.Purpose {
	case PurposeFunding:
		if c.Status != StatusFundingSigned {
			logging.Debugf("chan %s funding confirm in %s, dropping\n",
				c.Id.String(), c.Status.String())
			return nil, nil
		}
		c.Status = StatusActive
		effs := []Effect{NotifyEffect{"chan.active", c.Id.String()}}
		if c.PendingCmd != "" {
			effs = append(effs, ResolveEffect{ReqId: c.PendingCmd, Result: c.Id.String()})
			c.PendingCmd = ""
		}
		return effs, nil

	case PurposeClosing:
		if c.Status != StatusClosingNegotiated && c.Status != StatusForceClosing {
			return nil, nil
		}
		c.Status = StatusClosed
		effs := []Effect{
			NotifyEffect{"chan.closed", c.Id.Hex()},
		}
		if c.PendingCmd != "" {
			effs = append(effs, ResolveEffect{ReqId: c.PendingCmd, Result: "closed"})
			c.PendingCmd = ""
		}
		effs = append(effs, ArchiveEffect{})
		return effs, nil
	}
	return nil, nil
}

func reorged(c *Chan, i ReorgInput) ([]Effect, error) {
	logging.Warnf("chan %s reorg on %s outpoint %s\n",
		c.Id.String(), i.Purpose.String(), i.Op.String())

	switch i.Purpose {
	case PurposeFunding:
		if c.Status != StatusActive && c.Status != StatusFundingSigned {
			return nil, nil
		}
		c.Status = StatusFundingSigned
		effs := []Effect{
			WatchEffect{Op: c.FundingOp, Depth: c.ReqConfs, Purpose: PurposeFunding},
			NotifyEffect{"chan.reorg", c.Id.String()},
		}
		if c.WeInitiated {
			tx, op := BuildFundingTx(c)
			effs = append([]Effect{BroadcastTxEffect{Tx: tx, Txid: op.Txid}}, effs...)
		}
		return effs, nil

	case PurposeClosing:
		var tx []byte
		var ctxid [32]byte
		if c.Forced {
			c.Status = StatusForceClosing
			tx, ctxid = BuildCommitTx(c)
		} else {
			c.Status = StatusClosingNegotiated
			tx, ctxid = BuildCloseTx(c, c.CloseFee)
		}
		c.CloseTxid = ctxid
		return []Effect{
			BroadcastTxEffect{Tx: tx, Txid: ctxid},
			WatchEffect{
				Op:      lnutil.OutPoint{Txid: ctxid, Index: 0},
				Depth:   consts.CloseConf,
				Purpose: PurposeClosing,
			},
			NotifyEffect{"chan.reorg", c.Id.String()},
		}, nil
	}
	return nil, nil
}

//---------- restart

// replay re-emits whatever the channel was waiting on when the node went
// down.  Everything it sends is recomputed from the persisted state, so a
// duplicate on the wire is identical to the lost original.
func replay(c *Chan) ([]Effect, error) {
	switch c.Status {
	case StatusNegotiating:
		if c.Capacity == 0 {
			return nil, nil
		}
		if c.WeInitiated {
			desc := lnutil.NewChanDescMsg(c.Peer, c.Id, c.Capacity, c.Push, c.MyPub)
			return []Effect{SendMsgEffect{desc}}, nil
		}
		sig := SignState(c, 0, c.Capacity-c.Push, nil)
		return []Effect{SendMsgEffect{lnutil.NewChanAckMsg(c.Peer, c.Id, c.MyPub, sig)}}, nil

	case StatusFundingSigned:
		effs := []Effect{
			WatchEffect{Op: c.FundingOp, Depth: c.ReqConfs, Purpose: PurposeFunding},
		}
		if c.WeInitiated {
			tx, op := BuildFundingTx(c)
			// re-sign under the provisional id the peer still knows
			saved := c.Id
			c.Id = c.ProvId
			sig := SignState(c, 0, c.Capacity-c.Push, nil)
			c.Id = saved
			effs = append([]Effect{
				SendMsgEffect{lnutil.NewSigProofMsg(c.Peer, c.ProvId, op, sig)},
				BroadcastTxEffect{Tx: tx, Txid: op.Txid},
			}, effs...)
		}
		return effs, nil

	case StatusActive:
		switch {
		case c.State.Delta < 0:
			return []Effect{SendMsgEffect{buildDeltaSig(c)}}, nil
		case c.State.InProgSettle:
			return []Effect{SendMsgEffect{buildPreimageSig(c)}}, nil
		case c.State.InProgHtlc != nil:
			return []Effect{SendMsgEffect{buildHashSig(c)}}, nil
		case c.State.AwaitRev:
			return []Effect{SendMsgEffect{buildSigRev(c, c.State.CommitIdx - 1)}}, nil
		}
		return nil, nil

	case StatusClosingNegotiated:
		if c.CloseTxid == ([32]byte{}) {
			if !c.WeClosed {
				return nil, nil
			}
			sig := SignCloseTx(c, c.CloseFee)
			return []Effect{SendMsgEffect{lnutil.NewCloseReqMsg(c.Peer, c.Id, c.CloseFee, sig)}}, nil
		}
		effs := []Effect{
			WatchEffect{
				Op:      lnutil.OutPoint{Txid: c.CloseTxid, Index: 0},
				Depth:   consts.CloseConf,
				Purpose: PurposeClosing,
			},
		}
		if c.WeClosed {
			tx, ctxid := BuildCloseTx(c, c.CloseFee)
			effs = append([]Effect{BroadcastTxEffect{Tx: tx, Txid: ctxid}}, effs...)
		}
		return effs, nil

	case StatusForceClosing:
		tx, ctxid := BuildCommitTx(c)
		return []Effect{
			BroadcastTxEffect{Tx: tx, Txid: ctxid},
			WatchEffect{
				Op:      lnutil.OutPoint{Txid: ctxid, Index: 0},
				Depth:   consts.CloseConf,
				Purpose: PurposeClosing,
			},
		}, nil
	}
	return nil, nil
}

//---------- helpers

func checkActive(c *Chan) error {
	if c.Status != StatusActive {
		return Errf(InvalidCommand,
			"channel %s is %s, not Active", c.Id.String(), c.Status.String())
	}
	if c.UpdateInFlight() {
		return Errf(InvalidCommand, "channel %s has an update in flight", c.Id.String())
	}
	return nil
}

// roundPreamble runs the shared checks for an update proposal from the
// peer: channel phase, commitment number freshness, and the simultaneous
// proposal tie-break.  ok false means the returned effects are the whole
// answer.
func roundPreamble(c *Chan, m lnutil.Msg, commitIdx uint64) ([]Effect, bool) {
	if c.Status != StatusActive {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, m.MsgType(), "channel not active")
		return []Effect{SendMsgEffect{rej}}, false
	}
	if commitIdx <= c.State.CommitIdx {
		return violation(c, m,
			fmt.Sprintf("stale commit %d, current is %d", commitIdx, c.State.CommitIdx)), false
	}
	if commitIdx > c.State.CommitIdx+1 {
		return violation(c, m,
			fmt.Sprintf("commit %d skips ahead of %d", commitIdx, c.State.CommitIdx)), false
	}
	if c.State.AwaitRev {
		rej := lnutil.NewRejectMsg(c.Peer, c.Id, m.MsgType(), "previous round unfinished")
		return []Effect{SendMsgEffect{rej}}, false
	}
	if c.OurRoundInFlight() {
		// both sides proposed for the same slot.  The initiator's proposal
		// goes first; the other side parks its own and retries after.
		if c.WeInitiated {
			rej := lnutil.NewRejectMsg(c.Peer, c.Id, m.MsgType(), collisionReason)
			return []Effect{SendMsgEffect{rej}}, false
		}
		c.State.CollidedDelta = c.State.Delta
		c.State.CollidedHtlc = c.State.InProgHtlc
		c.State.Delta = 0
		c.State.InProgHtlc = nil
		c.State.InProgSettle = false
	}
	return nil, true
}

// violation force-closes and leaves an audit record of the offending
// message.
func violation(c *Chan, m lnutil.Msg, reason string) []Effect {
	logging.Errorf("chan %s protocol violation from %s: %s\n",
		c.Id.String(), m.Peer().String(), reason)
	effs := auditEffects(c, m, reason)
	effs = append(effs, resolveFailed(c, ProtocolViolation, reason)...)
	effs = append(effs, forceClose(c, reason)...)
	return effs
}

func auditEffects(c *Chan, m lnutil.Msg, reason string) []Effect {
	return []Effect{NotifyEffect{
		Topic: "audit.violation",
		Detail: fmt.Sprintf("chan %s peer %s reason %q msg %s",
			c.Id.String(), m.Peer().String(), reason,
			hex.EncodeToString(m.Bytes())),
	}}
}

// forceClose flips to ForceClosing and emits the commitment broadcast.
// Safe to call twice; the second call is a no-op so the broadcast only ever
// goes out once.
func forceClose(c *Chan, reason string) []Effect {
	if c.Status == StatusForceClosing || c.Status == StatusClosed {
		return nil
	}
	c.Status = StatusForceClosing
	c.Forced = true
	tx, ctxid := BuildCommitTx(c)
	c.CloseTxid = ctxid
	return []Effect{
		BroadcastTxEffect{Tx: tx, Txid: ctxid},
		WatchEffect{
			Op:      lnutil.OutPoint{Txid: ctxid, Index: 0},
			Depth:   consts.CloseConf,
			Purpose: PurposeClosing,
		},
		NotifyEffect{"chan.forceclose", fmt.Sprintf("%s: %s", c.Id.String(), reason)},
	}
}

func resolveFailed(c *Chan, kind Kind, reason string) []Effect {
	if c.PendingCmd == "" {
		return nil
	}
	eff := ResolveEffect{ReqId: c.PendingCmd, Err: Errf(kind, "%s", reason)}
	c.PendingCmd = ""
	return []Effect{eff}
}

func copyHtlcs(in []Htlc) []Htlc {
	out := make([]Htlc, len(in))
	copy(out, in)
	return out
}

func unclearedCount(htlcs []Htlc) int {
	var n int
	for _, h := range htlcs {
		if !h.Cleared {
			n++
		}
	}
	return n
}

func inFlight(htlcs []Htlc) int64 {
	var sum int64
	for _, h := range htlcs {
		if !h.Cleared {
			sum += h.Amt
		}
	}
	return sum
}
