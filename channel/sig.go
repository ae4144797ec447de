package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"

	"github.com/lnlab/lnode/lnutil"
)

// Commitment signatures are macs over a canonical state digest, keyed by the
// channel's shared secret.  Both endpoints must build the exact same digest
// for a prospective state, so everything in it is expressed from the
// initiator's point of view.

// stateDigest hashes a prospective commitment: index, funder balance, and
// the uncleared htlc set.
func stateDigest(c *Chan, commitIdx uint64, initiatorAmt int64, htlcs []Htlc) [32]byte {
	h := sha256.New()
	h.Write(c.Id[:])
	h.Write(lnutil.U64tB(commitIdx))
	h.Write(lnutil.I64tB(initiatorAmt))
	h.Write(lnutil.I64tB(c.Capacity))
	for _, ht := range htlcs {
		if ht.Cleared {
			continue
		}
		h.Write(lnutil.U32tB(ht.Idx))
		h.Write(lnutil.I64tB(ht.Amt))
		h.Write(ht.RHash[:])
		h.Write(lnutil.U32tB(ht.Locktime))
		if ht.Incoming != c.WeInitiated {
			// offered by the initiator
			h.Write([]byte{0x01})
		} else {
			h.Write([]byte{0x00})
		}
	}
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

// SignState macs a prospective commitment state.
func SignState(c *Chan, commitIdx uint64, initiatorAmt int64, htlcs []Htlc) [64]byte {
	d := stateDigest(c, commitIdx, initiatorAmt, htlcs)
	mac := hmac.New(sha512.New, c.SharedSecret[:])
	mac.Write(d[:])
	var sig [64]byte
	copy(sig[:], mac.Sum(nil))
	return sig
}

// VerifyStateSig checks a peer's signature over a prospective state.
func VerifyStateSig(c *Chan, sig [64]byte, commitIdx uint64, initiatorAmt int64, htlcs []Htlc) bool {
	want := SignState(c, commitIdx, initiatorAmt, htlcs)
	return hmac.Equal(sig[:], want[:])
}

// SignCloseTx macs a cooperative close at the current balances plus a fee
// taken from the requester's side.
func SignCloseTx(c *Chan, fee int64) [64]byte {
	h := sha256.New()
	h.Write([]byte("close"))
	h.Write(c.Id[:])
	h.Write(lnutil.I64tB(c.InitiatorAmt()))
	h.Write(lnutil.I64tB(fee))
	var d [32]byte
	copy(d[:], h.Sum(nil))
	mac := hmac.New(sha512.New, c.SharedSecret[:])
	mac.Write(d[:])
	var sig [64]byte
	copy(sig[:], mac.Sum(nil))
	return sig
}

// VerifyCloseSig checks the peer's close signature.
func VerifyCloseSig(c *Chan, sig [64]byte, fee int64) bool {
	want := SignCloseTx(c, fee)
	return hmac.Equal(sig[:], want[:])
}
