package channel

import (
	"crypto/sha256"

	"github.com/lnlab/lnode/lnutil"
)

// Transaction construction proper lives in the wallet; the control plane
// only needs stable bytes to hand to the chain source and stable txids to
// watch.  Builders are deterministic over channel state so a restarted node
// rebuilds the identical transaction instead of a conflicting one.

func txid(tx []byte) [32]byte {
	return sha256.Sum256(tx)
}

// BuildFundingTx assembles the funding transaction for a negotiated
// channel.  Output 0 is the channel output.  The tx commits to the
// provisional id, so rebuilding after the rekey yields the same txid.
func BuildFundingTx(c *Chan) ([]byte, lnutil.OutPoint) {
	id := c.Id
	if c.ProvId != (lnutil.ChannelId{}) {
		id = c.ProvId
	}
	var tx []byte
	tx = append(tx, []byte("fund")...)
	tx = append(tx, id[:]...)
	tx = append(tx, lnutil.I64tB(c.Capacity)...)
	tx = append(tx, c.MyPub[:]...)
	tx = append(tx, c.TheirPub[:]...)
	return tx, lnutil.OutPoint{Txid: txid(tx), Index: 0}
}

// BuildCommitTx assembles our current commitment transaction, the one a
// force close puts on chain.
func BuildCommitTx(c *Chan) ([]byte, [32]byte) {
	var tx []byte
	tx = append(tx, []byte("commit")...)
	tx = append(tx, c.Id[:]...)
	tx = append(tx, lnutil.U64tB(c.State.CommitIdx)...)
	tx = append(tx, lnutil.I64tB(c.InitiatorAmt())...)
	for _, h := range c.State.Htlcs {
		if h.Cleared {
			continue
		}
		tx = append(tx, lnutil.U32tB(h.Idx)...)
		tx = append(tx, lnutil.I64tB(h.Amt)...)
		tx = append(tx, h.RHash[:]...)
	}
	return tx, txid(tx)
}

// BuildCloseTx assembles the cooperative close transaction at the current
// balances.
func BuildCloseTx(c *Chan, fee int64) ([]byte, [32]byte) {
	var tx []byte
	tx = append(tx, []byte("close")...)
	tx = append(tx, c.Id[:]...)
	tx = append(tx, lnutil.I64tB(c.InitiatorAmt())...)
	tx = append(tx, lnutil.I64tB(fee)...)
	return tx, txid(tx)
}
