package channel

import (
	"fmt"

	"github.com/lnlab/lnode/lnutil"
)

// Status is where a channel is in its lifecycle.
type Status uint8

const (
	StatusNegotiating       Status = iota // parameters being agreed with the peer
	StatusFundingSigned                   // first commitment exchanged, waiting on chain
	StatusActive                          // normal operation
	StatusClosingNegotiated               // cooperative close in flight
	StatusForceClosing                    // unilateral close broadcast
	StatusClosed                          // terminal
)

func (s Status) String() string {
	switch s {
	case StatusNegotiating:
		return "Negotiating"
	case StatusFundingSigned:
		return "FundingSigned"
	case StatusActive:
		return "Active"
	case StatusClosingNegotiated:
		return "ClosingNegotiated"
	case StatusForceClosing:
		return "ForceClosing"
	case StatusClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// Terminal is true once no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClosed
}

// Htlc is an in-flight conditional payment inside a channel.
type Htlc struct {
	Idx      uint32
	Amt      int64
	RHash    [32]byte
	R        [32]byte // preimage, zero until settled
	Locktime uint32
	Incoming bool // true if the peer offered it to us
	Cleared  bool // true once settled or timed out
}

// CommitState is the mutable per-commitment part of a channel.  CommitIdx
// only moves forward; every bump gets its own durable checkpoint before the
// next input is accepted.
type CommitState struct {
	CommitIdx uint64
	MyAmt     int64 // our balance; theirs is capacity minus ours minus htlcs

	// Delta is negative while a plain push of ours is in flight, holding
	// minus the amount offered.  Zero otherwise.
	Delta int32

	// InProgHtlc is the htlc being added or settled this round, nil when
	// no htlc round is in flight.  InProgSettle marks a settle round.
	InProgHtlc   *Htlc
	InProgSettle bool

	// AwaitRev is set after we accept the peer's update and send our
	// SigRev; it clears when their Rev lands.
	AwaitRev bool

	// A proposal of ours that lost a tie-break parks here and is re-sent
	// once the peer's round finishes.
	CollidedDelta int32
	CollidedHtlc  *Htlc

	Htlcs []Htlc

	NextHtlcIdx uint32
}

// Chan is everything the node knows about one channel.  Owned by the
// dispatcher goroutine for its id; nobody else mutates it.
type Chan struct {
	Id   lnutil.ChannelId
	Peer lnutil.PeerId

	Capacity int64
	Push     int64 // amount gifted to the acceptor at open

	Status    Status
	FundingOp lnutil.OutPoint // zero until the funding tx is built
	ReqConfs  uint32          // confirmations required before Active

	// ProvId keeps the pre-funding id after the rekey so a lost SigProof
	// can be resent under the id the peer still knows.
	ProvId lnutil.ChannelId

	WeInitiated bool

	// WaitConfs makes the open command resolve at required depth instead
	// of at commitment exchange.
	WaitConfs bool

	MyPub    [33]byte
	TheirPub [33]byte

	State CommitState

	// RevSeed derives our revocation secrets; TheirRevSecrets holds every
	// secret the peer has revealed, keyed by the commitment it revokes.
	RevSeed         [32]byte
	TheirRevSecrets map[uint64][32]byte

	// SharedSecret authenticates commitment signatures between the two
	// endpoints.  Established out of band at session setup.
	SharedSecret [32]byte

	WeClosed bool // we asked for the cooperative close
	Forced   bool // the close on chain is a unilateral one
	CloseFee int64

	CloseTxid   [32]byte
	CloseHeight int32

	// PendingCmd is the request id of the operator command this channel is
	// currently working on, empty when none.
	PendingCmd string
}

// TheirAmt is the peer's spendable balance.
func (c *Chan) TheirAmt() int64 {
	return c.Capacity - c.State.MyAmt - c.HtlcInFlight()
}

// OpenHtlcCount is how many htlcs are still uncleared.  Settled and timed
// out htlcs stay in the slice for their preimages but no longer count.
func (c *Chan) OpenHtlcCount() int {
	var n int
	for _, h := range c.State.Htlcs {
		if !h.Cleared {
			n++
		}
	}
	return n
}

// HtlcInFlight sums the uncleared htlc amounts.
func (c *Chan) HtlcInFlight() int64 {
	var sum int64
	for _, h := range c.State.Htlcs {
		if !h.Cleared {
			sum += h.Amt
		}
	}
	return sum
}

// InitiatorAmt gives the funder's balance regardless of which end we are.
// Both sides use it to build identical commitment digests.
func (c *Chan) InitiatorAmt() int64 {
	if c.WeInitiated {
		return c.State.MyAmt
	}
	return c.TheirAmt()
}

// OurRoundInFlight is true while an update we proposed awaits the peer's
// SigRev.
func (c *Chan) OurRoundInFlight() bool {
	return c.State.Delta < 0 || c.State.InProgHtlc != nil
}

// UpdateInFlight is true while any push, htlc add, or htlc settle round has
// started but not finished its sig / rev exchange.
func (c *Chan) UpdateInFlight() bool {
	return c.OurRoundInFlight() || c.State.AwaitRev
}

func (c *Chan) String() string {
	return fmt.Sprintf("chan %s peer %x... cap %d bal %d state %s idx %d",
		c.Id.String(), c.Peer[:4], c.Capacity, c.State.MyAmt,
		c.Status.String(), c.State.CommitIdx)
}
