package channel

import "github.com/lnlab/lnode/lnutil"

// Input is one unit of work for a channel: an operator command, a peer
// message, or a chain event.  The dispatcher feeds exactly one at a time
// into Transition for a given channel.
type Input interface {
	Target() lnutil.ChannelId
}

// OpenCmd starts channel negotiation with a peer.  The id is provisional.
type OpenCmd struct {
	Cid      lnutil.ChannelId
	Peer     lnutil.PeerId
	Capacity int64
	Push     int64
	ReqConfs uint32

	// WaitConfs defers command completion to confirmation depth.
	WaitConfs bool
	ReqId     string
}

func (i OpenCmd) Target() lnutil.ChannelId { return i.Cid }

// CloseCmd closes a channel, cooperatively or by force.
type CloseCmd struct {
	Cid   lnutil.ChannelId
	Force bool
	ReqId string
}

func (i CloseCmd) Target() lnutil.ChannelId { return i.Cid }

// PushCmd moves funds to the peer without a hash lock.
type PushCmd struct {
	Cid   lnutil.ChannelId
	Amt   int64
	ReqId string
}

func (i PushCmd) Target() lnutil.ChannelId { return i.Cid }

// OfferHtlcCmd adds an outgoing htlc.
type OfferHtlcCmd struct {
	Cid      lnutil.ChannelId
	Amt      int64
	RHash    [32]byte
	Locktime uint32
	ReqId    string
}

func (i OfferHtlcCmd) Target() lnutil.ChannelId { return i.Cid }

// SettleHtlcCmd settles an incoming htlc with its preimage.
type SettleHtlcCmd struct {
	Cid   lnutil.ChannelId
	R     [32]byte
	ReqId string
}

func (i SettleHtlcCmd) Target() lnutil.ChannelId { return i.Cid }

// ReplayCmd re-drives whatever was in flight when the node went down.  The
// dispatcher submits one per reloaded channel at startup.
type ReplayCmd struct {
	Cid lnutil.ChannelId
}

func (i ReplayCmd) Target() lnutil.ChannelId { return i.Cid }

// PeerMsgInput wraps a protocol message from the peer.
type PeerMsgInput struct {
	Msg lnutil.Msg
}

func (i PeerMsgInput) Target() lnutil.ChannelId { return i.Msg.Chan() }

// Purpose says what a watched outpoint confirmation means for the channel.
type Purpose uint8

const (
	PurposeFunding Purpose = iota
	PurposeClosing
)

func (p Purpose) String() string {
	if p == PurposeFunding {
		return "funding"
	}
	return "closing"
}

// ConfirmInput reports a watched outpoint reaching its required depth.
type ConfirmInput struct {
	Cid     lnutil.ChannelId
	Op      lnutil.OutPoint
	Depth   uint32
	Purpose Purpose
}

func (i ConfirmInput) Target() lnutil.ChannelId { return i.Cid }

// ReorgInput reports a previously confirmed outpoint dropping back out of
// the chain.
type ReorgInput struct {
	Cid     lnutil.ChannelId
	Op      lnutil.OutPoint
	Purpose Purpose
}

func (i ReorgInput) Target() lnutil.ChannelId { return i.Cid }

//----------

// Effect is an externally observable action a transition wants performed.
// Effects run in order, and only after the new state has been persisted.
type Effect interface {
	effect()
}

// SendMsgEffect transmits a protocol message to the channel's peer.
type SendMsgEffect struct {
	Msg lnutil.Msg
}

// BroadcastTxEffect hands a transaction to the chain source.
type BroadcastTxEffect struct {
	Tx   []byte
	Txid [32]byte
}

// ResolveEffect finishes the operator command identified by ReqId.
type ResolveEffect struct {
	ReqId  string
	Err    *Error // nil on success
	Result string
}

// NotifyEffect publishes a node event for anyone listening.
type NotifyEffect struct {
	Topic  string
	Detail string
}

// WatchEffect registers an outpoint with the chain watcher.
type WatchEffect struct {
	Op      lnutil.OutPoint
	Depth   uint32
	Purpose Purpose
}

// RekeyEffect moves the channel from its provisional id to the funding
// outpoint id.  Store and dispatcher both re-index on it.
type RekeyEffect struct {
	Old lnutil.ChannelId
	New lnutil.ChannelId
}

// ArchiveEffect retires a terminally closed channel's checkpoints.
type ArchiveEffect struct{}

func (SendMsgEffect) effect()     {}
func (BroadcastTxEffect) effect() {}
func (ResolveEffect) effect()     {}
func (NotifyEffect) effect()      {}
func (WatchEffect) effect()       {}
func (RekeyEffect) effect()       {}
func (ArchiveEffect) effect()     {}
