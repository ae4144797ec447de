// Package gateway is the operator-facing facade.  It turns intents into
// dispatcher inputs, gives every request a tracking id, and answers
// synchronously when the outcome lands fast enough or with a Pending
// handle when it doesn't.
package gateway

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/invoice"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
	"github.com/lnlab/lnode/peermgr"
)

// ChannelNode is the slice of the dispatcher the gateway drives.
type ChannelNode interface {
	Submit(in channel.Input) error
	ChannelById(cid lnutil.ChannelId) (*channel.Chan, bool)
	Channels() []*channel.Chan
	Degraded() bool
}

// PeerDirectory is the slice of the peer manager the gateway reads.
type PeerDirectory interface {
	Id() lnutil.PeerId
	Connected(id lnutil.PeerId) bool
	Connect(expected lnutil.PeerId, addr string) error
	ListPeers() []peermgr.PeerInfo
}

// defaultWait is how long Execute-style calls block before handing back a
// Pending tracking id instead.
const defaultWait = time.Second * 5

// OutcomeState says where a command ended up.
type OutcomeState uint8

const (
	Completed OutcomeState = iota
	Failed
	Pending
)

func (s OutcomeState) String() string {
	switch s {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("OutcomeState(%d)", s)
	}
}

// Outcome is the terminal (or not yet terminal) answer to one command.
type Outcome struct {
	State      OutcomeState
	TrackingId string
	Result     string

	// set when State is Failed
	ErrKind channel.Kind
	Reason  string
}

func failed(trackingId string, kind channel.Kind, reason string) Outcome {
	return Outcome{State: Failed, TrackingId: trackingId, ErrKind: kind, Reason: reason}
}

type pendingCmd struct {
	cid     lnutil.ChannelId
	done    chan struct{}
	outcome *Outcome // nil until resolved
}

// Gateway mediates between operator adapters (rpc, shell) and the
// dispatcher.
type Gateway struct {
	d   ChannelNode
	pm  PeerDirectory
	inv *invoice.Manager

	// WaitConfs makes OpenChannel complete at confirmation depth rather
	// than at commitment exchange.
	WaitConfs bool

	// Wait bounds how long a command blocks before going Pending.
	Wait time.Duration

	// Sign produces a detached signature with the node identity key.
	Sign func(msg []byte) []byte

	mu   sync.Mutex
	cmds map[string]*pendingCmd
}

func New(pm PeerDirectory, inv *invoice.Manager) *Gateway {
	return &Gateway{
		pm:   pm,
		inv:  inv,
		Wait: defaultWait,
		cmds: make(map[string]*pendingCmd),
	}
}

// Bind wires the dispatcher in.  The dispatcher wants its resolver at
// construction and the gateway is that resolver, so binding happens in a
// second step.
func (g *Gateway) Bind(d ChannelNode) {
	g.d = d
}

// Resolve is called by the dispatcher when a command reaches its terminal
// outcome.
func (g *Gateway) Resolve(reqId string, cerr *channel.Error, result string) {
	g.mu.Lock()
	pc, ok := g.cmds[reqId]
	if !ok {
		g.mu.Unlock()
		logging.Warnf("outcome for unknown command %s\n", reqId)
		return
	}
	if pc.outcome != nil {
		g.mu.Unlock()
		return
	}
	o := Outcome{State: Completed, TrackingId: reqId, Result: result}
	if cerr != nil {
		o = failed(reqId, cerr.Kind, cerr.Reason)
	}
	pc.outcome = &o
	close(pc.done)
	g.mu.Unlock()
}

// run registers a command, submits its input, and waits briefly for the
// outcome.
func (g *Gateway) run(cid lnutil.ChannelId, reqId string, in channel.Input) Outcome {
	pc := &pendingCmd{cid: cid, done: make(chan struct{})}
	g.mu.Lock()
	g.cmds[reqId] = pc
	g.mu.Unlock()

	if err := g.d.Submit(in); err != nil {
		g.mu.Lock()
		delete(g.cmds, reqId)
		g.mu.Unlock()
		return failed(reqId, channel.KindOf(err), err.Error())
	}

	select {
	case <-pc.done:
		g.mu.Lock()
		o := *pc.outcome
		delete(g.cmds, reqId)
		g.mu.Unlock()
		return o
	case <-time.After(g.Wait):
		return Outcome{State: Pending, TrackingId: reqId}
	}
}

// Track reports the current outcome of an earlier Pending command.  A
// resolved outcome is handed out once and its table entry dropped, so the
// pending table only ever holds commands somebody still cares about.
func (g *Gateway) Track(trackingId string) Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()
	pc, ok := g.cmds[trackingId]
	if !ok {
		return failed(trackingId, channel.InvalidCommand,
			"no command with tracking id "+trackingId)
	}
	if pc.outcome == nil {
		return Outcome{State: Pending, TrackingId: trackingId}
	}
	o := *pc.outcome
	delete(g.cmds, trackingId)
	return o
}

// Cancel withdraws a pending command if it hasn't hit an irrevocable step.
// Once the funding transaction is out, cancellation becomes a close.
func (g *Gateway) Cancel(trackingId string) Outcome {
	g.mu.Lock()
	pc, ok := g.cmds[trackingId]
	if !ok || pc.outcome != nil {
		g.mu.Unlock()
		return failed(trackingId, channel.InvalidCommand,
			"command is not cancellable")
	}
	cid := pc.cid
	g.mu.Unlock()

	c, found := g.d.ChannelById(cid)
	if !found {
		// the funding broadcast rekeyed the channel away from the
		// provisional id this command was submitted under
		for _, cc := range g.d.Channels() {
			if cc.ProvId == cid || cc.PendingCmd == trackingId {
				c, found = cc, true
				break
			}
		}
	}
	if !found {
		return failed(trackingId, channel.InvalidCommand, "channel not found")
	}

	switch c.Status {
	case channel.StatusNegotiating:
		// nothing irrevocable happened yet, abandon outright
		reqId := uuid.New().String()
		return g.run(c.Id, reqId,
			channel.CloseCmd{Cid: c.Id, Force: true, ReqId: reqId})
	case channel.StatusActive:
		logging.Infof("cancel of %s after broadcast, converting to close\n", trackingId)
		return g.CloseChannel(c.Id, false)
	default:
		// funding is out but not buried; the unilateral path is the only
		// close available
		logging.Infof("cancel of %s after broadcast, converting to close\n", trackingId)
		return g.CloseChannel(c.Id, true)
	}
}

//---------- mutating commands

// OpenChannel negotiates and funds a channel to a connected peer.
func (g *Gateway) OpenChannel(peer lnutil.PeerId, capacity, push int64) Outcome {
	reqId := uuid.New().String()
	if !g.pm.Connected(peer) {
		return failed(reqId, channel.InvalidCommand,
			"peer "+peer.String()+" is not connected")
	}
	cid := lnutil.NewProvisionalChanId()
	return g.run(cid, reqId, channel.OpenCmd{
		Cid:       cid,
		Peer:      peer,
		Capacity:  capacity,
		Push:      push,
		WaitConfs: g.WaitConfs,
		ReqId:     reqId,
	})
}

// CloseChannel winds a channel down, cooperatively or by force.
func (g *Gateway) CloseChannel(cid lnutil.ChannelId, force bool) Outcome {
	reqId := uuid.New().String()
	if o, ok := g.precheck(reqId, cid, force); !ok {
		return o
	}
	return g.run(cid, reqId, channel.CloseCmd{Cid: cid, Force: force, ReqId: reqId})
}

// PushFunds moves balance to the peer with no hash lock.
func (g *Gateway) PushFunds(cid lnutil.ChannelId, amt int64) Outcome {
	reqId := uuid.New().String()
	if o, ok := g.precheck(reqId, cid, false); !ok {
		return o
	}
	return g.run(cid, reqId, channel.PushCmd{Cid: cid, Amt: amt, ReqId: reqId})
}

// SendPayment locks amt behind the invoice hash on the given channel.
func (g *Gateway) SendPayment(cid lnutil.ChannelId, rhashHex string, amt int64) Outcome {
	reqId := uuid.New().String()
	if o, ok := g.precheck(reqId, cid, false); !ok {
		return o
	}
	hashBytes, err := hex.DecodeString(rhashHex)
	if err != nil || len(hashBytes) != 32 {
		return failed(reqId, channel.InvalidCommand,
			"payment hash must be 64 hex characters")
	}
	var rhash [32]byte
	copy(rhash[:], hashBytes)

	o := g.run(cid, reqId, channel.OfferHtlcCmd{
		Cid: cid, Amt: amt, RHash: rhash, ReqId: reqId,
	})
	if o.State == Completed {
		if err := g.inv.RecordPayment(invoice.Payment{
			At: time.Now().UTC(), ChanId: cid.String(), Amt: amt, RHash: rhash,
		}); err != nil {
			logging.Errorf("payment record failed: %s\n", err.Error())
		}
	}
	return o
}

// SettlePayment claims an incoming htlc whose preimage we know.
func (g *Gateway) SettlePayment(cid lnutil.ChannelId, r [32]byte) Outcome {
	reqId := uuid.New().String()
	if o, ok := g.precheck(reqId, cid, false); !ok {
		return o
	}
	return g.run(cid, reqId, channel.SettleHtlcCmd{Cid: cid, R: r, ReqId: reqId})
}

// precheck fast-fails commands whose channel is unknown or mid-close, so
// bad requests never occupy queue space.
func (g *Gateway) precheck(reqId string, cid lnutil.ChannelId, forceOk bool) (Outcome, bool) {
	c, ok := g.d.ChannelById(cid)
	if !ok {
		return failed(reqId, channel.InvalidCommand,
			"channel "+cid.String()+" not found"), false
	}
	if forceOk {
		return Outcome{}, true
	}
	switch c.Status {
	case channel.StatusClosingNegotiated, channel.StatusForceClosing, channel.StatusClosed:
		return failed(reqId, channel.InvalidCommand,
			"channel "+cid.String()+" is "+c.Status.String()), false
	}
	return Outcome{}, true
}

//---------- reads

// ChanInfo is the read model of one channel.
type ChanInfo struct {
	Id            string
	Peer          string
	Capacity      int64
	MyBalance     int64
	TheirBalance  int64
	HtlcsInFlight int
	CommitIdx     uint64
	Status        string
	FundingTxid   string
	WeInitiated   bool
}

func chanInfo(c *channel.Chan) ChanInfo {
	return ChanInfo{
		// the full hex form so the id can be pasted back into commands
		Id:            c.Id.Hex(),
		Peer:          c.Peer.String(),
		Capacity:      c.Capacity,
		MyBalance:     c.State.MyAmt,
		TheirBalance:  c.TheirAmt(),
		HtlcsInFlight: c.OpenHtlcCount(),
		CommitIdx:     c.State.CommitIdx,
		Status:        c.Status.String(),
		FundingTxid:   hex.EncodeToString(c.FundingOp.Txid[:]),
		WeInitiated:   c.WeInitiated,
	}
}

// ListChannels reads the live channel set without touching any queue.
func (g *Gateway) ListChannels() []ChanInfo {
	chans := g.d.Channels()
	out := make([]ChanInfo, 0, len(chans))
	for _, c := range chans {
		out = append(out, chanInfo(c))
	}
	return out
}

// ChannelInfo reads one channel.
func (g *Gateway) ChannelInfo(cid lnutil.ChannelId) (ChanInfo, error) {
	c, ok := g.d.ChannelById(cid)
	if !ok {
		return ChanInfo{}, channel.Errf(channel.InvalidCommand,
			"channel %s not found", cid.String())
	}
	return chanInfo(c), nil
}

// NodeStats is the node-level read model.
type NodeStats struct {
	Id       string
	Channels int
	Peers    int
	Degraded bool
}

func (g *Gateway) NodeInfo() NodeStats {
	return NodeStats{
		Id:       g.pm.Id().String(),
		Channels: len(g.d.Channels()),
		Peers:    len(g.pm.ListPeers()),
		Degraded: g.d.Degraded(),
	}
}

// ListPeers reads the peer table.
func (g *Gateway) ListPeers() []peermgr.PeerInfo {
	return g.pm.ListPeers()
}

// ConnectPeer dials a peer by identity and address.
func (g *Gateway) ConnectPeer(peerStr, addr string) Outcome {
	reqId := uuid.New().String()
	var peer lnutil.PeerId
	if peerStr != "" {
		var err error
		peer, err = lnutil.PeerIdFromString(peerStr)
		if err != nil {
			return failed(reqId, channel.InvalidCommand, err.Error())
		}
	}
	if err := g.pm.Connect(peer, addr); err != nil {
		return failed(reqId, channel.TransientIO, err.Error())
	}
	return Outcome{State: Completed, TrackingId: reqId, Result: "connected " + addr}
}

// GetInvoice mints an invoice and returns its payment hash.
func (g *Gateway) GetInvoice(amt int64, memo string) (*invoice.Invoice, error) {
	return g.inv.Generate(amt, memo)
}

// ListPayments reads the payment book.
func (g *Gateway) ListPayments() ([]invoice.Payment, error) {
	return g.inv.ListPayments()
}

// SignMessage signs with the node identity.
func (g *Gateway) SignMessage(msg []byte) (string, error) {
	if g.Sign == nil {
		return "", fmt.Errorf("node signer not configured")
	}
	return hex.EncodeToString(g.Sign(msg)), nil
}
