// Package dispatch is the single serialization point of the node.  Peer
// messages, chain events, and operator commands all funnel into one
// per-channel mailbox, get applied to the state machine one at a time, and
// nothing externally visible happens until the new state is durable.
package dispatch

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getlantern/deepcopy"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/consts"
	"github.com/lnlab/lnode/eventbus"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

// mailboxDepth bounds how many inputs can queue per channel before new
// submissions are refused.
const mailboxDepth = 128

// Store is what the dispatcher needs from the persistence layer.
type Store interface {
	WriteCheckpoint(c *channel.Chan) error
	ListChannels() ([]*channel.Chan, error)
	Rekey(oldId, newId lnutil.ChannelId) error
	Archive(id lnutil.ChannelId) error
	WriteAudit(detail string) error
}

// MsgSender pushes protocol messages toward a peer.  Delivery may be
// deferred while the peer is offline.
type MsgSender interface {
	SendMsg(m lnutil.Msg) error
}

// TxBroadcaster hands transactions to the chain source.
type TxBroadcaster interface {
	Broadcast(tx []byte, txid [32]byte) error
}

// WatchRegistrar registers confirmation watches.
type WatchRegistrar interface {
	Watch(cid lnutil.ChannelId, op lnutil.OutPoint, depth uint32, purpose channel.Purpose)
}

// CmdResolver receives terminal outcomes for operator commands.
type CmdResolver interface {
	Resolve(reqId string, cerr *channel.Error, result string)
}

// Identity supplies the node's channel pubkey and the per-peer shared
// secret that commitment signatures key off.
type Identity interface {
	Pub() [33]byte
	SharedSecretWith(p lnutil.PeerId) [32]byte
}

type mailbox struct {
	in chan channel.Input
}

// Dispatcher owns every live channel's state.  One goroutine per channel
// applies inputs in arrival order; channels never block each other.
type Dispatcher struct {
	store   Store
	sender  MsgSender
	chain   TxBroadcaster
	watcher WatchRegistrar
	cmds    CmdResolver
	ident   Identity
	bus     *eventbus.Bus

	// persistBackoff is the first retry delay after a failed checkpoint
	// write; it doubles per attempt.
	persistBackoff time.Duration

	mu    sync.Mutex
	chans map[lnutil.ChannelId]*channel.Chan
	boxes map[lnutil.ChannelId]*mailbox

	degraded int32
	wg       sync.WaitGroup
	quit     chan struct{}
}

func New(store Store, sender MsgSender, chain TxBroadcaster,
	watcher WatchRegistrar, cmds CmdResolver, ident Identity,
	bus *eventbus.Bus) *Dispatcher {
	return &Dispatcher{
		store:          store,
		sender:         sender,
		chain:          chain,
		watcher:        watcher,
		cmds:           cmds,
		ident:          ident,
		bus:            bus,
		persistBackoff: time.Millisecond * 100,
		chans:          make(map[lnutil.ChannelId]*channel.Chan),
		boxes:          make(map[lnutil.ChannelId]*mailbox),
		quit:           make(chan struct{}),
	}
}

// Start reloads every stored channel and re-drives whatever each one was
// waiting on when the node went down.
func (d *Dispatcher) Start() error {
	stored, err := d.store.ListChannels()
	if err != nil {
		return err
	}
	d.mu.Lock()
	for _, c := range stored {
		d.chans[c.Id] = c
	}
	d.mu.Unlock()
	logging.Infof("dispatcher loaded %d channels\n", len(stored))

	for _, c := range stored {
		if err := d.Submit(channel.ReplayCmd{Cid: c.Id}); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains nothing; queued inputs that haven't persisted are recovered
// by replay on the next start.
func (d *Dispatcher) Stop() {
	close(d.quit)
	d.wg.Wait()
}

// Degraded reports whether the node has given up on persistence and gone
// read-only.
func (d *Dispatcher) Degraded() bool {
	return atomic.LoadInt32(&d.degraded) != 0
}

// Submit queues one input for its channel.  Enqueue is immediate; the
// outcome arrives later through the CmdResolver or the event bus.
func (d *Dispatcher) Submit(in channel.Input) error {
	if d.Degraded() {
		return channel.Errf(channel.FatalPersistenceFailure,
			"node is read-only after a persistence failure")
	}

	d.mu.Lock()
	cid := in.Target()
	box, ok := d.boxes[cid]
	if !ok {
		// an unknown channel id gets a mailbox only for inputs that may
		// legitimately create one; anything else is refused at the door so
		// forged ids can't pin channel slots
		if _, known := d.chans[cid]; !known && !adoptable(in) {
			d.mu.Unlock()
			return channel.Errf(channel.InvalidCommand,
				"channel %s not found", cid.String())
		}
		if len(d.boxes) >= consts.MaxChannels {
			d.mu.Unlock()
			return channel.Errf(channel.ResourceExhaustion,
				"node at its limit of %d channels", consts.MaxChannels)
		}
		box = &mailbox{in: make(chan channel.Input, mailboxDepth)}
		d.boxes[cid] = box
		d.wg.Add(1)
		go d.run(box)
	}
	d.mu.Unlock()

	select {
	case box.in <- in:
		return nil
	default:
		return channel.Errf(channel.ResourceExhaustion,
			"channel %s mailbox full", cid.String())
	}
}

// ChannelById hands out a private copy for read paths.
func (d *Dispatcher) ChannelById(cid lnutil.ChannelId) (*channel.Chan, bool) {
	d.mu.Lock()
	c, ok := d.chans[cid]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	cpy := new(channel.Chan)
	if err := deepcopy.Copy(cpy, c); err != nil {
		logging.Errorf("channel copy failed: %s\n", err.Error())
		return nil, false
	}
	return cpy, true
}

// Channels lists private copies of every live channel.
func (d *Dispatcher) Channels() []*channel.Chan {
	d.mu.Lock()
	ids := make([]lnutil.ChannelId, 0, len(d.chans))
	for id := range d.chans {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	out := make([]*channel.Chan, 0, len(ids))
	for _, id := range ids {
		if c, ok := d.ChannelById(id); ok {
			out = append(out, c)
		}
	}
	return out
}

func (d *Dispatcher) run(box *mailbox) {
	defer d.wg.Done()
	for {
		select {
		case in := <-box.in:
			d.process(in)
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) process(in channel.Input) {
	cid := in.Target()

	d.mu.Lock()
	cur, ok := d.chans[cid]
	d.mu.Unlock()

	if !ok {
		cur = d.adopt(in)
		if cur == nil {
			return
		}
	}

	// the state machine works on a private copy so a failed persist can't
	// leave a half-applied channel behind
	work := new(channel.Chan)
	if err := deepcopy.Copy(work, cur); err != nil {
		logging.Errorf("chan %s snapshot failed: %s\n", cid.String(), err.Error())
		return
	}

	effects, err := channel.Transition(work, in)
	if err != nil {
		cerr, _ := err.(*channel.Error)
		if cerr == nil {
			cerr = channel.Errf(channel.TransientIO, "%s", err.Error())
		}
		logging.Infof("chan %s input %T refused: %s\n", cid.String(), in, cerr.Error())
		if reqId := reqIdOf(in); reqId != "" {
			d.cmds.Resolve(reqId, cerr, "")
		}
		return
	}

	if !d.persist(work, in) {
		return
	}

	d.mu.Lock()
	if work.Id != cid {
		// rekeyed to the funding outpoint; the mailbox moves with it
		if box, ok := d.boxes[cid]; ok {
			d.boxes[work.Id] = box
			delete(d.boxes, cid)
		}
		delete(d.chans, cid)
	}
	d.chans[work.Id] = work
	d.mu.Unlock()

	d.execute(work, effects)
}

// adoptable says whether an input may bring a channel into existence: our
// own open command, or a peer's offer.
func adoptable(in channel.Input) bool {
	switch i := in.(type) {
	case channel.OpenCmd:
		return true
	case channel.PeerMsgInput:
		_, ok := i.Msg.(lnutil.ChanDescMsg)
		return ok
	}
	return false
}

// adopt builds the in-memory skeleton for inputs that legitimately address
// a channel we don't have yet: our own open command, or a peer's offer.
// Submit already screened for adoptability; the default arm only catches
// the race where a channel is archived with inputs still queued.
func (d *Dispatcher) adopt(in channel.Input) *channel.Chan {
	var peer lnutil.PeerId
	switch i := in.(type) {
	case channel.OpenCmd:
		peer = i.Peer
	case channel.PeerMsgInput:
		if _, ok := i.Msg.(lnutil.ChanDescMsg); !ok {
			logging.Debugf("msg type %x for unknown channel %s, dropping\n",
				i.Msg.MsgType(), in.Target().String())
			return nil
		}
		peer = i.Msg.Peer()
	default:
		if reqId := reqIdOf(in); reqId != "" {
			d.cmds.Resolve(reqId, channel.Errf(channel.InvalidCommand,
				"channel %s not found", in.Target().String()), "")
		} else {
			logging.Debugf("input %T for unknown channel %s, dropping\n",
				in, in.Target().String())
		}
		return nil
	}

	c := &channel.Chan{
		Id:              in.Target(),
		Peer:            peer,
		MyPub:           d.ident.Pub(),
		SharedSecret:    d.ident.SharedSecretWith(peer),
		TheirRevSecrets: make(map[uint64][32]byte),
	}
	rand.Read(c.RevSeed[:])

	d.mu.Lock()
	d.chans[c.Id] = c
	d.mu.Unlock()
	return c
}

// persist writes the checkpoint, retrying with doubling backoff.  Burning
// the whole retry budget flips the node read-only.
func (d *Dispatcher) persist(c *channel.Chan, in channel.Input) bool {
	delay := d.persistBackoff
	var err error
	for attempt := 1; attempt <= consts.MaxPersistRetries; attempt++ {
		err = d.store.WriteCheckpoint(c)
		if err == nil {
			return true
		}
		logging.Warnf("chan %s checkpoint attempt %d failed: %s\n",
			c.Id.String(), attempt, err.Error())
		if attempt == consts.MaxPersistRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-d.quit:
			return false
		}
		delay *= 2
	}

	logging.Errorf("chan %s checkpoint failed %d times, node going read-only: %s\n",
		c.Id.String(), consts.MaxPersistRetries, err.Error())
	atomic.StoreInt32(&d.degraded, 1)
	d.bus.Publish("node.degraded", err.Error())
	if reqId := reqIdOf(in); reqId != "" {
		d.cmds.Resolve(reqId, channel.Errf(channel.FatalPersistenceFailure,
			"checkpoint write failed: %s", err.Error()), "")
	}
	return false
}

// execute runs the transition's effects in the order it asked for them.
func (d *Dispatcher) execute(c *channel.Chan, effects []channel.Effect) {
	for _, e := range effects {
		switch eff := e.(type) {
		case channel.SendMsgEffect:
			if err := d.sender.SendMsg(eff.Msg); err != nil {
				logging.Warnf("chan %s send msg %x failed: %s\n",
					c.Id.String(), eff.Msg.MsgType(), err.Error())
			}
		case channel.BroadcastTxEffect:
			if err := d.chain.Broadcast(eff.Tx, eff.Txid); err != nil {
				logging.Warnf("chan %s broadcast %x failed: %s\n",
					c.Id.String(), eff.Txid[:8], err.Error())
			}
		case channel.ResolveEffect:
			d.cmds.Resolve(eff.ReqId, eff.Err, eff.Result)
		case channel.NotifyEffect:
			if eff.Topic == "audit.violation" {
				if err := d.store.WriteAudit(eff.Detail); err != nil {
					logging.Errorf("audit write failed: %s\n", err.Error())
				}
			}
			d.bus.Publish(eff.Topic, eff.Detail)
		case channel.WatchEffect:
			d.watcher.Watch(c.Id, eff.Op, eff.Depth, eff.Purpose)
		case channel.RekeyEffect:
			if err := d.store.Rekey(eff.Old, eff.New); err != nil {
				logging.Errorf("chan rekey %s -> %s failed: %s\n",
					eff.Old.String(), eff.New.String(), err.Error())
			}
		case channel.ArchiveEffect:
			if err := d.store.Archive(c.Id); err != nil {
				logging.Errorf("chan %s archive failed: %s\n",
					c.Id.String(), err.Error())
			}
			d.mu.Lock()
			delete(d.chans, c.Id)
			delete(d.boxes, c.Id)
			d.mu.Unlock()
		}
	}
}

func reqIdOf(in channel.Input) string {
	switch i := in.(type) {
	case channel.OpenCmd:
		return i.ReqId
	case channel.CloseCmd:
		return i.ReqId
	case channel.PushCmd:
		return i.ReqId
	case channel.OfferHtlcCmd:
		return i.ReqId
	case channel.SettleHtlcCmd:
		return i.ReqId
	}
	return ""
}
