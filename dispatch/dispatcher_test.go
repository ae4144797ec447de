package dispatch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/consts"
	"github.com/lnlab/lnode/eventbus"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

func init() {
	logging.SetupTestLogs()
}

// memStore keeps checkpoints in memory and can be told to fail the next N
// writes.  Every call appends to the shared trace so tests can assert on
// ordering against the other fakes.
type memStore struct {
	mu       sync.Mutex
	chans    map[lnutil.ChannelId][]byte
	failNext int
	failAll  bool
	trace    *trace
	audits   []string
}

type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) add(e string) {
	tr.mu.Lock()
	tr.events = append(tr.events, e)
	tr.mu.Unlock()
}

func (tr *trace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, len(tr.events))
	copy(out, tr.events)
	return out
}

func newMemStore(tr *trace) *memStore {
	return &memStore{chans: make(map[lnutil.ChannelId][]byte), trace: tr}
}

func (m *memStore) WriteCheckpoint(c *channel.Chan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll || m.failNext > 0 {
		if m.failNext > 0 {
			m.failNext--
		}
		m.trace.add("persist-fail")
		return fmt.Errorf("disk on fire")
	}
	m.chans[c.Id] = c.Bytes()
	m.trace.add("persist " + c.Id.String())
	return nil
}

func (m *memStore) ListChannels() ([]*channel.Chan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*channel.Chan
	for _, b := range m.chans {
		c, err := channel.ChanFromBytes(b)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) Rekey(oldId, newId lnutil.ChannelId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chans, oldId)
	return nil
}

func (m *memStore) Archive(id lnutil.ChannelId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chans, id)
	m.trace.add("archive " + id.String())
	return nil
}

func (m *memStore) WriteAudit(detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, detail)
	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []lnutil.Msg
	tr   *trace
}

func (f *fakeSender) SendMsg(m lnutil.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	f.tr.add(fmt.Sprintf("send %x", m.MsgType()))
	return nil
}

type fakeChain struct {
	mu  sync.Mutex
	txs [][32]byte
	tr  *trace
}

func (f *fakeChain) Broadcast(tx []byte, txid [32]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, txid)
	f.tr.add("broadcast")
	return nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	watches []channel.Purpose
}

func (f *fakeWatcher) Watch(cid lnutil.ChannelId, op lnutil.OutPoint,
	depth uint32, purpose channel.Purpose) {
	f.mu.Lock()
	f.watches = append(f.watches, purpose)
	f.mu.Unlock()
}

type outcome struct {
	reqId  string
	err    *channel.Error
	result string
}

type fakeResolver struct {
	mu   sync.Mutex
	done []outcome
	ch   chan outcome
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{ch: make(chan outcome, 64)}
}

func (f *fakeResolver) Resolve(reqId string, cerr *channel.Error, result string) {
	f.mu.Lock()
	f.done = append(f.done, outcome{reqId, cerr, result})
	f.mu.Unlock()
	f.ch <- outcome{reqId, cerr, result}
}

func (f *fakeResolver) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case o := <-f.ch:
		return o
	case <-time.After(time.Second * 5):
		t.Fatal("no command outcome within 5s")
		return outcome{}
	}
}

type fakeIdent struct{}

func (fakeIdent) Pub() [33]byte { return [33]byte{2, 0x11} }
func (fakeIdent) SharedSecretWith(p lnutil.PeerId) [32]byte {
	return [32]byte{4, 2}
}

type rig struct {
	tr       *trace
	store    *memStore
	sender   *fakeSender
	chain    *fakeChain
	watcher  *fakeWatcher
	resolver *fakeResolver
	bus      *eventbus.Bus
	d        *Dispatcher
}

func newRig(t *testing.T) *rig {
	tr := &trace{}
	r := &rig{
		tr:       tr,
		store:    newMemStore(tr),
		sender:   &fakeSender{tr: tr},
		chain:    &fakeChain{tr: tr},
		watcher:  &fakeWatcher{},
		resolver: newFakeResolver(),
		bus:      eventbus.New(),
	}
	r.d = New(r.store, r.sender, r.chain, r.watcher, r.resolver, fakeIdent{}, r.bus)
	r.d.persistBackoff = time.Millisecond
	t.Cleanup(r.d.Stop)
	return r
}

var peerB = lnutil.PeerId{1, 0xbb}

func TestPersistHappensBeforeEffects(t *testing.T) {
	r := newRig(t)
	cid := lnutil.NewProvisionalChanId()

	err := r.d.Submit(channel.OpenCmd{
		Cid: cid, Peer: peerB, Capacity: 5000000, ReqId: "open-1",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r.sender.mu.Lock()
		defer r.sender.mu.Unlock()
		return len(r.sender.sent) == 1
	}, time.Second*5, time.Millisecond*5)

	events := r.tr.snapshot()
	require.Equal(t, "persist "+cid.String(), events[0])
	require.Equal(t, fmt.Sprintf("send %x", lnutil.MSGID_CHANDESC), events[1])
}

func TestPersistRetriesThenSucceeds(t *testing.T) {
	r := newRig(t)
	cid := lnutil.NewProvisionalChanId()

	require.NoError(t, r.d.Submit(channel.OpenCmd{
		Cid: cid, Peer: peerB, Capacity: 5000000, ReqId: "open-1",
	}))
	require.Eventually(t, func() bool {
		r.store.mu.Lock()
		defer r.store.mu.Unlock()
		return len(r.store.chans) == 1
	}, time.Second*5, time.Millisecond*5)

	// two failures, then success: the command completes, not fails
	r.store.mu.Lock()
	r.store.failNext = 2
	r.store.mu.Unlock()

	require.NoError(t, r.d.Submit(channel.CloseCmd{Cid: cid, Force: true, ReqId: "close-1"}))

	// abandoning the negotiation fails the open still waiting on it, then
	// the close itself completes
	o := r.resolver.wait(t)
	require.Equal(t, "open-1", o.reqId)
	require.NotNil(t, o.err)
	require.Equal(t, channel.InvalidCommand, o.err.Kind)

	o = r.resolver.wait(t)
	require.Equal(t, "close-1", o.reqId)
	require.Nil(t, o.err)
	require.False(t, r.d.Degraded())

	// the archive effect runs only after the successful persist
	require.Eventually(t, func() bool {
		events := r.tr.snapshot()
		return events[len(events)-1] == "archive "+cid.String()
	}, time.Second*5, time.Millisecond*5)

	var fails int
	for _, e := range r.tr.snapshot() {
		if e == "persist-fail" {
			fails++
		}
	}
	require.Equal(t, 2, fails)
}

func TestExhaustedRetriesDegradeNode(t *testing.T) {
	r := newRig(t)
	cid := lnutil.NewProvisionalChanId()

	var degraded sync.WaitGroup
	degraded.Add(1)
	r.bus.Subscribe("node.degraded", func(eventbus.Event) { degraded.Done() })

	r.store.mu.Lock()
	r.store.failAll = true
	r.store.mu.Unlock()

	require.NoError(t, r.d.Submit(channel.OpenCmd{
		Cid: cid, Peer: peerB, Capacity: 5000000, ReqId: "open-1",
	}))

	o := r.resolver.wait(t)
	require.Equal(t, "open-1", o.reqId)
	require.NotNil(t, o.err)
	require.Equal(t, channel.FatalPersistenceFailure, o.err.Kind)
	degraded.Wait()
	require.True(t, r.d.Degraded())

	// no external effect leaked past the failed persist
	r.sender.mu.Lock()
	require.Empty(t, r.sender.sent)
	r.sender.mu.Unlock()

	// read-only now: further inputs are refused at the door
	err := r.d.Submit(channel.PushCmd{Cid: cid, Amt: 100000})
	require.Error(t, err)
	require.Equal(t, channel.FatalPersistenceFailure, channel.KindOf(err))

	// exactly MaxPersistRetries attempts were made
	var fails int
	for _, e := range r.tr.snapshot() {
		if e == "persist-fail" {
			fails++
		}
	}
	require.Equal(t, consts.MaxPersistRetries, fails)
}

func TestCommandsApplyInArrivalOrder(t *testing.T) {
	r := newRig(t)
	cid := lnutil.NewProvisionalChanId()

	require.NoError(t, r.d.Submit(channel.OpenCmd{
		Cid: cid, Peer: peerB, Capacity: 5000000, ReqId: "req-0",
	}))
	// these all fail (channel not Active) but each failure carries its
	// request id, which exposes the processing order
	for i := 1; i <= 8; i++ {
		require.NoError(t, r.d.Submit(channel.PushCmd{
			Cid: cid, Amt: 100000, ReqId: fmt.Sprintf("req-%d", i),
		}))
	}

	for i := 1; i <= 8; i++ {
		o := r.resolver.wait(t)
		require.Equal(t, fmt.Sprintf("req-%d", i), o.reqId)
		require.NotNil(t, o.err)
		require.Equal(t, channel.InvalidCommand, o.err.Kind)
	}
}

func TestUnknownChannelFailsFast(t *testing.T) {
	r := newRig(t)

	err := r.d.Submit(channel.PushCmd{
		Cid: lnutil.NewProvisionalChanId(), Amt: 100000, ReqId: "push-1",
	})
	require.Error(t, err)
	require.Equal(t, channel.InvalidCommand, channel.KindOf(err))
	require.Contains(t, err.Error(), "not found")
}

func TestForgedChannelIdsDontPinMailboxes(t *testing.T) {
	r := newRig(t)

	// a peer spraying messages for channels we never opened gets refused
	// at the door and no per-channel state is allocated
	for i := 0; i < 8; i++ {
		m := lnutil.NewDeltaSigMsg(peerB, lnutil.NewProvisionalChanId(),
			100000, 1, [64]byte{})
		err := r.d.Submit(channel.PeerMsgInput{Msg: m})
		require.Error(t, err)
		require.Equal(t, channel.InvalidCommand, channel.KindOf(err))
	}
	r.d.mu.Lock()
	boxCount := len(r.d.boxes)
	r.d.mu.Unlock()
	require.Zero(t, boxCount)

	// a genuine offer still gets its slot
	desc := lnutil.NewChanDescMsg(peerB, lnutil.NewProvisionalChanId(),
		5000000, 0, [33]byte{2, 0xbb})
	require.NoError(t, r.d.Submit(channel.PeerMsgInput{Msg: desc}))
}

func TestIndependentChannelsProcessInParallel(t *testing.T) {
	r := newRig(t)

	var cids []lnutil.ChannelId
	for i := 0; i < 4; i++ {
		cid := lnutil.NewProvisionalChanId()
		cids = append(cids, cid)
		require.NoError(t, r.d.Submit(channel.OpenCmd{
			Cid: cid, Peer: peerB, Capacity: 5000000,
			ReqId: fmt.Sprintf("open-%d", i),
		}))
	}

	require.Eventually(t, func() bool {
		return len(r.d.Channels()) == 4
	}, time.Second*5, time.Millisecond*5)

	for _, cid := range cids {
		c, ok := r.d.ChannelById(cid)
		require.True(t, ok)
		require.Equal(t, channel.StatusNegotiating, c.Status)
	}
}

func TestReadCopiesArePrivate(t *testing.T) {
	r := newRig(t)
	cid := lnutil.NewProvisionalChanId()
	require.NoError(t, r.d.Submit(channel.OpenCmd{
		Cid: cid, Peer: peerB, Capacity: 5000000, ReqId: "open-1",
	}))
	require.Eventually(t, func() bool {
		_, ok := r.d.ChannelById(cid)
		return ok
	}, time.Second*5, time.Millisecond*5)

	c1, _ := r.d.ChannelById(cid)
	c1.State.MyAmt = 1 // scribbling on a copy must not leak back

	c2, _ := r.d.ChannelById(cid)
	require.Equal(t, int64(5000000), c2.State.MyAmt)
}

func TestRestartReplaysInFlightRound(t *testing.T) {
	tr := &trace{}
	store := newMemStore(tr)

	// a channel that crashed mid-push: Delta marks the unacknowledged
	// DeltaSig
	c := &channel.Chan{
		Id:              lnutil.ChanIdFromOutPoint(lnutil.OutPoint{Txid: [32]byte{9}}),
		Peer:            peerB,
		Capacity:        5000000,
		Status:          channel.StatusActive,
		WeInitiated:     true,
		TheirRevSecrets: make(map[uint64][32]byte),
	}
	c.State.MyAmt = 5000000
	c.State.Delta = -200000
	c.PendingCmd = "push-1"
	require.NoError(t, store.WriteCheckpoint(c))

	sender := &fakeSender{tr: tr}
	d := New(store, sender, &fakeChain{tr: tr}, &fakeWatcher{},
		newFakeResolver(), fakeIdent{}, eventbus.New())
	d.persistBackoff = time.Millisecond
	defer d.Stop()

	require.NoError(t, d.Start())

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.sent) == 1
	}, time.Second*5, time.Millisecond*5)

	sender.mu.Lock()
	msg := sender.sent[0]
	sender.mu.Unlock()
	ds, ok := msg.(lnutil.DeltaSigMsg)
	require.True(t, ok)
	require.Equal(t, int32(200000), ds.Delta)
	require.Equal(t, uint64(1), ds.CommitIdx)
}
