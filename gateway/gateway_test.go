package gateway

import (
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/dispatch"
	"github.com/lnlab/lnode/eventbus"
	"github.com/lnlab/lnode/invoice"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
	"github.com/lnlab/lnode/peermgr"
)

func init() {
	logging.SetupTestLogs()
}

var (
	nodeId     = lnutil.PeerId{1, 0x0a}
	remoteId   = lnutil.PeerId{1, 0x0b}
	testSecret = [32]byte{9, 9, 9}
)

type memStore struct {
	mu    sync.Mutex
	chans map[lnutil.ChannelId][]byte
}

func newMemStore() *memStore {
	return &memStore{chans: make(map[lnutil.ChannelId][]byte)}
}

func (m *memStore) WriteCheckpoint(c *channel.Chan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chans[c.Id] = c.Bytes()
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
	if b, ok := m.chans[oldId]; ok {
		m.chans[newId] = b
		delete(m.chans, oldId)
	}
	return nil
}

func (m *memStore) Archive(id lnutil.ChannelId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chans, id)
	return nil
}

func (m *memStore) WriteAudit(detail string) error { return nil }

type fakeChain struct {
	mu     sync.Mutex
	pushed int
}

func (f *fakeChain) Broadcast(tx []byte, txid [32]byte) error {
	f.mu.Lock()
	f.pushed++
	f.mu.Unlock()
	return nil
}

type fakeWatcher struct{}

func (f *fakeWatcher) Watch(cid lnutil.ChannelId, op lnutil.OutPoint,
	depth uint32, purpose channel.Purpose) {
}

type fakeIdent struct{}

func (f fakeIdent) Pub() [33]byte                             { return [33]byte{2, 0x0a} }
func (f fakeIdent) SharedSecretWith(p lnutil.PeerId) [32]byte { return testSecret }

type fakePeers struct {
	mu        sync.Mutex
	connected bool
	dialed    []string
}

func (f *fakePeers) Id() lnutil.PeerId { return nodeId }

func (f *fakePeers) Connected(id lnutil.PeerId) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePeers) Connect(expected lnutil.PeerId, addr string) error {
	f.mu.Lock()
	f.dialed = append(f.dialed, addr)
	f.mu.Unlock()
	return nil
}

func (f *fakePeers) ListPeers() []peermgr.PeerInfo {
	return []peermgr.PeerInfo{{Id: remoteId, Connected: f.connected}}
}

// remotePeer runs the far end of every channel in-process.  Outbound
// messages are applied to its state machine and the replies come back
// through the dispatcher's queue, same as a live wire would do.
type remotePeer struct {
	mu     sync.Mutex
	mute   bool
	chans  map[lnutil.ChannelId]*channel.Chan
	submit func(channel.Input) error
}

func newRemotePeer() *remotePeer {
	return &remotePeer{chans: make(map[lnutil.ChannelId]*channel.Chan)}
}

func (r *remotePeer) SendMsg(m lnutil.Msg) error {
	r.mu.Lock()
	if r.mute {
		r.mu.Unlock()
		return nil
	}
	parsed, err := lnutil.MsgFromBytes(m.Bytes(), remoteId)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	cid := parsed.Chan()
	c, ok := r.chans[cid]
	if !ok {
		if _, isDesc := parsed.(lnutil.ChanDescMsg); !isDesc {
			r.mu.Unlock()
			return nil
		}
		c = &channel.Chan{
			Id:              cid,
			Peer:            nodeId,
			MyPub:           [33]byte{2, 0x0b},
			RevSeed:         [32]byte{0x0b},
			SharedSecret:    testSecret,
			TheirRevSecrets: make(map[uint64][32]byte),
		}
		r.chans[cid] = c
	}

	effs, err := channel.Transition(c, channel.PeerMsgInput{Msg: parsed})
	if err != nil {
		r.mu.Unlock()
		return nil
	}
	if c.Id != cid {
		delete(r.chans, cid)
		r.chans[c.Id] = c
	}

	var replies []lnutil.Msg
	for _, e := range effs {
		if se, ok := e.(channel.SendMsgEffect); ok {
			reply, err := lnutil.MsgFromBytes(se.Msg.Bytes(), remoteId)
			if err != nil {
				r.mu.Unlock()
				return err
			}
			replies = append(replies, reply)
		}
	}
	r.mu.Unlock()

	for _, reply := range replies {
		r.submit(channel.PeerMsgInput{Msg: reply})
	}
	return nil
}

// confirm drives the far end's funding confirmation so it accepts traffic.
func (r *remotePeer) confirm(t *testing.T, cid lnutil.ChannelId) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chans[cid]
	require.True(t, ok)
	_, err := channel.Transition(c, channel.ConfirmInput{
		Cid: cid, Op: c.FundingOp, Depth: 3, Purpose: channel.PurposeFunding,
	})
	require.NoError(t, err)
}

type rig struct {
	g      *Gateway
	d      *dispatch.Dispatcher
	peers  *fakePeers
	remote *remotePeer
	chain  *fakeChain
	inv    *invoice.Manager
}

func newRig(t *testing.T) *rig {
	t.Helper()
	inv, err := invoice.Open(filepath.Join(t.TempDir(), "invoice.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inv.Close() })

	peers := &fakePeers{connected: true}
	remote := newRemotePeer()
	chain := &fakeChain{}

	g := New(peers, inv)
	g.Wait = time.Second * 5

	d := dispatch.New(newMemStore(), remote, chain, &fakeWatcher{},
		g, fakeIdent{}, eventbus.New())
	remote.submit = d.Submit
	g.Bind(d)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)

	return &rig{g: g, d: d, peers: peers, remote: remote, chain: chain, inv: inv}
}

// openActive opens a channel and buries the funding tx on both ends.
func openActive(t *testing.T, r *rig) lnutil.ChannelId {
	t.Helper()
	o := r.g.OpenChannel(remoteId, 5000000, 1000000)
	require.Equal(t, Completed, o.State)

	cs := r.d.Channels()
	require.Len(t, cs, 1)
	cid := cs[0].Id

	require.NoError(t, r.d.Submit(channel.ConfirmInput{
		Cid: cid, Op: cs[0].FundingOp, Depth: 3, Purpose: channel.PurposeFunding,
	}))
	r.remote.confirm(t, cid)

	require.Eventually(t, func() bool {
		info, err := r.g.ChannelInfo(cid)
		return err == nil && info.Status == channel.StatusActive.String()
	}, time.Second*5, time.Millisecond*5)
	return cid
}

func TestOpenCompletesAtCommitmentExchange(t *testing.T) {
	r := newRig(t)

	o := r.g.OpenChannel(remoteId, 5000000, 1000000)
	require.Equal(t, Completed, o.State)
	require.NotEmpty(t, o.Result)

	infos := r.g.ListChannels()
	require.Len(t, infos, 1)
	require.Equal(t, int64(4000000), infos[0].MyBalance)
	require.Equal(t, int64(1000000), infos[0].TheirBalance)
	require.Equal(t, channel.StatusFundingSigned.String(), infos[0].Status)

	r.chain.mu.Lock()
	require.Equal(t, 1, r.chain.pushed)
	r.chain.mu.Unlock()
}

func TestOpenWaitConfsPendsUntilDepth(t *testing.T) {
	r := newRig(t)
	r.g.WaitConfs = true
	r.g.Wait = time.Millisecond * 100

	o := r.g.OpenChannel(remoteId, 5000000, 0)
	require.Equal(t, Pending, o.State)
	require.Equal(t, Pending, r.g.Track(o.TrackingId).State)

	var cs []*channel.Chan
	require.Eventually(t, func() bool {
		cs = r.d.Channels()
		return len(cs) == 1 && cs[0].Status == channel.StatusFundingSigned
	}, time.Second*5, time.Millisecond*5)
	require.NoError(t, r.d.Submit(channel.ConfirmInput{
		Cid: cs[0].Id, Op: cs[0].FundingOp, Depth: 3, Purpose: channel.PurposeFunding,
	}))

	require.Eventually(t, func() bool {
		return r.g.Track(o.TrackingId).State == Completed
	}, time.Second*5, time.Millisecond*5)
}

func TestOpenToUnconnectedPeerFails(t *testing.T) {
	r := newRig(t)
	r.peers.connected = false

	o := r.g.OpenChannel(remoteId, 5000000, 0)
	require.Equal(t, Failed, o.State)
	require.Equal(t, channel.InvalidCommand, o.ErrKind)
}

func TestPushMovesBalance(t *testing.T) {
	r := newRig(t)
	cid := openActive(t, r)

	o := r.g.PushFunds(cid, 500000)
	require.Equal(t, Completed, o.State)

	info, err := r.g.ChannelInfo(cid)
	require.NoError(t, err)
	require.Equal(t, int64(3500000), info.MyBalance)
	require.Equal(t, int64(1500000), info.TheirBalance)
	require.Equal(t, uint64(1), info.CommitIdx)
}

func TestUnknownChannelFailsFast(t *testing.T) {
	r := newRig(t)

	o := r.g.PushFunds(lnutil.NewProvisionalChanId(), 1000)
	require.Equal(t, Failed, o.State)
	require.Equal(t, channel.InvalidCommand, o.ErrKind)
	require.Contains(t, o.Reason, "not found")
}

func TestSendPaymentBooksOutgoing(t *testing.T) {
	r := newRig(t)
	cid := openActive(t, r)

	inv, err := r.inv.Generate(250000, "test")
	require.NoError(t, err)

	o := r.g.SendPayment(cid, hex.EncodeToString(inv.RHash[:]), 250000)
	require.Equal(t, Completed, o.State)

	pays, err := r.g.ListPayments()
	require.NoError(t, err)
	require.Len(t, pays, 1)
	require.False(t, pays[0].Incoming)
	require.Equal(t, int64(250000), pays[0].Amt)
}

func TestSendPaymentRejectsBadHash(t *testing.T) {
	r := newRig(t)
	cid := openActive(t, r)

	o := r.g.SendPayment(cid, "nothex", 1000)
	require.Equal(t, Failed, o.State)
	require.Equal(t, channel.InvalidCommand, o.ErrKind)
}

func TestCloseCompletesAtBurial(t *testing.T) {
	r := newRig(t)
	cid := openActive(t, r)
	r.g.Wait = time.Millisecond * 100

	o := r.g.CloseChannel(cid, false)
	require.Equal(t, Pending, o.State)

	// the close tx is negotiated and broadcast before burial
	var closeTxid [32]byte
	require.Eventually(t, func() bool {
		c, ok := r.d.ChannelById(cid)
		if !ok || c.CloseTxid == [32]byte{} {
			return false
		}
		closeTxid = c.CloseTxid
		return true
	}, time.Second*5, time.Millisecond*5)

	require.NoError(t, r.d.Submit(channel.ConfirmInput{
		Cid:     cid,
		Op:      lnutil.OutPoint{Txid: closeTxid, Index: 0},
		Depth:   1,
		Purpose: channel.PurposeClosing,
	}))

	require.Eventually(t, func() bool {
		return r.g.Track(o.TrackingId).State == Completed
	}, time.Second*5, time.Millisecond*5)
	require.Empty(t, r.g.ListChannels())
}

func TestCommandsRefusedWhileClosing(t *testing.T) {
	r := newRig(t)
	cid := openActive(t, r)
	r.g.Wait = time.Millisecond * 100

	o := r.g.CloseChannel(cid, false)
	require.Equal(t, Pending, o.State)

	require.Eventually(t, func() bool {
		c, ok := r.d.ChannelById(cid)
		return ok && c.Status == channel.StatusClosingNegotiated
	}, time.Second*5, time.Millisecond*5)

	po := r.g.PushFunds(cid, 1000)
	require.Equal(t, Failed, po.State)
	require.Equal(t, channel.InvalidCommand, po.ErrKind)
}

func TestCancelBeforeBroadcastAbandons(t *testing.T) {
	r := newRig(t)
	r.remote.mu.Lock()
	r.remote.mute = true // peer never answers, open stays in negotiation
	r.remote.mu.Unlock()
	r.g.Wait = time.Millisecond * 50

	o := r.g.OpenChannel(remoteId, 5000000, 0)
	require.Equal(t, Pending, o.State)

	r.g.Wait = time.Second * 5
	co := r.g.Cancel(o.TrackingId)
	require.Equal(t, Completed, co.State)
	require.Equal(t, "abandoned", co.Result)

	// the cancelled open itself lands as failed
	require.Eventually(t, func() bool {
		return r.g.Track(o.TrackingId).State == Failed
	}, time.Second*5, time.Millisecond*5)
	require.Empty(t, r.g.ListChannels())

	r.chain.mu.Lock()
	require.Equal(t, 0, r.chain.pushed)
	r.chain.mu.Unlock()
}

func TestCancelAfterBroadcastConvertsToClose(t *testing.T) {
	r := newRig(t)
	r.g.WaitConfs = true
	r.g.Wait = time.Millisecond * 100

	// the open pends past the funding broadcast, waiting on depth
	o := r.g.OpenChannel(remoteId, 5000000, 0)
	require.Equal(t, Pending, o.State)

	var cid lnutil.ChannelId
	require.Eventually(t, func() bool {
		cs := r.d.Channels()
		if len(cs) != 1 || cs[0].Status != channel.StatusFundingSigned {
			return false
		}
		cid = cs[0].Id
		return true
	}, time.Second*5, time.Millisecond*5)

	// the channel rekeyed away from the id the open was submitted under,
	// and funding isn't buried, so cancel turns into a unilateral close
	co := r.g.Cancel(o.TrackingId)
	require.Equal(t, Pending, co.State)

	require.Eventually(t, func() bool {
		c, ok := r.d.ChannelById(cid)
		return ok && c.Status == channel.StatusForceClosing
	}, time.Second*5, time.Millisecond*5)

	// the displaced open lands as failed
	var open Outcome
	require.Eventually(t, func() bool {
		open = r.g.Track(o.TrackingId)
		return open.State == Failed
	}, time.Second*5, time.Millisecond*5)
	require.Contains(t, open.Reason, "superseded")

	c, ok := r.d.ChannelById(cid)
	require.True(t, ok)
	require.NoError(t, r.d.Submit(channel.ConfirmInput{
		Cid:     cid,
		Op:      lnutil.OutPoint{Txid: c.CloseTxid, Index: 0},
		Depth:   1,
		Purpose: channel.PurposeClosing,
	}))

	require.Eventually(t, func() bool {
		return r.g.Track(co.TrackingId).State == Completed
	}, time.Second*5, time.Millisecond*5)
	require.Empty(t, r.g.ListChannels())
}

func TestChanInfoCountsOnlyOpenHtlcs(t *testing.T) {
	c := &channel.Chan{
		Id:       lnutil.NewProvisionalChanId(),
		Capacity: 5000000,
	}
	c.State.Htlcs = []channel.Htlc{
		{Idx: 0, Amt: 100000, Cleared: true},
		{Idx: 1, Amt: 200000},
	}

	info := chanInfo(c)
	require.Equal(t, 1, info.HtlcsInFlight)
}

func TestResolvedCommandsArePruned(t *testing.T) {
	r := newRig(t)
	cid := openActive(t, r)

	// an outcome handed back synchronously leaves nothing behind
	o := r.g.PushFunds(cid, 100000)
	require.Equal(t, Completed, o.State)
	got := r.g.Track(o.TrackingId)
	require.Equal(t, Failed, got.State)
	require.Contains(t, got.Reason, "no command")

	// a pending outcome survives until the first read, then is dropped
	r.g.Wait = time.Millisecond * 100
	co := r.g.CloseChannel(cid, false)
	require.Equal(t, Pending, co.State)

	var closeTxid [32]byte
	require.Eventually(t, func() bool {
		c, ok := r.d.ChannelById(cid)
		if !ok || c.CloseTxid == [32]byte{} {
			return false
		}
		closeTxid = c.CloseTxid
		return true
	}, time.Second*5, time.Millisecond*5)
	require.NoError(t, r.d.Submit(channel.ConfirmInput{
		Cid:     cid,
		Op:      lnutil.OutPoint{Txid: closeTxid, Index: 0},
		Depth:   1,
		Purpose: channel.PurposeClosing,
	}))

	require.Eventually(t, func() bool {
		return r.g.Track(co.TrackingId).State == Completed
	}, time.Second*5, time.Millisecond*5)
	require.Equal(t, Failed, r.g.Track(co.TrackingId).State)
}

func TestTrackUnknownId(t *testing.T) {
	r := newRig(t)
	o := r.g.Track("no-such-command")
	require.Equal(t, Failed, o.State)
}

func TestConnectPeer(t *testing.T) {
	r := newRig(t)

	o := r.g.ConnectPeer(remoteId.String(), "127.0.0.1:2448")
	require.Equal(t, Completed, o.State)
	r.peers.mu.Lock()
	require.Equal(t, []string{"127.0.0.1:2448"}, r.peers.dialed)
	r.peers.mu.Unlock()

	o = r.g.ConnectPeer("zz", "127.0.0.1:2448")
	require.Equal(t, Failed, o.State)
}
