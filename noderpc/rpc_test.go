package noderpc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/gateway"
	"github.com/lnlab/lnode/invoice"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
	"github.com/lnlab/lnode/peermgr"
)

func init() {
	logging.SetupTestLogs()
}

var (
	testPeer = lnutil.PeerId{1, 0x0b}
	testCid  = lnutil.ChanIdFromOutPoint(lnutil.OutPoint{Txid: [32]byte{0xaa}})
)

// fakeNode stands in for the dispatcher and completes every command on the
// spot.
type fakeNode struct {
	g     *gateway.Gateway
	chan1 *channel.Chan
}

func (f *fakeNode) Submit(in channel.Input) error {
	var reqId string
	switch i := in.(type) {
	case channel.OpenCmd:
		reqId = i.ReqId
	case channel.CloseCmd:
		reqId = i.ReqId
	case channel.PushCmd:
		reqId = i.ReqId
	case channel.OfferHtlcCmd:
		reqId = i.ReqId
	}
	go f.g.Resolve(reqId, nil, "done")
	return nil
}

func (f *fakeNode) ChannelById(cid lnutil.ChannelId) (*channel.Chan, bool) {
	if f.chan1 != nil && cid == f.chan1.Id {
		return f.chan1, true
	}
	return nil, false
}

func (f *fakeNode) Channels() []*channel.Chan {
	if f.chan1 == nil {
		return nil
	}
	return []*channel.Chan{f.chan1}
}

func (f *fakeNode) Degraded() bool { return false }

type fakePeers struct{}

func (f *fakePeers) Id() lnutil.PeerId                              { return lnutil.PeerId{1, 0x0a} }
func (f *fakePeers) Connected(id lnutil.PeerId) bool                { return true }
func (f *fakePeers) Connect(expected lnutil.PeerId, a string) error { return nil }
func (f *fakePeers) ListPeers() []peermgr.PeerInfo {
	return []peermgr.PeerInfo{{Id: testPeer, Connected: true}}
}

func startRPC(t *testing.T) (*Listener, *fakeNode) {
	t.Helper()
	inv, err := invoice.Open(filepath.Join(t.TempDir(), "invoice.db"))
	require.NoError(t, err)
	t.Cleanup(func() { inv.Close() })

	g := gateway.New(&fakePeers{}, inv)
	g.Wait = time.Second * 5
	fn := &fakeNode{
		g: g,
		chan1: &channel.Chan{
			Id:       testCid,
			Peer:     testPeer,
			Capacity: 5000000,
			Status:   channel.StatusActive,
			State:    channel.CommitState{MyAmt: 3000000},
		},
	}
	g.Bind(fn)

	l, err := Serve(&NodeRPC{Gateway: g, OffButton: make(chan bool, 1)}, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, fn
}

func TestInfoAndChannelsOverWire(t *testing.T) {
	l, _ := startRPC(t)
	cl, err := Dial(l.Addr())
	require.NoError(t, err)
	defer cl.Close()

	var info InfoReply
	require.NoError(t, cl.Call("NodeRPC.GetInfo", NoArgs{}, &info))
	require.Equal(t, 1, info.Channels)
	require.Equal(t, 1, info.Peers)
	require.False(t, info.Degraded)

	var chans ChannelListReply
	require.NoError(t, cl.Call("NodeRPC.ChannelList", NoArgs{}, &chans))
	require.Len(t, chans.Channels, 1)
	require.Equal(t, testCid.Hex(), chans.Channels[0].Id)
	require.Equal(t, int64(3000000), chans.Channels[0].MyBalance)
}

func TestPushRoundTripOverWire(t *testing.T) {
	l, _ := startRPC(t)
	cl, err := Dial(l.Addr())
	require.NoError(t, err)
	defer cl.Close()

	var o OutcomeReply
	require.NoError(t, cl.Call("NodeRPC.Push",
		PushArgs{ChanId: testCid.Hex(), Amt: 1000}, &o))
	require.Equal(t, "completed", o.State)
	require.Equal(t, "done", o.Result)
	require.NotEmpty(t, o.TrackingId)

	// garbage channel ids are an rpc error, not an outcome
	err = cl.Call("NodeRPC.Push", PushArgs{ChanId: "zz", Amt: 1}, &o)
	require.Error(t, err)
}

func TestUnknownChannelIsFailedOutcome(t *testing.T) {
	l, _ := startRPC(t)
	cl, err := Dial(l.Addr())
	require.NoError(t, err)
	defer cl.Close()

	other := lnutil.ChanIdFromOutPoint(lnutil.OutPoint{Txid: [32]byte{0xbb}})
	var o OutcomeReply
	require.NoError(t, cl.Call("NodeRPC.Push",
		PushArgs{ChanId: other.Hex(), Amt: 1000}, &o))
	require.Equal(t, "failed", o.State)
	require.Contains(t, o.Error, "not found")
}

func TestInvoiceOverWire(t *testing.T) {
	l, _ := startRPC(t)
	cl, err := Dial(l.Addr())
	require.NoError(t, err)
	defer cl.Close()

	var inv InvoiceReply
	require.NoError(t, cl.Call("NodeRPC.Invoice",
		InvoiceArgs{Amt: 42000, Memo: "rent"}, &inv))
	require.Len(t, inv.RHash, 64)
	require.Equal(t, int64(42000), inv.Amt)

	var pays PaymentListReply
	require.NoError(t, cl.Call("NodeRPC.PaymentList", NoArgs{}, &pays))
	require.Empty(t, pays.Payments)
}
