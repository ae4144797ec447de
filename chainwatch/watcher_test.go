package chainwatch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

func init() {
	logging.SetupTestLogs()
}

type fakeSource struct {
	mu      sync.Mutex
	confs   map[lnutil.OutPoint]uint32
	errs    int // error the next N lookups
	pushed  int
	pushErr int // fail the next N pushes
}

func newFakeSource() *fakeSource {
	return &fakeSource{confs: make(map[lnutil.OutPoint]uint32)}
}

func (f *fakeSource) set(op lnutil.OutPoint, confs uint32) {
	f.mu.Lock()
	f.confs[op] = confs
	f.mu.Unlock()
}

func (f *fakeSource) GetConfirmations(op lnutil.OutPoint) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs > 0 {
		f.errs--
		return 0, fmt.Errorf("explorer down")
	}
	return f.confs[op], nil
}

func (f *fakeSource) PushTx(tx []byte, txid [32]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr > 0 {
		f.pushErr--
		return fmt.Errorf("mempool unreachable")
	}
	f.pushed++
	return nil
}

type fakeSink struct {
	mu  sync.Mutex
	got []channel.Input
}

func (f *fakeSink) Submit(in channel.Input) error {
	f.mu.Lock()
	f.got = append(f.got, in)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) inputs() []channel.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.Input, len(f.got))
	copy(out, f.got)
	return out
}

func startWatcher(t *testing.T, src ChainSource) (*Watcher, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	w := New(src, time.Millisecond*10)
	w.SetSink(sink)
	w.Start()
	t.Cleanup(w.Stop)
	return w, sink
}

var testCid = lnutil.ChanIdFromOutPoint(lnutil.OutPoint{Txid: [32]byte{0xcc}})

func TestConfirmationEmittedExactlyOnce(t *testing.T) {
	src := newFakeSource()
	w, sink := startWatcher(t, src)

	op := lnutil.OutPoint{Txid: [32]byte{1}}
	w.Watch(testCid, op, 3, channel.PurposeFunding)

	src.set(op, 2) // not deep enough yet
	time.Sleep(time.Millisecond * 50)
	require.Empty(t, sink.inputs())

	src.set(op, 3)
	require.Eventually(t, func() bool {
		return len(sink.inputs()) == 1
	}, time.Second*5, time.Millisecond*5)

	ci, ok := sink.inputs()[0].(channel.ConfirmInput)
	require.True(t, ok)
	require.Equal(t, testCid, ci.Cid)
	require.Equal(t, channel.PurposeFunding, ci.Purpose)

	// deeper burial must not re-fire
	src.set(op, 10)
	time.Sleep(time.Millisecond * 50)
	require.Len(t, sink.inputs(), 1)
}

func TestReorgEmittedWhenConfirmationVanishes(t *testing.T) {
	src := newFakeSource()
	w, sink := startWatcher(t, src)

	op := lnutil.OutPoint{Txid: [32]byte{2}}
	w.Watch(testCid, op, 1, channel.PurposeFunding)
	src.set(op, 1)

	require.Eventually(t, func() bool {
		return len(sink.inputs()) == 1
	}, time.Second*5, time.Millisecond*5)

	src.set(op, 0)
	require.Eventually(t, func() bool {
		ins := sink.inputs()
		if len(ins) != 2 {
			return false
		}
		_, ok := ins[1].(channel.ReorgInput)
		return ok
	}, time.Second*5, time.Millisecond*5)

	// and the re-mined tx confirms again
	src.set(op, 1)
	require.Eventually(t, func() bool {
		ins := sink.inputs()
		if len(ins) != 3 {
			return false
		}
		_, ok := ins[2].(channel.ConfirmInput)
		return ok
	}, time.Second*5, time.Millisecond*5)
}

func TestSourceOutageIsNotAConfirmationFailure(t *testing.T) {
	src := newFakeSource()
	w, sink := startWatcher(t, src)

	op := lnutil.OutPoint{Txid: [32]byte{3}}
	src.set(op, 5)
	src.mu.Lock()
	src.errs = 3 // a few rounds of outage first
	src.mu.Unlock()

	w.Watch(testCid, op, 3, channel.PurposeFunding)

	require.Eventually(t, func() bool {
		return len(sink.inputs()) == 1
	}, time.Second*5, time.Millisecond*5)
	_, ok := sink.inputs()[0].(channel.ConfirmInput)
	require.True(t, ok, "outage produced a non-confirm event")
}

func TestClosingWatchRetiresItself(t *testing.T) {
	src := newFakeSource()
	w, sink := startWatcher(t, src)

	op := lnutil.OutPoint{Txid: [32]byte{4}}
	w.Watch(testCid, op, 1, channel.PurposeClosing)
	src.set(op, 1)

	require.Eventually(t, func() bool {
		return len(sink.inputs()) == 1
	}, time.Second*5, time.Millisecond*5)

	// dropping to zero later must not produce a reorg for a retired watch
	src.set(op, 0)
	time.Sleep(time.Millisecond * 50)
	require.Len(t, sink.inputs(), 1)
}

func TestUnwatchDropsChannel(t *testing.T) {
	src := newFakeSource()
	w, sink := startWatcher(t, src)

	op := lnutil.OutPoint{Txid: [32]byte{5}}
	w.Watch(testCid, op, 1, channel.PurposeFunding)
	w.Unwatch(testCid)

	src.set(op, 5)
	time.Sleep(time.Millisecond * 50)
	require.Empty(t, sink.inputs())
}

func TestBroadcastRetriesTransientFailure(t *testing.T) {
	src := newFakeSource()
	w := New(src, time.Millisecond*10)
	w.SetSink(&fakeSink{})
	w.pushBackoff = time.Millisecond

	src.mu.Lock()
	src.pushErr = 2
	src.mu.Unlock()

	err := w.Broadcast([]byte("tx"), [32]byte{6})
	require.NoError(t, err)
	src.mu.Lock()
	require.Equal(t, 1, src.pushed)
	src.mu.Unlock()
}
