// Package chainwatch watches outpoints the node's channels depend on and
// tells the dispatcher when they reach depth, or when a reorg takes a
// confirmation back.
package chainwatch

import (
	"sync"
	"time"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

const (
	defaultPollInterval = time.Second * 10
	maxBroadcastTries   = 5
	broadcastBackoff    = time.Second
)

// ChainSource is the external view of the blockchain.  A transient lookup
// failure is just that; it never counts as "unconfirmed".
type ChainSource interface {
	GetConfirmations(op lnutil.OutPoint) (uint32, error)
	PushTx(tx []byte, txid [32]byte) error
}

// Sink receives confirmation and reorg events; in the node it is the
// dispatcher's submit queue.
type Sink interface {
	Submit(in channel.Input) error
}

type watchKey struct {
	cid lnutil.ChannelId
	op  lnutil.OutPoint
}

type watch struct {
	cid       lnutil.ChannelId
	op        lnutil.OutPoint
	depth     uint32
	purpose   channel.Purpose
	confirmed bool // depth was reached and reported
}

// Watcher polls the chain source for every registered outpoint.
type Watcher struct {
	source   ChainSource
	sink     Sink
	interval time.Duration

	// pushBackoff is the base delay between broadcast retries.
	pushBackoff time.Duration

	mu      sync.Mutex
	watches map[watchKey]*watch

	// consecutive source failures; stretches the poll interval
	fails int

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(source ChainSource, interval time.Duration) *Watcher {
	if interval == 0 {
		interval = defaultPollInterval
	}
	return &Watcher{
		source:      source,
		interval:    interval,
		pushBackoff: broadcastBackoff,
		watches:     make(map[watchKey]*watch),
		quit:        make(chan struct{}),
	}
}

// SetSink wires the event destination.  Must be called before Start.
func (w *Watcher) SetSink(sink Sink) {
	w.sink = sink
}

func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.poll()
}

func (w *Watcher) Stop() {
	close(w.quit)
	w.wg.Wait()
}

// Watch registers an outpoint.  Re-registering the same outpoint re-arms
// it, which is what a replayed channel wants.
func (w *Watcher) Watch(cid lnutil.ChannelId, op lnutil.OutPoint,
	depth uint32, purpose channel.Purpose) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watches[watchKey{cid, op}] = &watch{
		cid: cid, op: op, depth: depth, purpose: purpose,
	}
	logging.Debugf("watching %s for %s of chan %s, depth %d\n",
		op.String(), purpose.String(), cid.String(), depth)
}

// Unwatch drops every watch belonging to a channel.
func (w *Watcher) Unwatch(cid lnutil.ChannelId) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k := range w.watches {
		if k.cid == cid {
			delete(w.watches, k)
		}
	}
}

// Broadcast pushes a transaction at the chain source, retrying through
// transient failures.
func (w *Watcher) Broadcast(tx []byte, txid [32]byte) error {
	var err error
	for try := 1; try <= maxBroadcastTries; try++ {
		err = w.source.PushTx(tx, txid)
		if err == nil {
			return nil
		}
		logging.Warnf("broadcast %x try %d failed: %s\n", txid[:8], try, err.Error())
		select {
		case <-time.After(w.pushBackoff * time.Duration(try)):
		case <-w.quit:
			return err
		}
	}
	return channel.Errf(channel.TransientIO,
		"broadcast of %x failed %d times: %s", txid[:8], maxBroadcastTries, err.Error())
}

func (w *Watcher) poll() {
	defer w.wg.Done()
	for {
		delay := w.interval * time.Duration(1+w.fails)
		select {
		case <-time.After(delay):
			w.sweep()
		case <-w.quit:
			return
		}
	}
}

// sweep checks every watch once.
func (w *Watcher) sweep() {
	w.mu.Lock()
	pending := make([]*watch, 0, len(w.watches))
	for _, wt := range w.watches {
		pending = append(pending, wt)
	}
	w.mu.Unlock()

	var sourceDown bool
	for _, wt := range pending {
		confs, err := w.source.GetConfirmations(wt.op)
		if err != nil {
			// chain source unavailable; poll again later, nothing is
			// treated as unconfirmed
			logging.Warnf("confirmation lookup for %s failed: %s\n",
				wt.op.String(), err.Error())
			sourceDown = true
			continue
		}

		switch {
		case !wt.confirmed && confs >= wt.depth:
			wt.confirmed = true
			w.emit(channel.ConfirmInput{
				Cid: wt.cid, Op: wt.op, Depth: confs, Purpose: wt.purpose,
			})
			if wt.purpose == channel.PurposeClosing {
				// a buried close is the end of the channel's story
				w.mu.Lock()
				delete(w.watches, watchKey{wt.cid, wt.op})
				w.mu.Unlock()
			}
		case wt.confirmed && confs == 0:
			// the confirmation we reported fell out of the chain
			wt.confirmed = false
			w.emit(channel.ReorgInput{
				Cid: wt.cid, Op: wt.op, Purpose: wt.purpose,
			})
		}
	}

	w.mu.Lock()
	if sourceDown {
		if w.fails < 5 {
			w.fails++
		}
	} else {
		w.fails = 0
	}
	w.mu.Unlock()
}

func (w *Watcher) emit(in channel.Input) {
	if err := w.sink.Submit(in); err != nil {
		logging.Errorf("chain event for %s refused: %s\n",
			in.Target().String(), err.Error())
	}
}
