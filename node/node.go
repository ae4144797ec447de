// Package node assembles the pieces into a running payment channel node:
// durable channel store, per-channel dispatcher, peer sessions, chain
// watcher, invoices, and the operator gateway on top.
package node

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lnlab/lnode/chandb"
	"github.com/lnlab/lnode/chainwatch"
	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/config"
	"github.com/lnlab/lnode/dispatch"
	"github.com/lnlab/lnode/eventbus"
	"github.com/lnlab/lnode/gateway"
	"github.com/lnlab/lnode/invoice"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
	"github.com/lnlab/lnode/nat"
	"github.com/lnlab/lnode/peermgr"
)

// LnNode owns every long-lived component of one node.
type LnNode struct {
	Cfg *config.Config
	Bus *eventbus.Bus

	Store      *chandb.Store
	Invoices   *invoice.Manager
	Peers      *peermgr.PeerManager
	Watcher    *chainwatch.Watcher
	Dispatcher *dispatch.Dispatcher
	Gateway    *gateway.Gateway

	priv     [32]byte
	stopOnce sync.Once

	// incoming htlcs we hold the preimage for but couldn't settle yet
	// because the channel had a round in flight
	mu             sync.Mutex
	pendingSettles map[[32]byte]lnutil.ChannelId
}

// noopSource runs the node without a chain backend.  Nothing ever
// confirms and broadcasts go nowhere; useful for tests and dry runs.
type noopSource struct{}

func (noopSource) GetConfirmations(op lnutil.OutPoint) (uint32, error) {
	return 0, nil
}

func (noopSource) PushTx(tx []byte, txid [32]byte) error {
	logging.Warnf("no chain source configured, dropping tx %x\n", txid[:8])
	return nil
}

func New(cfg *config.Config, key *[32]byte) (*LnNode, error) {
	bus := eventbus.New()

	store, err := chandb.Open(filepath.Join(cfg.HomeDir, config.DefaultChanDbFilename))
	if err != nil {
		return nil, err
	}
	inv, err := invoice.Open(filepath.Join(cfg.HomeDir, config.DefaultInvDbFilename))
	if err != nil {
		store.Close()
		return nil, err
	}

	pm := peermgr.New(key, bus)

	var source chainwatch.ChainSource = noopSource{}
	if cfg.Explorer != "" {
		source = chainwatch.NewInsightSource(cfg.Explorer)
	}
	watcher := chainwatch.New(source, time.Duration(cfg.PollInterval)*time.Second)

	gw := gateway.New(pm, inv)
	gw.WaitConfs = cfg.WaitConfs

	d := dispatch.New(store, pm, watcher, watcher, gw, pm, bus)
	gw.Bind(d)
	watcher.SetSink(d)
	pm.SetHandler(func(m lnutil.Msg) {
		if err := d.Submit(channel.PeerMsgInput{Msg: m}); err != nil {
			logging.Warnf("peer msg %x refused: %s\n", m.MsgType(), err.Error())
		}
	})

	n := &LnNode{
		Cfg:            cfg,
		Bus:            bus,
		Store:          store,
		Invoices:       inv,
		Peers:          pm,
		Watcher:        watcher,
		Dispatcher:     d,
		Gateway:        gw,
		priv:           *key,
		pendingSettles: make(map[[32]byte]lnutil.ChannelId),
	}
	gw.Sign = n.signMessage

	bus.Subscribe("htlc.received", n.onHtlcReceived)
	bus.Subscribe("round.complete", n.onRoundComplete)
	bus.Subscribe("htlc.settled", n.onHtlcSettled)
	bus.Subscribe("chan.closed", n.onChanClosed)

	return n, nil
}

// Start brings the listeners up and replays stored channels.
func (n *LnNode) Start() error {
	var eg errgroup.Group
	eg.Go(func() error {
		return n.Peers.Listen(n.Cfg.ListenPort)
	})
	if n.Cfg.Nat != "" {
		eg.Go(n.setupNat)
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	n.Watcher.Start()
	return n.Dispatcher.Start()
}

func (n *LnNode) Stop() {
	n.stopOnce.Do(func() {
		n.Dispatcher.Stop()
		n.Watcher.Stop()
		n.Peers.Stop()
		n.Invoices.Close()
		n.Store.Close()
	})
}

func (n *LnNode) setupNat() error {
	port, err := strconv.Atoi(strings.TrimPrefix(
		n.Cfg.ListenPort[strings.LastIndex(n.Cfg.ListenPort, ":"):], ":"))
	if err != nil {
		return fmt.Errorf("can't find a port in %s: %s", n.Cfg.ListenPort, err.Error())
	}
	switch n.Cfg.Nat {
	case "upnp":
		return nat.SetupUpnp(uint16(port))
	case "pmp":
		_, err := nat.SetupPmp(time.Second*10, uint16(port))
		return err
	default:
		return fmt.Errorf("unknown nat mode %s", n.Cfg.Nat)
	}
}

// signMessage signs with an ed25519 key derived from the node root key.
func (n *LnNode) signMessage(msg []byte) []byte {
	return ed25519.Sign(ed25519.NewKeyFromSeed(n.priv[:]), msg)
}

// onHtlcReceived queues a settle for any incoming htlc whose preimage we
// sold.  The settle itself may have to wait for the current round to
// finish.
func (n *LnNode) onHtlcReceived(ev eventbus.Event) {
	// detail: <cid hex> htlc <idx> amt <amt> hash <rhash hex>
	f := strings.Fields(ev.Detail)
	if len(f) != 7 {
		return
	}
	cid, err := lnutil.ChanIdFromString(f[0])
	if err != nil {
		return
	}
	amt, err := strconv.ParseInt(f[4], 10, 64)
	if err != nil {
		return
	}
	hashBytes, err := hex.DecodeString(f[6])
	if err != nil || len(hashBytes) != 32 {
		return
	}
	var rhash [32]byte
	copy(rhash[:], hashBytes)

	inv, err := n.Invoices.Lookup(rhash)
	if err != nil {
		logging.Debugf("htlc for unknown hash %s, leaving it\n", f[6])
		return
	}
	if amt < inv.Amt {
		logging.Warnf("htlc pays %d of invoice %s asking %d, leaving it\n",
			amt, f[6], inv.Amt)
		return
	}

	n.mu.Lock()
	n.pendingSettles[rhash] = cid
	n.mu.Unlock()
	n.trySettles()
}

// onRoundComplete retries settles that were blocked by an in-flight round.
func (n *LnNode) onRoundComplete(ev eventbus.Event) {
	n.trySettles()
}

func (n *LnNode) trySettles() {
	n.mu.Lock()
	settles := make(map[[32]byte]lnutil.ChannelId, len(n.pendingSettles))
	for h, cid := range n.pendingSettles {
		settles[h] = cid
	}
	n.mu.Unlock()

	for rhash, cid := range settles {
		r, ok := n.Invoices.PreimageFor(rhash)
		if !ok {
			n.mu.Lock()
			delete(n.pendingSettles, rhash)
			n.mu.Unlock()
			continue
		}
		if err := n.Dispatcher.Submit(channel.SettleHtlcCmd{Cid: cid, R: r}); err != nil {
			logging.Warnf("settle on %s refused: %s\n", cid.String(), err.Error())
		}
	}
}

// onHtlcSettled closes out the invoice once the settle round lands.
func (n *LnNode) onHtlcSettled(ev eventbus.Event) {
	// detail: <cid> htlc <idx> hash <rhash hex>
	f := strings.Fields(ev.Detail)
	if len(f) != 5 {
		return
	}
	hashBytes, err := hex.DecodeString(f[4])
	if err != nil || len(hashBytes) != 32 {
		return
	}
	var rhash [32]byte
	copy(rhash[:], hashBytes)

	n.mu.Lock()
	_, mine := n.pendingSettles[rhash]
	delete(n.pendingSettles, rhash)
	n.mu.Unlock()
	if !mine {
		return
	}
	if err := n.Invoices.MarkSettled(rhash, f[0]); err != nil {
		logging.Errorf("settle bookkeeping for %s failed: %s\n", f[4], err.Error())
	}
}

// onChanClosed retires any leftover watches for a finished channel.
func (n *LnNode) onChanClosed(ev eventbus.Event) {
	cid, err := lnutil.ChanIdFromString(ev.Detail)
	if err != nil {
		// provisional ids never reached the chain
		return
	}
	n.Watcher.Unwatch(cid)
}
