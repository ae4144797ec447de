// Package peermgr keeps authenticated sessions to remote peers alive and
// moves protocol messages over them.  It never interprets a message;
// payloads go straight through to the handler keyed by the sender's
// identity.
//
// Channels outlive sessions.  A peer going away parks its outbound traffic
// in a backlog which is flushed, in original order, when the session comes
// back.
package peermgr

import (
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/lnlab/lnode/consts"
	"github.com/lnlab/lnode/eventbus"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

const (
	reconnectBase = time.Second
	reconnectCap  = time.Minute
)

// MsgHandler consumes every inbound protocol message.
type MsgHandler func(m lnutil.Msg)

// Peer is what the manager knows about one remote identity, connected or
// not.
type Peer struct {
	Id   lnutil.PeerId
	Addr string // dial target; empty for inbound-only peers

	mu           sync.Mutex
	conn         *Conn
	backlog      [][]byte
	retries      int
	reconnecting bool
}

// PeerManager owns every peer session.
type PeerManager struct {
	priv [32]byte
	id   lnutil.PeerId

	handler MsgHandler
	bus     *eventbus.Bus

	mu       sync.Mutex
	peers    map[lnutil.PeerId]*Peer
	listener net.Listener

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(priv *[32]byte, bus *eventbus.Bus) *PeerManager {
	return &PeerManager{
		priv:  *priv,
		id:    PubFromPriv(priv),
		bus:   bus,
		peers: make(map[lnutil.PeerId]*Peer),
		quit:  make(chan struct{}),
	}
}

// SetHandler wires the inbound message sink.  Must be called before Listen
// or Connect.
func (pm *PeerManager) SetHandler(h MsgHandler) {
	pm.handler = h
}

// Id is our own wire identity.
func (pm *PeerManager) Id() lnutil.PeerId {
	return pm.id
}

// Pub satisfies the dispatcher's identity dependency.
func (pm *PeerManager) Pub() [33]byte {
	return [33]byte(pm.id)
}

// SharedSecretWith derives the per-peer secret that commitment signatures
// key off.  Static-static, so both ends get the same value with no
// round trip.
func (pm *PeerManager) SharedSecretWith(p lnutil.PeerId) [32]byte {
	var out [32]byte
	shared, err := curve25519.X25519(pm.priv[:], p[1:])
	if err != nil {
		logging.Errorf("bad peer key %s: %s\n", p.String(), err.Error())
		return out
	}
	r := hkdf.New(sha256.New, shared, []byte("lnode-chan"), nil)
	io.ReadFull(r, out[:])
	return out
}

// Listen accepts inbound sessions on addr.
func (pm *PeerManager) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	pm.mu.Lock()
	pm.listener = lis
	pm.mu.Unlock()
	logging.Infof("listening for peers on %s\n", lis.Addr().String())

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		for {
			raw, err := lis.Accept()
			if err != nil {
				select {
				case <-pm.quit:
				default:
					logging.Errorf("accept failed: %s\n", err.Error())
				}
				return
			}
			if pm.peerCount() >= consts.MaxConns {
				logging.Warnf("at connection limit, refusing %s\n",
					raw.RemoteAddr().String())
				raw.Close()
				continue
			}
			pm.wg.Add(1)
			go func() {
				defer pm.wg.Done()
				conn, err := Handshake(raw, &pm.priv, false)
				if err != nil {
					logging.Warnf("inbound handshake from %s failed: %s\n",
						raw.RemoteAddr().String(), err.Error())
					raw.Close()
					return
				}
				pm.attach(conn, "")
			}()
		}
	}()
	return nil
}

// ListenAddr reports where we accept peers, empty if not listening.
func (pm *PeerManager) ListenAddr() string {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.listener == nil {
		return ""
	}
	return pm.listener.Addr().String()
}

// Connect dials a peer.  A zero expected id accepts whoever answers.
func (pm *PeerManager) Connect(expected lnutil.PeerId, addr string) error {
	if pm.peerCount() >= consts.MaxConns {
		return fmt.Errorf("at the limit of %d connections", consts.MaxConns)
	}
	conn, err := Dial(&pm.priv, addr, expected)
	if err != nil {
		return err
	}
	pm.attach(conn, addr)
	return nil
}

// SendMsg queues or transmits one message to its peer.  An offline peer is
// not an error; the message waits in the backlog.
func (pm *PeerManager) SendMsg(m lnutil.Msg) error {
	p := pm.peer(m.Peer())
	frame := m.Bytes()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		p.backlog = append(p.backlog, frame)
		logging.Debugf("peer %s offline, backlogged msg %x (%d queued)\n",
			p.Id.String(), m.MsgType(), len(p.backlog))
		return nil
	}
	if err := p.conn.SendFrame(frame); err != nil {
		// connection just died; keep the message for the next session
		p.conn.Close()
		p.conn = nil
		p.backlog = append(p.backlog, frame)
		pm.scheduleReconnectLocked(p)
		return nil
	}
	return nil
}

// peer returns the tracked entry for an identity, creating it if new.
func (pm *PeerManager) peer(id lnutil.PeerId) *Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.peers[id]
	if !ok {
		p = &Peer{Id: id}
		pm.peers[id] = p
	}
	return p
}

func (pm *PeerManager) peerCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.peers)
}

// attach installs a fresh session on its peer entry and flushes the
// backlog before anything newer can jump the line.
func (pm *PeerManager) attach(conn *Conn, addr string) {
	p := pm.peer(conn.RemotePub())

	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	if addr != "" {
		p.Addr = addr
	}
	p.retries = 0

	for len(p.backlog) > 0 {
		frame := p.backlog[0]
		if err := conn.SendFrame(frame); err != nil {
			logging.Warnf("peer %s backlog flush died: %s\n", p.Id.String(), err.Error())
			conn.Close()
			p.conn = nil
			pm.scheduleReconnectLocked(p)
			p.mu.Unlock()
			return
		}
		p.backlog = p.backlog[1:]
	}
	p.mu.Unlock()

	logging.Infof("peer %s connected\n", p.Id.String())
	pm.bus.Publish("peer.connected", p.Id.String())

	pm.wg.Add(1)
	go pm.readLoop(p, conn)
}

func (pm *PeerManager) readLoop(p *Peer, conn *Conn) {
	defer pm.wg.Done()
	for {
		frame, err := conn.RecvFrame()
		if err != nil {
			pm.dropConn(p, conn, err)
			return
		}
		m, err := lnutil.MsgFromBytes(frame, p.Id)
		if err != nil {
			logging.Warnf("peer %s sent garbage: %s\n", p.Id.String(), err.Error())
			continue
		}
		pm.handler(m)
	}
}

func (pm *PeerManager) dropConn(p *Peer, conn *Conn, cause error) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		pm.scheduleReconnectLocked(p)
	}
	p.mu.Unlock()
	conn.Close()

	select {
	case <-pm.quit:
		return
	default:
	}
	logging.Infof("peer %s disconnected: %s\n", p.Id.String(), cause.Error())
	pm.bus.Publish("peer.disconnected", p.Id.String())
}

// scheduleReconnectLocked starts the redial loop for outbound peers.
// Caller holds p.mu.
func (pm *PeerManager) scheduleReconnectLocked(p *Peer) {
	if p.Addr == "" || p.reconnecting {
		return
	}
	p.reconnecting = true
	pm.wg.Add(1)
	go pm.reconnect(p)
}

func (pm *PeerManager) reconnect(p *Peer) {
	defer pm.wg.Done()
	for {
		p.mu.Lock()
		if p.conn != nil {
			p.reconnecting = false
			p.mu.Unlock()
			return
		}
		delay := reconnectCap
		if p.retries < 6 {
			delay = reconnectBase << uint(p.retries)
		}
		p.retries++
		addr := p.Addr
		p.mu.Unlock()

		logging.Debugf("redialing %s in %s\n", p.Id.String(), delay.String())
		select {
		case <-time.After(delay):
		case <-pm.quit:
			return
		}

		conn, err := Dial(&pm.priv, addr, p.Id)
		if err != nil {
			logging.Debugf("redial %s failed: %s\n", p.Id.String(), err.Error())
			continue
		}
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
		pm.attach(conn, addr)
		return
	}
}

// PeerInfo is the read-model of one peer for list commands.
type PeerInfo struct {
	Id        lnutil.PeerId
	Addr      string
	Connected bool
	Queued    int
}

func (pm *PeerManager) ListPeers() []PeerInfo {
	pm.mu.Lock()
	peers := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	pm.mu.Unlock()

	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		p.mu.Lock()
		out = append(out, PeerInfo{
			Id:        p.Id,
			Addr:      p.Addr,
			Connected: p.conn != nil,
			Queued:    len(p.backlog),
		})
		p.mu.Unlock()
	}
	return out
}

// Connected reports whether a live session to the peer exists.
func (pm *PeerManager) Connected(id lnutil.PeerId) bool {
	pm.mu.Lock()
	p, ok := pm.peers[id]
	pm.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil
}

// Stop closes the listener and every session.
func (pm *PeerManager) Stop() {
	close(pm.quit)
	pm.mu.Lock()
	if pm.listener != nil {
		pm.listener.Close()
	}
	peers := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	pm.mu.Unlock()

	for _, p := range peers {
		p.mu.Lock()
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
		p.mu.Unlock()
	}
	pm.wg.Wait()
}
