package peermgr

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/lnlab/lnode/lnutil"
)

/* Authenticated transport.  Each side proves a static curve25519 identity;
an ephemeral exchange gives the session keys, so the static keys never
encrypt anything directly.

handshake (initiator first):
  -> 33 byte static pub, 32 byte ephemeral pub
  <- 33 byte static pub, 32 byte ephemeral pub

Session keys come from HKDF over the ephemeral shared secret mixed with
the static-static secret.  Each direction gets its own key; the frame
counter is the nonce, so frames can't be dropped, replayed, or reordered
without the next open failing. */

const (
	pubKeyVersion = 0x01

	// maxFrameLen bounds the sealed frame, which must fit the 2 byte
	// length header
	maxFrameLen = 1<<16 - 1

	handshakeTimeout = time.Second * 10
)

// Conn is one encrypted, ordered session with a peer.
type Conn struct {
	raw       net.Conn
	remotePub lnutil.PeerId

	sendAead  cipher.AEAD
	recvAead  cipher.AEAD
	sendNonce uint64
	recvNonce uint64
}

// PubFromPriv gives the wire identity for a static key.
func PubFromPriv(priv *[32]byte) lnutil.PeerId {
	var id lnutil.PeerId
	id[0] = pubKeyVersion
	pub, _ := curve25519.X25519(priv[:], curve25519.Basepoint)
	copy(id[1:], pub)
	return id
}

// Handshake runs the key exchange over a fresh transport connection.
func Handshake(raw net.Conn, priv *[32]byte, initiator bool) (*Conn, error) {
	raw.SetDeadline(time.Now().Add(handshakeTimeout))
	defer raw.SetDeadline(time.Time{})

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	ourHello := make([]byte, 0, 65)
	myId := PubFromPriv(priv)
	ourHello = append(ourHello, myId[:]...)
	ourHello = append(ourHello, ephPub...)

	theirHello := make([]byte, 65)
	if initiator {
		if _, err := raw.Write(ourHello); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(raw, theirHello); err != nil {
			return nil, err
		}
	} else {
		if _, err := io.ReadFull(raw, theirHello); err != nil {
			return nil, err
		}
		if _, err := raw.Write(ourHello); err != nil {
			return nil, err
		}
	}
	if theirHello[0] != pubKeyVersion {
		return nil, fmt.Errorf("unknown key version %x", theirHello[0])
	}

	var remotePub lnutil.PeerId
	copy(remotePub[:], theirHello[:33])
	theirEph := theirHello[33:65]

	ephShared, err := curve25519.X25519(ephPriv[:], theirEph)
	if err != nil {
		return nil, err
	}
	statShared, err := curve25519.X25519(priv[:], remotePub[1:])
	if err != nil {
		return nil, err
	}

	ikm := append(ephShared, statShared...)
	initKey := sessionKey(ikm, "initiator")
	respKey := sessionKey(ikm, "responder")

	c := &Conn{raw: raw, remotePub: remotePub}
	if initiator {
		c.sendAead, err = chacha20poly1305.New(initKey)
		if err == nil {
			c.recvAead, err = chacha20poly1305.New(respKey)
		}
	} else {
		c.sendAead, err = chacha20poly1305.New(respKey)
		if err == nil {
			c.recvAead, err = chacha20poly1305.New(initKey)
		}
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func sessionKey(ikm []byte, direction string) []byte {
	r := hkdf.New(sha256.New, ikm, []byte("lnode-session"), []byte(direction))
	key := make([]byte, 32)
	io.ReadFull(r, key)
	return key
}

// Dial connects and handshakes.  If expected is nonzero the remote must
// prove that exact identity.
func Dial(priv *[32]byte, addr string, expected lnutil.PeerId) (*Conn, error) {
	raw, err := net.DialTimeout("tcp", addr, handshakeTimeout)
	if err != nil {
		return nil, err
	}
	c, err := Handshake(raw, priv, true)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if expected != (lnutil.PeerId{}) && c.remotePub != expected {
		c.Close()
		return nil, fmt.Errorf("connected to %s, wanted %s",
			c.remotePub.String(), expected.String())
	}
	return c, nil
}

// RemotePub is the authenticated identity on the far end.
func (c *Conn) RemotePub() lnutil.PeerId {
	return c.remotePub
}

func nonceAt(n uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce[4:], lnutil.U64tB(n))
	return nonce
}

// SendFrame seals and writes one message.
func (c *Conn) SendFrame(b []byte) error {
	if max := maxFrameLen - c.sendAead.Overhead(); len(b) > max {
		return fmt.Errorf("frame %d bytes, max %d", len(b), max)
	}
	sealed := c.sendAead.Seal(nil, nonceAt(c.sendNonce), b, nil)
	c.sendNonce++

	out := make([]byte, 0, 2+len(sealed))
	out = append(out, byte(len(sealed)>>8), byte(len(sealed)))
	out = append(out, sealed...)
	_, err := c.raw.Write(out)
	return err
}

// RecvFrame reads and opens one message.
func (c *Conn) RecvFrame() ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(c.raw, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<8 | int(lenBuf[1])
	sealed := make([]byte, n)
	if _, err := io.ReadFull(c.raw, sealed); err != nil {
		return nil, err
	}
	b, err := c.recvAead.Open(nil, nonceAt(c.recvNonce), sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("frame %d failed to open: %s", c.recvNonce, err.Error())
	}
	c.recvNonce++
	return b, nil
}

func (c *Conn) Close() error {
	return c.raw.Close()
}
