// Package invoice tracks the preimages we sell and the payments that move
// through our channels.  Knowing a preimage is what "being paid" means, so
// the invoice store is what lets the node settle an incoming htlc.
package invoice

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

var (
	BKTInvoices = []byte("inv")
	BKTPayments = []byte("pay")
)

// Invoice is a promise to reveal R for a payment of Amt.
type Invoice struct {
	RHash     [32]byte
	R         [32]byte
	Amt       int64
	Memo      string
	CreatedAt time.Time
	Settled   bool
	SettledAt time.Time
}

// Payment is one settled transfer, either direction.
type Payment struct {
	At       time.Time
	ChanId   string
	Amt      int64
	RHash    [32]byte
	Incoming bool
}

// Manager is the durable invoice and payment book.
type Manager struct {
	db *bolt.DB
}

func Open(path string) (*Manager, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second * 2})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(btx *bolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(BKTInvoices); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(BKTPayments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Manager{db: db}, nil
}

func (m *Manager) Close() error {
	return m.db.Close()
}

// Generate mints a fresh invoice for the given amount.
func (m *Manager) Generate(amt int64, memo string) (*Invoice, error) {
	inv := &Invoice{
		Amt:       amt,
		Memo:      memo,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := rand.Read(inv.R[:]); err != nil {
		return nil, err
	}
	inv.RHash = sha256.Sum256(inv.R[:])

	if err := m.putInvoice(inv); err != nil {
		return nil, err
	}
	logging.Infof("generated invoice %x for %d\n", inv.RHash[:8], amt)
	return inv, nil
}

func (m *Manager) putInvoice(inv *Invoice) error {
	b, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return m.db.Update(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTInvoices).Put(inv.RHash[:], b)
	})
}

// Lookup finds an invoice by its payment hash.
func (m *Manager) Lookup(rhash [32]byte) (*Invoice, error) {
	var inv Invoice
	err := m.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(BKTInvoices).Get(rhash[:])
		if b == nil {
			return fmt.Errorf("no invoice for hash %x", rhash[:8])
		}
		return json.Unmarshal(b, &inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// PreimageFor gives back the preimage for an open invoice, if we sold one.
func (m *Manager) PreimageFor(rhash [32]byte) ([32]byte, bool) {
	inv, err := m.Lookup(rhash)
	if err != nil || inv.Settled {
		return [32]byte{}, false
	}
	return inv.R, true
}

// MarkSettled closes out an invoice and books the incoming payment.
func (m *Manager) MarkSettled(rhash [32]byte, chanId string) error {
	inv, err := m.Lookup(rhash)
	if err != nil {
		return err
	}
	if inv.Settled {
		return nil
	}
	inv.Settled = true
	inv.SettledAt = time.Now().UTC()
	if err := m.putInvoice(inv); err != nil {
		return err
	}
	return m.RecordPayment(Payment{
		At:       inv.SettledAt,
		ChanId:   chanId,
		Amt:      inv.Amt,
		RHash:    rhash,
		Incoming: true,
	})
}

// RecordPayment appends one entry to the payment book.
func (m *Manager) RecordPayment(p Payment) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.db.Update(func(btx *bolt.Tx) error {
		pays := btx.Bucket(BKTPayments)
		seq, err := pays.NextSequence()
		if err != nil {
			return err
		}
		return pays.Put(lnutil.U64tB(seq), b)
	})
}

// ListPayments returns the payment book, oldest first.
func (m *Manager) ListPayments() ([]Payment, error) {
	var out []Payment
	err := m.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTPayments).ForEach(func(k, v []byte) error {
			var p Payment
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// ListInvoices returns every invoice, open and settled.
func (m *Manager) ListInvoices() ([]Invoice, error) {
	var out []Invoice
	err := m.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTInvoices).ForEach(func(k, v []byte) error {
			var inv Invoice
			if err := json.Unmarshal(v, &inv); err != nil {
				return err
			}
			out = append(out, inv)
			return nil
		})
	})
	return out, err
}
