package chandb

import (
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/lnlab/lnode/channel"
	"github.com/lnlab/lnode/lnutil"
	"github.com/lnlab/lnode/logging"
)

/*
Layout.  One nested bucket per channel under BKTChannels, keyed by the 36
byte channel id:

  BKTChannels
    <chanid>
      KEYInfo   -> latest serialized channel state
      BKTCkpts  -> seq (8 bytes, big endian) -> serialized state
  BKTArchive
    <chanid>    -> same shape, moved here on terminal close
  BKTAudit
    seq         -> timestamped audit line

The info key and the checkpoint append land in the same transaction, so
the latest pointer can never run ahead of (or behind) the history.
Checkpoints are append only; a failed write aborts the transaction and
leaves the previous state untouched.
*/

var (
	BKTChannels = []byte("chn")
	BKTArchive  = []byte("arc")
	BKTAudit    = []byte("adt")

	KEYInfo  = []byte("inf")
	BKTCkpts = []byte("ckp")
)

// Store is the durable home of every channel the node carries.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the channel database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second * 2})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(btx *bolt.Tx) error {
		if _, err := btx.CreateBucketIfNotExists(BKTChannels); err != nil {
			return err
		}
		if _, err := btx.CreateBucketIfNotExists(BKTArchive); err != nil {
			return err
		}
		_, err := btx.CreateBucketIfNotExists(BKTAudit)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	logging.Infof("opened channel db at %s\n", path)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WriteCheckpoint durably records the channel's current state: the info key
// is replaced and a new checkpoint is appended, atomically.
func (s *Store) WriteCheckpoint(c *channel.Chan) error {
	state := c.Bytes()
	return s.db.Update(func(btx *bolt.Tx) error {
		cbkt, err := btx.Bucket(BKTChannels).CreateBucketIfNotExists(c.Id[:])
		if err != nil {
			return err
		}
		if err := cbkt.Put(KEYInfo, state); err != nil {
			return err
		}
		ckpts, err := cbkt.CreateBucketIfNotExists(BKTCkpts)
		if err != nil {
			return err
		}
		seq, err := ckpts.NextSequence()
		if err != nil {
			return err
		}
		return ckpts.Put(lnutil.U64tB(seq), state)
	})
}

// ReadChannel loads the latest state of one channel.  A missing channel is
// an error, not a nil.
func (s *Store) ReadChannel(id lnutil.ChannelId) (*channel.Chan, error) {
	var c *channel.Chan
	err := s.db.View(func(btx *bolt.Tx) error {
		cbkt := btx.Bucket(BKTChannels).Bucket(id[:])
		if cbkt == nil {
			return fmt.Errorf("channel %s not in db", id.String())
		}
		info := cbkt.Get(KEYInfo)
		if info == nil {
			return fmt.Errorf("channel %s has no state", id.String())
		}
		var err error
		c, err = channel.ChanFromBytes(info)
		return err
	})
	return c, err
}

// ListChannels loads every live channel.
func (s *Store) ListChannels() ([]*channel.Chan, error) {
	var chans []*channel.Chan
	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTChannels).ForEach(func(k, v []byte) error {
			if v != nil {
				return nil // not a bucket, shouldn't happen
			}
			cbkt := btx.Bucket(BKTChannels).Bucket(k)
			info := cbkt.Get(KEYInfo)
			if info == nil {
				logging.Warnf("channel bucket %x has no state, skipping\n", k)
				return nil
			}
			c, err := channel.ChanFromBytes(info)
			if err != nil {
				return err
			}
			chans = append(chans, c)
			return nil
		})
	})
	return chans, err
}

// Rekey folds the history stored under a channel's provisional id into its
// funding-outpoint id.  Safe to call when the old id was never written.
func (s *Store) Rekey(oldId, newId lnutil.ChannelId) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		top := btx.Bucket(BKTChannels)
		oldBkt := top.Bucket(oldId[:])
		if oldBkt == nil {
			return nil
		}
		newBkt, err := top.CreateBucketIfNotExists(newId[:])
		if err != nil {
			return err
		}
		newCkpts, err := newBkt.CreateBucketIfNotExists(BKTCkpts)
		if err != nil {
			return err
		}
		if oldCkpts := oldBkt.Bucket(BKTCkpts); oldCkpts != nil {
			err = oldCkpts.ForEach(func(k, v []byte) error {
				seq, err := newCkpts.NextSequence()
				if err != nil {
					return err
				}
				return newCkpts.Put(lnutil.U64tB(seq), v)
			})
			if err != nil {
				return err
			}
		}
		if newBkt.Get(KEYInfo) == nil {
			if info := oldBkt.Get(KEYInfo); info != nil {
				if err := newBkt.Put(KEYInfo, info); err != nil {
					return err
				}
			}
		}
		return top.DeleteBucket(oldId[:])
	})
}

// Archive moves a terminally closed channel out of the live set.  Its
// checkpoints move with it for later forensics.
func (s *Store) Archive(id lnutil.ChannelId) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		live := btx.Bucket(BKTChannels).Bucket(id[:])
		if live == nil {
			return fmt.Errorf("channel %s not in db", id.String())
		}
		arc, err := btx.Bucket(BKTArchive).CreateBucketIfNotExists(id[:])
		if err != nil {
			return err
		}
		if info := live.Get(KEYInfo); info != nil {
			if err := arc.Put(KEYInfo, info); err != nil {
				return err
			}
		}
		arcCkpts, err := arc.CreateBucketIfNotExists(BKTCkpts)
		if err != nil {
			return err
		}
		if ckpts := live.Bucket(BKTCkpts); ckpts != nil {
			err = ckpts.ForEach(func(k, v []byte) error {
				return arcCkpts.Put(k, v)
			})
			if err != nil {
				return err
			}
		}
		return btx.Bucket(BKTChannels).DeleteBucket(id[:])
	})
}

// Checkpoints returns a channel's full append-only history, oldest first.
// Looks in the live set first, then the archive.
func (s *Store) Checkpoints(id lnutil.ChannelId) ([]*channel.Chan, error) {
	var hist []*channel.Chan
	err := s.db.View(func(btx *bolt.Tx) error {
		cbkt := btx.Bucket(BKTChannels).Bucket(id[:])
		if cbkt == nil {
			cbkt = btx.Bucket(BKTArchive).Bucket(id[:])
		}
		if cbkt == nil {
			return fmt.Errorf("channel %s not in db", id.String())
		}
		ckpts := cbkt.Bucket(BKTCkpts)
		if ckpts == nil {
			return nil
		}
		return ckpts.ForEach(func(k, v []byte) error {
			c, err := channel.ChanFromBytes(v)
			if err != nil {
				return err
			}
			hist = append(hist, c)
			return nil
		})
	})
	return hist, err
}

// WriteAudit appends one forensic record.
func (s *Store) WriteAudit(detail string) error {
	line := fmt.Sprintf("%s %s", time.Now().UTC().Format(time.RFC3339), detail)
	return s.db.Update(func(btx *bolt.Tx) error {
		adt := btx.Bucket(BKTAudit)
		seq, err := adt.NextSequence()
		if err != nil {
			return err
		}
		return adt.Put(lnutil.U64tB(seq), []byte(line))
	})
}

// Audits returns every audit record, oldest first.
func (s *Store) Audits() ([]string, error) {
	var lines []string
	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(BKTAudit).ForEach(func(k, v []byte) error {
			lines = append(lines, string(v))
			return nil
		})
	})
	return lines, err
}
