// Package history keeps a journal of provisioning attempts in a bbolt file.
package history

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/ugorji/go/codec"
	"go.etcd.io/bbolt"
)

var attemptsBucket = []byte("attempts")

// Record is one provisioning attempt.
type Record struct {
	ID       uint64    `codec:"-"`
	Time     time.Time `codec:"time"`
	Address  string    `codec:"address"`
	SSID     string    `codec:"ssid"`
	Secure   bool      `codec:"secure"`
	Accepted bool      `codec:"accepted"`
	Joined   bool      `codec:"joined"`
}

// Store is an open journal.
type Store struct {
	db *bbolt.DB
}

var jsonHandle = &codec.JsonHandle{}

// Open opens or creates the journal at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "history: create directory")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "history: open %s", path)
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add appends r and returns its ID. A zero Time is set to now.
func (s *Store) Add(r Record) (uint64, error) {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}

	var id uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(attemptsBucket)
		if err != nil {
			return err
		}
		id, err = bucket.NextSequence()
		if err != nil {
			return err
		}

		var payload []byte
		if err := codec.NewEncoderBytes(&payload, jsonHandle).Encode(&r); err != nil {
			return err
		}
		return bucket.Put(itob(id), payload)
	})
	if err != nil {
		return 0, errors.Wrap(err, "history: add")
	}
	return id, nil
}

// List returns the most recent records, newest first. limit <= 0 returns all
// of them.
func (s *Store) List(limit int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(attemptsBucket)
		if bucket == nil {
			return nil
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var r Record
			if err := codec.NewDecoderBytes(v, jsonHandle).Decode(&r); err != nil {
				return errors.Wrapf(err, "decode record %d", btoi(k))
			}
			r.ID = btoi(k)
			records = append(records, r)
			if limit > 0 && len(records) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "history: list")
	}
	return records, nil
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
