package contextstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("query_contexts")

// BoltStore keeps every query context in a single bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = &BoltStore{}

func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, errors.New("bolt context store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "bolt context store: create db directory")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "bolt context store: open")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "bolt context store: create bucket")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, errors.New("bolt context store: db is nil")
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v == nil {
			return nil
		}
		// values are only valid for the lifetime of the transaction
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "bolt context store: get")
	}
	return out, out != nil, nil
}

func (s *BoltStore) Set(_ context.Context, key string, value []byte) error {
	if s == nil || s.db == nil {
		return errors.New("bolt context store: db is nil")
	}
	if key == "" {
		return errors.New("bolt context store: key is empty")
	}
	if value == nil {
		value = []byte{}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	if err != nil {
		return errors.Wrap(err, "bolt context store: set")
	}
	return nil
}

func (s *BoltStore) Delete(_ context.Context, key string) error {
	if s == nil || s.db == nil {
		return errors.New("bolt context store: db is nil")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return errors.Wrap(err, "bolt context store: delete")
	}
	return nil
}

func (s *BoltStore) Keys(_ context.Context, prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("bolt context store: db is nil")
	}
	keys := []string{}
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "bolt context store: keys")
	}
	return keys, nil
}
