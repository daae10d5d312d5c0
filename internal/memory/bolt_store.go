package memory

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/m-mizutani/goerr/v2"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("chatcapture")

// BoltStore implements Backend on a local bbolt file
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating when needed) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create database directory", goerr.V("path", path))
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open bolt database", goerr.V("path", path))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, goerr.Wrap(err, "failed to create bucket", goerr.V("path", path))
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(boltBucket).Get([]byte(key))
		if v == nil {
			return goerr.Wrap(ErrKeyNotFound, "bolt get", goerr.V("key", key))
		}
		// v is only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStore) Set(_ context.Context, key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(key), value)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to write bolt value", goerr.V("key", key))
	}
	return nil
}

func (b *BoltStore) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(key))
	})
	if err != nil {
		return goerr.Wrap(err, "failed to delete bolt value", goerr.V("key", key))
	}
	return nil
}

// Close releases the database file lock
func (b *BoltStore) Close() error {
	return b.db.Close()
}
