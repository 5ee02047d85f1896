package kvstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt is a Store backed by a BoltDB file. The namespace maps to a bucket, so
// several namespaces can share one database via Namespace.
type Bolt struct {
	db     *bbolt.DB
	bucket []byte
	owned  bool
}

// OpenBolt opens (or creates) the database at path and uses bucket as the namespace.
func OpenBolt(path, bucket string) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	store, err := newBolt(db, bucket)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// Namespace returns a store sharing the same database but using another bucket.
// Closing the returned store does not close the database.
func (b *Bolt) Namespace(bucket string) (*Bolt, error) {
	return newBolt(b.db, bucket)
}

func newBolt(db *bbolt.DB, bucket string) (*Bolt, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	store := &Bolt{db: db, bucket: []byte(bucket)}
	if err := store.ensureBucket(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the database if this store opened it.
func (b *Bolt) Close() error {
	if b == nil || b.db == nil || !b.owned {
		return nil
	}
	return b.db.Close()
}

func (b *Bolt) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		value string
		found bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s is missing", b.bucket)
		}
		if v := bucket.Get([]byte(key)); v != nil {
			// v is only valid inside the transaction
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, b.wrap("get", err)
	}
	return value, found, nil
}

func (b *Bolt) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s is missing", b.bucket)
		}
		return bucket.Put([]byte(key), []byte(value))
	})
	return b.wrap("put", err)
}

func (b *Bolt) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(b.bucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	return b.wrap("delete", err)
}

func (b *Bolt) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(b.bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(b.bucket)
		return err
	})
	return b.wrap("clear", err)
}

func (b *Bolt) ensureBucket() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(b.bucket); err != nil {
			return fmt.Errorf("create %s bucket: %w", b.bucket, err)
		}
		return nil
	})
}

func (b *Bolt) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return fmt.Errorf("bolt %s: %w", op, err)
}
