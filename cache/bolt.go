package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// resultsBucket holds envelope values prefixed with their expiry time.
var resultsBucket = []byte("results")

// Bolt is a Backend persisted in a local bbolt database, so cached
// results survive process restarts. Each value is an 8-byte big-endian
// expiry timestamp (unix nanos, zero for no expiry) followed by the
// envelope bytes. Expired values are reaped lazily on Get.
type Bolt struct {
	db  *bbolt.DB
	now func() time.Time
}

// NewBolt opens (creating if needed) a bbolt-backed result store at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating results bucket: %w", err)
	}

	return &Bolt{db: db, now: time.Now}, nil
}

// Get implements Backend.
func (b *Bolt) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(resultsBucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		if len(raw) < 8 {
			return fmt.Errorf("corrupt value for key %s", key)
		}
		if exp := int64(binary.BigEndian.Uint64(raw[:8])); exp > 0 && exp <= b.now().UnixNano() {
			return ErrNotFound
		}
		value = make([]byte, len(raw)-8)
		copy(value, raw[8:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set implements Backend.
func (b *Bolt) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = b.now().Add(ttl).UnixNano()
	}

	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw[:8], uint64(exp))
	copy(raw[8:], value)

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resultsBucket).Put([]byte(key), raw)
	})
}

// Delete implements Backend.
func (b *Bolt) Delete(ctx context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resultsBucket).Delete([]byte(key))
	})
}

// Reap removes all expired values and returns the number removed.
// Called by the tiered cache's janitor tick.
func (b *Bolt) Reap(ctx context.Context) (int, error) {
	cutoff := b.now().UnixNano()
	var expired [][]byte

	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(resultsBucket).ForEach(func(k, v []byte) error {
			if len(v) >= 8 {
				if exp := int64(binary.BigEndian.Uint64(v[:8])); exp > 0 && exp <= cutoff {
					key := make([]byte, len(k))
					copy(key, k)
					expired = append(expired, key)
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("scanning for expired values: %w", err)
	}

	if len(expired) == 0 {
		return 0, nil
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(resultsBucket)
		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("deleting expired values: %w", err)
	}
	return len(expired), nil
}

// Close implements Backend.
func (b *Bolt) Close() error {
	return b.db.Close()
}

var _ Backend = (*Bolt)(nil)
