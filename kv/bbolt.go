// Package kv is a small bucketed key-value store.  Keys and bucket
// names are strings; values are byte slices, or records encoded as
// canonical CBOR.  The store is an adapter for bbolt.
package kv

import (
	"bytes"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	. "github.com/stevegt/goadapt"
	bolt "go.etcd.io/bbolt"
)

// Store is an open database.
type Store struct {
	bdb *bolt.DB
}

// Open opens a database, creating it and the given buckets if they
// don't exist.
func Open(path string, buckets ...string) (s *Store, err error) {
	defer Return(&err)
	opts := &bolt.Options{Timeout: 10 * time.Second}
	bdb, err := bolt.Open(path, 0600, opts)
	Ck(err, "failed to open %s", path)
	s = &Store{bdb: bdb}
	err = s.Update(func(tx WriteTx) error {
		for _, b := range buckets {
			err := tx.CreateBucketIfNotExists(b)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		s = nil
	}
	return
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.bdb.Path()
}

// Close closes the store.
func (s *Store) Close() error {
	return s.bdb.Close()
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(ReadTx) error) error {
	return s.bdb.View(func(tx *bolt.Tx) error {
		return fn(&readTx{tx: tx})
	})
}

// Update runs fn in a read-write transaction.  The transaction is
// rolled back if fn returns an error.
func (s *Store) Update(fn func(WriteTx) error) error {
	return s.bdb.Update(func(tx *bolt.Tx) error {
		return fn(&writeTx{readTx{tx: tx}})
	})
}

// ReadTx is a read-only transaction.  Returned slices are copies and
// remain valid after the transaction ends.
type ReadTx interface {
	Get(bucket, key string) []byte
	ForEach(bucket string, fn func(k, v []byte) error) error
	// Scan visits keys starting with prefix, in key order.
	Scan(bucket, prefix string, fn func(k, v []byte) error) error
}

// WriteTx is a read-write transaction.
type WriteTx interface {
	ReadTx
	Put(bucket, key string, value []byte) error
	Delete(bucket, key string) error
	CreateBucketIfNotExists(bucket string) error
}

type readTx struct {
	tx *bolt.Tx
}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

func (r *readTx) Get(bucket, key string) []byte {
	b := r.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return dup(b.Get([]byte(key)))
}

func (r *readTx) ForEach(bucket string, fn func(k, v []byte) error) error {
	b := r.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		return fn(dup(k), dup(v))
	})
}

func (r *readTx) Scan(bucket, prefix string, fn func(k, v []byte) error) error {
	b := r.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	p := []byte(prefix)
	c := b.Cursor()
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		err := fn(dup(k), dup(v))
		if err != nil {
			return err
		}
	}
	return nil
}

type writeTx struct {
	readTx
}

func (w *writeTx) Put(bucket, key string, value []byte) error {
	b, err := w.tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return b.Put([]byte(key), value)
}

func (w *writeTx) Delete(bucket, key string) error {
	b := w.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

func (w *writeTx) CreateBucketIfNotExists(bucket string) error {
	_, err := w.tx.CreateBucketIfNotExists([]byte(bucket))
	return err
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCanonical, Time: cbor.TimeRFC3339Nano}.EncMode()
	Ck(err)
	decMode, err = cbor.DecOptions{}.DecMode()
	Ck(err)
}

// Marshal encodes v as canonical CBOR.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// PutRecord encodes v and stores it under key.
func PutRecord(tx WriteTx, bucket, key string, v interface{}) error {
	buf, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}
	return tx.Put(bucket, key, buf)
}

// GetRecord decodes the record under key into v.  found is false if
// there is no such record.
func GetRecord(tx ReadTx, bucket, key string, v interface{}) (found bool, err error) {
	buf := tx.Get(bucket, key)
	if buf == nil {
		return false, nil
	}
	err = Unmarshal(buf, v)
	if err != nil {
		return true, fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}
