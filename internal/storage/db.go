// Package storage provides the key-value backends used by the chain store.
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Batch buffers writes and applies them atomically on Commit.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
}

// Batcher is implemented by backends that support atomic batches.
type Batcher interface {
	NewBatch() Batch
}

// NewBatch returns an atomic batch when db supports one, and a buffered
// batch that applies writes one by one otherwise.
func NewBatch(db DB) Batch {
	if b, ok := db.(Batcher); ok {
		return b.NewBatch()
	}
	return &sequentialBatch{db: db}
}

// batchOp is a buffered write. A nil value means delete.
type batchOp struct {
	key   []byte
	value []byte
}

func newPut(key, value []byte) batchOp {
	v := make([]byte, len(value))
	copy(v, value)
	return batchOp{key: append([]byte(nil), key...), value: v}
}

func newDelete(key []byte) batchOp {
	return batchOp{key: append([]byte(nil), key...)}
}

type sequentialBatch struct {
	db  DB
	ops []batchOp
}

func (b *sequentialBatch) Put(key, value []byte) error {
	b.ops = append(b.ops, newPut(key, value))
	return nil
}

func (b *sequentialBatch) Delete(key []byte) error {
	b.ops = append(b.ops, newDelete(key))
	return nil
}

func (b *sequentialBatch) Commit() error {
	for _, op := range b.ops {
		var err error
		if op.value == nil {
			err = b.db.Delete(op.key)
		} else {
			err = b.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	b.ops = nil
	return nil
}
