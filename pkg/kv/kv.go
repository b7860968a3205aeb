// Package kv defines the transactional key-value abstraction every metadata
// component is built on. Implementations may be remote, so every call is a
// potential network round-trip and takes a context.
package kv

import (
	"bytes"
	"context"
	"fmt"

	"metasrv/pkg/metaerrors"
)

type KeyValue struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type Store interface {
	// Get returns false when the key does not exist.
	Get(ctx context.Context, key []byte) (KeyValue, bool, error)
	// Range returns every pair whose key starts with prefix, ordered by key.
	Range(ctx context.Context, prefix []byte) ([]KeyValue, error)
	// BatchGet returns the existing subset of keys in request order.
	BatchGet(ctx context.Context, keys [][]byte) ([]KeyValue, error)
	// Put returns the previous pair if there was one.
	Put(ctx context.Context, key, value []byte) (KeyValue, bool, error)
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key []byte) (bool, error)
	Txn(ctx context.Context, txn *Txn) (TxnResponse, error)
}

// ResettableStore is a store whose whole content may be dropped at once.
// Only ephemeral, leader-local state lives in such stores.
type ResettableStore interface {
	Store
	Reset()
}

func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return metaerrors.ErrEmptyKey
	}
	return nil
}

// MoveValue atomically moves the value stored at from to to.
// It reports false when from does not exist.
func MoveValue(ctx context.Context, s Store, from, to []byte) (bool, error) {
	if err := ValidateKey(from); err != nil {
		return false, err
	}
	if err := ValidateKey(to); err != nil {
		return false, err
	}

	cur, ok, err := s.Get(ctx, from)
	if err != nil {
		return false, fmt.Errorf("move value: %w", err)
	}
	if !ok {
		return false, nil
	}

	txn := NewTxn().
		When(ValueEquals(from, cur.Value)).
		Then(OpDelete(from), OpPut(to, cur.Value))

	resp, err := s.Txn(ctx, txn)
	if err != nil {
		return false, fmt.Errorf("move value: %w", err)
	}
	if !resp.Succeeded {
		return false, &metaerrors.MoveValueError{Key: string(from)}
	}
	return true, nil
}

// HasPrefix is the range predicate shared by the backends.
func HasPrefix(key, prefix []byte) bool {
	return bytes.HasPrefix(key, prefix)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

// Clone returns a deep copy of the pair.
func (kv KeyValue) Clone() KeyValue {
	return KeyValue{Key: clone(kv.Key), Value: clone(kv.Value)}
}
