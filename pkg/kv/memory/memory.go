// Package memory is the in-process kv backend: one ordered map guarded by a
// single lock. It is used for standalone deployments, tests, and the
// leader-local cache that is reset on every leadership change.
package memory

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"metasrv/pkg/kv"

	"github.com/zhangyunhao116/skipmap"
)

type orderedMap = skipmap.FuncMap[[]byte, []byte]

type Store struct {
	mu         sync.RWMutex
	underlying atomic.Pointer[orderedMap]
}

var _ kv.ResettableStore = (*Store)(nil)

func New() *Store {
	s := &Store{}
	s.underlying.Store(newOrderedMap())
	return s
}

func newOrderedMap() *orderedMap {
	return skipmap.NewFunc[[]byte, []byte](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

func (s *Store) Get(ctx context.Context, key []byte) (kv.KeyValue, bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return kv.KeyValue{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return kv.KeyValue{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.underlying.Load().Load(key)
	if !ok {
		return kv.KeyValue{}, false, nil
	}
	return kv.KeyValue{Key: key, Value: v}.Clone(), true, nil
}

func (s *Store) Range(ctx context.Context, prefix []byte) ([]kv.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []kv.KeyValue
	s.underlying.Load().Range(func(key []byte, value []byte) bool {
		if bytes.Compare(key, prefix) < 0 {
			return true
		}
		if !kv.HasPrefix(key, prefix) {
			return false
		}
		result = append(result, kv.KeyValue{Key: key, Value: value}.Clone())
		return true
	})
	return result, nil
}

func (s *Store) BatchGet(ctx context.Context, keys [][]byte) ([]kv.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.underlying.Load()
	result := make([]kv.KeyValue, 0, len(keys))
	for _, key := range keys {
		if err := kv.ValidateKey(key); err != nil {
			return nil, err
		}
		if v, ok := m.Load(key); ok {
			result = append(result, kv.KeyValue{Key: key, Value: v}.Clone())
		}
	}
	return result, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) (kv.KeyValue, bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return kv.KeyValue{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return kv.KeyValue{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.put(s.underlying.Load(), key, value)
	return prev, ok, nil
}

func (s *Store) Delete(ctx context.Context, key []byte) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.underlying.Load().LoadAndDelete(key)
	return ok, nil
}

func (s *Store) Txn(ctx context.Context, txn *kv.Txn) (kv.TxnResponse, error) {
	if err := txn.Validate(); err != nil {
		return kv.TxnResponse{}, err
	}
	if err := ctx.Err(); err != nil {
		return kv.TxnResponse{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.underlying.Load()
	succeeded, ops := txn.Branch(func(key []byte) ([]byte, bool) {
		return m.Load(key)
	})

	resp := kv.TxnResponse{
		Succeeded: succeeded,
		Responses: make([]kv.OpResponse, 0, len(ops)),
	}
	for _, op := range ops {
		r := kv.OpResponse{Type: op.Type}
		switch op.Type {
		case kv.OpTypeGet:
			if v, ok := m.Load(op.Key); ok {
				pair := kv.KeyValue{Key: op.Key, Value: v}.Clone()
				r.KV = &pair
			}
		case kv.OpTypePut:
			if prev, ok := s.put(m, op.Key, op.Value); ok {
				r.KV = &prev
			}
		case kv.OpTypeDelete:
			if v, ok := m.LoadAndDelete(op.Key); ok {
				pair := kv.KeyValue{Key: op.Key, Value: v}.Clone()
				r.KV = &pair
			}
		}
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

// Reset drops every key.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.underlying.Store(newOrderedMap())
}

// Len is the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.underlying.Load().Len()
}

// put must be called with mu held for writing.
func (s *Store) put(m *orderedMap, key, value []byte) (kv.KeyValue, bool) {
	k := append([]byte{}, key...)
	v := append([]byte{}, value...)
	prev, ok := m.Load(k)
	m.Store(k, v)
	if !ok {
		return kv.KeyValue{}, false
	}
	return kv.KeyValue{Key: k, Value: prev}.Clone(), true
}
