// Package kvtest is the behaviour every kv.Store backend must share.
package kvtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"metasrv/pkg/kv"
	"metasrv/pkg/metaerrors"

	"github.com/stretchr/testify/require"
)

// RunStoreTests runs the conformance suite. newStore must return an empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) kv.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s kv.Store)
	}{
		{"PutGetDelete", testPutGetDelete},
		{"EmptyKey", testEmptyKey},
		{"RangeIsOrderedAndPrefixed", testRange},
		{"BatchGet", testBatchGet},
		{"TxnSuccess", testTxnSuccess},
		{"TxnFailureLeavesKeysUnchanged", testTxnFailure},
		{"TxnCompareAbsent", testTxnCompareAbsent},
		{"ConcurrentCompareAndSwap", testConcurrentCAS},
		{"MoveValue", testMoveValue},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func testPutGetDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, ok, err := s.Get(ctx, []byte("/route/1"))
	require.NoError(t, err)
	require.False(t, ok)

	_, hadPrev, err := s.Put(ctx, []byte("/route/1"), []byte("v1"))
	require.NoError(t, err)
	require.False(t, hadPrev)

	prev, hadPrev, err := s.Put(ctx, []byte("/route/1"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, hadPrev)
	require.Equal(t, "v1", string(prev.Value))

	got, ok, err := s.Get(ctx, []byte("/route/1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v2", string(got.Value))

	deleted, err := s.Delete(ctx, []byte("/route/1"))
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = s.Delete(ctx, []byte("/route/1"))
	require.NoError(t, err)
	require.False(t, deleted)

	_, ok, err = s.Get(ctx, []byte("/route/1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func testEmptyKey(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, _, err := s.Put(ctx, nil, []byte("v"))
	require.ErrorIs(t, err, metaerrors.ErrEmptyKey)

	_, _, err = s.Get(ctx, []byte{})
	require.ErrorIs(t, err, metaerrors.ErrEmptyKey)
}

func testRange(t *testing.T, s kv.Store) {
	ctx := context.Background()

	for _, k := range []string{"/stat/1/3", "/lease/1/2", "/lease/1/10", "/lease/2/1", "/lease/1/1", "/leaseX"} {
		_, _, err := s.Put(ctx, []byte(k), []byte("v"+k))
		require.NoError(t, err)
	}

	kvs, err := s.Range(ctx, []byte("/lease/1/"))
	require.NoError(t, err)

	var keys []string
	for _, p := range kvs {
		keys = append(keys, string(p.Key))
		require.Equal(t, "v"+string(p.Key), string(p.Value))
	}
	require.Equal(t, []string{"/lease/1/1", "/lease/1/10", "/lease/1/2"}, keys)

	all, err := s.Range(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 6)

	none, err := s.Range(ctx, []byte("/route/"))
	require.NoError(t, err)
	require.Empty(t, none)
}

func testBatchGet(t *testing.T, s kv.Store) {
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, _, err := s.Put(ctx, []byte(k), []byte(k+k))
		require.NoError(t, err)
	}

	kvs, err := s.BatchGet(ctx, [][]byte{[]byte("c"), []byte("x"), []byte("a")})
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	require.Equal(t, "c", string(kvs[0].Key))
	require.Equal(t, "cc", string(kvs[0].Value))
	require.Equal(t, "a", string(kvs[1].Key))
}

func testTxnSuccess(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, _, err := s.Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("d"), []byte("gone"))
	require.NoError(t, err)

	resp, err := s.Txn(ctx, kv.NewTxn().
		When(kv.ValueEquals([]byte("a"), []byte("1")), kv.KeyAbsent([]byte("b"))).
		Then(
			kv.OpPut([]byte("a"), []byte("2")),
			kv.OpPut([]byte("b"), []byte("new")),
			kv.OpDelete([]byte("d")),
			kv.OpGet([]byte("b")),
		).
		Else(kv.OpGet([]byte("a"))))
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	require.Len(t, resp.Responses, 4)

	require.NotNil(t, resp.Responses[0].KV)
	require.Equal(t, "1", string(resp.Responses[0].KV.Value))
	require.Nil(t, resp.Responses[1].KV)
	require.NotNil(t, resp.Responses[2].KV)
	require.Equal(t, "gone", string(resp.Responses[2].KV.Value))
	require.NotNil(t, resp.Responses[3].KV)
	require.Equal(t, "new", string(resp.Responses[3].KV.Value))

	expectValue(t, s, "a", "2")
	expectValue(t, s, "b", "new")
	expectAbsent(t, s, "d")
}

func testTxnFailure(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, _, err := s.Put(ctx, []byte("a"), []byte("1"))
	require.NoError(t, err)
	_, _, err = s.Put(ctx, []byte("b"), []byte("keep"))
	require.NoError(t, err)

	resp, err := s.Txn(ctx, kv.NewTxn().
		When(kv.ValueEquals([]byte("a"), []byte("999"))).
		Then(
			kv.OpPut([]byte("a"), []byte("2")),
			kv.OpDelete([]byte("b")),
			kv.OpPut([]byte("c"), []byte("3")),
		).
		Else(kv.OpGet([]byte("a"))))
	require.NoError(t, err)
	require.False(t, resp.Succeeded)
	require.Len(t, resp.Responses, 1)
	require.Equal(t, kv.OpTypeGet, resp.Responses[0].Type)
	require.NotNil(t, resp.Responses[0].KV)
	require.Equal(t, "1", string(resp.Responses[0].KV.Value))

	expectValue(t, s, "a", "1")
	expectValue(t, s, "b", "keep")
	expectAbsent(t, s, "c")
}

func testTxnCompareAbsent(t *testing.T, s kv.Store) {
	ctx := context.Background()

	putIfAbsent := func(v string) bool {
		resp, err := s.Txn(ctx, kv.NewTxn().
			When(kv.KeyAbsent([]byte("/seq/x"))).
			Then(kv.OpPut([]byte("/seq/x"), []byte(v))))
		require.NoError(t, err)
		return resp.Succeeded
	}

	require.True(t, putIfAbsent("first"))
	require.False(t, putIfAbsent("second"))
	expectValue(t, s, "/seq/x", "first")
}

func testConcurrentCAS(t *testing.T, s kv.Store) {
	ctx := context.Background()
	key := []byte("/counter")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners = map[string]int{}
	)

	_, _, err := s.Put(ctx, key, []byte("0"))
	require.NoError(t, err)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.Txn(ctx, kv.NewTxn().
				When(kv.ValueEquals(key, []byte("0"))).
				Then(kv.OpPut(key, []byte(fmt.Sprintf("w%d", i)))))
			if err != nil {
				if errors.Is(err, metaerrors.ErrExceededRetryLimit) {
					return
				}
				t.Errorf("txn: %v", err)
				return
			}
			if resp.Succeeded {
				mu.Lock()
				winners[fmt.Sprintf("w%d", i)]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	for w := range winners {
		expectValue(t, s, string(key), w)
	}
}

func testMoveValue(t *testing.T, s kv.Store) {
	ctx := context.Background()

	_, _, err := s.Put(ctx, []byte("/route/old"), []byte("route"))
	require.NoError(t, err)

	moved, err := kv.MoveValue(ctx, s, []byte("/route/old"), []byte("/route/new"))
	require.NoError(t, err)
	require.True(t, moved)
	expectAbsent(t, s, "/route/old")
	expectValue(t, s, "/route/new", "route")

	moved, err = kv.MoveValue(ctx, s, []byte("/route/old"), []byte("/route/new"))
	require.NoError(t, err)
	require.False(t, moved)
}

func expectValue(t *testing.T, s kv.Store, key, want string) {
	t.Helper()
	got, ok, err := s.Get(context.Background(), []byte(key))
	require.NoError(t, err)
	require.True(t, ok, "key %q not found", key)
	require.Equal(t, want, string(got.Value))
}

func expectAbsent(t *testing.T, s kv.Store, key string) {
	t.Helper()
	_, ok, err := s.Get(context.Background(), []byte(key))
	require.NoError(t, err)
	require.False(t, ok, "key %q still present", key)
}
