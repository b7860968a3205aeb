package zkstore

import (
	"context"
	"errors"
	"testing"

	"metasrv/pkg/kv"
	"metasrv/pkg/kv/kvtest"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/zkutil/zktest"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *zktest.Conn) {
	t.Helper()
	conn := zktest.NewServer().Connect()
	s, err := New(conn, "/metasrv", opts...)
	require.NoError(t, err)
	return s, conn
}

func TestStore_Conformance(t *testing.T) {
	kvtest.RunStoreTests(t, func(t *testing.T) kv.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestStore_SharedBetweenSessions(t *testing.T) {
	srv := zktest.NewServer()
	a, err := New(srv.Connect(), "/metasrv")
	require.NoError(t, err)
	b, err := New(srv.Connect(), "/metasrv")
	require.NoError(t, err)

	ctx := context.Background()
	_, _, err = a.Put(ctx, []byte("/route/42"), []byte("r"))
	require.NoError(t, err)

	got, ok, err := b.Get(ctx, []byte("/route/42"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "r", string(got.Value))

	_, ok = srv.Data("/metasrv/kv/2f726f7574652f3432")
	require.True(t, ok, "expected hex-named key node")
}

func TestStore_BackendUnavailable(t *testing.T) {
	s, conn := newTestStore(t)
	conn.SetFault(func(op, path string) error { return zk.ErrNoServer })

	_, _, err := s.Get(context.Background(), []byte("k"))
	require.ErrorIs(t, err, metaerrors.ErrBackendUnavailable)
	require.Equal(t, metaerrors.KindUnavailable, metaerrors.KindOf(err))
}

func TestStore_SessionExpired(t *testing.T) {
	s, conn := newTestStore(t)
	conn.Expire()

	_, _, err := s.Put(context.Background(), []byte("k"), []byte("v"))
	require.ErrorIs(t, err, metaerrors.ErrBackendUnavailable)
}

func TestStore_RetryLimit(t *testing.T) {
	s, conn := newTestStore(t, WithMaxRetries(3))

	var multis int
	conn.SetFault(func(op, path string) error {
		if op == "multi" {
			multis++
			return zk.ErrBadVersion
		}
		return nil
	})

	_, _, err := s.Put(context.Background(), []byte("k"), []byte("v"))
	require.ErrorIs(t, err, metaerrors.ErrExceededRetryLimit)
	require.Equal(t, 3, multis)

	var limit *metaerrors.ExceededRetryLimitError
	require.True(t, errors.As(err, &limit))
	require.Equal(t, "zkstore.txn", limit.Func)
}

func TestStore_EmptyValueRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Put(ctx, []byte("k"), nil)
	require.NoError(t, err)

	got, ok, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got.Value)

	resp, err := s.Txn(ctx, kv.NewTxn().When(kv.ValueEquals([]byte("k"), []byte{})).Then(kv.OpDelete([]byte("k"))))
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
}
