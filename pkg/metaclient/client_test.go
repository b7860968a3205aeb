package metaclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metasrv/internal/rpc"
	"metasrv/pkg/kv"
	"metasrv/pkg/kv/memory"
	"metasrv/pkg/lock"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/metasrv"
	"metasrv/pkg/selector"
)

func newLeader(t *testing.T) *httptest.Server {
	t.Helper()
	m, err := metasrv.NewBuilder().
		Options(metasrv.Options{BindAddr: "127.0.0.1:3002", UseMemoryStore: true, Selector: selector.LoadBased}).
		KVStore(memory.New()).
		Lock(lock.NewMemory()).
		Build()
	require.NoError(t, err)
	require.NoError(t, m.TryStart(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown() })

	ts := httptest.NewServer(rpc.NewServer(m, 0).Router())
	t.Cleanup(ts.Close)
	return ts
}

// follower answers every call the way a follower without a known leader does.
func follower(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(rpc.Response{
			Status: rpc.StatusError,
			Error:  metaerrors.ErrNoLeader.Error(),
			Kind:   metaerrors.KindNotLeader.String(),
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestClient_AgainstLeader(t *testing.T) {
	leader := newLeader(t)
	c, err := New([]string{leader.URL})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Heartbeat(ctx, rpc.HeartbeatRequest{ClusterID: 1, NodeID: 1, Addr: "A", LoadScore: 5}))
	require.NoError(t, c.Heartbeat(ctx, rpc.HeartbeatRequest{ClusterID: 1, NodeID: 2, Addr: "B", LoadScore: 2}))
	nodes, err := c.Select(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, "B", nodes[0].Addr)

	_, existed, err := c.Put(ctx, []byte("/a"), []byte("1"))
	require.NoError(t, err)
	require.False(t, existed)
	got, ok, err := c.Get(ctx, []byte("/a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), got.Value)

	resp, err := c.Txn(ctx, kv.NewTxn().When(kv.KeyAbsent([]byte("/b"))).Then(kv.OpPut([]byte("/b"), []byte("2"))))
	require.NoError(t, err)
	require.True(t, resp.Succeeded)
	kvs, err := c.Range(ctx, []byte("/"))
	require.NoError(t, err)
	require.Len(t, kvs, 2)

	deleted, err := c.Delete(ctx, []byte("/a"))
	require.NoError(t, err)
	require.True(t, deleted)

	v, err := c.NextSequence(ctx, metasrv.TableIDSequence)
	require.NoError(t, err)
	require.Equal(t, uint64(1024), v)

	g, err := c.Lock(ctx, "ddl", lock.Options{Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Lock(ctx, "ddl", lock.Options{Timeout: 20 * time.Millisecond})
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, http.StatusConflict, remote.StatusCode)
	require.NoError(t, c.Extend(ctx, g, time.Second))
	require.NoError(t, c.Unlock(ctx, g))

	peers, err := c.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
}

func TestClient_RotatesPastLeaderlessPeer(t *testing.T) {
	var hits atomic.Int32
	c, err := New([]string{follower(t, &hits).URL, newLeader(t).URL})
	require.NoError(t, err)

	v, err := c.NextSequence(context.Background(), "flow_id")
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	require.Equal(t, int32(1), hits.Load())

	// the client sticks to the peer that answered
	_, err = c.NextSequence(context.Background(), "flow_id")
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load())
}

func TestClient_FollowsRedirect(t *testing.T) {
	leader := newLeader(t)
	redirecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", leader.URL+r.URL.Path)
		w.WriteHeader(http.StatusTemporaryRedirect)
	}))
	t.Cleanup(redirecting.Close)

	c, err := New([]string{redirecting.URL})
	require.NoError(t, err)
	require.NoError(t, c.Heartbeat(context.Background(), rpc.HeartbeatRequest{ClusterID: 1, NodeID: 9, Addr: "Z"}))
	nodes, err := c.Select(context.Background(), 1, 1)
	require.NoError(t, err)
	require.Equal(t, "Z", nodes[0].Addr)
}

func TestClient_AllPeersLeaderless(t *testing.T) {
	var hits atomic.Int32
	c, err := New([]string{follower(t, &hits).URL, follower(t, &hits).URL})
	require.NoError(t, err)

	err = c.Heartbeat(context.Background(), rpc.HeartbeatRequest{ClusterID: 1, NodeID: 1, Addr: "A"})
	require.ErrorIs(t, err, metaerrors.ErrNoLeader)
	require.Equal(t, int32(2), hits.Load())
}

func TestNew_RequiresAddrs(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, metaerrors.ErrConfig)
}

func TestClient_LockErrorsKeepTheirIdentity(t *testing.T) {
	c, err := New([]string{newLeader(t).URL})
	require.NoError(t, err)
	ctx := context.Background()

	g, err := c.Lock(ctx, "ddl", lock.Options{Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Lock(ctx, "ddl", lock.Options{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, metaerrors.ErrLockTimeout)
	require.NotErrorIs(t, err, metaerrors.ErrLockExpired)

	require.NoError(t, c.Unlock(ctx, g))
	err = c.Unlock(ctx, g)
	require.ErrorIs(t, err, metaerrors.ErrLockExpired)
	require.NotErrorIs(t, err, metaerrors.ErrLockTimeout)
}

func TestRemoteError_TypedErrors(t *testing.T) {
	var err error = &RemoteError{StatusCode: http.StatusConflict, Kind: "contention", Code: metaerrors.CodeMoveValue}
	var moved *metaerrors.MoveValueError
	require.True(t, errors.As(err, &moved))
	var notEnough *metaerrors.NotEnoughCandidatesError
	require.False(t, errors.As(err, &notEnough))
}

func TestRetryable_PutIsNotReplayed(t *testing.T) {
	transport := metaerrors.Unavailable("POST", errors.New("connection reset"))
	require.False(t, retryable(rpc.PathStorePut, transport))
	require.True(t, retryable(rpc.PathStoreGet, transport))
	require.True(t, retryable(rpc.PathStorePut, &RemoteError{Kind: metaerrors.KindNotLeader.String()}))
}
