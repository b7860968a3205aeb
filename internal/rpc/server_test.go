package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metasrv/pkg/cluster"
	"metasrv/pkg/election"
	"metasrv/pkg/kv"
	"metasrv/pkg/kv/memory"
	"metasrv/pkg/kv/zkstore"
	"metasrv/pkg/lock"
	"metasrv/pkg/metasrv"
	"metasrv/pkg/selector"
	"metasrv/pkg/zkutil/zktest"
)

func newMemoryMeta(t *testing.T) *metasrv.MetaSrv {
	t.Helper()
	m, err := metasrv.NewBuilder().
		Options(metasrv.Options{BindAddr: "127.0.0.1:3002", UseMemoryStore: true, Selector: selector.LoadBased}).
		KVStore(memory.New()).
		Lock(lock.NewMemory()).
		Build()
	require.NoError(t, err)
	require.NoError(t, m.TryStart(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func newZKMeta(t *testing.T, srv *zktest.Server, addr string) *metasrv.MetaSrv {
	t.Helper()
	conn := srv.Connect()
	store, err := zkstore.New(conn, "/metasrv")
	require.NoError(t, err)
	elect, err := election.NewZK(conn, election.ZKConfig{
		Root:              "/metasrv",
		Addr:              addr,
		KeepAliveInterval: 20 * time.Millisecond,
		RetryBackoff:      50 * time.Millisecond,
	})
	require.NoError(t, err)

	m, err := metasrv.NewBuilder().
		Options(metasrv.Options{BindAddr: addr}).
		KVStore(store).
		Election(elect).
		Peers(cluster.NewZKPeers(conn, "/metasrv", addr, elect.IsLeader)).
		Build()
	require.NoError(t, err)
	require.NoError(t, m.TryStart(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func call(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", contentTypeJSON)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body=%s", rr.Body.String())
	return rr, resp
}

func data[T any](t *testing.T, resp Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data, &v))
	return v
}

func TestHeartbeatAndSelect(t *testing.T) {
	h := NewServer(newMemoryMeta(t), 0).Router()

	for _, hb := range []HeartbeatRequest{
		{ClusterID: 1, NodeID: 1, Addr: "A", LoadScore: 5},
		{ClusterID: 1, NodeID: 2, Addr: "B", LoadScore: 2},
	} {
		rr, resp := call(t, h, http.MethodPost, PathHeartbeat, hb)
		require.Equal(t, http.StatusOK, rr.Code)
		require.Equal(t, StatusSuccess, resp.Status)
	}

	rr, resp := call(t, h, http.MethodPost, PathSelect, SelectRequest{ClusterID: 1, Count: 2})
	require.Equal(t, http.StatusOK, rr.Code)
	nodes := data[SelectResponse](t, resp).Nodes
	require.Len(t, nodes, 2)
	require.Equal(t, "B", nodes[0].Addr)
	require.Equal(t, "A", nodes[1].Addr)

	rr, resp = call(t, h, http.MethodPost, PathSelect, SelectRequest{ClusterID: 1, Count: 3})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "contention", resp.Kind)

	rr, resp = call(t, h, http.MethodPost, PathClusterRange, RangeRequest{Prefix: cluster.LeasePrefixOf(1)})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, data[KVsResponse](t, resp).KVs, 2)
}

func TestHeartbeat_RejectsIncomplete(t *testing.T) {
	h := NewServer(newMemoryMeta(t), 0).Router()

	rr, resp := call(t, h, http.MethodPost, PathHeartbeat, HeartbeatRequest{ClusterID: 1})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_argument", resp.Kind)

	req := httptest.NewRequest(http.MethodPost, PathHeartbeat, bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreFacade(t *testing.T) {
	h := NewServer(newMemoryMeta(t), 0).Router()

	rr, resp := call(t, h, http.MethodPost, PathStorePut, PutRequest{Key: []byte("/t/a"), Value: []byte("1")})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Nil(t, data[PutResponse](t, resp).Prev)

	_, resp = call(t, h, http.MethodPost, PathStorePut, PutRequest{Key: []byte("/t/a"), Value: []byte("2")})
	require.Equal(t, []byte("1"), data[PutResponse](t, resp).Prev.Value)

	_, resp = call(t, h, http.MethodPost, PathStoreGet, KeyRequest{Key: []byte("/t/a")})
	got := data[GetResponse](t, resp)
	require.True(t, got.Found)
	require.Equal(t, []byte("2"), got.KV.Value)

	txn := kv.NewTxn().
		When(kv.ValueEquals([]byte("/t/a"), []byte("2"))).
		Then(kv.OpPut([]byte("/t/b"), []byte("3"))).
		Else(kv.OpGet([]byte("/t/a")))
	_, resp = call(t, h, http.MethodPost, PathStoreTxn, txn)
	require.True(t, data[TxnResponse](t, resp).Succeeded)

	absent := kv.NewTxn().When(kv.KeyAbsent([]byte("/t/b"))).Then(kv.OpDelete([]byte("/t/b")))
	_, resp = call(t, h, http.MethodPost, PathStoreTxn, absent)
	require.False(t, data[TxnResponse](t, resp).Succeeded)

	_, resp = call(t, h, http.MethodPost, PathStoreRange, RangeRequest{Prefix: []byte("/t/")})
	require.Len(t, data[KVsResponse](t, resp).KVs, 2)

	_, resp = call(t, h, http.MethodPost, PathStoreBatchGet, BatchGetRequest{Keys: [][]byte{[]byte("/t/b"), []byte("/t/x")}})
	kvs := data[KVsResponse](t, resp).KVs
	require.Len(t, kvs, 1)
	require.Equal(t, []byte("3"), kvs[0].Value)

	_, resp = call(t, h, http.MethodPost, PathStoreDelete, KeyRequest{Key: []byte("/t/a")})
	require.True(t, data[DeleteResponse](t, resp).Deleted)

	rr, resp = call(t, h, http.MethodPost, PathStorePut, PutRequest{Value: []byte("x")})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid_argument", resp.Kind)
}

func TestLockAndSequenceFacade(t *testing.T) {
	h := NewServer(newMemoryMeta(t), 0).Router()

	rr, resp := call(t, h, http.MethodPost, PathLock, LockRequest{Name: "ddl", TimeoutMillis: 1000})
	require.Equal(t, http.StatusOK, rr.Code)
	guard := data[LockResponse](t, resp).Guard
	require.NotEmpty(t, guard.Holder)

	rr, resp = call(t, h, http.MethodPost, PathLock, LockRequest{Name: "ddl", TimeoutMillis: 20})
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "contention", resp.Kind)
	require.Equal(t, "lock_timeout", resp.Code)

	rr, _ = call(t, h, http.MethodPost, PathExtendLock, GuardRequest{Guard: guard, TTLMillis: 1000})
	require.Equal(t, http.StatusOK, rr.Code)

	rr, _ = call(t, h, http.MethodPost, PathUnlock, GuardRequest{Guard: guard})
	require.Equal(t, http.StatusOK, rr.Code)
	rr, _ = call(t, h, http.MethodPost, PathUnlock, GuardRequest{Guard: guard})
	require.Equal(t, http.StatusConflict, rr.Code)

	for want := uint64(1024); want < 1026; want++ {
		_, resp = call(t, h, http.MethodPost, PathSequenceNext, SequenceRequest{Name: metasrv.TableIDSequence})
		require.Equal(t, want, data[SequenceResponse](t, resp).Value)
	}
	rr, _ = call(t, h, http.MethodPost, PathSequenceNext, SequenceRequest{})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, resp = call(t, h, http.MethodGet, PathPeers, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	peers := data[PeersResponse](t, resp).Peers
	require.Len(t, peers, 1)
	require.True(t, peers[0].Leader)
}

func TestLockNotConfigured(t *testing.T) {
	m, err := metasrv.NewBuilder().KVStore(memory.New()).Build()
	require.NoError(t, err)
	h := NewServer(m, 0).Router()

	rr, resp := call(t, h, http.MethodPost, PathLock, LockRequest{Name: "ddl"})
	require.Equal(t, http.StatusNotImplemented, rr.Code)
	require.Equal(t, "config", resp.Kind)
}

func TestFollowerRedirectsToLeader(t *testing.T) {
	srv := zktest.NewServer()
	a := newZKMeta(t, srv, "a:3002")
	require.Eventually(t, a.IsLeader, 3*time.Second, 5*time.Millisecond)
	b := newZKMeta(t, srv, "b:3002")
	require.Eventually(t, func() bool {
		addr, err := b.LeaderAddr(context.Background())
		return err == nil && addr == "a:3002"
	}, 3*time.Second, 5*time.Millisecond)

	h := NewServer(b, 0).Router()
	rr, resp := call(t, h, http.MethodPost, PathHeartbeat, HeartbeatRequest{ClusterID: 1, NodeID: 1, Addr: "dn"})
	require.Equal(t, http.StatusTemporaryRedirect, rr.Code)
	require.Equal(t, "http://a:3002"+PathHeartbeat, rr.Header().Get("Location"))
	require.Equal(t, "a:3002", resp.Leader)
	require.Equal(t, "not_leader", resp.Kind)

	// the store facades are served by followers too
	rr, _ = call(t, h, http.MethodPost, PathStorePut, PutRequest{Key: []byte("/k"), Value: []byte("v")})
	require.Equal(t, http.StatusOK, rr.Code)
}
