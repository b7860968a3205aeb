package rpc

import (
	"encoding/json"

	"metasrv/pkg/cluster"
	"metasrv/pkg/kv"
	"metasrv/pkg/lock"
	"metasrv/pkg/selector"
	"metasrv/pkg/types"
)

const (
	PathHeartbeat     = "/v1/heartbeat"
	PathSelect        = "/v1/route/select"
	PathStoreGet      = "/v1/store/get"
	PathStoreRange    = "/v1/store/range"
	PathStoreBatchGet = "/v1/store/batch_get"
	PathStorePut      = "/v1/store/put"
	PathStoreDelete   = "/v1/store/delete"
	PathStoreTxn      = "/v1/store/txn"
	PathPeers         = "/v1/cluster/peers"
	PathClusterRange  = "/v1/cluster/range"
	PathClusterBatch  = "/v1/cluster/batch_get"
	PathLock          = "/v1/lock/lock"
	PathUnlock        = "/v1/lock/unlock"
	PathExtendLock    = "/v1/lock/extend"
	PathSequenceNext  = "/v1/sequence/next"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Response is the envelope of every facade reply. Leader is set on
// not-leader errors when the leader is known; Code names the exact error
// within its kind (see metaerrors.CodeOf).
type Response struct {
	Status Status          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
	Code   string          `json:"code,omitempty"`
	Leader string          `json:"leader,omitempty"`
}

type HeartbeatRequest = cluster.Heartbeat

type SelectRequest struct {
	ClusterID types.ClusterID `json:"cluster_id"`
	// Count <= 0 asks for every live candidate.
	Count int `json:"count"`
}

type SelectResponse struct {
	Nodes []selector.Candidate `json:"nodes"`
}

type KeyRequest struct {
	Key []byte `json:"key"`
}

type RangeRequest struct {
	Prefix []byte `json:"prefix"`
}

type BatchGetRequest struct {
	Keys [][]byte `json:"keys"`
}

type PutRequest struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type GetResponse struct {
	KV    *kv.KeyValue `json:"kv,omitempty"`
	Found bool         `json:"found"`
}

type KVsResponse struct {
	KVs []kv.KeyValue `json:"kvs"`
}

type PutResponse struct {
	Prev *kv.KeyValue `json:"prev,omitempty"`
}

type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

type TxnRequest = kv.Txn

type TxnResponse = kv.TxnResponse

type PeersResponse struct {
	Peers []cluster.PeerInfo `json:"peers"`
}

type LockRequest struct {
	Name          string `json:"name"`
	TTLMillis     int64  `json:"ttl_ms,omitempty"`
	TimeoutMillis int64  `json:"timeout_ms,omitempty"`
}

type GuardRequest struct {
	Guard     lock.Guard `json:"guard"`
	TTLMillis int64      `json:"ttl_ms,omitempty"`
}

type LockResponse struct {
	Guard lock.Guard `json:"guard"`
}

type SequenceRequest struct {
	Name string `json:"name"`
}

type SequenceResponse struct {
	Value uint64 `json:"value"`
}
