// Package metaclient is the datanode/frontend side of the meta server RPC
// facades. It follows leader redirects and rotates through the configured
// peers while no leader is known.
package metaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"metasrv/internal/rpc"
	"metasrv/pkg/cluster"
	"metasrv/pkg/kv"
	"metasrv/pkg/lock"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/selector"
	"metasrv/pkg/types"
)

const defaultTimeout = 5 * time.Second

// RemoteError is a failure reported by the meta server.
type RemoteError struct {
	StatusCode int
	Kind       string
	Code       string
	Message    string
	Leader     string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("metasrv replied %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

// Is lets callers match remote failures against the local sentinels.
func (e *RemoteError) Is(target error) bool {
	if sentinel, ok := metaerrors.SentinelOf(e.Code); ok && target == sentinel {
		return true
	}
	switch e.Kind {
	case metaerrors.KindNotLeader.String():
		return target == metaerrors.ErrNoLeader
	case metaerrors.KindUnavailable.String():
		return target == metaerrors.ErrBackendUnavailable
	case metaerrors.KindInvalidArgument.String():
		return target == metaerrors.ErrInvalidArgument
	case metaerrors.KindConfig.String():
		return target == metaerrors.ErrConfig
	}
	return false
}

// As recovers the typed errors that carry no sentinel. Their fields are not
// sent over the wire, only the message is.
func (e *RemoteError) As(target any) bool {
	switch t := target.(type) {
	case **metaerrors.MoveValueError:
		if e.Code == metaerrors.CodeMoveValue {
			*t = &metaerrors.MoveValueError{}
			return true
		}
	case **metaerrors.NotEnoughCandidatesError:
		if e.Code == metaerrors.CodeNotEnoughCandidates {
			*t = &metaerrors.NotEnoughCandidatesError{}
			return true
		}
	}
	return false
}

// idempotent lists the calls that may be replayed on another peer after a
// failure that does not prove the first attempt was never applied.
var idempotent = map[string]bool{
	rpc.PathHeartbeat:     true,
	rpc.PathSelect:        true,
	rpc.PathStoreGet:      true,
	rpc.PathStoreRange:    true,
	rpc.PathStoreBatchGet: true,
	rpc.PathStoreDelete:   true,
	rpc.PathPeers:         true,
}

// retryable reports whether err allows trying the call on the next peer.
// A not-leader reply is always safe: the call was rejected before it ran.
func retryable(path string, err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		switch remote.Kind {
		case metaerrors.KindNotLeader.String():
			return true
		case metaerrors.KindUnavailable.String():
			return idempotent[path]
		default:
			return false
		}
	}
	return errors.Is(err, metaerrors.ErrBackendUnavailable) && idempotent[path]
}

// Client talks to a set of meta server peers.
type Client struct {
	addrs      []string
	httpClient *http.Client

	mu      sync.Mutex
	current int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client for the given peer addresses (host:port or full
// base URLs).
func New(addrs []string, opts ...Option) (*Client, error) {
	if len(addrs) == 0 {
		return nil, metaerrors.Configf("metaclient needs at least one meta server address")
	}
	c := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, a := range addrs {
		if !strings.Contains(a, "://") {
			a = "http://" + a
		}
		c.addrs = append(c.addrs, strings.TrimRight(a, "/"))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) base() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addrs[c.current], c.current
}

// rotate moves to the next peer unless another call already did.
func (c *Client) rotate(from int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == from {
		c.current = (c.current + 1) % len(c.addrs)
	}
}

// call sends in to path and decodes the data of a successful reply into
// out, trying each peer at most once.
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < len(c.addrs); attempt++ {
		base, idx := c.base()
		err := c.do(ctx, method, base+path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(path, err) || ctx.Err() != nil {
			return err
		}
		slog.Debug("metasrv call failed, trying next peer", "addr", base, "path", path, "error", err)
		c.rotate(idx)
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return metaerrors.Unavailable(method+" "+url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env rpc.Response
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s failed with status %d: %s", method, resp.StatusCode, string(raw))
	}
	if resp.StatusCode != http.StatusOK || env.Status != rpc.StatusSuccess {
		return &RemoteError{StatusCode: resp.StatusCode, Kind: env.Kind, Code: env.Code, Message: env.Error, Leader: env.Leader}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) Heartbeat(ctx context.Context, hb rpc.HeartbeatRequest) error {
	return c.call(ctx, http.MethodPost, rpc.PathHeartbeat, hb, nil)
}

func (c *Client) Select(ctx context.Context, clusterID types.ClusterID, count int) ([]selector.Candidate, error) {
	var resp rpc.SelectResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathSelect, rpc.SelectRequest{ClusterID: clusterID, Count: count}, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

func (c *Client) Get(ctx context.Context, key []byte) (kv.KeyValue, bool, error) {
	var resp rpc.GetResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathStoreGet, rpc.KeyRequest{Key: key}, &resp); err != nil {
		return kv.KeyValue{}, false, err
	}
	if !resp.Found || resp.KV == nil {
		return kv.KeyValue{}, false, nil
	}
	return *resp.KV, true, nil
}

func (c *Client) Range(ctx context.Context, prefix []byte) ([]kv.KeyValue, error) {
	var resp rpc.KVsResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathStoreRange, rpc.RangeRequest{Prefix: prefix}, &resp); err != nil {
		return nil, err
	}
	return resp.KVs, nil
}

func (c *Client) BatchGet(ctx context.Context, keys [][]byte) ([]kv.KeyValue, error) {
	var resp rpc.KVsResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathStoreBatchGet, rpc.BatchGetRequest{Keys: keys}, &resp); err != nil {
		return nil, err
	}
	return resp.KVs, nil
}

// Put is not replayed on another peer after a transport failure: a replay
// could report its own first attempt as the previous value.
func (c *Client) Put(ctx context.Context, key, value []byte) (kv.KeyValue, bool, error) {
	var resp rpc.PutResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathStorePut, rpc.PutRequest{Key: key, Value: value}, &resp); err != nil {
		return kv.KeyValue{}, false, err
	}
	if resp.Prev == nil {
		return kv.KeyValue{}, false, nil
	}
	return *resp.Prev, true, nil
}

func (c *Client) Delete(ctx context.Context, key []byte) (bool, error) {
	var resp rpc.DeleteResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathStoreDelete, rpc.KeyRequest{Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Deleted, nil
}

func (c *Client) Txn(ctx context.Context, txn *kv.Txn) (kv.TxnResponse, error) {
	var resp rpc.TxnResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathStoreTxn, txn, &resp); err != nil {
		return kv.TxnResponse{}, err
	}
	return resp, nil
}

var _ kv.Store = (*Client)(nil)

func (c *Client) Lock(ctx context.Context, name string, opts lock.Options) (*lock.Guard, error) {
	req := rpc.LockRequest{
		Name:          name,
		TTLMillis:     opts.TTL.Milliseconds(),
		TimeoutMillis: opts.Timeout.Milliseconds(),
	}
	var resp rpc.LockResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathLock, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Guard, nil
}

func (c *Client) Unlock(ctx context.Context, g *lock.Guard) error {
	return c.call(ctx, http.MethodPost, rpc.PathUnlock, rpc.GuardRequest{Guard: *g}, nil)
}

func (c *Client) Extend(ctx context.Context, g *lock.Guard, ttl time.Duration) error {
	var resp rpc.LockResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathExtendLock, rpc.GuardRequest{Guard: *g, TTLMillis: ttl.Milliseconds()}, &resp); err != nil {
		return err
	}
	g.ExpireAt = resp.Guard.ExpireAt
	return nil
}

var _ lock.Locker = (*Client)(nil)

func (c *Client) NextSequence(ctx context.Context, name string) (uint64, error) {
	var resp rpc.SequenceResponse
	if err := c.call(ctx, http.MethodPost, rpc.PathSequenceNext, rpc.SequenceRequest{Name: name}, &resp); err != nil {
		return 0, err
	}
	return resp.Value, nil
}

func (c *Client) Peers(ctx context.Context) ([]cluster.PeerInfo, error) {
	var resp rpc.PeersResponse
	if err := c.call(ctx, http.MethodGet, rpc.PathPeers, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Peers, nil
}
