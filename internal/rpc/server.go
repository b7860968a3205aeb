// Package rpc exposes the meta server operations as JSON over HTTP. The
// handlers are thin: decode, call the core, map the error kind to a status.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"metasrv/pkg/kv"
	"metasrv/pkg/lock"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/metasrv"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 4 << 20
)

// Server represents the RPC server of one meta server instance.
type Server struct {
	meta       *metasrv.MetaSrv
	httpServer *http.Server

	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a new server instance.
func NewServer(meta *metasrv.MetaSrv, readHeaderTimeout time.Duration) *Server {
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}
	s := &Server{meta: meta}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Serve blocks serving l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	slog.Info("RPC server started", "addr", l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("RPC server: %w", err)
	}
	return nil
}

// Stop stops the server. Repeated calls return the first result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.stopErr = fmt.Errorf("failed to shutdown RPC server: %w", err)
		}
	})
	return s.stopErr
}

// Router builds the chi router with every facade mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post(PathHeartbeat, s.handleHeartbeat)
	r.Post(PathSelect, s.handleSelect)

	r.Post(PathStoreGet, s.handleStoreGet)
	r.Post(PathStoreRange, s.handleStoreRange)
	r.Post(PathStoreBatchGet, s.handleStoreBatchGet)
	r.Post(PathStorePut, s.handleStorePut)
	r.Post(PathStoreDelete, s.handleStoreDelete)
	r.Post(PathStoreTxn, s.handleStoreTxn)

	r.Get(PathPeers, s.handlePeers)
	r.Post(PathClusterRange, s.handleClusterRange)
	r.Post(PathClusterBatch, s.handleClusterBatchGet)

	r.Post(PathLock, s.handleLock)
	r.Post(PathUnlock, s.handleUnlock)
	r.Post(PathExtendLock, s.handleExtendLock)

	r.Post(PathSequenceNext, s.handleSequenceNext)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeOK(w http.ResponseWriter, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.writeError(w, nil, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Response{Status: StatusSuccess, Data: raw})
}

// statusOf maps an error kind onto the HTTP status of the reply.
func statusOf(err error) int {
	switch metaerrors.KindOf(err) {
	case metaerrors.KindInvalidArgument:
		return http.StatusBadRequest
	case metaerrors.KindContention:
		return http.StatusConflict
	case metaerrors.KindNotLeader, metaerrors.KindUnavailable:
		return http.StatusServiceUnavailable
	case metaerrors.KindConfig:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// writeError replies with the error envelope. A not-leader error with a
// known leader becomes a 307 to the same path on the leader.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := Response{
		Status: StatusError,
		Error:  err.Error(),
		Kind:   metaerrors.KindOf(err).String(),
		Code:   metaerrors.CodeOf(err),
	}
	status := statusOf(err)

	if leader, ok := metaerrors.NotLeaderAddr(err); ok && leader != "" && r != nil {
		resp.Leader = leader
		if leader != s.meta.Options().ServerAddr {
			target := url.URL{Scheme: "http", Host: leader, Path: r.URL.Path}
			w.Header().Set("Location", target.String())
			status = http.StatusTemporaryRedirect
		}
	}
	if status == http.StatusInternalServerError {
		slog.Error("rpc failed", "path", requestPath(r), "error", err)
	}
	s.writeJSON(w, status, resp)
}

func requestPath(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.URL.Path
}

// decode reads the JSON body into v; it replies 400 itself and reports false
// on malformed input.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: malformed request body: %v", metaerrors.ErrInvalidArgument, err))
		return false
	}
	return true
}

func millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.meta.HandleHeartbeat(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, struct{}{})
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req SelectRequest
	if !s.decode(w, r, &req) {
		return
	}
	nodes, err := s.meta.SelectNodes(r.Context(), req.ClusterID, req.Count)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, SelectResponse{Nodes: nodes})
}

func (s *Server) handleStoreGet(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	pair, found, err := s.meta.Store().Get(r.Context(), req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := GetResponse{Found: found}
	if found {
		resp.KV = &pair
	}
	s.writeOK(w, resp)
}

func (s *Server) handleStoreRange(w http.ResponseWriter, r *http.Request) {
	s.rangeOf(w, r, s.meta.Store())
}

func (s *Server) handleStoreBatchGet(w http.ResponseWriter, r *http.Request) {
	s.batchGetOf(w, r, s.meta.Store())
}

func (s *Server) handleStorePut(w http.ResponseWriter, r *http.Request) {
	var req PutRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Value == nil {
		req.Value = []byte{}
	}
	prev, existed, err := s.meta.Store().Put(r.Context(), req.Key, req.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var resp PutResponse
	if existed {
		resp.Prev = &prev
	}
	s.writeOK(w, resp)
}

func (s *Server) handleStoreDelete(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	deleted, err := s.meta.Store().Delete(r.Context(), req.Key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, DeleteResponse{Deleted: deleted})
}

func (s *Server) handleStoreTxn(w http.ResponseWriter, r *http.Request) {
	var req TxnRequest
	if !s.decode(w, r, &req) {
		return
	}
	resp, err := s.meta.Store().Txn(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, resp)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeOK(w, PeersResponse{Peers: s.meta.ClusterInfo()})
}

// The cluster facades read the leader's in-memory store, so only the
// leader can answer them.
func (s *Server) handleClusterRange(w http.ResponseWriter, r *http.Request) {
	if err := s.meta.CheckLeader(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rangeOf(w, r, s.meta.InMemory())
}

func (s *Server) handleClusterBatchGet(w http.ResponseWriter, r *http.Request) {
	if err := s.meta.CheckLeader(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.batchGetOf(w, r, s.meta.InMemory())
}

func (s *Server) rangeOf(w http.ResponseWriter, r *http.Request, store kv.Store) {
	var req RangeRequest
	if !s.decode(w, r, &req) {
		return
	}
	kvs, err := store.Range(r.Context(), req.Prefix)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, KVsResponse{KVs: kvs})
}

func (s *Server) batchGetOf(w http.ResponseWriter, r *http.Request, store kv.Store) {
	var req BatchGetRequest
	if !s.decode(w, r, &req) {
		return
	}
	kvs, err := store.BatchGet(r.Context(), req.Keys)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, KVsResponse{KVs: kvs})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.meta.Lock(r.Context(), req.Name, lock.Options{
		TTL:     millis(req.TTLMillis),
		Timeout: millis(req.TimeoutMillis),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, LockResponse{Guard: *g})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req GuardRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.meta.Unlock(r.Context(), &req.Guard); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, struct{}{})
}

func (s *Server) handleExtendLock(w http.ResponseWriter, r *http.Request) {
	var req GuardRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.meta.ExtendLock(r.Context(), &req.Guard, millis(req.TTLMillis)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, LockResponse{Guard: req.Guard})
}

func (s *Server) handleSequenceNext(w http.ResponseWriter, r *http.Request) {
	var req SequenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, r, fmt.Errorf("%w: sequence name is required", metaerrors.ErrInvalidArgument))
		return
	}
	v, err := s.meta.NextSequence(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeOK(w, SequenceResponse{Value: v})
}
