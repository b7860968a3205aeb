// Package bootstrap wires configuration into a running meta server instance
// and owns its lifecycle.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"metasrv/internal/config"
	ihttp "metasrv/internal/http"
	"metasrv/internal/rpc"
	"metasrv/pkg/cluster"
	"metasrv/pkg/election"
	"metasrv/pkg/kv/memory"
	"metasrv/pkg/kv/zkstore"
	"metasrv/pkg/lock"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/metasrv"
	"metasrv/pkg/metrics"
	"metasrv/pkg/zkutil"
)

// BuildMetaSrv assembles the core for cfg. In memory mode nothing external
// is touched; otherwise a ZooKeeper session is opened and failing to get
// one is fatal. The returned conn is nil in memory mode and must be closed
// after the core is shut down.
func BuildMetaSrv(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*metasrv.MetaSrv, zkutil.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	opts := cfg.Options()
	m := metrics.New(reg)

	if opts.UseMemoryStore {
		slog.Warn("running with the in-memory store, metadata will not survive a restart")
		srv, err := metasrv.NewBuilder().
			Options(opts).
			KVStore(memory.New()).
			Lock(lock.NewMemory()).
			Metrics(m).
			Build()
		return srv, nil, err
	}

	st := cfg.MetaSrv.Store
	conn, err := zkutil.Dial(ctx, opts.StoreAddrs, st.SessionTimeout, st.ConnectTimeout)
	if err != nil {
		return nil, nil, metaerrors.Unavailable("connect store", err)
	}

	srv, err := buildZK(conn, cfg, opts, m)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return srv, conn, nil
}

func buildZK(conn zkutil.Conn, cfg config.Config, opts metasrv.Options, m *metrics.Metrics) (*metasrv.MetaSrv, error) {
	root := cfg.MetaSrv.Store.Root

	store, err := zkstore.New(conn, root)
	if err != nil {
		return nil, fmt.Errorf("create kv store: %w", err)
	}
	addr := opts.ServerAddr
	if addr == "" {
		addr = opts.BindAddr
	}
	el := cfg.MetaSrv.Election
	elect, err := election.NewZK(conn, election.ZKConfig{
		Root:                 root,
		Addr:                 addr,
		SessionTimeout:       cfg.MetaSrv.Store.SessionTimeout,
		KeepAliveInterval:    el.KeepAliveInterval,
		MaxKeepAliveFailures: el.MaxKeepAliveFailures,
		RetryBackoff:         el.RetryBackoff,
	})
	if err != nil {
		return nil, err
	}

	return metasrv.NewBuilder().
		Options(opts).
		KVStore(store).
		Election(elect).
		Lock(lock.NewZK(conn, lock.ZKConfig{Root: root})).
		Peers(cluster.NewZKPeers(conn, root, addr, elect.IsLeader)).
		Metrics(m).
		Build()
}

// Instance is one meta server process: the core, the RPC facades on the
// bind address and the admin HTTP server.
type Instance struct {
	cfg      config.Config
	meta     *metasrv.MetaSrv
	conn     zkutil.Conn
	registry *prometheus.Registry
	rpc      *rpc.Server
	http     *ihttp.Server

	signal chan struct{}
	ready  chan struct{}

	mu       sync.Mutex
	rpcAddr  net.Addr
	httpAddr net.Addr

	closeConn sync.Once
}

func New(ctx context.Context, cfg config.Config) (*Instance, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	meta, conn, err := BuildMetaSrv(ctx, cfg, registry)
	if err != nil {
		return nil, err
	}

	return &Instance{
		cfg:      cfg,
		meta:     meta,
		conn:     conn,
		registry: registry,
		rpc:      rpc.NewServer(meta, cfg.HTTP.ReadHeaderTimeout),
		http:     ihttp.NewServer(meta, registry, cfg),
		signal:   make(chan struct{}, 1),
		ready:    make(chan struct{}),
	}, nil
}

func (i *Instance) MetaSrv() *metasrv.MetaSrv { return i.meta }

// Ready is closed once both listeners are bound.
func (i *Instance) Ready() <-chan struct{} { return i.ready }

func (i *Instance) RPCAddr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rpcAddr
}

func (i *Instance) HTTPAddr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.httpAddr
}

// Start runs the instance until ctx is done, Shutdown is called or a server
// fails. Binding either listener is fatal.
func (i *Instance) Start(ctx context.Context) error {
	if err := i.meta.TryStart(ctx); err != nil {
		return fmt.Errorf("start metasrv: %w", err)
	}

	rl, err := net.Listen("tcp", i.cfg.MetaSrv.BindAddr)
	if err != nil {
		return fmt.Errorf("%w: bind rpc %s: %v", metaerrors.ErrConfig, i.cfg.MetaSrv.BindAddr, err)
	}
	hl, err := net.Listen("tcp", i.cfg.HTTP.Addr)
	if err != nil {
		rl.Close()
		return fmt.Errorf("%w: bind http %s: %v", metaerrors.ErrConfig, i.cfg.HTTP.Addr, err)
	}

	i.mu.Lock()
	i.rpcAddr, i.httpAddr = rl.Addr(), hl.Addr()
	i.mu.Unlock()
	close(i.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return i.rpc.Serve(rl) })
	g.Go(func() error { return i.http.Serve(hl) })
	g.Go(func() error {
		select {
		case <-i.signal:
			slog.Info("shutdown signal received")
		case <-gctx.Done():
		}
		return errors.Join(i.rpc.Stop(), i.http.Stop())
	})

	slog.Info("metasrv instance running", "rpc_addr", rl.Addr().String(), "http_addr", hl.Addr().String())
	return g.Wait()
}

// Shutdown signals Start to return, then stops the core and the servers and
// closes the store session. Every step runs; the first error is returned.
func (i *Instance) Shutdown() error {
	select {
	case i.signal <- struct{}{}:
	default:
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(i.meta.Shutdown())
	keep(i.rpc.Stop())
	keep(i.http.Stop())
	if i.conn != nil {
		i.closeConn.Do(i.conn.Close)
	}

	slog.Info("metasrv instance stopped")
	return first
}
