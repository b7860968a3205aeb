// Package metasrv composes the coordination kernel into the handle every
// RPC facade shares.
package metasrv

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"metasrv/pkg/clock"
	"metasrv/pkg/cluster"
	"metasrv/pkg/election"
	"metasrv/pkg/kv"
	"metasrv/pkg/listener"
	"metasrv/pkg/lock"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/metrics"
	"metasrv/pkg/selector"
	"metasrv/pkg/sequence"
	"metasrv/pkg/types"
)

// MetaSrv is safe for concurrent use by any number of facades.
type MetaSrv struct {
	opts      Options
	store     kv.Store
	inMemory  kv.ResettableStore
	selector  selector.Selector
	election  election.Election
	locker    lock.Locker
	peers     cluster.Peers
	registry  *cluster.Registry
	sequences *sequence.Generator
	metrics   *metrics.Metrics
	clock     clock.Clock

	// serving is set once the in-memory store has been reset for the
	// current leadership; leader-only calls are refused until then.
	serving atomic.Bool

	mu          sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	leaderJob   *listener.Listener[election.LeaderChange]
	unsubscribe func()
}

// TryStart launches the background tasks: the election campaign, the
// leader change listener, the peer watch and the lease sweeper. Calling it
// again is a no-op.
func (m *MetaSrv) TryStart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return metaerrors.ErrClosed
	}
	if m.started {
		slog.Warn("metasrv already started")
		return nil
	}

	if err := m.peers.Register(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	changes, unsubscribe := m.election.Subscribe()
	m.unsubscribe = unsubscribe
	// apply the state the election already holds before serving anything
	select {
	case change, ok := <-changes:
		if ok {
			_ = m.onLeaderChange(ctx, change)
		}
	default:
	}
	m.leaderJob = listener.New("leader-change", changes, m.onLeaderChange)
	m.leaderJob.Start(runCtx)

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		if err := m.election.Campaign(runCtx); err != nil {
			slog.Error("election campaign stopped", "error", err)
		}
	}()
	go func() {
		defer m.wg.Done()
		m.peers.Run(runCtx)
	}()
	go func() {
		defer m.wg.Done()
		m.sweepLoop(runCtx)
	}()

	m.started = true
	slog.Info("metasrv started", "server_addr", m.opts.ServerAddr, "selector", m.opts.Selector,
		"memory_store", m.opts.UseMemoryStore)
	return nil
}

// onLeaderChange wipes the leader-local state: leases and stats recorded
// under the previous leadership are stale either way. The election flips
// IsLeader before this runs, so serving is dropped first and only raised
// again after the reset.
func (m *MetaSrv) onLeaderChange(_ context.Context, change election.LeaderChange) error {
	m.serving.Store(false)
	m.inMemory.Reset()
	if change.State == election.StateLeader {
		m.serving.Store(true)
	}
	m.metrics.LeaderChanged(change.State.String(), change.State == election.StateLeader)
	slog.Info("leader changed, in-memory store reset", "state", change.State, "leader", change.LeaderAddr)
	return nil
}

func (m *MetaSrv) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.IsLeader() {
				continue
			}
			n, err := m.registry.Sweep(ctx, m.opts.LeaseTTL)
			if err != nil {
				slog.Warn("lease sweep failed", "error", err)
				continue
			}
			m.metrics.Swept(n)
		}
	}
}

// Shutdown stops every background task and waits for them, then closes
// the election, releasing leadership. Every step runs even if an earlier
// one failed; the first error is returned.
func (m *MetaSrv) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil
	}
	m.stopped = true

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	var first error
	if err := m.election.Close(); err != nil {
		first = err
	}
	if m.leaderJob != nil {
		m.leaderJob.Stop()
		m.unsubscribe()
	}
	if err := m.peers.Close(); err != nil && first == nil {
		first = err
	}

	slog.Info("metasrv stopped")
	return first
}

// CheckLeader returns nil on the leader, a *NotLeaderError naming the
// leader on a follower, or ErrNoLeader during an election. A freshly
// elected node names itself until its leader-local state is reset.
func (m *MetaSrv) CheckLeader(ctx context.Context) error {
	if m.IsLeader() {
		return nil
	}
	v, err := m.election.Leader(ctx)
	if err != nil {
		return err
	}
	return &metaerrors.NotLeaderError{NodeAddr: v.Addr}
}

func (m *MetaSrv) IsLeader() bool { return m.election.IsLeader() && m.serving.Load() }

// LeaderAddr is the address of the current leader as this node sees it.
func (m *MetaSrv) LeaderAddr(ctx context.Context) (string, error) {
	if m.IsLeader() {
		return m.opts.ServerAddr, nil
	}
	v, err := m.election.Leader(ctx)
	if err != nil {
		return "", err
	}
	return v.Addr, nil
}

func (m *MetaSrv) HandleHeartbeat(ctx context.Context, hb cluster.Heartbeat) error {
	if err := m.CheckLeader(ctx); err != nil {
		return err
	}
	if err := m.registry.HandleHeartbeat(ctx, hb); err != nil {
		return err
	}
	m.metrics.Heartbeat()
	return nil
}

// SelectNodes picks n datanodes of a cluster for region placement; n <= 0
// returns every live candidate in preference order.
func (m *MetaSrv) SelectNodes(ctx context.Context, clusterID types.ClusterID, n int) ([]selector.Candidate, error) {
	if err := m.CheckLeader(ctx); err != nil {
		return nil, err
	}
	cands, err := m.registry.Candidates(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return selector.Pick(m.selector, selector.Requirement{Now: m.clock.Now()}, cands, n)
}

func (m *MetaSrv) Lock(ctx context.Context, name string, opts lock.Options) (*lock.Guard, error) {
	if m.locker == nil {
		return nil, metaerrors.ErrLockNotConfigured
	}
	start := time.Now()
	g, err := m.locker.Lock(ctx, name, opts)
	m.metrics.ObserveLockWait(start, err)
	return g, err
}

func (m *MetaSrv) Unlock(ctx context.Context, g *lock.Guard) error {
	if m.locker == nil {
		return metaerrors.ErrLockNotConfigured
	}
	return m.locker.Unlock(ctx, g)
}

func (m *MetaSrv) ExtendLock(ctx context.Context, g *lock.Guard, ttl time.Duration) error {
	if m.locker == nil {
		return metaerrors.ErrLockNotConfigured
	}
	return m.locker.Extend(ctx, g, ttl)
}

func (m *MetaSrv) NextSequence(ctx context.Context, name string) (uint64, error) {
	v, err := m.sequences.Next(ctx, name)
	if err != nil {
		return 0, err
	}
	m.metrics.SequenceAdvanced(name)
	return v, nil
}

func (m *MetaSrv) NextTableID(ctx context.Context) (uint64, error) {
	return m.NextSequence(ctx, TableIDSequence)
}

// ClusterInfo lists the meta server peers.
func (m *MetaSrv) ClusterInfo() []cluster.PeerInfo { return m.peers.Peers() }

func (m *MetaSrv) Options() Options { return m.opts }

func (m *MetaSrv) Store() kv.Store { return m.store }

func (m *MetaSrv) InMemory() kv.ResettableStore { return m.inMemory }

func (m *MetaSrv) Election() election.Election { return m.election }

func (m *MetaSrv) Registry() *cluster.Registry { return m.registry }

// IsNotLeader reports whether err tells the caller to go to another node.
func IsNotLeader(err error) bool {
	var nl *metaerrors.NotLeaderError
	return errors.As(err, &nl) || errors.Is(err, metaerrors.ErrNoLeader)
}
