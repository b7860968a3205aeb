package election

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"metasrv/pkg/clock"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/zkutil"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

const (
	defaultKeepAliveInterval    = time.Second
	defaultMaxKeepAliveFailures = 3
	defaultRetryBackoff         = 500 * time.Millisecond
)

type ZKConfig struct {
	// Root is the chroot of the meta server; the leader key lives at
	// <Root>/election/leader.
	Root string
	// Addr is advertised to followers so they can redirect clients.
	Addr string
	// SessionTimeout is the ZooKeeper session timeout, i.e. the lease TTL.
	SessionTimeout       time.Duration
	KeepAliveInterval    time.Duration
	MaxKeepAliveFailures int
	// RetryBackoff is the pause before campaigning again after an error or
	// a resignation.
	RetryBackoff time.Duration
	Clock        clock.Clock
}

func (c ZKConfig) withDefaults() ZKConfig {
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = defaultKeepAliveInterval
	}
	if c.MaxKeepAliveFailures <= 0 {
		c.MaxKeepAliveFailures = defaultMaxKeepAliveFailures
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// Validate checks that a leader gives up before its session can expire:
// MaxKeepAliveFailures failed refreshes must fit inside SessionTimeout.
// A zero SessionTimeout skips the check.
func (c ZKConfig) Validate() error {
	c = c.withDefaults()
	if c.SessionTimeout <= 0 {
		return nil
	}
	window := c.KeepAliveInterval * time.Duration(c.MaxKeepAliveFailures)
	if window >= c.SessionTimeout {
		return metaerrors.Configf("election: keep-alive interval %s x %d failures must be shorter than session timeout %s",
			c.KeepAliveInterval, c.MaxKeepAliveFailures, c.SessionTimeout)
	}
	return nil
}

var errResigned = errors.New("election: resigned")

type resignRequest struct {
	done chan error
}

// ZK elects a leader with one ephemeral znode: whoever creates it leads for
// as long as its session lives.
type ZK struct {
	conn zkutil.Conn
	cfg  ZKConfig
	id   string
	dir  string
	path string

	isLeader atomic.Bool
	b        *broadcaster
	resignCh chan resignRequest
	closed   chan struct{}

	mu         sync.Mutex
	state      State
	leaderAddr string
	loopDone   chan struct{}
	isClosed   bool
}

var _ Election = (*ZK)(nil)

func NewZK(conn zkutil.Conn, cfg ZKConfig) (*ZK, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, metaerrors.Configf("election: advertised address is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dir := zkutil.Join(cfg.Root, "election")
	return &ZK{
		conn:     conn,
		cfg:      cfg,
		id:       uuid.NewString(),
		dir:      dir,
		path:     dir + "/leader",
		b:        newBroadcaster(),
		resignCh: make(chan resignRequest),
		closed:   make(chan struct{}),
	}, nil
}

// ID identifies this candidate in the leader payload.
func (e *ZK) ID() string { return e.id }

func (e *ZK) IsLeader() bool { return e.isLeader.Load() }

func (e *ZK) Leader(ctx context.Context) (LeaderValue, error) {
	if err := ctx.Err(); err != nil {
		return LeaderValue{}, err
	}
	data, _, err := e.conn.Get(e.path)
	if errors.Is(err, zk.ErrNoNode) {
		return LeaderValue{}, metaerrors.ErrNoLeader
	}
	if err != nil {
		return LeaderValue{}, e.translate("get leader", err)
	}
	return decodeLeader(data)
}

func (e *ZK) Subscribe() (<-chan LeaderChange, func()) {
	return e.b.subscribe()
}

// Campaign runs the election loop until ctx is done or the election is
// closed. Leadership held at that point is released.
func (e *ZK) Campaign(ctx context.Context) error {
	e.mu.Lock()
	if e.isClosed {
		e.mu.Unlock()
		return metaerrors.ErrClosed
	}
	if e.loopDone != nil {
		e.mu.Unlock()
		return errors.New("election: campaign already running")
	}
	done := make(chan struct{})
	e.loopDone = done
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.loopDone = nil
		e.mu.Unlock()
		close(done)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("joining leader election", "id", e.id, "addr", e.cfg.Addr, "path", e.path)
	for {
		err := e.round(ctx)
		if ctx.Err() != nil {
			return nil
		}

		pause := time.Duration(0)
		switch {
		case errors.Is(err, errResigned):
			pause = e.cfg.RetryBackoff
		case err != nil:
			slog.Warn("election round failed", "id", e.id, "error", err)
			e.setState(StateFollower, "")
			pause = e.cfg.RetryBackoff
		}
		if pause > 0 && !e.sleep(ctx, pause) {
			return nil
		}
	}
}

// sleep waits d, answering resign requests meanwhile since this node is not
// leading. It reports false when ctx is done first.
func (e *ZK) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case req := <-e.resignCh:
			req.done <- nil
		case <-t.C:
			return true
		}
	}
}

func (e *ZK) round(ctx context.Context) error {
	if err := zkutil.EnsurePath(e.conn, e.dir); err != nil {
		return err
	}

	_, err := e.conn.Create(e.path, e.payload(), zk.FlagEphemeral, zkutil.ACL)
	if err == nil {
		return e.lead(ctx, 0)
	}
	if !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create leader key: %w", err)
	}

	data, st, watch, err := e.conn.GetW(e.path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch leader key: %w", err)
	}
	leader, err := decodeLeader(data)
	if err != nil {
		return err
	}

	if st.EphemeralOwner == e.conn.SessionID() && leader.ID == e.id {
		slog.Info("reclaiming leader key held by this session", "id", e.id, "version", st.Version)
		return e.lead(ctx, st.Version)
	}

	e.setState(StateFollower, leader.Addr)
	return e.follow(ctx, watch)
}

// lead keeps the lease alive until it is lost, resigned or ctx is done.
func (e *ZK) lead(ctx context.Context, version int32) error {
	_, _, watch, err := e.conn.ExistsW(e.path)
	if err != nil {
		return fmt.Errorf("watch own leader key: %w", err)
	}
	e.setState(StateLeader, e.cfg.Addr)

	ticker := time.NewTicker(e.cfg.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			e.release(version)
			e.setState(StateFollower, "")
			return nil

		case req := <-e.resignCh:
			e.release(version)
			e.setState(StateFollower, "")
			slog.Info("resigned leadership", "id", e.id)
			req.done <- nil
			return errResigned

		case ev := <-watch:
			if ev.Type == zk.EventNodeDataChanged {
				_, _, watch, err = e.conn.ExistsW(e.path)
				if err == nil {
					continue
				}
				ev.Err = err
			}
			slog.Warn("leader key lost", "id", e.id, "event", ev.Type, "error", ev.Err)
			e.setState(StateFollower, "")
			return nil

		case <-ticker.C:
			st, err := e.conn.Set(e.path, e.payload(), version)
			if err == nil {
				version = st.Version
				failures = 0
				continue
			}
			if errors.Is(err, zk.ErrBadVersion) || errors.Is(err, zk.ErrNoNode) || errors.Is(err, zk.ErrSessionExpired) {
				slog.Warn("leader lease lost", "id", e.id, "error", err)
				e.setState(StateFollower, "")
				return nil
			}
			failures++
			slog.Warn("leader keep-alive failed", "id", e.id, "failures", failures, "error", err)
			if failures >= e.cfg.MaxKeepAliveFailures {
				return fmt.Errorf("keep-alive failed %d times, stepping down: %w", failures, err)
			}
		}
	}
}

// follow waits for the leader key to go away. Data changes are the leader's
// keep-alives and only refresh the reported address.
func (e *ZK) follow(ctx context.Context, watch <-chan zk.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.resignCh:
			req.done <- nil
		case ev, ok := <-watch:
			if !ok {
				return nil
			}
			switch ev.Type {
			case zk.EventNodeDeleted:
				slog.Info("leader key deleted, campaigning", "id", e.id)
				return nil
			case zk.EventNodeDataChanged:
				data, _, next, err := e.conn.GetW(e.path)
				if errors.Is(err, zk.ErrNoNode) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("watch leader key: %w", err)
				}
				leader, err := decodeLeader(data)
				if err != nil {
					return err
				}
				e.setState(StateFollower, leader.Addr)
				watch = next
			default:
				if ev.Err != nil {
					return fmt.Errorf("leader watch: %w", ev.Err)
				}
				return fmt.Errorf("leader watch: unexpected event %v", ev.Type)
			}
		}
	}
}

func (e *ZK) release(version int32) {
	err := e.conn.Delete(e.path, version)
	if err != nil && !errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrBadVersion) {
		slog.Warn("failed to delete leader key", "id", e.id, "error", err)
	}
}

// Resign gives up leadership; the node campaigns again after RetryBackoff.
func (e *ZK) Resign(ctx context.Context) error {
	if !e.isLeader.Load() {
		return nil
	}
	req := resignRequest{done: make(chan error, 1)}
	select {
	case e.resignCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return metaerrors.ErrClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the campaign, releasing leadership, and closes subscriber
// channels.
func (e *ZK) Close() error {
	e.mu.Lock()
	if e.isClosed {
		e.mu.Unlock()
		return nil
	}
	e.isClosed = true
	done := e.loopDone
	e.mu.Unlock()

	close(e.closed)
	if done != nil {
		<-done
	}
	e.setState(StateFollower, "")
	e.b.close()
	return nil
}

func (e *ZK) setState(state State, addr string) {
	e.mu.Lock()
	if e.state == state && e.leaderAddr == addr {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = state
	e.leaderAddr = addr
	e.isLeader.Store(state == StateLeader)
	e.mu.Unlock()

	slog.Info("election state changed", "id", e.id, "from", prev, "to", state, "leader", addr)
	e.b.publish(LeaderChange{State: state, LeaderAddr: addr})
}

func (e *ZK) payload() []byte {
	data, _ := json.Marshal(LeaderValue{
		ID:        e.id,
		Addr:      e.cfg.Addr,
		RenewedAt: e.cfg.Clock.Now().UnixMilli(),
	})
	return data
}

func (e *ZK) translate(op string, err error) error {
	if zkutil.IsUnavailable(err) {
		return metaerrors.Unavailable(op, err)
	}
	return fmt.Errorf("election: %s: %w", op, err)
}

func decodeLeader(data []byte) (LeaderValue, error) {
	var v LeaderValue
	if err := json.Unmarshal(data, &v); err != nil {
		return LeaderValue{}, metaerrors.Unexpectedf("malformed leader value: %v", err)
	}
	return v, nil
}
