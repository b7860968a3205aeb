package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"metasrv/pkg/clock"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/zkutil"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

const nodePrefix = "lock-"

type ZKConfig struct {
	// Root is the chroot of the meta server; locks live under <Root>/locks.
	Root       string
	DefaultTTL time.Duration
	Clock      clock.Clock
}

// ZK queues lockers as ephemeral sequential children of the lock's node.
// The lowest sequence holds the lock and stamps its lease on grant; every
// waiter watches only its predecessor.
type ZK struct {
	conn  zkutil.Conn
	root  string
	ttl   time.Duration
	clock clock.Clock
}

var _ Locker = (*ZK)(nil)

type lease struct {
	Holder string `json:"holder"`
	// ExpireAt is unix millis, zero while the node is still queued.
	ExpireAt int64 `json:"expire_at_ms"`
}

func NewZK(conn zkutil.Conn, cfg ZKConfig) *ZK {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &ZK{
		conn:  conn,
		root:  zkutil.Join(cfg.Root, "locks"),
		ttl:   cfg.DefaultTTL,
		clock: cfg.Clock,
	}
}

func (l *ZK) dir(name string) string {
	return l.root + "/" + url.PathEscape(name)
}

func (l *ZK) Lock(ctx context.Context, name string, opts Options) (*Guard, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = l.ttl
	}
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	dir := l.dir(name)
	if err := zkutil.EnsurePath(l.conn, dir); err != nil {
		return nil, l.translate("lock", err)
	}

	holder := uuid.NewString()
	own, err := l.conn.Create(dir+"/"+nodePrefix, encodeLease(lease{Holder: holder}),
		zk.FlagEphemeral|zk.FlagSequence, zkutil.ACL)
	if err != nil {
		return nil, l.translate("lock", err)
	}

	g, err := l.acquire(ctx, name, dir, own, holder, ttl)
	if err != nil {
		l.abandon(own)
		return nil, err
	}
	return g, nil
}

func (l *ZK) acquire(ctx context.Context, name, dir, own, holder string, ttl time.Duration) (*Guard, error) {
	me := path.Base(own)
	for {
		if ctx.Err() != nil {
			return nil, waitError(ctx, name)
		}

		children, _, err := l.conn.Children(dir)
		if err != nil {
			return nil, l.translate("lock", err)
		}
		queue := children[:0]
		for _, c := range children {
			if strings.HasPrefix(c, nodePrefix) {
				queue = append(queue, c)
			}
		}
		sort.Strings(queue)

		idx := sort.SearchStrings(queue, me)
		if idx == len(queue) || queue[idx] != me {
			return nil, metaerrors.Unavailable("lock", fmt.Errorf("queued node %s vanished: %w", own, zk.ErrNoNode))
		}

		if idx == 0 {
			expireAt := l.clock.Now().Add(ttl)
			_, err := l.conn.Set(own, encodeLease(lease{Holder: holder, ExpireAt: expireAt.UnixMilli()}), zkutil.AnyVersion)
			if err != nil {
				return nil, l.translate("lock", err)
			}
			slog.Debug("lock acquired", "name", name, "key", own, "expire_at", expireAt)
			return &Guard{Name: name, Key: own, ExpireAt: expireAt, Holder: holder}, nil
		}

		pred := dir + "/" + queue[idx-1]
		data, st, watch, err := l.conn.GetW(pred)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, l.translate("lock", err)
		}

		var expiry *time.Timer
		if pl, err := decodeLease(data); err == nil && pl.ExpireAt > 0 {
			left := time.UnixMilli(pl.ExpireAt).Sub(l.clock.Now())
			if left <= 0 {
				l.reap(name, pred, st.Version)
				continue
			}
			expiry = time.NewTimer(left)
		}
		if err := l.wait(ctx, name, watch, expiry); err != nil {
			return nil, err
		}
	}
}

// wait blocks until the predecessor changes, its lease runs out or ctx ends.
func (l *ZK) wait(ctx context.Context, name string, watch <-chan zk.Event, expiry *time.Timer) error {
	var fired <-chan time.Time
	if expiry != nil {
		defer expiry.Stop()
		fired = expiry.C
	}
	select {
	case <-watch:
		return nil
	case <-fired:
		return nil
	case <-ctx.Done():
		return waitError(ctx, name)
	}
}

// reap removes a holder whose lease lapsed. The version pins the lease that
// was observed expired, so an extension racing with us wins.
func (l *ZK) reap(name, key string, version int32) {
	err := l.conn.Delete(key, version)
	switch {
	case err == nil:
		slog.Warn("reaped expired lock lease", "name", name, "key", key)
	case errors.Is(err, zk.ErrNoNode), errors.Is(err, zk.ErrBadVersion):
	default:
		slog.Warn("failed to reap expired lock lease", "name", name, "key", key, "error", err)
	}
}

func (l *ZK) abandon(own string) {
	if err := l.conn.Delete(own, zkutil.AnyVersion); err != nil && !errors.Is(err, zk.ErrNoNode) {
		slog.Warn("failed to remove queued lock node", "key", own, "error", err)
	}
}

// current reads the guard's lease and reports whether it is still the
// caller's and unexpired.
func (l *ZK) current(g *Guard) (*zk.Stat, bool, error) {
	if g == nil || !strings.HasPrefix(g.Key, l.dir(g.Name)+"/"+nodePrefix) {
		return nil, false, fmt.Errorf("%w: guard does not belong to this lock", metaerrors.ErrInvalidArgument)
	}
	data, st, err := l.conn.Get(g.Key)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, l.translate("lock", err)
	}
	pl, err := decodeLease(data)
	if err != nil {
		return nil, false, err
	}
	if pl.Holder != g.Holder {
		return nil, false, nil
	}
	return st, l.clock.Now().Before(time.UnixMilli(pl.ExpireAt)), nil
}

func (l *ZK) Unlock(ctx context.Context, g *Guard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st, live, err := l.current(g)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: %s", metaerrors.ErrLockExpired, g.Name)
	}

	err = l.conn.Delete(g.Key, st.Version)
	if err != nil && !errors.Is(err, zk.ErrNoNode) && !errors.Is(err, zk.ErrBadVersion) {
		return l.translate("unlock", err)
	}
	if !live || err != nil {
		return fmt.Errorf("%w: %s", metaerrors.ErrLockExpired, g.Name)
	}
	slog.Debug("lock released", "name", g.Name, "key", g.Key)
	return nil
}

func (l *ZK) Extend(ctx context.Context, g *Guard, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = l.ttl
	}
	st, live, err := l.current(g)
	if err != nil {
		return err
	}
	if st == nil || !live {
		return fmt.Errorf("%w: %s", metaerrors.ErrLockExpired, g.Name)
	}

	expireAt := l.clock.Now().Add(ttl)
	_, err = l.conn.Set(g.Key, encodeLease(lease{Holder: g.Holder, ExpireAt: expireAt.UnixMilli()}), st.Version)
	if errors.Is(err, zk.ErrNoNode) || errors.Is(err, zk.ErrBadVersion) {
		return fmt.Errorf("%w: %s", metaerrors.ErrLockExpired, g.Name)
	}
	if err != nil {
		return l.translate("extend", err)
	}
	g.ExpireAt = expireAt
	return nil
}

func (l *ZK) translate(op string, err error) error {
	if zkutil.IsUnavailable(err) {
		return metaerrors.Unavailable(op, err)
	}
	return fmt.Errorf("lock: %s: %w", op, err)
}

func encodeLease(v lease) []byte {
	data, _ := json.Marshal(v)
	return data
}

func decodeLease(data []byte) (lease, error) {
	var v lease
	if err := json.Unmarshal(data, &v); err != nil {
		return lease{}, metaerrors.Unexpectedf("malformed lock lease: %v", err)
	}
	return v, nil
}
