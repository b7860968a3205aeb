// Package zkutil is the thin layer between the coordination kernel and the
// ZooKeeper client: a narrow connection interface, session dialing and the
// path/error helpers shared by the store, election and lock.
package zkutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// Conn is the subset of *zk.Conn the kernel uses.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	Multi(ops ...interface{}) ([]zk.MultiResponse, error)
	SessionID() int64
	State() zk.State
	Close()
}

var _ Conn = (*zk.Conn)(nil)

// AnyVersion skips the version check of Set and Delete.
const AnyVersion int32 = -1

var ACL = zk.WorldACL(zk.PermAll)

type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

// Dial opens a session against servers. The ZooKeeper session timeout is
// the lease TTL of everything ephemeral the kernel creates.
func Dial(ctx context.Context, servers []string, sessionTimeout, connectTimeout time.Duration) (*zk.Conn, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout,
		zk.WithLogger(slogAdapter{logger: slog.Default().With("component", "zk")}))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := WaitConnected(waitCtx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("zk session established", "servers", servers, "session_id", conn.SessionID())
	return conn, nil
}

// WaitConnected blocks until the client holds a session.
func WaitConnected(ctx context.Context, conn Conn) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		st := conn.State()
		if st == zk.StateHasSession {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("zk: not connected, state=%v: %w", st, ctx.Err())
		case <-ticker.C:
		}
	}
}

// EnsurePath creates every missing persistent node along path.
func EnsurePath(conn Conn, path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := conn.Exists(cur)
		if err != nil {
			return fmt.Errorf("exists %s: %w", cur, err)
		}
		if exists {
			continue
		}
		_, err = conn.Create(cur, nil, 0, ACL)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create %s: %w", cur, err)
		}
	}
	return nil
}

// Join concatenates path segments with single slashes.
func Join(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// IsUnavailable reports connection and session level faults, as opposed to
// outcomes of the requested operation.
func IsUnavailable(err error) bool {
	return errors.Is(err, zk.ErrConnectionClosed) ||
		errors.Is(err, zk.ErrNoServer) ||
		errors.Is(err, zk.ErrSessionExpired) ||
		errors.Is(err, zk.ErrSessionMoved) ||
		errors.Is(err, zk.ErrClosing)
}

// IsConflict reports version or existence races detected by the server.
func IsConflict(err error) bool {
	return errors.Is(err, zk.ErrBadVersion) ||
		errors.Is(err, zk.ErrNodeExists) ||
		errors.Is(err, zk.ErrNoNode)
}

// MultiError folds the per-operation results of a Multi call into a single
// error, preferring conflict errors over the placeholder errors ZooKeeper
// reports for the operations it rolled back.
func MultiError(resps []zk.MultiResponse, err error) error {
	if IsUnavailable(err) {
		return err
	}
	var first error
	for _, r := range resps {
		if r.Error == nil {
			continue
		}
		if IsConflict(r.Error) {
			return r.Error
		}
		if first == nil {
			first = r.Error
		}
	}
	if err != nil {
		return err
	}
	return first
}
