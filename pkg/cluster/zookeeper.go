package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"metasrv/pkg/zkutil"

	"github.com/go-zookeeper/zk"
)

// ZKPeers registers every meta server as an ephemeral node under
// <root>/peers and watches the children to keep the peer list current.
type ZKPeers struct {
	conn     zkutil.Conn
	rootPath string
	local    string
	isLeader func() bool
	backoff  time.Duration

	mu    sync.RWMutex
	addrs []string
}

var _ Peers = (*ZKPeers)(nil)

// NewZKPeers builds the registry; isLeader marks the local entry in Peers.
func NewZKPeers(conn zkutil.Conn, root, localAddr string, isLeader func() bool) *ZKPeers {
	if isLeader == nil {
		isLeader = func() bool { return false }
	}
	return &ZKPeers{
		conn:     conn,
		rootPath: zkutil.Join(root, "peers"),
		local:    localAddr,
		isLeader: isLeader,
		backoff:  2 * time.Second,
	}
}

// Register creates the ephemeral node of the local instance.
func (m *ZKPeers) Register(ctx context.Context) error {
	if err := zkutil.WaitConnected(ctx, m.conn); err != nil {
		return err
	}
	if err := zkutil.EnsurePath(m.conn, m.rootPath); err != nil {
		return fmt.Errorf("ensure peers path: %w", err)
	}

	nodePath := m.rootPath + "/" + url.PathEscape(m.local)
	_, err := m.conn.Create(nodePath, []byte(m.local), zk.FlagEphemeral, zkutil.ACL)
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered meta peer", "path", nodePath)
	return m.refresh()
}

func (m *ZKPeers) refresh() error {
	children, _, err := m.conn.Children(m.rootPath)
	if err != nil {
		return fmt.Errorf("zk children: %w", err)
	}
	m.set(children)
	return nil
}

func (m *ZKPeers) set(children []string) {
	addrs := make([]string, 0, len(children))
	for _, c := range children {
		addr, err := url.PathUnescape(c)
		if err != nil {
			slog.Warn("skipping malformed peer node", "node", c, "error", err)
			continue
		}
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	m.mu.Lock()
	m.addrs = addrs
	m.mu.Unlock()
}

// Run re-reads the peer list every time the children change.
func (m *ZKPeers) Run(ctx context.Context) {
	for {
		children, _, ch, err := m.conn.ChildrenW(m.rootPath)
		if err != nil {
			slog.Warn("watching meta peers failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.backoff):
			}
			continue
		}
		m.set(children)

		select {
		case ev := <-ch:
			slog.Debug("meta peers changed", "event", ev.Type)
		case <-ctx.Done():
			slog.Debug("meta peer watch stopped")
			return
		}
	}
}

func (m *ZKPeers) Peers() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PeerInfo, 0, len(m.addrs))
	for _, a := range m.addrs {
		out = append(out, PeerInfo{Addr: a, Leader: a == m.local && m.isLeader()})
	}
	return out
}

// Close removes the local registration; the session stays open since it is
// shared with the store and the election.
func (m *ZKPeers) Close() error {
	err := m.conn.Delete(m.rootPath+"/"+url.PathEscape(m.local), zkutil.AnyVersion)
	if err != nil && !errors.Is(err, zk.ErrNoNode) && !zkutil.IsUnavailable(err) {
		return fmt.Errorf("deregister meta peer: %w", err)
	}
	return nil
}

// StaticPeers is the peer view of a single-process deployment.
type StaticPeers struct {
	local    string
	isLeader func() bool
}

var _ Peers = (*StaticPeers)(nil)

func NewStaticPeers(localAddr string, isLeader func() bool) *StaticPeers {
	if isLeader == nil {
		isLeader = func() bool { return true }
	}
	return &StaticPeers{local: localAddr, isLeader: isLeader}
}

func (s *StaticPeers) Register(context.Context) error { return nil }

func (s *StaticPeers) Run(ctx context.Context) { <-ctx.Done() }

func (s *StaticPeers) Peers() []PeerInfo {
	return []PeerInfo{{Addr: s.local, Leader: s.isLeader()}}
}

func (s *StaticPeers) Close() error { return nil }
