// Package zktest is an in-process ZooKeeper ensemble for tests. It models
// sessions, ephemeral and sequential nodes, one-shot watches, atomic Multi
// and session expiry closely enough to exercise the kernel's recipes.
package zktest

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"metasrv/pkg/zkutil"

	"github.com/go-zookeeper/zk"
)

type node struct {
	data []byte
	stat zk.Stat
	seq  int32
}

type tree map[string]*node

func (t tree) clone() tree {
	c := make(tree, len(t))
	for p, n := range t {
		cp := *n
		c[p] = &cp
	}
	return c
}

type watchKind int

const (
	watchData watchKind = iota
	watchChild
)

type watch struct {
	kind  watchKind
	path  string
	ch    chan zk.Event
	owner *Conn
}

type event struct {
	kind watchKind
	path string
	typ  zk.EventType
}

type Server struct {
	mu          sync.Mutex
	nodes       tree
	zxid        int64
	nextSession int64
	watches     []*watch
}

func NewServer() *Server {
	return &Server{
		nodes: tree{"/": &node{}},
	}
}

// Connect opens a new session.
func (s *Server) Connect() *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSession++
	c := &Conn{srv: s, id: s.nextSession}
	c.state.Store(int32(zk.StateHasSession))
	return c
}

// Data returns a node's payload, for assertions.
func (s *Server) Data(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok {
		return nil, false
	}
	return append([]byte{}, n.data...), true
}

// Len is the number of nodes, root included.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

type Conn struct {
	srv   *Server
	id    int64
	state atomic.Int32

	faultMu sync.Mutex
	fault   func(op, path string) error
}

var _ zkutil.Conn = (*Conn)(nil)

// SetFault installs a hook consulted before every operation; a non-nil
// result is returned instead of executing it.
func (c *Conn) SetFault(fn func(op, path string) error) {
	c.faultMu.Lock()
	defer c.faultMu.Unlock()
	c.fault = fn
}

func (c *Conn) check(op, p string) error {
	switch zk.State(c.state.Load()) {
	case zk.StateExpired:
		return zk.ErrSessionExpired
	case zk.StateDisconnected:
		return zk.ErrConnectionClosed
	}

	c.faultMu.Lock()
	fn := c.fault
	c.faultMu.Unlock()
	if fn != nil {
		return fn(op, p)
	}
	return nil
}

func (c *Conn) SessionID() int64 { return c.id }

func (c *Conn) State() zk.State { return zk.State(c.state.Load()) }

// Expire ends the session the way the ensemble does after a missed
// session timeout: ephemeral nodes vanish and watches are cancelled.
func (c *Conn) Expire() {
	c.terminate(zk.StateExpired, zk.ErrSessionExpired)
}

func (c *Conn) Close() {
	c.terminate(zk.StateDisconnected, zk.ErrClosing)
}

func (c *Conn) terminate(state zk.State, cause error) {
	if zk.State(c.state.Swap(int32(state))) != zk.StateHasSession {
		return
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	var owned []string
	for p, n := range s.nodes {
		if n.stat.EphemeralOwner == c.id {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)

	var events []event
	for _, p := range owned {
		evs, err := s.nodes.delete(p, zkutil.AnyVersion, s.nextZxid())
		if err == nil {
			events = append(events, evs...)
		}
	}
	s.fire(events)

	kept := s.watches[:0]
	for _, w := range s.watches {
		if w.owner != c {
			kept = append(kept, w)
			continue
		}
		w.ch <- zk.Event{Type: zk.EventNotWatching, State: state, Path: w.path, Err: cause}
		close(w.ch)
	}
	s.watches = kept
}

func (c *Conn) Create(p string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	if err := c.check("create", p); err != nil {
		return "", err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	created, events, err := s.nodes.create(p, data, flags, c.id, s.nextZxid())
	if err != nil {
		return "", err
	}
	s.fire(events)
	return created, nil
}

func (c *Conn) Get(p string) ([]byte, *zk.Stat, error) {
	if err := c.check("get", p); err != nil {
		return nil, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	st := n.stat
	return append([]byte{}, n.data...), &st, nil
}

func (c *Conn) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	if err := c.check("get", p); err != nil {
		return nil, nil, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	st := n.stat
	return append([]byte{}, n.data...), &st, s.addWatch(c, watchData, p), nil
}

func (c *Conn) Set(p string, data []byte, version int32) (*zk.Stat, error) {
	if err := c.check("set", p); err != nil {
		return nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	st, events, err := s.nodes.set(p, data, version, s.nextZxid())
	if err != nil {
		return nil, err
	}
	s.fire(events)
	return st, nil
}

func (c *Conn) Delete(p string, version int32) error {
	if err := c.check("delete", p); err != nil {
		return err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.nodes.delete(p, version, s.nextZxid())
	if err != nil {
		return err
	}
	s.fire(events)
	return nil
}

func (c *Conn) Exists(p string) (bool, *zk.Stat, error) {
	if err := c.check("exists", p); err != nil {
		return false, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return false, nil, nil
	}
	st := n.stat
	return true, &st, nil
}

func (c *Conn) ExistsW(p string) (bool, *zk.Stat, <-chan zk.Event, error) {
	if err := c.check("exists", p); err != nil {
		return false, nil, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.addWatch(c, watchData, p)
	n, ok := s.nodes[p]
	if !ok {
		return false, nil, ch, nil
	}
	st := n.stat
	return true, &st, ch, nil
}

func (c *Conn) Children(p string) ([]string, *zk.Stat, error) {
	if err := c.check("children", p); err != nil {
		return nil, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	st := n.stat
	return s.nodes.children(p), &st, nil
}

func (c *Conn) ChildrenW(p string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	if err := c.check("children", p); err != nil {
		return nil, nil, nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[p]
	if !ok {
		return nil, nil, nil, zk.ErrNoNode
	}
	st := n.stat
	return s.nodes.children(p), &st, s.addWatch(c, watchChild, p), nil
}

// Multi applies ops atomically on a staged copy of the tree.
func (c *Conn) Multi(ops ...interface{}) ([]zk.MultiResponse, error) {
	if err := c.check("multi", ""); err != nil {
		return nil, err
	}

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.nodes.clone()
	zxid := s.nextZxid()
	resps := make([]zk.MultiResponse, len(ops))

	var (
		events []event
		failed error
	)
	for i, op := range ops {
		if failed != nil {
			resps[i].Error = zk.ErrAPIError
			continue
		}

		var (
			evs []event
			err error
		)
		switch req := op.(type) {
		case *zk.CreateRequest:
			resps[i].String, evs, err = staged.create(req.Path, req.Data, req.Flags, c.id, zxid)
		case *zk.SetDataRequest:
			resps[i].Stat, evs, err = staged.set(req.Path, req.Data, req.Version, zxid)
		case *zk.DeleteRequest:
			evs, err = staged.delete(req.Path, req.Version, zxid)
		case *zk.CheckVersionRequest:
			err = staged.checkVersion(req.Path, req.Version)
		default:
			err = fmt.Errorf("zktest: unsupported multi op %T", op)
		}
		if err != nil {
			failed = err
			resps[i].Error = err
			continue
		}
		events = append(events, evs...)
	}

	if failed != nil {
		return resps, failed
	}
	s.nodes = staged
	s.fire(events)
	return resps, nil
}

func (s *Server) nextZxid() int64 {
	s.zxid++
	return s.zxid
}

func (s *Server) addWatch(owner *Conn, kind watchKind, p string) <-chan zk.Event {
	w := &watch{kind: kind, path: p, ch: make(chan zk.Event, 1), owner: owner}
	s.watches = append(s.watches, w)
	return w.ch
}

// fire must be called with mu held. Every matching watch gets one event
// and is dropped, mirroring ZooKeeper's one-shot watches.
func (s *Server) fire(events []event) {
	for _, ev := range events {
		kept := s.watches[:0]
		for _, w := range s.watches {
			if w.kind != ev.kind || w.path != ev.path {
				kept = append(kept, w)
				continue
			}
			w.ch <- zk.Event{Type: ev.typ, State: zk.StateHasSession, Path: ev.path}
			close(w.ch)
		}
		s.watches = kept
	}
}

func parentOf(p string) string {
	return path.Dir(p)
}

func (t tree) create(p string, data []byte, flags int32, owner, zxid int64) (string, []event, error) {
	if p == "" || p[0] != '/' || (len(p) > 1 && strings.HasSuffix(p, "/")) {
		return "", nil, zk.ErrBadArguments
	}
	parentPath := parentOf(p)
	parent, ok := t[parentPath]
	if !ok {
		return "", nil, zk.ErrNoNode
	}
	if parent.stat.EphemeralOwner != 0 {
		return "", nil, zk.ErrNoChildrenForEphemerals
	}

	if flags&zk.FlagSequence != 0 {
		p = fmt.Sprintf("%s%010d", p, parent.seq)
		parent.seq++
	}
	if _, exists := t[p]; exists {
		return "", nil, zk.ErrNodeExists
	}

	now := time.Now().UnixMilli()
	n := &node{
		data: append([]byte{}, data...),
		stat: zk.Stat{
			Czxid:      zxid,
			Mzxid:      zxid,
			Pzxid:      zxid,
			Ctime:      now,
			Mtime:      now,
			DataLength: int32(len(data)),
		},
	}
	if flags&zk.FlagEphemeral != 0 {
		n.stat.EphemeralOwner = owner
	}
	t[p] = n

	parent.stat.NumChildren++
	parent.stat.Cversion++
	parent.stat.Pzxid = zxid

	return p, []event{
		{kind: watchData, path: p, typ: zk.EventNodeCreated},
		{kind: watchChild, path: parentPath, typ: zk.EventNodeChildrenChanged},
	}, nil
}

func (t tree) set(p string, data []byte, version int32, zxid int64) (*zk.Stat, []event, error) {
	n, ok := t[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	if version != zkutil.AnyVersion && version != n.stat.Version {
		return nil, nil, zk.ErrBadVersion
	}

	n.data = append([]byte{}, data...)
	n.stat.Version++
	n.stat.Mzxid = zxid
	n.stat.Mtime = time.Now().UnixMilli()
	n.stat.DataLength = int32(len(data))

	st := n.stat
	return &st, []event{{kind: watchData, path: p, typ: zk.EventNodeDataChanged}}, nil
}

func (t tree) delete(p string, version int32, zxid int64) ([]event, error) {
	if p == "/" {
		return nil, zk.ErrBadArguments
	}
	n, ok := t[p]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if version != zkutil.AnyVersion && version != n.stat.Version {
		return nil, zk.ErrBadVersion
	}
	if n.stat.NumChildren > 0 {
		return nil, zk.ErrNotEmpty
	}

	delete(t, p)
	parentPath := parentOf(p)
	if parent, ok := t[parentPath]; ok {
		parent.stat.NumChildren--
		parent.stat.Cversion++
		parent.stat.Pzxid = zxid
	}

	return []event{
		{kind: watchData, path: p, typ: zk.EventNodeDeleted},
		{kind: watchChild, path: p, typ: zk.EventNodeDeleted},
		{kind: watchChild, path: parentPath, typ: zk.EventNodeChildrenChanged},
	}, nil
}

func (t tree) checkVersion(p string, version int32) error {
	n, ok := t[p]
	if !ok {
		return zk.ErrNoNode
	}
	if version != zkutil.AnyVersion && version != n.stat.Version {
		return zk.ErrBadVersion
	}
	return nil
}

func (t tree) children(p string) []string {
	var names []string
	for child := range t {
		if child != "/" && parentOf(child) == p {
			names = append(names, path.Base(child))
		}
	}
	sort.Strings(names)
	return names
}
