// Package zkstore implements kv.Store on ZooKeeper. Every key is one child
// znode of the store root, named by the hex encoding of the key: hex keeps
// byte order and prefix relations, so range scans stay ordered.
package zkstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"metasrv/pkg/kv"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/zkutil"

	"github.com/go-zookeeper/zk"
)

const defaultMaxRetries = 16

type Store struct {
	conn       zkutil.Conn
	root       string
	maxRetries int
}

var _ kv.Store = (*Store)(nil)

type Option func(*Store)

// WithMaxRetries bounds how often a write re-runs after losing a version race.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// New creates the store under root, creating the path when missing.
func New(conn zkutil.Conn, root string, opts ...Option) (*Store, error) {
	s := &Store{
		conn:       conn,
		root:       zkutil.Join(root, "kv"),
		maxRetries: defaultMaxRetries,
	}
	for _, o := range opts {
		o(s)
	}
	if err := zkutil.EnsurePath(conn, s.root); err != nil {
		return nil, translate("ensure root", err)
	}
	return s, nil
}

func (s *Store) path(key []byte) string {
	return s.root + "/" + hex.EncodeToString(key)
}

func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if zkutil.IsUnavailable(err) {
		return metaerrors.Unavailable(op, err)
	}
	return fmt.Errorf("zkstore: %s: %w", op, err)
}

type current struct {
	value   []byte
	version int32
	exists  bool
}

func (s *Store) read(key []byte) (current, error) {
	data, st, err := s.conn.Get(s.path(key))
	if errors.Is(err, zk.ErrNoNode) {
		return current{}, nil
	}
	if err != nil {
		return current{}, err
	}
	if data == nil {
		data = []byte{}
	}
	return current{value: data, version: st.Version, exists: true}, nil
}

func (s *Store) Get(ctx context.Context, key []byte) (kv.KeyValue, bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return kv.KeyValue{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return kv.KeyValue{}, false, err
	}

	cur, err := s.read(key)
	if err != nil {
		return kv.KeyValue{}, false, translate("get", err)
	}
	if !cur.exists {
		return kv.KeyValue{}, false, nil
	}
	return kv.KeyValue{Key: append([]byte{}, key...), Value: cur.value}, true, nil
}

// Range is not a point-in-time snapshot: keys deleted while the scan runs
// are skipped.
func (s *Store) Range(ctx context.Context, prefix []byte) ([]kv.KeyValue, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names, _, err := s.conn.Children(s.root)
	if err != nil {
		return nil, translate("range", err)
	}

	hexPrefix := hex.EncodeToString(prefix)
	matched := names[:0]
	for _, name := range names {
		if strings.HasPrefix(name, hexPrefix) {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)

	result := make([]kv.KeyValue, 0, len(matched))
	for _, name := range matched {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, err := hex.DecodeString(name)
		if err != nil {
			return nil, metaerrors.Unexpectedf("malformed key node %q under %s", name, s.root)
		}
		cur, err := s.read(key)
		if err != nil {
			return nil, translate("range", err)
		}
		if cur.exists {
			result = append(result, kv.KeyValue{Key: key, Value: cur.value})
		}
	}
	return result, nil
}

func (s *Store) BatchGet(ctx context.Context, keys [][]byte) ([]kv.KeyValue, error) {
	result := make([]kv.KeyValue, 0, len(keys))
	for _, key := range keys {
		pair, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, pair)
		}
	}
	return result, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) (kv.KeyValue, bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return kv.KeyValue{}, false, err
	}

	resp, err := s.Txn(ctx, kv.NewTxn().Then(kv.OpPut(key, value)))
	if err != nil {
		return kv.KeyValue{}, false, err
	}
	if prev := resp.Responses[0].KV; prev != nil {
		return *prev, true, nil
	}
	return kv.KeyValue{}, false, nil
}

func (s *Store) Delete(ctx context.Context, key []byte) (bool, error) {
	if err := kv.ValidateKey(key); err != nil {
		return false, err
	}

	resp, err := s.Txn(ctx, kv.NewTxn().Then(kv.OpDelete(key)))
	if err != nil {
		return false, err
	}
	return resp.Responses[0].KV != nil, nil
}

// Txn reads every touched key, evaluates the compares locally and commits
// the chosen branch in one Multi that pins each key's observed version.
// Losing a version race re-runs the evaluation.
func (s *Store) Txn(ctx context.Context, txn *kv.Txn) (kv.TxnResponse, error) {
	if err := txn.Validate(); err != nil {
		return kv.TxnResponse{}, err
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return kv.TxnResponse{}, err
		}

		resp, err := s.tryTxn(txn)
		if err == nil {
			return resp, nil
		}
		if !zkutil.IsConflict(err) {
			return kv.TxnResponse{}, translate("txn", err)
		}
		lastErr = err
	}

	return kv.TxnResponse{}, &metaerrors.ExceededRetryLimitError{
		Func:    "zkstore.txn",
		Retries: s.maxRetries,
		Last:    lastErr,
	}
}

type staged struct {
	key     []byte
	read    current
	value   []byte
	exists  bool
	touched bool
}

func (s *Store) tryTxn(txn *kv.Txn) (kv.TxnResponse, error) {
	keys := txn.Keys()
	state := make(map[string]*staged, len(keys))
	for _, key := range keys {
		cur, err := s.read(key)
		if err != nil {
			return kv.TxnResponse{}, err
		}
		state[string(key)] = &staged{key: key, read: cur, value: cur.value, exists: cur.exists}
	}

	succeeded, ops := txn.Branch(func(key []byte) ([]byte, bool) {
		st := state[string(key)]
		return st.value, st.exists
	})

	resp := kv.TxnResponse{
		Succeeded: succeeded,
		Responses: make([]kv.OpResponse, 0, len(ops)),
	}
	for _, op := range ops {
		st := state[string(op.Key)]
		r := kv.OpResponse{Type: op.Type}
		if st.exists {
			pair := kv.KeyValue{Key: append([]byte{}, op.Key...), Value: append([]byte{}, st.value...)}
			r.KV = &pair
		}
		switch op.Type {
		case kv.OpTypePut:
			st.value, st.exists, st.touched = append([]byte{}, op.Value...), true, true
		case kv.OpTypeDelete:
			st.value, st.exists, st.touched = nil, false, true
		}
		resp.Responses = append(resp.Responses, r)
	}

	reqs := make([]interface{}, 0, len(keys))
	for _, key := range keys {
		reqs = append(reqs, s.commitOps(state[string(key)])...)
	}

	if err := zkutil.MultiError(s.conn.Multi(reqs...)); err != nil {
		return kv.TxnResponse{}, err
	}
	return resp, nil
}

// commitOps pins the observed state of one key and writes its final state.
func (s *Store) commitOps(st *staged) []interface{} {
	p := s.path(st.key)
	switch {
	case st.read.exists && !st.touched:
		return []interface{}{&zk.CheckVersionRequest{Path: p, Version: st.read.version}}
	case st.read.exists && st.exists:
		return []interface{}{&zk.SetDataRequest{Path: p, Data: st.value, Version: st.read.version}}
	case st.read.exists && !st.exists:
		return []interface{}{&zk.DeleteRequest{Path: p, Version: st.read.version}}
	case !st.read.exists && st.exists:
		return []interface{}{&zk.CreateRequest{Path: p, Data: st.value, Acl: zkutil.ACL}}
	default:
		// Absent before and after: creating and dropping the node inside the
		// same Multi fails if another client created it meanwhile.
		return []interface{}{
			&zk.CreateRequest{Path: p, Acl: zkutil.ACL},
			&zk.DeleteRequest{Path: p, Version: 0},
		}
	}
}
