package kv

import (
	"bytes"
	"fmt"
)

type CompareOp int

const (
	CompareEqual CompareOp = iota
	CompareNotEqual
	CompareLess
	CompareGreater
)

func (op CompareOp) String() string {
	switch op {
	case CompareEqual:
		return "="
	case CompareNotEqual:
		return "!="
	case CompareLess:
		return "<"
	case CompareGreater:
		return ">"
	default:
		return fmt.Sprintf("CompareOp(%d)", int(op))
	}
}

// Compare is a predicate on the current value of Key.
// A nil Target stands for "key absent".
type Compare struct {
	Key    []byte    `json:"key"`
	Op     CompareOp `json:"op"`
	Target []byte    `json:"target"`
}

func ValueEquals(key, value []byte) Compare {
	return Compare{Key: key, Op: CompareEqual, Target: nonNil(value)}
}

func KeyAbsent(key []byte) Compare {
	return Compare{Key: key, Op: CompareEqual}
}

func KeyExists(key []byte) Compare {
	return Compare{Key: key, Op: CompareNotEqual}
}

// Matches evaluates the predicate against the current state of the key.
func (c Compare) Matches(value []byte, exists bool) bool {
	targetExists := c.Target != nil
	if !exists || !targetExists {
		same := exists == targetExists
		switch c.Op {
		case CompareEqual:
			return same
		case CompareNotEqual:
			return !same
		default:
			return false
		}
	}

	r := bytes.Compare(value, c.Target)
	switch c.Op {
	case CompareEqual:
		return r == 0
	case CompareNotEqual:
		return r != 0
	case CompareLess:
		return r < 0
	case CompareGreater:
		return r > 0
	default:
		return false
	}
}

type OpType int

const (
	OpTypeGet OpType = iota
	OpTypePut
	OpTypeDelete
)

func (t OpType) String() string {
	switch t {
	case OpTypeGet:
		return "get"
	case OpTypePut:
		return "put"
	case OpTypeDelete:
		return "delete"
	default:
		return fmt.Sprintf("OpType(%d)", int(t))
	}
}

type TxnOp struct {
	Type  OpType `json:"type"`
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

func OpGet(key []byte) TxnOp { return TxnOp{Type: OpTypeGet, Key: key} }

func OpPut(key, value []byte) TxnOp { return TxnOp{Type: OpTypePut, Key: key, Value: nonNil(value)} }

func OpDelete(key []byte) TxnOp { return TxnOp{Type: OpTypeDelete, Key: key} }

// Txn is an atomic batch: if every Compare holds, Success is applied,
// otherwise Failure is. Either branch applies entirely or not at all.
type Txn struct {
	Compare []Compare `json:"compare,omitempty"`
	Success []TxnOp   `json:"success,omitempty"`
	Failure []TxnOp   `json:"failure,omitempty"`
}

func NewTxn() *Txn { return &Txn{} }

func (t *Txn) When(cmps ...Compare) *Txn {
	t.Compare = append(t.Compare, cmps...)
	return t
}

func (t *Txn) Then(ops ...TxnOp) *Txn {
	t.Success = append(t.Success, ops...)
	return t
}

func (t *Txn) Else(ops ...TxnOp) *Txn {
	t.Failure = append(t.Failure, ops...)
	return t
}

func (t *Txn) Validate() error {
	for _, c := range t.Compare {
		if err := ValidateKey(c.Key); err != nil {
			return err
		}
	}
	for _, ops := range [][]TxnOp{t.Success, t.Failure} {
		for _, op := range ops {
			if err := ValidateKey(op.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Keys returns every distinct key the transaction touches, in first-seen order.
func (t *Txn) Keys() [][]byte {
	seen := make(map[string]struct{})
	var keys [][]byte
	add := func(k []byte) {
		if _, ok := seen[string(k)]; ok {
			return
		}
		seen[string(k)] = struct{}{}
		keys = append(keys, k)
	}
	for _, c := range t.Compare {
		add(c.Key)
	}
	for _, op := range t.Success {
		add(op.Key)
	}
	for _, op := range t.Failure {
		add(op.Key)
	}
	return keys
}

// OpResponse carries the current pair for gets and the previous pair for
// puts and deletes. KV is nil when the key did not exist.
type OpResponse struct {
	Type OpType    `json:"type"`
	KV   *KeyValue `json:"kv,omitempty"`
}

type TxnResponse struct {
	Succeeded bool         `json:"succeeded"`
	Responses []OpResponse `json:"responses,omitempty"`
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Branch evaluates the compares against the current state and returns the
// branch that must be applied.
func (t *Txn) Branch(state func(key []byte) ([]byte, bool)) (bool, []TxnOp) {
	for _, c := range t.Compare {
		v, ok := state(c.Key)
		if !c.Matches(v, ok) {
			return false, t.Failure
		}
	}
	return true, t.Success
}
