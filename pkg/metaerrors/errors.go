package metaerrors

import (
	"errors"
	"fmt"
)

var (
	ErrBackendUnavailable  = errors.New("metasrv: backend unavailable")
	ErrExceededRetryLimit  = errors.New("metasrv: exceeded retry limit")
	ErrEmptyKey            = errors.New("metasrv: empty key is not allowed")
	ErrInvalidArgument     = errors.New("metasrv: invalid argument")
	ErrNoLeader            = errors.New("metasrv: no leader at this moment")
	ErrLockNotConfigured   = errors.New("metasrv: distributed lock is not configured")
	ErrLockTimeout         = errors.New("metasrv: lock acquisition timed out")
	ErrLockExpired         = errors.New("metasrv: lock lease already expired, exclusivity may have lapsed")
	ErrUnsupportedSelector = errors.New("metasrv: unsupported selector type")
	ErrConfig              = errors.New("metasrv: invalid configuration")
	ErrUnexpected          = errors.New("metasrv: unexpected state")
	ErrClosed              = errors.New("metasrv: closed")
)

// NotLeaderError is returned by leader-only operations on a follower.
// NodeAddr is the leader this node currently observes, empty when unknown.
type NotLeaderError struct {
	NodeAddr string
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("the requested meta node is not leader, node addr: %s", e.NodeAddr)
}

// BackendError wraps a fault of the backing store or its session.
type BackendError struct {
	Op  string
	Err error
}

func Unavailable(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrBackendUnavailable, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func (e *BackendError) Is(target error) bool { return target == ErrBackendUnavailable }

type ExceededRetryLimitError struct {
	Func    string
	Retries int
	Last    error
}

func (e *ExceededRetryLimitError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("the number of retries for %s exceeded the limit, %d", e.Func, e.Retries)
	}
	return fmt.Sprintf("the number of retries for %s exceeded the limit, %d: %v", e.Func, e.Retries, e.Last)
}

func (e *ExceededRetryLimitError) Unwrap() error { return e.Last }

func (e *ExceededRetryLimitError) Is(target error) bool { return target == ErrExceededRetryLimit }

type SequenceOutOfRangeError struct {
	Name  string
	Start uint64
	Step  uint64
}

func (e *SequenceOutOfRangeError) Error() string {
	return fmt.Sprintf("sequence out of range: %s, start=%d, step=%d", e.Name, e.Start, e.Step)
}

func (e *SequenceOutOfRangeError) Is(target error) bool { return target == ErrUnexpected }

// MoveValueError reports that a concurrent writer changed the source key
// while its value was being moved.
type MoveValueError struct {
	Key string
}

func (e *MoveValueError) Error() string {
	return fmt.Sprintf("failed to move the value of %s because other clients caused a race condition", e.Key)
}

type NotEnoughCandidatesError struct {
	Expected  int
	Available int
}

func (e *NotEnoughCandidatesError) Error() string {
	return fmt.Sprintf("no enough available nodes, expected: %d, but only %d available", e.Expected, e.Available)
}

// InvalidKeyError is a malformed lease/stat key found in the store.
type InvalidKeyError struct {
	Kind string
	Key  string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid %s key: %q", e.Kind, e.Key)
}

func (e *InvalidKeyError) Is(target error) bool { return target == ErrUnexpected }

// Unexpectedf builds a consistency violation error.
func Unexpectedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnexpected, fmt.Sprintf(format, args...))
}

// Configf builds a startup configuration error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
