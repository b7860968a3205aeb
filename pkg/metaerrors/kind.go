package metaerrors

import (
	"context"
	"errors"
)

// Kind groups errors by how a caller is expected to react to them.
type Kind int

const (
	KindInternal Kind = iota
	// KindConfig is fatal at startup and never retried.
	KindConfig
	// KindUnavailable may be retried by idempotent callers.
	KindUnavailable
	// KindConsistency is a corrupted invariant, retrying cannot help.
	KindConsistency
	// KindNotLeader is a redirect signal rather than a failure.
	KindNotLeader
	// KindContention is left to the caller's own retry decision.
	KindContention
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindUnavailable:
		return "unavailable"
	case KindConsistency:
		return "consistency"
	case KindNotLeader:
		return "not_leader"
	case KindContention:
		return "contention"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "internal"
	}
}

func KindOf(err error) Kind {
	var (
		notLeader *NotLeaderError
		moved     *MoveValueError
		notEnough *NotEnoughCandidatesError
	)

	switch {
	case err == nil:
		return KindInternal
	case errors.As(err, &notLeader), errors.Is(err, ErrNoLeader):
		return KindNotLeader
	case errors.Is(err, ErrConfig), errors.Is(err, ErrUnsupportedSelector), errors.Is(err, ErrLockNotConfigured):
		return KindConfig
	case errors.Is(err, ErrUnexpected):
		return KindConsistency
	case errors.As(err, &moved), errors.Is(err, ErrLockTimeout), errors.Is(err, ErrLockExpired),
		errors.As(err, &notEnough), errors.Is(err, context.DeadlineExceeded):
		return KindContention
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrExceededRetryLimit):
		return KindUnavailable
	case errors.Is(err, ErrEmptyKey), errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}

// NotLeaderAddr returns the leader address carried by err, if any.
func NotLeaderAddr(err error) (string, bool) {
	var nl *NotLeaderError
	if errors.As(err, &nl) {
		return nl.NodeAddr, true
	}
	return "", false
}
