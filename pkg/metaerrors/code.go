package metaerrors

import "errors"

// codes names the errors a caller on the other side of the wire may need
// to tell apart within one Kind.
var codes = []struct {
	code string
	err  error
}{
	{"lock_timeout", ErrLockTimeout},
	{"lock_expired", ErrLockExpired},
	{"lock_not_configured", ErrLockNotConfigured},
	{"unsupported_selector", ErrUnsupportedSelector},
	{"empty_key", ErrEmptyKey},
	{"exceeded_retry_limit", ErrExceededRetryLimit},
	{"closed", ErrClosed},
}

const (
	CodeMoveValue           = "move_value"
	CodeNotEnoughCandidates = "not_enough_candidates"
)

// CodeOf returns the wire code of err, or "" when err carries none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var (
		moved     *MoveValueError
		notEnough *NotEnoughCandidatesError
	)
	switch {
	case errors.As(err, &moved):
		return CodeMoveValue
	case errors.As(err, &notEnough):
		return CodeNotEnoughCandidates
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}

// SentinelOf is the inverse of CodeOf for codes backed by a sentinel.
func SentinelOf(code string) (error, bool) {
	for _, c := range codes {
		if c.code == code {
			return c.err, true
		}
	}
	return nil, false
}
