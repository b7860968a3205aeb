// Package lock provides named mutual exclusion with lease-bounded holds.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"metasrv/pkg/metaerrors"
)

const DefaultTTL = 10 * time.Second

type Options struct {
	// TTL bounds how long the holder may rely on exclusivity.
	TTL time.Duration
	// Timeout bounds the wait for the lock; zero waits as long as ctx allows.
	Timeout time.Duration
}

// Guard is the proof of a successful Lock.
type Guard struct {
	Name string `json:"name"`
	// Key is the store path of the lease backing this guard.
	Key string `json:"key"`
	// ExpireAt is zero for locks without lease semantics.
	ExpireAt time.Time `json:"expire_at"`
	// Holder identifies the acquisition; a guard is only honoured by the
	// acquisition that produced it.
	Holder string `json:"holder"`
}

type Locker interface {
	Lock(ctx context.Context, name string, opts Options) (*Guard, error)
	// Unlock releases the guard. It returns metaerrors.ErrLockExpired when the
	// lease had already lapsed, in which case exclusivity was not guaranteed
	// until this call.
	Unlock(ctx context.Context, guard *Guard) error
	// Extend pushes the lease expiry to now+ttl.
	Extend(ctx context.Context, guard *Guard, ttl time.Duration) error
}

func validateGuard(g *Guard) error {
	if g == nil {
		return fmt.Errorf("%w: nil lock guard", metaerrors.ErrInvalidArgument)
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty lock name", metaerrors.ErrInvalidArgument)
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// waitError maps the end of a wait to the error Lock reports.
func waitError(ctx context.Context, name string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", metaerrors.ErrLockTimeout, name)
	}
	return ctx.Err()
}
