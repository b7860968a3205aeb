package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"metasrv/pkg/metaerrors"

	"github.com/google/uuid"
)

// Memory is the single-process locker. Holds never expire: TTL is accepted
// and ignored.
type Memory struct {
	mu      sync.Mutex
	slots   map[string]chan struct{}
	holders map[string]string
}

var _ Locker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		slots:   make(map[string]chan struct{}),
		holders: make(map[string]string),
	}
}

func (m *Memory) slot(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[name]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[name] = s
	}
	return s
}

func (m *Memory) Lock(ctx context.Context, name string, opts Options) (*Guard, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	slot := m.slot(name)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, waitError(ctx, name)
	}

	holder := uuid.NewString()
	m.mu.Lock()
	m.holders[name] = holder
	m.mu.Unlock()

	return &Guard{Name: name, Key: name, Holder: holder}, nil
}

func (m *Memory) Unlock(_ context.Context, g *Guard) error {
	if err := validateGuard(g); err != nil {
		return err
	}
	m.mu.Lock()
	if h, ok := m.holders[g.Name]; !ok || h != g.Holder {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is not held by this guard", metaerrors.ErrLockExpired, g.Name)
	}
	delete(m.holders, g.Name)
	slot := m.slots[g.Name]
	m.mu.Unlock()

	<-slot
	return nil
}

func (m *Memory) Extend(_ context.Context, g *Guard, _ time.Duration) error {
	if err := validateGuard(g); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.holders[g.Name]; !ok || h != g.Holder {
		return fmt.Errorf("%w: %s is not held by this guard", metaerrors.ErrLockExpired, g.Name)
	}
	return nil
}
