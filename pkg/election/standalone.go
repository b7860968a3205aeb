package election

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"metasrv/pkg/metaerrors"
)

// Standalone is the election of a single-process deployment: it is leader
// from construction until Close and never talks to a store.
type Standalone struct {
	addr     string
	isLeader atomic.Bool
	b        *broadcaster
	once     sync.Once
}

var _ Election = (*Standalone)(nil)

func NewStandalone(addr string) *Standalone {
	s := &Standalone{addr: addr, b: newBroadcaster()}
	s.isLeader.Store(true)
	s.b.publish(LeaderChange{State: StateLeader, LeaderAddr: addr})
	return s
}

func (s *Standalone) IsLeader() bool { return s.isLeader.Load() }

func (s *Standalone) Leader(context.Context) (LeaderValue, error) {
	if !s.isLeader.Load() {
		return LeaderValue{}, metaerrors.ErrNoLeader
	}
	return LeaderValue{ID: "standalone", Addr: s.addr, RenewedAt: time.Now().UnixMilli()}, nil
}

func (s *Standalone) Campaign(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Resign is a no-op: there is nobody to hand leadership to.
func (s *Standalone) Resign(context.Context) error { return nil }

func (s *Standalone) Subscribe() (<-chan LeaderChange, func()) {
	return s.b.subscribe()
}

func (s *Standalone) Close() error {
	s.once.Do(func() {
		s.isLeader.Store(false)
		s.b.publish(LeaderChange{State: StateFollower})
		s.b.close()
	})
	return nil
}
