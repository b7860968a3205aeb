// Package election decides which meta server instance acts as leader.
package election

import (
	"context"
	"log/slog"
	"sync"
)

type State int

const (
	StateCandidate State = iota
	StateLeader
	StateFollower
)

func (s State) String() string {
	switch s {
	case StateLeader:
		return "leader"
	case StateFollower:
		return "follower"
	default:
		return "candidate"
	}
}

// LeaderChange is published on every transition. LeaderAddr is the
// observed leader: this node's own address when State is StateLeader,
// possibly empty for a follower that does not know the leader yet.
type LeaderChange struct {
	State      State
	LeaderAddr string
}

// LeaderValue is the payload stored in the leader key.
type LeaderValue struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	RenewedAt int64  `json:"renewed_at_ms"`
}

type Election interface {
	IsLeader() bool
	// Leader returns the current leader, or metaerrors.ErrNoLeader.
	Leader(ctx context.Context) (LeaderValue, error)
	// Campaign keeps this node in the election until ctx is done.
	Campaign(ctx context.Context) error
	Resign(ctx context.Context) error
	// Subscribe returns a channel of transitions and a func to stop receiving.
	Subscribe() (<-chan LeaderChange, func())
	Close() error
}

const subscriberBuffer = 16

// broadcaster fans transitions out to subscribers without ever blocking the
// election loop; a subscriber that falls behind loses the oldest changes.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan LeaderChange
	nextID int
	last   *LeaderChange
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan LeaderChange)}
}

// subscribe replays the latest change so a late subscriber starts from the
// current state.
func (b *broadcaster) subscribe() (<-chan LeaderChange, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan LeaderChange, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	if b.last != nil {
		ch <- *b.last
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster) publish(change LeaderChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.last = &change
	for id, ch := range b.subs {
		for {
			select {
			case ch <- change:
			default:
				select {
				case <-ch:
					slog.Warn("leader change subscriber is lagging, dropped oldest change", "subscriber", id)
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
