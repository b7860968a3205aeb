package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"metasrv/pkg/metaerrors"
	"metasrv/pkg/zkutil/zktest"
)

func newZKPair(t *testing.T) (*ZK, *ZK, *zktest.Server) {
	t.Helper()
	srv := zktest.NewServer()
	return NewZK(srv.Connect(), ZKConfig{Root: "/metasrv"}), NewZK(srv.Connect(), ZKConfig{Root: "/metasrv"}), srv
}

func testMutualExclusion(t *testing.T, lockers []Locker) {
	var (
		inside  atomic.Int32
		entered atomic.Int32
		wg      sync.WaitGroup
	)
	for _, l := range lockers {
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func(l Locker) {
				defer wg.Done()
				for i := 0; i < 5; i++ {
					g, err := l.Lock(context.Background(), "ddl/table", Options{TTL: 10 * time.Second, Timeout: 5 * time.Second})
					if err != nil {
						t.Errorf("Lock failed: %v", err)
						return
					}
					if n := inside.Add(1); n != 1 {
						t.Errorf("%d holders inside the critical section", n)
					}
					entered.Add(1)
					time.Sleep(time.Millisecond)
					inside.Add(-1)
					if err := l.Unlock(context.Background(), g); err != nil {
						t.Errorf("Unlock failed: %v", err)
					}
				}
			}(l)
		}
	}
	wg.Wait()

	if want := int32(len(lockers) * 3 * 5); entered.Load() != want {
		t.Fatalf("expected %d entries, got %d", want, entered.Load())
	}
}

func TestZK_MutualExclusion(t *testing.T) {
	a, b, _ := newZKPair(t)
	testMutualExclusion(t, []Locker{a, b})
}

func TestMemory_MutualExclusion(t *testing.T) {
	testMutualExclusion(t, []Locker{NewMemory()})
}

func TestZK_WaiterWakesOnUnlock(t *testing.T) {
	a, b, _ := newZKPair(t)
	ctx := context.Background()

	ga, err := a.Lock(ctx, "region-7", Options{TTL: 10 * time.Second})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	acquired := make(chan *Guard, 1)
	go func() {
		g, err := b.Lock(ctx, "region-7", Options{TTL: 10 * time.Second, Timeout: 3 * time.Second})
		if err != nil {
			t.Errorf("waiting Lock failed: %v", err)
		}
		acquired <- g
	}()

	select {
	case <-acquired:
		t.Fatal("second locker acquired while the first still holds the lock")
	case <-time.After(50 * time.Millisecond):
	}

	if err := a.Unlock(ctx, ga); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	select {
	case g := <-acquired:
		if g == nil || g.Key == ga.Key {
			t.Fatalf("unexpected guard %+v", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by unlock")
	}
}

func TestZK_ExpiredLeaseIsReaped(t *testing.T) {
	a, b, _ := newZKPair(t)
	ctx := context.Background()

	// a never unlocks within its ttl
	ga, err := a.Lock(ctx, "ddl", Options{TTL: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	start := time.Now()
	gb, err := b.Lock(ctx, "ddl", Options{TTL: 10 * time.Second, Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("Lock after expiry failed: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("lock granted before the previous lease expired")
	}

	if err := a.Unlock(ctx, ga); !errors.Is(err, metaerrors.ErrLockExpired) {
		t.Fatalf("expected ErrLockExpired for the lapsed holder, got %v", err)
	}
	if err := b.Unlock(ctx, gb); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}

func TestZK_Timeout(t *testing.T) {
	a, b, srv := newZKPair(t)
	ctx := context.Background()

	if _, err := a.Lock(ctx, "ddl", Options{TTL: time.Minute}); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	before := srv.Len()

	_, err := b.Lock(ctx, "ddl", Options{TTL: time.Minute, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, metaerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if metaerrors.KindOf(err) != metaerrors.KindContention {
		t.Fatalf("unexpected kind %v", metaerrors.KindOf(err))
	}
	if srv.Len() != before {
		t.Fatalf("timed out waiter left its queue node behind: %d nodes, want %d", srv.Len(), before)
	}
}

func TestZK_HolderSessionExpiry(t *testing.T) {
	srv := zktest.NewServer()
	connA := srv.Connect()
	a := NewZK(connA, ZKConfig{Root: "/metasrv"})
	b := NewZK(srv.Connect(), ZKConfig{Root: "/metasrv"})
	ctx := context.Background()

	if _, err := a.Lock(ctx, "ddl", Options{TTL: time.Minute}); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := b.Lock(ctx, "ddl", Options{Timeout: 3 * time.Second})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	connA.Expire()

	if err := <-done; err != nil {
		t.Fatalf("Lock after holder session expiry failed: %v", err)
	}
}

func TestZK_Extend(t *testing.T) {
	a, b, _ := newZKPair(t)
	ctx := context.Background()

	g, err := a.Lock(ctx, "ddl", Options{TTL: 100 * time.Millisecond})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if err := a.Extend(ctx, g, 10*time.Second); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if time.Until(g.ExpireAt) < 5*time.Second {
		t.Fatalf("guard expiry not pushed: %v", g.ExpireAt)
	}

	time.Sleep(150 * time.Millisecond)
	if _, err := b.Lock(ctx, "ddl", Options{Timeout: 50 * time.Millisecond}); !errors.Is(err, metaerrors.ErrLockTimeout) {
		t.Fatalf("extended lock was taken over: %v", err)
	}
	if err := a.Unlock(ctx, g); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := a.Extend(ctx, g, time.Second); !errors.Is(err, metaerrors.ErrLockExpired) {
		t.Fatalf("expected ErrLockExpired extending a released lock, got %v", err)
	}
}

func TestZK_NamesDoNotContend(t *testing.T) {
	a, b, _ := newZKPair(t)
	ctx := context.Background()

	if _, err := a.Lock(ctx, "table/1", Options{}); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := b.Lock(ctx, "table/2", Options{Timeout: 100 * time.Millisecond}); err != nil {
		t.Fatalf("independent name blocked: %v", err)
	}
}

func TestMemory_TimeoutAndDoubleUnlock(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	g, err := m.Lock(ctx, "ddl", Options{})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := m.Lock(ctx, "ddl", Options{Timeout: 20 * time.Millisecond}); !errors.Is(err, metaerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if err := m.Extend(ctx, g, time.Second); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	if err := m.Unlock(ctx, g); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := m.Unlock(ctx, g); !errors.Is(err, metaerrors.ErrLockExpired) {
		t.Fatalf("expected ErrLockExpired on double unlock, got %v", err)
	}
}

func TestLock_EmptyName(t *testing.T) {
	a, _, _ := newZKPair(t)
	for _, l := range []Locker{a, NewMemory()} {
		if _, err := l.Lock(context.Background(), "", Options{}); !errors.Is(err, metaerrors.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	}
}

func TestGuardsAreBoundToTheirLock(t *testing.T) {
	a, _, srv := newZKPair(t)
	ctx := context.Background()

	g, err := a.Lock(ctx, "ddl", Options{})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	forged := *g
	forged.Name = "other"
	if err := a.Unlock(ctx, &forged); !errors.Is(err, metaerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for a guard of another lock, got %v", err)
	}
	stolen := *g
	stolen.Holder = "someone-else"
	if err := a.Unlock(ctx, &stolen); !errors.Is(err, metaerrors.ErrLockExpired) {
		t.Fatalf("expected ErrLockExpired for a foreign holder, got %v", err)
	}
	if _, ok := srv.Data(g.Key); !ok {
		t.Fatal("lock node removed by a rejected unlock")
	}

	m := NewMemory()
	if err := m.Unlock(ctx, &Guard{Name: "never-locked"}); !errors.Is(err, metaerrors.ErrLockExpired) {
		t.Fatalf("expected ErrLockExpired for an unknown lock, got %v", err)
	}
	if err := a.Unlock(ctx, g); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
}

func TestLock_NilGuard(t *testing.T) {
	a, _, _ := newZKPair(t)
	ctx := context.Background()
	for _, l := range []Locker{a, NewMemory()} {
		if err := l.Unlock(ctx, nil); !errors.Is(err, metaerrors.ErrInvalidArgument) {
			t.Fatalf("Unlock(nil): expected ErrInvalidArgument, got %v", err)
		}
		if err := l.Extend(ctx, nil, time.Second); !errors.Is(err, metaerrors.ErrInvalidArgument) {
			t.Fatalf("Extend(nil): expected ErrInvalidArgument, got %v", err)
		}
	}
}
