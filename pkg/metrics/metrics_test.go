package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"metasrv/pkg/kv/memory"
	"metasrv/pkg/metaerrors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Heartbeat()
	m.LeaderChanged("leader", true)
	m.ObserveLockWait(time.Now(), nil)
	m.Swept(3)
	m.SequenceAdvanced("table_id")

	s := memory.New()
	if m.InstrumentStore(s) != s {
		t.Fatal("nil metrics must return the store unwrapped")
	}
}

func TestInstrumentStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	s := m.InstrumentStore(memory.New())
	ctx := context.Background()

	if _, _, err := s.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, _, err := s.Get(ctx, []byte("k")); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, _, err := s.Get(ctx, nil); !errors.Is(err, metaerrors.ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}

	if got := testutil.ToFloat64(m.KVOps.WithLabelValues("put", "ok")); got != 1 {
		t.Fatalf("put ok = %v", got)
	}
	if got := testutil.ToFloat64(m.KVOps.WithLabelValues("get", "ok")); got != 1 {
		t.Fatalf("get ok = %v", got)
	}
	if got := testutil.ToFloat64(m.KVOps.WithLabelValues("get", "invalid_argument")); got != 1 {
		t.Fatalf("get invalid_argument = %v", got)
	}
}

func TestLeaderGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.LeaderChanged("leader", true)
	if testutil.ToFloat64(m.IsLeader) != 1 {
		t.Fatal("gauge not raised on leadership")
	}
	m.LeaderChanged("follower", false)
	if testutil.ToFloat64(m.IsLeader) != 0 {
		t.Fatal("gauge not lowered on demotion")
	}
	if got := testutil.ToFloat64(m.ElectionTransitions.WithLabelValues("follower")); got != 1 {
		t.Fatalf("follower transitions = %v", got)
	}
}
