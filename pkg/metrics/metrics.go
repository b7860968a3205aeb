// Package metrics holds the prometheus collectors of the meta server. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"metasrv/pkg/kv"
	"metasrv/pkg/metaerrors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "metasrv"

const (
	OpLabel     = "op"
	ResultLabel = "result"
	StateLabel  = "state"
)

type Metrics struct {
	KVOps               *prometheus.CounterVec
	KVLatency           *prometheus.HistogramVec
	ElectionTransitions *prometheus.CounterVec
	IsLeader            prometheus.Gauge
	LockWait            *prometheus.HistogramVec
	Heartbeats          prometheus.Counter
	SweptLeases         prometheus.Counter
	SequenceNext        *prometheus.CounterVec
}

// New builds the collectors and registers them with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		KVOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "ops_total",
			Help:      "KV store operations by op and result kind.",
		}, []string{OpLabel, ResultLabel}),
		KVLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "kv",
			Name:      "op_duration_seconds",
			Help:      "Latency of KV store operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{OpLabel}),
		ElectionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "transitions_total",
			Help:      "Leader election state transitions observed by this node.",
		}, []string{StateLabel}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "1 while this node is the leader.",
		}),
		LockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent acquiring distributed locks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{ResultLabel}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "heartbeats_total",
			Help:      "Datanode heartbeats accepted by the leader.",
		}),
		SweptLeases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "swept_leases_total",
			Help:      "Expired datanode leases removed by the sweeper.",
		}),
		SequenceNext: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sequence",
			Name:      "next_total",
			Help:      "Values handed out per sequence.",
		}, []string{"sequence"}),
	}

	if reg != nil {
		reg.MustRegister(m.KVOps, m.KVLatency, m.ElectionTransitions, m.IsLeader,
			m.LockWait, m.Heartbeats, m.SweptLeases, m.SequenceNext)
	}
	return m
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return metaerrors.KindOf(err).String()
}

func (m *Metrics) ObserveKV(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.KVOps.With(prometheus.Labels{OpLabel: op, ResultLabel: result(err)}).Inc()
	m.KVLatency.With(prometheus.Labels{OpLabel: op}).Observe(time.Since(start).Seconds())
}

func (m *Metrics) LeaderChanged(state string, leader bool) {
	if m == nil {
		return
	}
	m.ElectionTransitions.With(prometheus.Labels{StateLabel: state}).Inc()
	if leader {
		m.IsLeader.Set(1)
	} else {
		m.IsLeader.Set(0)
	}
}

func (m *Metrics) ObserveLockWait(start time.Time, err error) {
	if m == nil {
		return
	}
	m.LockWait.With(prometheus.Labels{ResultLabel: result(err)}).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Heartbeat() {
	if m == nil {
		return
	}
	m.Heartbeats.Inc()
}

func (m *Metrics) Swept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SweptLeases.Add(float64(n))
}

func (m *Metrics) SequenceAdvanced(name string) {
	if m == nil {
		return
	}
	m.SequenceNext.With(prometheus.Labels{"sequence": name}).Inc()
}

// InstrumentStore counts and times every operation of s.
func (m *Metrics) InstrumentStore(s kv.Store) kv.Store {
	if m == nil {
		return s
	}
	return &instrumented{Store: s, m: m}
}

type instrumented struct {
	kv.Store
	m *Metrics
}

func (i *instrumented) Get(ctx context.Context, key []byte) (kv.KeyValue, bool, error) {
	start := time.Now()
	pair, ok, err := i.Store.Get(ctx, key)
	i.m.ObserveKV("get", start, err)
	return pair, ok, err
}

func (i *instrumented) Range(ctx context.Context, prefix []byte) ([]kv.KeyValue, error) {
	start := time.Now()
	pairs, err := i.Store.Range(ctx, prefix)
	i.m.ObserveKV("range", start, err)
	return pairs, err
}

func (i *instrumented) BatchGet(ctx context.Context, keys [][]byte) ([]kv.KeyValue, error) {
	start := time.Now()
	pairs, err := i.Store.BatchGet(ctx, keys)
	i.m.ObserveKV("batch_get", start, err)
	return pairs, err
}

func (i *instrumented) Put(ctx context.Context, key, value []byte) (kv.KeyValue, bool, error) {
	start := time.Now()
	prev, ok, err := i.Store.Put(ctx, key, value)
	i.m.ObserveKV("put", start, err)
	return prev, ok, err
}

func (i *instrumented) Delete(ctx context.Context, key []byte) (bool, error) {
	start := time.Now()
	ok, err := i.Store.Delete(ctx, key)
	i.m.ObserveKV("delete", start, err)
	return ok, err
}

func (i *instrumented) Txn(ctx context.Context, txn *kv.Txn) (kv.TxnResponse, error) {
	start := time.Now()
	resp, err := i.Store.Txn(ctx, txn)
	i.m.ObserveKV("txn", start, err)
	return resp, err
}
