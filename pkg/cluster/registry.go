package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"metasrv/pkg/clock"
	"metasrv/pkg/kv"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/selector"
	"metasrv/pkg/types"
)

// Heartbeat is what a datanode reports every few seconds.
type Heartbeat struct {
	ClusterID   types.ClusterID `json:"cluster_id"`
	NodeID      types.NodeID    `json:"node_id"`
	Addr        string          `json:"addr"`
	RegionCount uint64          `json:"region_count"`
	LoadScore   float64         `json:"load_score"`
}

type LeaseValue struct {
	Addr      string            `json:"addr"`
	Timestamp types.TimestampMs `json:"timestamp_millis"`
}

type StatValue struct {
	Addr        string            `json:"addr"`
	RegionCount uint64            `json:"region_count"`
	LoadScore   float64           `json:"load_score"`
	Timestamp   types.TimestampMs `json:"timestamp_millis"`
}

// Registry keeps heartbeat leases and stats. It is backed by the leader's
// in-memory store, so a new leader starts empty and rebuilds the view from
// the next round of heartbeats.
type Registry struct {
	store kv.Store
	ttl   time.Duration
	clock clock.Clock
}

func NewRegistry(store kv.Store, leaseTTL time.Duration, c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real()
	}
	return &Registry{store: store, ttl: leaseTTL, clock: c}
}

func (r *Registry) LeaseTTL() time.Duration { return r.ttl }

func (r *Registry) HandleHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.NodeID == 0 || hb.Addr == "" {
		return fmt.Errorf("%w: heartbeat needs node id and addr", metaerrors.ErrInvalidArgument)
	}

	now := types.Millis(r.clock.Now())
	lease, err := json.Marshal(LeaseValue{Addr: hb.Addr, Timestamp: now})
	if err != nil {
		return err
	}
	stat, err := json.Marshal(StatValue{
		Addr:        hb.Addr,
		RegionCount: hb.RegionCount,
		LoadScore:   hb.LoadScore,
		Timestamp:   now,
	})
	if err != nil {
		return err
	}

	key := LeaseKey{ClusterID: hb.ClusterID, NodeID: hb.NodeID}
	_, err = r.store.Txn(ctx, kv.NewTxn().Then(
		kv.OpPut(key.Bytes(), lease),
		kv.OpPut(key.StatKey().Bytes(), stat),
	))
	if err != nil {
		return fmt.Errorf("record heartbeat of node %d: %w", hb.NodeID, err)
	}
	return nil
}

// Candidates rebuilds the selector input of one cluster from the stored
// leases and stats. Nodes without a stat report get zero load.
func (r *Registry) Candidates(ctx context.Context, cluster types.ClusterID) ([]selector.Candidate, error) {
	leases, err := r.store.Range(ctx, LeasePrefixOf(cluster))
	if err != nil {
		return nil, fmt.Errorf("range leases: %w", err)
	}

	keys := make([]LeaseKey, 0, len(leases))
	statKeys := make([][]byte, 0, len(leases))
	for _, pair := range leases {
		k, err := ParseLeaseKey(pair.Key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
		statKeys = append(statKeys, k.StatKey().Bytes())
	}

	stats, err := r.store.BatchGet(ctx, statKeys)
	if err != nil {
		return nil, fmt.Errorf("batch get stats: %w", err)
	}
	byNode := make(map[types.NodeID]StatValue, len(stats))
	for _, pair := range stats {
		k, err := ParseStatKey(pair.Key)
		if err != nil {
			return nil, err
		}
		var v StatValue
		if err := json.Unmarshal(pair.Value, &v); err != nil {
			return nil, metaerrors.Unexpectedf("malformed stat value at %s: %v", pair.Key, err)
		}
		byNode[k.NodeID] = v
	}

	out := make([]selector.Candidate, 0, len(leases))
	for i, pair := range leases {
		var lv LeaseValue
		if err := json.Unmarshal(pair.Value, &lv); err != nil {
			return nil, metaerrors.Unexpectedf("malformed lease value at %s: %v", pair.Key, err)
		}
		st := byNode[keys[i].NodeID]
		out = append(out, selector.Candidate{
			NodeID:        keys[i].NodeID,
			Addr:          lv.Addr,
			ActiveRegions: st.RegionCount,
			LoadScore:     st.LoadScore,
			LeaseExpireAt: lv.Timestamp.Time().Add(r.ttl),
		})
	}
	return out, nil
}

// Sweep drops leases, and their stats, that expired more than grace ago.
func (r *Registry) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	pairs, err := r.store.Range(ctx, []byte(LeasePrefix))
	if err != nil {
		return 0, fmt.Errorf("range leases: %w", err)
	}

	cutoff := r.clock.Now().Add(-r.ttl - grace)
	removed := 0
	for _, pair := range pairs {
		k, err := ParseLeaseKey(pair.Key)
		if err != nil {
			slog.Warn("skipping malformed lease key", "error", err)
			continue
		}
		var lv LeaseValue
		if err := json.Unmarshal(pair.Value, &lv); err != nil || !lv.Timestamp.Time().Before(cutoff) {
			continue
		}

		// only drop the lease if no heartbeat refreshed it meanwhile
		resp, err := r.store.Txn(ctx, kv.NewTxn().
			When(kv.ValueEquals(pair.Key, pair.Value)).
			Then(kv.OpDelete(pair.Key), kv.OpDelete(k.StatKey().Bytes())))
		if err != nil {
			return removed, fmt.Errorf("sweep %s: %w", k, err)
		}
		if resp.Succeeded {
			removed++
			slog.Info("swept expired datanode lease", "cluster", k.ClusterID, "node", k.NodeID, "addr", lv.Addr)
		}
	}
	return removed, nil
}
