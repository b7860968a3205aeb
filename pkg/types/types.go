package types

import "time"

// ClusterID scopes lease and stat keys; one meta server may serve several
// clusters.
type ClusterID uint64

// NodeID identifies a datanode within its cluster.
type NodeID uint64

// TimestampMs is a millisecond-precision unix timestamp, the unit every
// persisted lease uses.
type TimestampMs int64

func Millis(t time.Time) TimestampMs { return TimestampMs(t.UnixMilli()) }

func (ts TimestampMs) Time() time.Time { return time.UnixMilli(int64(ts)) }
