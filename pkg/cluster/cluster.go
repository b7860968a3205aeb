// Package cluster tracks the two populations the meta server cares about:
// datanodes, through heartbeat leases and stats kept in the leader's
// in-memory store, and meta server peers, through ZooKeeper registration.
package cluster

import "context"

// PeerInfo describes one meta server instance.
type PeerInfo struct {
	Addr   string `json:"addr"`
	Leader bool   `json:"leader"`
}

// Peers provides a view of the meta server instances.
type Peers interface {
	// Register announces the local instance.
	Register(ctx context.Context) error
	// Run keeps the view fresh until ctx is done.
	Run(ctx context.Context)
	Peers() []PeerInfo
	Close() error
}
