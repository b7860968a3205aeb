package metasrv

import (
	"time"

	"metasrv/pkg/selector"
	"metasrv/pkg/sequence"
)

const (
	TableIDSequence     = "table_id"
	defaultTableIDStart = 1024
)

// Options is captured once at startup and never mutated afterwards.
type Options struct {
	BindAddr string
	// ServerAddr is the address advertised to peers and clients.
	ServerAddr     string
	StoreAddrs     []string
	UseMemoryStore bool
	Selector       selector.Type

	// LeaseTTL is how long a datanode heartbeat keeps the node selectable.
	LeaseTTL time.Duration
	// SweepInterval is how often the leader drops long-expired leases.
	SweepInterval time.Duration

	Sequence     sequence.Config
	TableIDStart uint64
}

func DefaultOptions() Options {
	return Options{
		BindAddr:       "127.0.0.1:3002",
		ServerAddr:     "127.0.0.1:3002",
		StoreAddrs:     []string{"127.0.0.1:2181"},
		UseMemoryStore: false,
		Selector:       selector.LeaseBased,
		LeaseTTL:       15 * time.Second,
		SweepInterval:  30 * time.Second,
		Sequence:       sequence.DefaultConfig(),
		TableIDStart:   defaultTableIDStart,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ServerAddr == "" {
		o.ServerAddr = o.BindAddr
	}
	if o.Selector == "" {
		o.Selector = d.Selector
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = d.LeaseTTL
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = d.SweepInterval
	}
	if o.TableIDStart == 0 {
		o.TableIDStart = d.TableIDStart
	}
	return o
}
