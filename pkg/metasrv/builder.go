package metasrv

import (
	"fmt"

	"metasrv/pkg/clock"
	"metasrv/pkg/cluster"
	"metasrv/pkg/election"
	"metasrv/pkg/kv"
	"metasrv/pkg/kv/memory"
	"metasrv/pkg/lock"
	"metasrv/pkg/metaerrors"
	"metasrv/pkg/metrics"
	"metasrv/pkg/selector"
	"metasrv/pkg/sequence"
)

// Builder assembles a MetaSrv from its parts. Only the kv store is
// mandatory.
type Builder struct {
	opts     Options
	store    kv.Store
	inMemory kv.ResettableStore
	selector selector.Selector
	election election.Election
	locker   lock.Locker
	peers    cluster.Peers
	metrics  *metrics.Metrics
	clock    clock.Clock
}

func NewBuilder() *Builder {
	return &Builder{opts: DefaultOptions()}
}

func (b *Builder) Options(opts Options) *Builder {
	b.opts = opts
	return b
}

func (b *Builder) KVStore(s kv.Store) *Builder {
	b.store = s
	return b
}

// InMemory sets the leader-local store that is wiped on every leadership
// change.
func (b *Builder) InMemory(s kv.ResettableStore) *Builder {
	b.inMemory = s
	return b
}

func (b *Builder) Selector(s selector.Selector) *Builder {
	b.selector = s
	return b
}

func (b *Builder) Election(e election.Election) *Builder {
	b.election = e
	return b
}

func (b *Builder) Lock(l lock.Locker) *Builder {
	b.locker = l
	return b
}

func (b *Builder) Peers(p cluster.Peers) *Builder {
	b.peers = p
	return b
}

func (b *Builder) Metrics(m *metrics.Metrics) *Builder {
	b.metrics = m
	return b
}

func (b *Builder) Clock(c clock.Clock) *Builder {
	b.clock = c
	return b
}

func (b *Builder) Build() (*MetaSrv, error) {
	opts := b.opts.withDefaults()
	if b.store == nil {
		return nil, metaerrors.Configf("kv store is required")
	}

	clk := b.clock
	if clk == nil {
		clk = clock.Real()
	}
	inMemory := b.inMemory
	if inMemory == nil {
		inMemory = memory.New()
	}
	elect := b.election
	if elect == nil {
		elect = election.NewStandalone(opts.ServerAddr)
	}
	sel := b.selector
	if sel == nil {
		var err error
		if sel, err = selector.New(opts.Selector); err != nil {
			return nil, fmt.Errorf("%w: %w", metaerrors.ErrConfig, err)
		}
	}
	peers := b.peers
	if peers == nil {
		peers = cluster.NewStaticPeers(opts.ServerAddr, elect.IsLeader)
	}

	store := b.metrics.InstrumentStore(b.store)
	seqs := sequence.NewGenerator(store, opts.Sequence)
	if err := seqs.Configure(TableIDSequence, sequence.Config{Start: opts.TableIDStart, Step: 1}); err != nil {
		return nil, err
	}

	return &MetaSrv{
		opts:      opts,
		store:     store,
		inMemory:  inMemory,
		selector:  sel,
		election:  elect,
		locker:    b.locker,
		peers:     peers,
		registry:  cluster.NewRegistry(inMemory, opts.LeaseTTL, clk),
		sequences: seqs,
		metrics:   b.metrics,
		clock:     clk,
	}, nil
}
