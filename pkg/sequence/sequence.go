// Package sequence mints unique, strictly increasing identifiers from
// counters persisted in the kv store.
package sequence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"metasrv/pkg/kv"
	"metasrv/pkg/metaerrors"
)

const (
	keyPrefix         = "/seq/"
	defaultMaxRetries = 8
)

type Config struct {
	Start uint64
	Step  uint64
	// Max is the largest value the sequence may hand out.
	Max        uint64
	MaxRetries int
}

func DefaultConfig() Config {
	return Config{
		Start:      1,
		Step:       1,
		Max:        math.MaxUint64,
		MaxRetries: defaultMaxRetries,
	}
}

func (c Config) withDefaults() Config {
	if c.Step == 0 {
		c.Step = 1
	}
	if c.Max == 0 {
		c.Max = math.MaxUint64
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	return c
}

type Sequence struct {
	name  string
	key   []byte
	cfg   Config
	store kv.Store
}

func New(name string, cfg Config, store kv.Store) *Sequence {
	return &Sequence{
		name:  name,
		key:   []byte(keyPrefix + name),
		cfg:   cfg.withDefaults(),
		store: store,
	}
}

func (s *Sequence) Name() string { return s.name }

// Next returns the current counter value and advances the persisted counter
// by Step with a compare-and-swap.
func (s *Sequence) Next(ctx context.Context) (uint64, error) {
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		cur, raw, err := s.load(ctx)
		if err != nil {
			return 0, err
		}

		if cur < s.cfg.Start || cur > s.cfg.Max {
			return 0, s.outOfRange()
		}
		next := cur + s.cfg.Step
		if next < cur {
			return 0, s.outOfRange()
		}

		cmp := kv.KeyAbsent(s.key)
		if raw != nil {
			cmp = kv.ValueEquals(s.key, raw)
		}
		resp, err := s.store.Txn(ctx, kv.NewTxn().When(cmp).Then(kv.OpPut(s.key, encode(next))))
		if err != nil {
			return 0, fmt.Errorf("sequence %s: %w", s.name, err)
		}
		if resp.Succeeded {
			return cur, nil
		}
		slog.Debug("sequence compare-and-swap lost, retrying", "sequence", s.name, "attempt", attempt+1)
	}

	return 0, &metaerrors.ExceededRetryLimitError{Func: "sequence.next(" + s.name + ")", Retries: s.cfg.MaxRetries}
}

// Peek returns the value the next call to Next would try to hand out.
func (s *Sequence) Peek(ctx context.Context) (uint64, error) {
	cur, _, err := s.load(ctx)
	return cur, err
}

func (s *Sequence) load(ctx context.Context) (uint64, []byte, error) {
	pair, ok, err := s.store.Get(ctx, s.key)
	if err != nil {
		return 0, nil, fmt.Errorf("sequence %s: %w", s.name, err)
	}
	if !ok {
		return s.cfg.Start, nil, nil
	}
	cur, err := decode(pair.Value)
	if err != nil {
		return 0, nil, fmt.Errorf("sequence %s: %w", s.name, err)
	}
	return cur, pair.Value, nil
}

func (s *Sequence) outOfRange() error {
	return &metaerrors.SequenceOutOfRangeError{Name: s.name, Start: s.cfg.Start, Step: s.cfg.Step}
}

func encode(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, metaerrors.Unexpectedf("sequence value is %d bytes, expected 8", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Generator hands out values of named sequences that share one config.
type Generator struct {
	store kv.Store
	cfg   Config

	mu        sync.Mutex
	sequences map[string]*Sequence
	overrides map[string]Config
}

func NewGenerator(store kv.Store, cfg Config) *Generator {
	return &Generator{
		store:     store,
		cfg:       cfg.withDefaults(),
		sequences: make(map[string]*Sequence),
		overrides: make(map[string]Config),
	}
}

// Configure sets a per-name config. It must be called before the first Next
// for that name.
func (g *Generator) Configure(name string, cfg Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.sequences[name]; ok {
		return fmt.Errorf("%w: sequence %s already in use", metaerrors.ErrInvalidArgument, name)
	}
	g.overrides[name] = cfg.withDefaults()
	return nil
}

func (g *Generator) Next(ctx context.Context, name string) (uint64, error) {
	if name == "" {
		return 0, errors.Join(metaerrors.ErrInvalidArgument, errors.New("empty sequence name"))
	}
	return g.sequence(name).Next(ctx)
}

func (g *Generator) sequence(name string) *Sequence {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.sequences[name]; ok {
		return s
	}
	cfg, ok := g.overrides[name]
	if !ok {
		cfg = g.cfg
	}
	s := New(name, cfg, g.store)
	g.sequences[name] = s
	return s
}
