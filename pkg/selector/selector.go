// Package selector ranks datanodes for region placement.
package selector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"metasrv/pkg/metaerrors"
	"metasrv/pkg/types"
)

type Type string

const (
	LeaseBased Type = "lease-based"
	LoadBased  Type = "load-based"
)

// Candidate is one datanode as seen by the leader's heartbeat bookkeeping.
type Candidate struct {
	NodeID        types.NodeID `json:"node_id"`
	Addr          string       `json:"addr"`
	ActiveRegions uint64       `json:"active_regions"`
	LoadScore     float64      `json:"load_score"`
	LeaseExpireAt time.Time    `json:"lease_expire_at"`
}

// Requirement carries the evaluation instant so that selection is a pure
// function of its inputs.
type Requirement struct {
	Now time.Time
}

// Selector orders candidates, best first. Implementations must not keep
// state between calls: the same snapshot always yields the same order.
type Selector interface {
	Select(req Requirement, candidates []Candidate) []Candidate
}

func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case LeaseBased:
		return LeaseBased, nil
	case LoadBased:
		return LoadBased, nil
	default:
		return "", fmt.Errorf("%w: %q", metaerrors.ErrUnsupportedSelector, s)
	}
}

func New(t Type) (Selector, error) {
	switch t {
	case LeaseBased:
		return LeaseBasedSelector{}, nil
	case LoadBased:
		return LoadBasedSelector{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", metaerrors.ErrUnsupportedSelector, t)
	}
}

// alive copies the candidates whose lease outlives now.
func alive(now time.Time, candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.LeaseExpireAt.After(now) {
			out = append(out, c)
		}
	}
	return out
}

// LeaseBasedSelector prefers nodes whose lease was renewed most recently.
type LeaseBasedSelector struct{}

func (LeaseBasedSelector) Select(req Requirement, candidates []Candidate) []Candidate {
	out := alive(req.Now, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LeaseExpireAt.Equal(out[j].LeaseExpireAt) {
			return out[i].LeaseExpireAt.After(out[j].LeaseExpireAt)
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// LoadBasedSelector prefers the least loaded nodes.
type LoadBasedSelector struct{}

func (LoadBasedSelector) Select(req Requirement, candidates []Candidate) []Candidate {
	out := alive(req.Now, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LoadScore != b.LoadScore {
			return a.LoadScore < b.LoadScore
		}
		if a.ActiveRegions != b.ActiveRegions {
			return a.ActiveRegions < b.ActiveRegions
		}
		return a.NodeID < b.NodeID
	})
	return out
}

// Pick returns the n best candidates, or a NotEnoughCandidatesError when
// fewer than n qualify.
func Pick(sel Selector, req Requirement, candidates []Candidate, n int) ([]Candidate, error) {
	ranked := sel.Select(req, candidates)
	if n <= 0 {
		return ranked, nil
	}
	if len(ranked) < n {
		return nil, &metaerrors.NotEnoughCandidatesError{Expected: n, Available: len(ranked)}
	}
	return ranked[:n], nil
}
