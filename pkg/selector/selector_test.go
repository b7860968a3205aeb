package selector

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"metasrv/pkg/metaerrors"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ids(cands []Candidate) []uint64 {
	out := make([]uint64, 0, len(cands))
	for _, c := range cands {
		out = append(out, uint64(c.NodeID))
	}
	return out
}

func TestLoadBased_SkipsExpiredAndOrdersByLoad(t *testing.T) {
	cands := []Candidate{
		{NodeID: 1, Addr: "A", LoadScore: 5, LeaseExpireAt: now.Add(time.Minute)},
		{NodeID: 2, Addr: "B", LoadScore: 2, LeaseExpireAt: now.Add(time.Minute)},
		{NodeID: 3, Addr: "C", LoadScore: 2, LeaseExpireAt: now.Add(-time.Second)},
	}

	got := LoadBasedSelector{}.Select(Requirement{Now: now}, cands)
	if want := []uint64{2, 1}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
}

func TestLoadBased_TieBreaks(t *testing.T) {
	exp := now.Add(time.Minute)
	cands := []Candidate{
		{NodeID: 9, LoadScore: 1, ActiveRegions: 4, LeaseExpireAt: exp},
		{NodeID: 7, LoadScore: 1, ActiveRegions: 2, LeaseExpireAt: exp},
		{NodeID: 3, LoadScore: 1, ActiveRegions: 2, LeaseExpireAt: exp},
	}

	got := LoadBasedSelector{}.Select(Requirement{Now: now}, cands)
	if want := []uint64{3, 7, 9}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
}

func TestLeaseBased_Order(t *testing.T) {
	cands := []Candidate{
		{NodeID: 1, LeaseExpireAt: now.Add(10 * time.Second)},
		{NodeID: 2, LeaseExpireAt: now.Add(30 * time.Second)},
		{NodeID: 3, LeaseExpireAt: now},
		{NodeID: 4, LeaseExpireAt: now.Add(30 * time.Second)},
	}

	got := LeaseBasedSelector{}.Select(Requirement{Now: now}, cands)
	if want := []uint64{2, 4, 1}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("expected %v, got %v", want, ids(got))
	}
}

func TestSelect_Deterministic(t *testing.T) {
	exp := now.Add(time.Minute)
	cands := []Candidate{
		{NodeID: 5, LoadScore: 0.5, LeaseExpireAt: exp},
		{NodeID: 1, LoadScore: 0.5, LeaseExpireAt: exp},
		{NodeID: 4, LoadScore: 0.1, LeaseExpireAt: exp},
		{NodeID: 2, LoadScore: 0.9, LeaseExpireAt: exp},
	}

	for _, sel := range []Selector{LeaseBasedSelector{}, LoadBasedSelector{}} {
		first := ids(sel.Select(Requirement{Now: now}, cands))
		for i := 0; i < 20; i++ {
			// reversed input must not change the result
			rev := make([]Candidate, len(cands))
			for j := range cands {
				rev[j] = cands[len(cands)-1-j]
			}
			if got := ids(sel.Select(Requirement{Now: now}, rev)); !reflect.DeepEqual(got, first) {
				t.Fatalf("%T not deterministic: %v vs %v", sel, got, first)
			}
		}
	}
}

func TestSelect_DoesNotMutateInput(t *testing.T) {
	cands := []Candidate{
		{NodeID: 2, LoadScore: 3, LeaseExpireAt: now.Add(time.Minute)},
		{NodeID: 1, LoadScore: 1, LeaseExpireAt: now.Add(time.Minute)},
	}
	LoadBasedSelector{}.Select(Requirement{Now: now}, cands)
	if cands[0].NodeID != 2 {
		t.Fatal("Select reordered the caller's slice")
	}
}

func TestPick(t *testing.T) {
	cands := []Candidate{
		{NodeID: 1, LoadScore: 5, LeaseExpireAt: now.Add(time.Minute)},
		{NodeID: 2, LoadScore: 2, LeaseExpireAt: now.Add(time.Minute)},
		{NodeID: 3, LoadScore: 2, LeaseExpireAt: now.Add(-time.Second)},
	}

	got, err := Pick(LoadBasedSelector{}, Requirement{Now: now}, cands, 1)
	if err != nil {
		t.Fatalf("Pick failed: %v", err)
	}
	if len(got) != 1 || got[0].NodeID != 2 {
		t.Fatalf("unexpected pick %v", ids(got))
	}

	_, err = Pick(LoadBasedSelector{}, Requirement{Now: now}, cands, 3)
	var notEnough *metaerrors.NotEnoughCandidatesError
	if !errors.As(err, &notEnough) {
		t.Fatalf("expected NotEnoughCandidatesError, got %v", err)
	}
	if notEnough.Expected != 3 || notEnough.Available != 2 {
		t.Fatalf("unexpected error fields %+v", notEnough)
	}
}

func TestParseType(t *testing.T) {
	cases := map[string]Type{
		"lease-based": LeaseBased,
		"Load-Based":  LoadBased,
		" load-based": LoadBased,
	}
	for in, want := range cases {
		got, err := ParseType(in)
		if err != nil || got != want {
			t.Fatalf("ParseType(%q) = %q, %v", in, got, err)
		}
	}

	_, err := ParseType("round-robin")
	if !errors.Is(err, metaerrors.ErrUnsupportedSelector) {
		t.Fatalf("expected ErrUnsupportedSelector, got %v", err)
	}
	if metaerrors.KindOf(err) != metaerrors.KindConfig {
		t.Fatalf("unsupported selector must be a config error, got %v", metaerrors.KindOf(err))
	}
	if _, err := New("round-robin"); !errors.Is(err, metaerrors.ErrUnsupportedSelector) {
		t.Fatalf("expected ErrUnsupportedSelector from New, got %v", err)
	}
}
