package kv

import "testing"

func TestCompare_Matches(t *testing.T) {
	cases := []struct {
		name   string
		cmp    Compare
		value  []byte
		exists bool
		want   bool
	}{
		{"equal value", ValueEquals([]byte("k"), []byte("v")), []byte("v"), true, true},
		{"equal value mismatch", ValueEquals([]byte("k"), []byte("v")), []byte("w"), true, false},
		{"equal value on absent key", ValueEquals([]byte("k"), []byte("v")), nil, false, false},
		{"equal empty value", ValueEquals([]byte("k"), nil), []byte{}, true, true},
		{"absent on absent", KeyAbsent([]byte("k")), nil, false, true},
		{"absent on present", KeyAbsent([]byte("k")), []byte("v"), true, false},
		{"exists on present", KeyExists([]byte("k")), []byte("v"), true, true},
		{"exists on absent", KeyExists([]byte("k")), nil, false, false},
		{"less", Compare{Key: []byte("k"), Op: CompareLess, Target: []byte("b")}, []byte("a"), true, true},
		{"greater", Compare{Key: []byte("k"), Op: CompareGreater, Target: []byte("b")}, []byte("a"), true, false},
		{"less on absent", Compare{Key: []byte("k"), Op: CompareLess, Target: []byte("b")}, nil, false, false},
	}

	for _, tc := range cases {
		if got := tc.cmp.Matches(tc.value, tc.exists); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestTxn_KeysAndBranch(t *testing.T) {
	txn := NewTxn().
		When(ValueEquals([]byte("a"), []byte("1"))).
		Then(OpPut([]byte("b"), []byte("2")), OpPut([]byte("a"), []byte("3"))).
		Else(OpGet([]byte("c")))

	keys := txn.Keys()
	if len(keys) != 3 || string(keys[0]) != "a" || string(keys[1]) != "b" || string(keys[2]) != "c" {
		t.Fatalf("unexpected keys: %q", keys)
	}

	state := map[string][]byte{"a": []byte("1")}
	lookup := func(k []byte) ([]byte, bool) {
		v, ok := state[string(k)]
		return v, ok
	}

	ok, ops := txn.Branch(lookup)
	if !ok || len(ops) != 2 {
		t.Fatalf("expected success branch, got ok=%v ops=%d", ok, len(ops))
	}

	state["a"] = []byte("0")
	ok, ops = txn.Branch(lookup)
	if ok || len(ops) != 1 || ops[0].Type != OpTypeGet {
		t.Fatalf("expected failure branch, got ok=%v ops=%v", ok, ops)
	}
}

func TestTxn_ValidateRejectsEmptyKey(t *testing.T) {
	if err := NewTxn().Then(OpPut(nil, []byte("x"))).Validate(); err == nil {
		t.Fatal("expected empty key error")
	}
}
