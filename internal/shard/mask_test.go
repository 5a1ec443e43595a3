package shard

import "testing"

// TestMaskedInputOwnership checks that for every id in the vocabulary,
// exactly one rank marks it valid, and that valid ids map into the rank's
// padded shard width.
func TestMaskedInputOwnership(t *testing.T) {
	const (
		numEmbeddings = 110
		orgVocab      = 100
		padding       = 64
		worldSize     = 2
	)
	all := computeAll(t, numEmbeddings, orgVocab, padding, worldSize)

	ids := make([]int, numEmbeddings)
	for v := range ids {
		ids[v] = v
	}

	validCount := make([]int, numEmbeddings)
	for rank, idx := range all {
		local, invalid := MaskedInput(ids, idx)
		for i, v := range ids {
			if invalid[i] {
				if local[i] != 0 {
					t.Fatalf("rank %d id %d: invalid id must clamp to 0, got %d", rank, v, local[i])
				}
				continue
			}
			validCount[v]++
			if local[i] < 0 || local[i] >= idx.NumElementsPadded {
				t.Fatalf("rank %d id %d: local id %d outside shard width %d",
					rank, v, local[i], idx.NumElementsPadded)
			}
		}
	}
	for v, n := range validCount {
		if n != 1 {
			t.Fatalf("id %d valid on %d ranks, want exactly 1", v, n)
		}
	}
}

// TestMaskedInputLocalLayout pins the local slot arithmetic: original ids
// start at 0 and added ids land after the original slots and the padding gap.
func TestMaskedInputLocalLayout(t *testing.T) {
	all := computeAll(t, 110, 100, 64, 2)
	r1 := all[1] // org [96,100), 28 padding slots, added [100,110)

	local, invalid := MaskedInput([]int{96, 99, 100, 109, 0, 95}, r1)
	want := []int{0, 3, 32, 41, 0, 0}
	wantInvalid := []bool{false, false, false, false, true, true}
	for i := range local {
		if local[i] != want[i] || invalid[i] != wantInvalid[i] {
			t.Fatalf("element %d: got (%d, %v), want (%d, %v)",
				i, local[i], invalid[i], want[i], wantInvalid[i])
		}
	}
}

// TestMaskedInputNoAddedSlots exercises the fast path taken when the rank
// owns no added-vocabulary slots.
func TestMaskedInputNoAddedSlots(t *testing.T) {
	all := computeAll(t, 110, 100, 64, 2)
	r0 := all[0] // org [0,96), no added slots

	local, invalid := MaskedInput([]int{0, 95, 96, 105}, r0)
	if invalid[0] || invalid[1] {
		t.Fatalf("ids inside the original range must be valid")
	}
	if local[0] != 0 || local[1] != 95 {
		t.Fatalf("unexpected local ids %v", local[:2])
	}
	if !invalid[2] || !invalid[3] {
		t.Fatalf("ids outside the shard must be invalid")
	}
}

// TestMaskedInputEmpty exercises a zero-length batch.
func TestMaskedInputEmpty(t *testing.T) {
	all := computeAll(t, 110, 100, 64, 2)
	local, invalid := MaskedInput(nil, all[0])
	if len(local) != 0 || len(invalid) != 0 {
		t.Fatalf("expected empty outputs, got %v %v", local, invalid)
	}
}
