package collective

import (
	"errors"
	"sync"
	"testing"
)

// TestAllReduceSum checks that every rank receives the element-wise sum.
func TestAllReduceSum(t *testing.T) {
	const world = 4
	var mu sync.Mutex
	results := make([][]float32, world)

	err := Run(world, func(g Group) error {
		x := []float32{float32(g.Rank()), 1}
		out, err := g.AllReduceSum(x)
		if err != nil {
			return err
		}
		mu.Lock()
		results[g.Rank()] = out
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for rank, out := range results {
		if out[0] != 6 || out[1] != 4 { // 0+1+2+3, 1*4
			t.Fatalf("rank %d got %v, want [6 4]", rank, out)
		}
	}
}

// TestAllGatherVariable checks variable-length gather ordering by rank.
func TestAllGatherVariable(t *testing.T) {
	counts := []int{1, 3, 2}
	err := Run(3, func(g Group) error {
		x := make([]float32, counts[g.Rank()])
		for i := range x {
			x[i] = float32(10*g.Rank() + i)
		}
		out, err := g.AllGather(x, counts)
		if err != nil {
			return err
		}
		want := []float32{0, 10, 11, 12, 20, 21}
		if len(out) != len(want) {
			return errors.New("bad gather length")
		}
		for i := range want {
			if out[i] != want[i] {
				t.Errorf("rank %d element %d: got %v want %v", g.Rank(), i, out[i], want[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestAllGatherTokens checks the token-id gather, including an empty batch.
func TestAllGatherTokens(t *testing.T) {
	counts := []int{2, 0, 1}
	batches := [][]int{{5, 6}, {}, {9}}
	err := Run(3, func(g Group) error {
		out, err := g.AllGatherTokens(batches[g.Rank()], counts)
		if err != nil {
			return err
		}
		want := []int{5, 6, 9}
		if len(out) != len(want) {
			t.Errorf("rank %d got %v", g.Rank(), out)
			return nil
		}
		for i := range want {
			if out[i] != want[i] {
				t.Errorf("rank %d got %v want %v", g.Rank(), out, want)
				break
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestAllToAllInvertsGather checks that the all-to-all exactly redistributes
// each rank's per-destination slices: rank d receives, in rank order, what
// every rank addressed to d.
func TestAllToAllInvertsGather(t *testing.T) {
	const world = 3
	// rank r sends one element tagged r*10+d to each destination d.
	err := Run(world, func(g Group) error {
		send := make([]float32, world)
		sendCounts := make([]int, world)
		recvCounts := make([]int, world)
		for d := 0; d < world; d++ {
			send[d] = float32(10*g.Rank() + d)
			sendCounts[d] = 1
			recvCounts[d] = 1
		}
		out, err := g.AllToAll(send, sendCounts, recvCounts)
		if err != nil {
			return err
		}
		for src := 0; src < world; src++ {
			want := float32(10*src + g.Rank())
			if out[src] != want {
				t.Errorf("rank %d slot %d: got %v want %v", g.Rank(), src, out[src], want)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// TestAllToAllSplitMismatch checks that disagreeing split tables poison the
// group with ErrMismatch on every rank.
func TestAllToAllSplitMismatch(t *testing.T) {
	const world = 2
	err := Run(world, func(g Group) error {
		send := []float32{1, 2}
		sendCounts := []int{1, 1}
		recvCounts := []int{1, 1}
		if g.Rank() == 1 {
			recvCounts = []int{2, 0} // disagrees with rank 0's sends
		}
		_, err := g.AllToAll(send, sendCounts, recvCounts)
		return err
	})
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

// TestGatherCountMismatch checks that a rank declaring different counts from
// the rest of the group fails the whole group.
func TestGatherCountMismatch(t *testing.T) {
	err := Run(2, func(g Group) error {
		counts := []int{1, 1}
		if g.Rank() == 1 {
			counts = []int{1, 2}
		}
		x := make([]float32, counts[g.Rank()])
		_, err := g.AllGather(x, counts)
		return err
	})
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
}

// TestAbortUnblocksWaiters checks that a rank failing outside a collective
// releases ranks already blocked on the barrier.
func TestAbortUnblocksWaiters(t *testing.T) {
	boom := errors.New("boom")
	err := Run(2, func(g Group) error {
		if g.Rank() == 1 {
			return boom
		}
		_, err := g.AllReduceSum([]float32{1})
		return err
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, boom) && !errors.Is(err, ErrAborted) {
		t.Fatalf("expected abort to propagate, got %v", err)
	}
}

// TestSequentialRounds runs several collectives back to back to exercise
// round retirement.
func TestSequentialRounds(t *testing.T) {
	const world = 3
	err := Run(world, func(g Group) error {
		for i := 0; i < 5; i++ {
			out, err := g.AllReduceSum([]float32{1})
			if err != nil {
				return err
			}
			if out[0] != world {
				t.Errorf("round %d: got %v", i, out[0])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}
