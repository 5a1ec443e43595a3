// Package collective defines the communication-group contract used to
// stitch per-rank partial results into globally correct tensors, plus an
// in-process implementation for tests, simulation and single-node use.
//
// Every collective is a group-wide barrier: all members must invoke the
// matching call with consistent shapes and split sizes. A disagreement is
// fatal for the whole group; once a group has failed, every subsequent and
// in-flight call returns the failure.
package collective

import "errors"

var (
	// ErrMismatch reports a shape or split-size disagreement between group
	// members during a collective.
	ErrMismatch = errors.New("collective split mismatch")

	// ErrAborted reports that another member of the group failed before or
	// during a collective, leaving the group in an unusable state.
	ErrAborted = errors.New("collective group aborted")
)

// Group is one member's handle on a fixed-size communication group.
//
// Calls block until every member of the group has entered the matching
// collective. Implementations are not safe for concurrent use by multiple
// goroutines sharing one rank handle.
type Group interface {
	// WorldSize returns the number of members in the group.
	WorldSize() int

	// Rank returns this member's position in the group, in [0, WorldSize()).
	Rank() int

	// AllReduceSum sums x element-wise across all members and returns the
	// combined result to every member. All members must pass equal lengths.
	AllReduceSum(x []float32) ([]float32, error)

	// AllGather concatenates each member's x in rank order and returns the
	// combined slice to every member. counts declares the element count
	// contributed by each rank and must be identical on every member;
	// len(x) must equal counts[Rank()].
	AllGather(x []float32, counts []int) ([]float32, error)

	// AllGatherTokens is AllGather for token id slices.
	AllGatherTokens(ids []int, counts []int) ([]int, error)

	// AllToAll sends sendCounts[d] elements of x to each member d and
	// returns the concatenation, in rank order, of what every member sent
	// here. recvCounts[r] must equal member r's sendCounts for this rank;
	// len(x) must equal the sum of sendCounts.
	AllToAll(x []float32, sendCounts, recvCounts []int) ([]float32, error)
}
