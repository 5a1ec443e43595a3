package collective

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Run executes fn once per rank of a fresh in-process mesh, one goroutine
// per rank, and waits for all of them. If any rank returns an error the
// mesh is aborted so that ranks blocked in a collective unwind instead of
// waiting forever on a barrier that can no longer complete.
func Run(world int, fn func(g Group) error) error {
	mesh, err := NewMesh(world)
	if err != nil {
		return err
	}
	var eg errgroup.Group
	for rank := 0; rank < world; rank++ {
		g := mesh.Group(rank)
		eg.Go(func() error {
			if err := fn(g); err != nil {
				mesh.Abort(fmt.Errorf("rank %d: %w", g.Rank(), err))
				return fmt.Errorf("rank %d: %w", g.Rank(), err)
			}
			return nil
		})
	}
	return eg.Wait()
}
