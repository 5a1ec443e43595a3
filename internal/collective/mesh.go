package collective

import (
	"fmt"
	"sync"
)

// Mesh is an in-process communication group. Each rank runs on its own
// goroutine and holds a Group handle obtained from Group; collectives
// rendezvous through the mesh and complete once all ranks have arrived.
//
// The first shape or split disagreement poisons the mesh: the offending
// call and every later call on any rank return the error.
type Mesh struct {
	world int

	mu   sync.Mutex
	cond *sync.Cond
	cur  *round
	err  error
}

type opKind int

const (
	opAllReduce opKind = iota
	opAllGather
	opAllGatherTokens
	opAllToAll
)

func (k opKind) String() string {
	switch k {
	case opAllReduce:
		return "all-reduce"
	case opAllGather:
		return "all-gather"
	case opAllGatherTokens:
		return "all-gather-tokens"
	case opAllToAll:
		return "all-to-all"
	}
	return "unknown"
}

// round holds one in-flight collective. A new round starts when the first
// rank arrives and is retired once every rank has taken its result.
type round struct {
	op       opKind
	arrived  int
	departed int
	done     bool

	counts     []int // declared per-rank counts for gathers
	sendCounts [][]int
	recvCounts [][]int

	fparts [][]float32
	iparts [][]int

	fresult []float32
	iresult []int
	a2a     [][]float32
}

// NewMesh creates an in-process group of the given size.
func NewMesh(world int) (*Mesh, error) {
	if world < 1 {
		return nil, fmt.Errorf("%w: world size %d", ErrMismatch, world)
	}
	m := &Mesh{world: world}
	m.cond = sync.NewCond(&m.mu)
	return m, nil
}

// Group returns the handle for one rank of the mesh.
func (m *Mesh) Group(rank int) Group {
	if rank < 0 || rank >= m.world {
		panic(fmt.Sprintf("rank %d outside mesh of %d", rank, m.world))
	}
	return &meshGroup{mesh: m, rank: rank}
}

// Abort poisons the mesh, waking every rank blocked in a collective.
// It is used when one rank fails outside a collective, since the group can
// never complete another barrier after that.
func (m *Mesh) Abort(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err == nil {
		m.err = fmt.Errorf("%w: %v", ErrAborted, cause)
		m.cond.Broadcast()
	}
}

// fail poisons the mesh with a mismatch error. Caller holds m.mu.
func (m *Mesh) fail(format string, args ...any) error {
	if m.err == nil {
		m.err = fmt.Errorf("%w: %s", ErrMismatch, fmt.Sprintf(format, args...))
		m.cond.Broadcast()
	}
	return m.err
}

// enter joins (or starts) the current round for the given op. It returns
// with m.mu held and the round joined, or an error if the mesh failed.
func (m *Mesh) enter(op opKind, rank int) (*round, error) {
	// Wait out a finished round that other ranks are still draining.
	for m.err == nil && m.cur != nil && m.cur.done {
		m.cond.Wait()
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.cur == nil {
		m.cur = &round{
			op:         op,
			sendCounts: make([][]int, m.world),
			recvCounts: make([][]int, m.world),
			fparts:     make([][]float32, m.world),
			iparts:     make([][]int, m.world),
		}
	}
	r := m.cur
	if r.op != op {
		return nil, m.fail("rank %d entered %s while group runs %s", rank, op, r.op)
	}
	if r.fparts[rank] != nil || r.iparts[rank] != nil {
		return nil, m.fail("rank %d entered %s twice", rank, op)
	}
	return r, nil
}

// finish waits for the round to complete, retires it once every rank has
// departed, and returns the mesh error if any. Caller holds m.mu.
func (m *Mesh) finish(r *round) error {
	r.arrived++
	if r.arrived == m.world {
		if err := m.compute(r); err != nil {
			return err
		}
		r.done = true
		m.cond.Broadcast()
	} else {
		for !r.done && m.err == nil {
			m.cond.Wait()
		}
		if m.err != nil {
			return m.err
		}
	}
	r.departed++
	if r.departed == m.world {
		m.cur = nil
		m.cond.Broadcast()
	}
	return nil
}

// compute materialises the round's result once all ranks have arrived.
// Caller holds m.mu.
func (m *Mesh) compute(r *round) error {
	switch r.op {
	case opAllReduce:
		n := len(r.fparts[0])
		r.fresult = make([]float32, n)
		for _, part := range r.fparts {
			for i, v := range part {
				r.fresult[i] += v
			}
		}
	case opAllGather:
		total := 0
		for _, c := range r.counts {
			total += c
		}
		r.fresult = make([]float32, 0, total)
		for _, part := range r.fparts {
			r.fresult = append(r.fresult, part...)
		}
	case opAllGatherTokens:
		total := 0
		for _, c := range r.counts {
			total += c
		}
		r.iresult = make([]int, 0, total)
		for _, part := range r.iparts {
			r.iresult = append(r.iresult, part...)
		}
	case opAllToAll:
		// Every pair of ranks must agree on the transfer size before any
		// data moves; a disagreement here means the group state diverged.
		for src := 0; src < m.world; src++ {
			for dst := 0; dst < m.world; dst++ {
				if r.sendCounts[src][dst] != r.recvCounts[dst][src] {
					return m.fail("rank %d sends %d elements to rank %d which expects %d",
						src, r.sendCounts[src][dst], dst, r.recvCounts[dst][src])
				}
			}
		}
		r.a2a = make([][]float32, m.world)
		for dst := 0; dst < m.world; dst++ {
			n := 0
			for src := 0; src < m.world; src++ {
				n += r.sendCounts[src][dst]
			}
			out := make([]float32, 0, n)
			for src := 0; src < m.world; src++ {
				off := 0
				for d := 0; d < dst; d++ {
					off += r.sendCounts[src][d]
				}
				out = append(out, r.fparts[src][off:off+r.sendCounts[src][dst]]...)
			}
			r.a2a[dst] = out
		}
	}
	return nil
}

type meshGroup struct {
	mesh *Mesh
	rank int
}

func (g *meshGroup) WorldSize() int { return g.mesh.world }
func (g *meshGroup) Rank() int      { return g.rank }

func (g *meshGroup) AllReduceSum(x []float32) ([]float32, error) {
	m := g.mesh
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.enter(opAllReduce, g.rank)
	if err != nil {
		return nil, err
	}
	if r.arrived > 0 && len(r.fparts[firstArrived(r.fparts)]) != len(x) {
		return nil, m.fail("rank %d all-reduce length %d disagrees with group", g.rank, len(x))
	}
	if x == nil {
		x = []float32{}
	}
	r.fparts[g.rank] = x
	if err := m.finish(r); err != nil {
		return nil, err
	}
	out := make([]float32, len(r.fresult))
	copy(out, r.fresult)
	return out, nil
}

func (g *meshGroup) AllGather(x []float32, counts []int) ([]float32, error) {
	m := g.mesh
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.enter(opAllGather, g.rank)
	if err != nil {
		return nil, err
	}
	if err := m.checkCounts(r, g.rank, counts, len(x)); err != nil {
		return nil, err
	}
	if x == nil {
		x = []float32{}
	}
	r.fparts[g.rank] = x
	if err := m.finish(r); err != nil {
		return nil, err
	}
	out := make([]float32, len(r.fresult))
	copy(out, r.fresult)
	return out, nil
}

func (g *meshGroup) AllGatherTokens(ids []int, counts []int) ([]int, error) {
	m := g.mesh
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.enter(opAllGatherTokens, g.rank)
	if err != nil {
		return nil, err
	}
	if err := m.checkCounts(r, g.rank, counts, len(ids)); err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int{}
	}
	r.iparts[g.rank] = ids
	if err := m.finish(r); err != nil {
		return nil, err
	}
	out := make([]int, len(r.iresult))
	copy(out, r.iresult)
	return out, nil
}

func (g *meshGroup) AllToAll(x []float32, sendCounts, recvCounts []int) ([]float32, error) {
	m := g.mesh
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.enter(opAllToAll, g.rank)
	if err != nil {
		return nil, err
	}
	if len(sendCounts) != m.world || len(recvCounts) != m.world {
		return nil, m.fail("rank %d all-to-all split table size %d/%d, want %d",
			g.rank, len(sendCounts), len(recvCounts), m.world)
	}
	total := 0
	for _, c := range sendCounts {
		total += c
	}
	if total != len(x) {
		return nil, m.fail("rank %d all-to-all sends %d elements but splits sum to %d",
			g.rank, len(x), total)
	}
	if x == nil {
		x = []float32{}
	}
	r.fparts[g.rank] = x
	r.sendCounts[g.rank] = sendCounts
	r.recvCounts[g.rank] = recvCounts
	if err := m.finish(r); err != nil {
		return nil, err
	}
	return r.a2a[g.rank], nil
}

// checkCounts validates a gather's declared per-rank counts against the
// round and the caller's own payload. Caller holds m.mu.
func (m *Mesh) checkCounts(r *round, rank int, counts []int, have int) error {
	if len(counts) != m.world {
		return m.fail("rank %d gather declares %d counts, want %d", rank, len(counts), m.world)
	}
	if counts[rank] != have {
		return m.fail("rank %d gather payload %d disagrees with declared count %d",
			rank, have, counts[rank])
	}
	if r.counts == nil {
		r.counts = counts
		return nil
	}
	for i, c := range counts {
		if r.counts[i] != c {
			return m.fail("rank %d gather count for rank %d is %d, group declared %d",
				rank, i, c, r.counts[i])
		}
	}
	return nil
}

// firstArrived returns the index of the first non-nil part.
func firstArrived(parts [][]float32) int {
	for i, p := range parts {
		if p != nil {
			return i
		}
	}
	return 0
}
