package materializer

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/directory"
)

// SourcePolicy picks the member a replica syncs from.
type SourcePolicy interface {
	Source(d *directory.Directory) (directory.Member, error)
	Name() string
}

type fixedSource api.NodeID

// Fixed always syncs from id.
func Fixed(id api.NodeID) SourcePolicy { return fixedSource(id) }

func (f fixedSource) Source(d *directory.Directory) (directory.Member, error) {
	return d.Lookup(api.NodeID(f))
}

func (f fixedSource) Name() string { return fmt.Sprintf("fixed(%d)", f) }

type quorumHighest struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// QuorumHighest samples a majority of members and syncs from the one
// reporting the highest decided index.
func QuorumHighest(src rand.Source) SourcePolicy {
	return &quorumHighest{rnd: rand.New(src)}
}

func (q *quorumHighest) Source(d *directory.Directory) (directory.Member, error) {
	ids := d.IDs()
	if len(ids) == 0 {
		return directory.Member{}, fmt.Errorf("%w: no members", api.ErrUnavailable)
	}

	q.mu.Lock()
	q.rnd.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	q.mu.Unlock()

	var (
		best    directory.Member
		bestIdx uint64
		found   bool
	)
	for _, id := range ids[:len(ids)/2+1] {
		m, err := d.Lookup(id)
		if err != nil {
			continue
		}
		if idx := m.Handle.DecidedIdx(); !found || idx > bestIdx {
			best, bestIdx, found = m, idx, true
		}
	}
	if !found {
		return directory.Member{}, fmt.Errorf("%w: no member in quorum sample", api.ErrUnavailable)
	}
	return best, nil
}

func (q *quorumHighest) Name() string { return "quorum-highest" }

type randomSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// Random syncs from a random member. A replica using it may miss a write
// that already returned, so it only suits replicas that tolerate stale reads.
func Random(src rand.Source) SourcePolicy {
	return &randomSource{rnd: rand.New(src)}
}

func (r *randomSource) Source(d *directory.Directory) (directory.Member, error) {
	ids := d.IDs()
	if len(ids) == 0 {
		return directory.Member{}, fmt.Errorf("%w: no members", api.ErrUnavailable)
	}
	r.mu.Lock()
	id := ids[r.rnd.IntN(len(ids))]
	r.mu.Unlock()
	return d.Lookup(id)
}

func (r *randomSource) Name() string { return "random" }

// ParsePolicy builds a source policy from its configured name.
func ParsePolicy(name string, node api.NodeID, src rand.Source) (SourcePolicy, error) {
	switch name {
	case "", "quorum-highest":
		return QuorumHighest(src), nil
	case "fixed":
		return Fixed(node), nil
	case "random":
		return Random(src), nil
	default:
		return nil, fmt.Errorf("unknown read source policy %q", name)
	}
}
