package directory

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/shrtyk/replikv/api"
)

// Router chooses the member a request is sent to.
type Router interface {
	Pick(d *Directory) (api.NodeID, error)
	Name() string
}

var errEmpty = errors.New("directory is empty")

type fixed api.NodeID

// Fixed always routes to id.
func Fixed(id api.NodeID) Router { return fixed(id) }

func (f fixed) Pick(*Directory) (api.NodeID, error) { return api.NodeID(f), nil }
func (f fixed) Name() string                        { return fmt.Sprintf("fixed(%d)", f) }

type roundRobin struct{ next atomic.Uint64 }

// RoundRobin cycles over every member in id order.
func RoundRobin() Router { return &roundRobin{} }

func (r *roundRobin) Pick(d *Directory) (api.NodeID, error) {
	ids := d.IDs()
	if len(ids) == 0 {
		return 0, errEmpty
	}
	n := r.next.Add(1) - 1
	return ids[n%uint64(len(ids))], nil
}

func (r *roundRobin) Name() string { return "round-robin" }

type random struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// Random picks a uniformly random member from src.
func Random(src rand.Source) Router { return &random{rnd: rand.New(src)} }

func (r *random) Pick(d *Directory) (api.NodeID, error) {
	ids := d.IDs()
	if len(ids) == 0 {
		return 0, errEmpty
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return ids[r.rnd.IntN(len(ids))], nil
}

func (r *random) Name() string { return "random" }

type leader struct {
	fallback Router
}

// Leader asks the member chosen by fallback for the current leader and routes
// there. When no leader is known the fallback choice is used as is.
func Leader(fallback Router) Router { return &leader{fallback: fallback} }

func (l *leader) Pick(d *Directory) (api.NodeID, error) {
	id, err := l.fallback.Pick(d)
	if err != nil {
		return 0, err
	}
	m, err := d.Lookup(id)
	if err != nil {
		return 0, err
	}
	lid, err := m.Handle.CurrentLeader()
	if err != nil {
		return id, nil
	}
	if _, err := d.Lookup(lid); err != nil {
		return id, nil
	}
	return lid, nil
}

func (l *leader) Name() string { return "leader(" + l.fallback.Name() + ")" }

type healthy struct {
	r  Router
	ok func(api.NodeID) bool
}

// Healthy skips members for which ok reports false. It asks r at most once
// per member before giving up with api.ErrUnavailable.
func Healthy(r Router, ok func(api.NodeID) bool) Router { return &healthy{r: r, ok: ok} }

func (h *healthy) Pick(d *Directory) (api.NodeID, error) {
	for range max(len(d.IDs()), 1) {
		id, err := h.r.Pick(d)
		if err != nil {
			return 0, err
		}
		if h.ok(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: no healthy member", api.ErrUnavailable)
}

func (h *healthy) Name() string { return "healthy(" + h.r.Name() + ")" }

// ParseRouter builds a router from its configured name.
func ParseRouter(name string, node api.NodeID, src rand.Source) (Router, error) {
	switch name {
	case "", "fixed":
		return Fixed(node), nil
	case "round-robin":
		return RoundRobin(), nil
	case "random":
		return Random(src), nil
	case "leader":
		return Leader(RoundRobin()), nil
	default:
		return nil, fmt.Errorf("unknown write routing policy %q", name)
	}
}
