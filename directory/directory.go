// Package directory is the registry of cluster members. It is built once at
// startup; entries are only ever replaced, never added or removed.
package directory

import (
	"fmt"
	"slices"
	"sync"

	"github.com/shrtyk/replikv/api"
)

// Member is one entry of the directory.
type Member struct {
	ID     api.NodeID
	Handle api.ConsensusHandle
	Pump   api.Task
	Config api.NodeConfig
}

// Directory maps member ids to their handles and pump tasks.
// Handles are never called while the directory lock is held.
type Directory struct {
	mu      sync.RWMutex
	members map[api.NodeID]Member
	ids     []api.NodeID
}

func New(members ...Member) *Directory {
	d := &Directory{members: make(map[api.NodeID]Member, len(members))}
	for _, m := range members {
		if _, dup := d.members[m.ID]; !dup {
			d.ids = append(d.ids, m.ID)
		}
		d.members[m.ID] = m
	}
	slices.Sort(d.ids)
	return d
}

func (d *Directory) Lookup(id api.NodeID) (Member, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.members[id]
	if !ok {
		return Member{}, fmt.Errorf("%w: %d", api.ErrUnknownNode, id)
	}
	return m, nil
}

// IDs returns member ids in ascending order.
func (d *Directory) IDs() []api.NodeID {
	return slices.Clone(d.ids)
}

// Members returns a copy of every entry in id order.
func (d *Directory) Members() []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Member, 0, len(d.ids))
	for _, id := range d.ids {
		out = append(out, d.members[id])
	}
	return out
}

// Replace swaps the entry of m.ID and returns the previous one.
func (d *Directory) Replace(m Member) (Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	old, ok := d.members[m.ID]
	if !ok {
		return Member{}, fmt.Errorf("%w: %d", api.ErrUnknownNode, m.ID)
	}
	d.members[m.ID] = m
	return old, nil
}

// Route picks a member with r.
func (d *Directory) Route(r Router) (Member, error) {
	id, err := r.Pick(d)
	if err != nil {
		return Member{}, err
	}
	return d.Lookup(id)
}
