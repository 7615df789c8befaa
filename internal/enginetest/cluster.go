// Package enginetest provides a scripted, deterministic consensus engine for tests.
//
// A Cluster keeps one global log. Appends are decided immediately on the
// leader; every other member learns the decided prefix only through heartbeat
// messages the leader emits on each election tick, so members only converge
// when their pumps move messages. Leadership and crashes are scripted
// explicitly with SetLeader and Crash; nothing happens at random.
package enginetest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/shrtyk/replikv/api"
)

var errCrashed = errors.New("enginetest: member crashed")

// Cluster is a set of scripted handles sharing one log.
type Cluster struct {
	mu      sync.Mutex
	log     []api.DecidedLogEntry
	starts  []uint64 // unit position of every log entry
	units   uint64
	leader  api.NodeID
	members map[api.NodeID]*Handle
	order   []api.NodeID

	// OnAppend, when set, runs after an entry was appended to the log and
	// before Append returns. Tests use it to interleave operations.
	OnAppend func(from api.NodeID, kv api.KeyValue)
}

// NewCluster creates handles for ids. The first id leads.
func NewCluster(ids ...api.NodeID) *Cluster {
	c := &Cluster{members: make(map[api.NodeID]*Handle, len(ids))}
	for _, id := range ids {
		c.members[id] = &Handle{c: c, id: id}
		c.order = append(c.order, id)
	}
	if len(ids) > 0 {
		c.SetLeader(ids[0])
	}
	return c
}

// Handle returns the member with id or panics.
func (c *Cluster) Handle(id api.NodeID) *Handle {
	h, ok := c.members[id]
	if !ok {
		panic(fmt.Sprintf("enginetest: unknown member %d", id))
	}
	return h
}

// Handles returns every member in creation order.
func (c *Cluster) Handles() map[api.NodeID]api.ConsensusHandle {
	out := make(map[api.NodeID]api.ConsensusHandle, len(c.members))
	for id, h := range c.members {
		out[id] = h
	}
	return out
}

// SetLeader makes id the leader. The leader knows the whole log; followers
// forget the previous leader until they hear from the new one.
func (c *Cluster) SetLeader(id api.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = id
	for mid, h := range c.members {
		h.mu.Lock()
		if mid == id {
			h.leader = id
			h.known = len(c.log)
		} else {
			h.leader = 0
		}
		h.mu.Unlock()
	}
}

// Leader returns the scripted leader.
func (c *Cluster) Leader() api.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// Crash makes id refuse every operation until FailRecovery is called on it.
func (c *Cluster) Crash(id api.NodeID) {
	h := c.Handle(id)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.crashed = true
	h.leader = 0
	h.outbox = nil
}

// Inject appends a raw entry to the global log as if the leader decided it.
// It lets tests place snapshot and undecided entries.
func (c *Cluster) Inject(e api.DecidedLogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(e)
}

// Sync lets every live member learn the whole log without messages.
func (c *Cluster) Sync() {
	c.mu.Lock()
	n := len(c.log)
	leader := c.leader
	c.mu.Unlock()
	for _, h := range c.members {
		h.mu.Lock()
		if !h.crashed {
			h.known = n
			h.leader = leader
		}
		h.mu.Unlock()
	}
}

func (c *Cluster) appendLocked(e api.DecidedLogEntry) {
	c.log = append(c.log, e)
	c.starts = append(c.starts, c.units)
	c.units += e.Units()
	if h, ok := c.members[c.leader]; ok {
		h.mu.Lock()
		if !h.crashed {
			h.known = len(c.log)
		}
		h.mu.Unlock()
	}
}

// prefix returns the unit count of the first n entries.
func (c *Cluster) prefix(n int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n == len(c.log) {
		return c.units
	}
	return c.starts[n]
}

func (c *Cluster) suffix(from uint64, known int) []api.DecidedLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, _ := slices.BinarySearch(c.starts[:known], from)
	out := make([]api.DecidedLogEntry, 0, known-i)
	for _, e := range c.log[i:known] {
		out = append(out, clone(e))
	}
	return out
}

func clone(e api.DecidedLogEntry) api.DecidedLogEntry {
	if e.Kind == api.EntrySnapshotted {
		return api.Snapshotted(e.Snapshot)
	}
	return e
}

// heartbeat payload: leader id, known entries.
func encodeHeartbeat(leader api.NodeID, known int) []byte {
	b := binary.AppendUvarint(nil, uint64(leader))
	return binary.AppendUvarint(b, uint64(known))
}

func decodeHeartbeat(b []byte) (api.NodeID, int, error) {
	leader, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, errors.New("enginetest: bad heartbeat")
	}
	known, m := binary.Uvarint(b[n:])
	if m <= 0 {
		return 0, 0, errors.New("enginetest: bad heartbeat")
	}
	return api.NodeID(leader), int(known), nil
}
