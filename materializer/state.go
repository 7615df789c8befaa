package materializer

import (
	"errors"
	"maps"
	"sync"

	"github.com/shrtyk/replikv/api"
)

var errStaleSuffix = errors.New("suffix does not start at the local decided index")

// ReplicaState is the local key-value view of one replica slot.
// DecidedIdx only grows and counts applied units.
type ReplicaState struct {
	mu         sync.RWMutex
	kv         map[string]uint64
	decidedIdx uint64
	changed    chan struct{}
}

func NewReplicaState() *ReplicaState {
	return &ReplicaState{
		kv:      make(map[string]uint64),
		changed: make(chan struct{}),
	}
}

// Apply applies entries read from position from. The suffix must start at the
// current DecidedIdx, which makes re-applying a range a no-op error instead of
// a double count. It returns the number of units applied.
func (s *ReplicaState) Apply(from uint64, entries []api.DecidedLogEntry) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from != s.decidedIdx {
		return 0, errStaleSuffix
	}

	var units uint64
	for _, e := range entries {
		switch e.Kind {
		case api.EntryDecided:
			s.kv[e.KV.Key] = e.KV.Value
		case api.EntrySnapshotted:
			maps.Copy(s.kv, e.Snapshot)
		default:
			continue
		}
		units += e.Units()
	}
	if units == 0 {
		return 0, nil
	}

	s.decidedIdx += units
	close(s.changed)
	s.changed = make(chan struct{})
	return units, nil
}

// Get returns the value of key and the decided index it was read at.
func (s *ReplicaState) Get(key string) (uint64, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	return v, s.decidedIdx, ok
}

func (s *ReplicaState) DecidedIdx() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decidedIdx
}

// Snapshot returns a copy of the key-value view.
func (s *ReplicaState) Snapshot() (api.SnapshotMap, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.kv), s.decidedIdx
}

// Watch returns a channel closed at the next decided index advance.
func (s *ReplicaState) Watch() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}
