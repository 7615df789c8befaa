/*
Package api defines the public types and contracts of the replikv coordination layer.

The coordination layer drives one external consensus engine instance per cluster
member and builds a replicated key-value store around it. The engine itself (leader
election, ballots, log durability) is consumed through the narrow ConsensusHandle
interface; everything observable about concurrency, consistency and fault handling
lives in the packages built on top of this one:

  - pump: drives a handle's timers and message flow.
  - materializer: tails a handle's decided log into a queryable map.
  - coordinator: write path and compare-and-swap.
  - recovery: detects unreachable members and reintegrates them.

A production ConsensusHandle backed by etcd raft is provided in
`github.com/shrtyk/replikv/pkg/engine`.
*/
package api

import (
	"fmt"
	"maps"
)

// NodeID identifies a cluster member. Zero is never a valid id.
type NodeID uint64

// KeyValue is the unit of replication. Values are never mutated after construction.
type KeyValue struct {
	Key   string `json:"key"`
	Value uint64 `json:"value"`
}

func (kv KeyValue) String() string {
	return fmt.Sprintf("%s=%d", kv.Key, kv.Value)
}

// SnapshotMap is a compacted summary of many decided entries.
type SnapshotMap map[string]uint64

// Merge copies every pair of other into m, overwriting existing keys.
func (m SnapshotMap) Merge(other SnapshotMap) {
	maps.Copy(m, other)
}

type EntryKind uint8

const (
	_ EntryKind = iota
	EntryDecided
	EntrySnapshotted
	EntryUndecided
)

func (k EntryKind) String() string {
	switch k {
	case EntryDecided:
		return "decided"
	case EntrySnapshotted:
		return "snapshotted"
	case EntryUndecided:
		return "undecided"
	default:
		return "unknown"
	}
}

// DecidedLogEntry is one element of a decided log suffix.
// Exactly one of KV (EntryDecided) or Snapshot (EntrySnapshotted) is meaningful.
type DecidedLogEntry struct {
	Kind     EntryKind
	KV       KeyValue
	Snapshot SnapshotMap
}

// Decided returns a decided entry holding kv.
func Decided(kv KeyValue) DecidedLogEntry {
	return DecidedLogEntry{Kind: EntryDecided, KV: kv}
}

// Snapshotted returns a snapshot entry holding a copy of m.
func Snapshotted(m SnapshotMap) DecidedLogEntry {
	return DecidedLogEntry{Kind: EntrySnapshotted, Snapshot: maps.Clone(m)}
}

// Units returns how many decided-index units the entry accounts for once applied.
// A snapshot counts one unit per contained key; undecided entries count nothing.
func (e DecidedLogEntry) Units() uint64 {
	switch e.Kind {
	case EntryDecided:
		return 1
	case EntrySnapshotted:
		return uint64(len(e.Snapshot))
	default:
		return 0
	}
}

// Message is an opaque consensus protocol message addressed to one peer.
// Payload is produced and consumed only by the engine.
type Message struct {
	From    NodeID
	To      NodeID
	Payload []byte
}

// ConsensusHandle is the per-member interface consumed from the consensus engine.
// Implementations must be safe for concurrent use.
type ConsensusHandle interface {
	// Append proposes kv. It fails with ErrUnavailable when no leader is
	// known or the engine refuses the entry.
	Append(kv KeyValue) error

	// DecidedIdx returns the number of decided units known on this member.
	DecidedIdx() uint64

	// ReadDecidedSuffix returns the decided entries starting at position from.
	// It never blocks.
	ReadDecidedSuffix(from uint64) ([]DecidedLogEntry, error)

	// CurrentLeader returns the known leader or ErrUnavailable.
	CurrentLeader() (NodeID, error)

	// ElectionTimeout advances the engine's election clock by one tick.
	ElectionTimeout()

	// OutgoingMessages drains queued outbound protocol messages.
	OutgoingMessages() []Message

	// HandleIncoming feeds one inbound protocol message into the engine.
	HandleIncoming(msg Message)

	// FailRecovery tells the engine this member resumes after a crash or partition.
	FailRecovery()

	// Reconnected tells the engine connectivity to peer is restored.
	Reconnected(peer NodeID)
}

// UnreachableReporter is implemented by handles that want to learn about
// failed sends from the message pump.
type UnreachableReporter interface {
	ReportUnreachable(peer NodeID)
}

// Task is a handle to a running background loop.
type Task interface {
	// Stop cancels the loop and waits for it to exit.
	Stop()
	// Done is closed once the loop has exited.
	Done() <-chan struct{}
}
