/*
Package engine implements api.ConsensusHandle on top of etcd raft.

Each Node wraps a raft.RawNode and a raft.MemoryStorage. The node performs no
I/O and runs no goroutines: time advances only through ElectionTimeout and
messages only move through OutgoingMessages and HandleIncoming, both driven by
the message pump. Every committed normal entry carrying a KeyValue becomes one
decided log entry; raft's own entries (configuration changes, the empty entry a
new leader appends) are not part of the decided log, so positions agree across
members.

The storage outlives FailRecovery: recovering rebuilds the RawNode from the
persisted hard state and entries exactly like a process restart would, and
already decided entries are not decided twice.
*/
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/internal/wire"
	"github.com/shrtyk/replikv/pkg/logger"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	maxSizePerMsg   = 1 << 20
	maxInflightMsgs = 256
	// outbox is capped so a member whose pump is stopped does not grow
	// without bound; raft retransmits what is dropped.
	maxOutbox = 4096
)

var (
	_ api.ConsensusHandle     = (*Node)(nil)
	_ api.UnreachableReporter = (*Node)(nil)
)

// Node is a single raft member. It is safe for concurrent use.
type Node struct {
	id     api.NodeID
	peers  []api.NodeID
	cfg    api.EngineCfg
	logger *slog.Logger

	mu          sync.Mutex
	rn          *raft.RawNode
	storage     *raft.MemoryStorage
	applied     uint64 // raft index of the last applied entry
	decided     []api.DecidedLogEntry
	outbox      []api.Message
	unreachable map[api.NodeID]struct{}
	decidedCh   chan struct{}
}

func (n *Node) raftConfig() *raft.Config {
	return &raft.Config{
		ID:                        uint64(n.id),
		ElectionTick:              n.cfg.ElectionTicks,
		HeartbeatTick:             n.cfg.HeartbeatTicks,
		Storage:                   n.storage,
		MaxSizePerMsg:             maxSizePerMsg,
		MaxInflightMsgs:           maxInflightMsgs,
		MaxUncommittedEntriesSize: 1 << 30,
		CheckQuorum:               true,
		PreVote:                   n.cfg.PreVote,
		Logger:                    &raftLogger{l: n.logger},
	}
}

func (n *Node) ID() api.NodeID { return n.id }

func (n *Node) Append(kv api.KeyValue) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.rn.BasicStatus().Lead == raft.None {
		return fmt.Errorf("%w: no leader known on %d", api.ErrUnavailable, n.id)
	}
	if err := n.rn.Propose(wire.MarshalKeyValue(kv)); err != nil {
		return fmt.Errorf("%w: %v", api.ErrUnavailable, err)
	}
	n.advance()
	return nil
}

func (n *Node) DecidedIdx() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return uint64(len(n.decided))
}

func (n *Node) ReadDecidedSuffix(from uint64) ([]api.DecidedLogEntry, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if from >= uint64(len(n.decided)) {
		return nil, nil
	}
	return slices.Clone(n.decided[from:]), nil
}

func (n *Node) CurrentLeader() (api.NodeID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	lead := n.rn.BasicStatus().Lead
	if lead == raft.None {
		return 0, fmt.Errorf("%w: leader unknown on %d", api.ErrUnavailable, n.id)
	}
	return api.NodeID(lead), nil
}

func (n *Node) ElectionTimeout() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rn.Tick()
	n.advance()
}

func (n *Node) OutgoingMessages() []api.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := n.outbox
	n.outbox = nil
	return out
}

func (n *Node) HandleIncoming(msg api.Message) {
	var m raftpb.Message
	if err := m.Unmarshal(msg.Payload); err != nil {
		n.logger.Warn("dropping undecodable message", slog.Uint64("from", uint64(msg.From)), logger.ErrAttr(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.rn.Step(m); err != nil {
		n.logger.Debug("raft rejected message", slog.String("type", m.Type.String()), logger.ErrAttr(err))
		return
	}
	n.advance()
}

// FailRecovery restarts the raft state machine from storage.
func (n *Node) FailRecovery() {
	n.mu.Lock()
	defer n.mu.Unlock()

	rn, err := raft.NewRawNode(n.raftConfig())
	if err != nil {
		// The storage was written by this node, so it always yields a valid config.
		n.logger.Error("failed to restart raft node", logger.ErrAttr(err))
		return
	}
	n.rn = rn
	n.outbox = nil
	clear(n.unreachable)
	n.logger.Info("raft node restarted from storage", slog.Uint64("applied", n.applied))
	n.advance()
}

func (n *Node) Reconnected(peer api.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.unreachable, peer)
}

func (n *Node) ReportUnreachable(peer api.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unreachable[peer] = struct{}{}
	n.rn.ReportUnreachable(uint64(peer))
}

// Unreachable returns the peers reported unreachable since the last reconnect.
func (n *Node) Unreachable() []api.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]api.NodeID, 0, len(n.unreachable))
	for p := range n.unreachable {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// DecidedChanged returns a channel closed when the decided log next grows.
func (n *Node) DecidedChanged() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.decidedCh
}

// Status describes the member for monitoring.
type Status struct {
	ID      api.NodeID
	Leader  api.NodeID
	Role    string
	Term    uint64
	Commit  uint64
	Applied uint64
	Decided uint64
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	st := n.rn.BasicStatus()
	return Status{
		ID:      n.id,
		Leader:  api.NodeID(st.Lead),
		Role:    st.RaftState.String(),
		Term:    st.Term,
		Commit:  st.Commit,
		Applied: n.applied,
		Decided: uint64(len(n.decided)),
	}
}

// Campaign makes the member start an election immediately.
func (n *Node) Campaign() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.rn.Campaign(); err != nil {
		return err
	}
	n.advance()
	return nil
}

// advance persists and applies everything raft has ready.
//
// Assumes the lock is held when called
func (n *Node) advance() {
	grew := false
	for n.rn.HasReady() {
		rd := n.rn.Ready()

		if !raft.IsEmptySnap(rd.Snapshot) {
			if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil && !errors.Is(err, raft.ErrSnapOutOfDate) {
				n.logger.Error("failed to apply snapshot", logger.ErrAttr(err))
			}
			n.applied = max(n.applied, rd.Snapshot.Metadata.Index)
		}
		if !raft.IsEmptyHardState(rd.HardState) {
			if err := n.storage.SetHardState(rd.HardState); err != nil {
				n.logger.Error("failed to persist hard state", logger.ErrAttr(err))
			}
		}
		if err := n.storage.Append(rd.Entries); err != nil {
			n.logger.Error("failed to persist entries", logger.ErrAttr(err))
		}

		for _, m := range rd.Messages {
			n.enqueue(m)
		}
		if n.apply(rd.CommittedEntries) {
			grew = true
		}
		n.rn.Advance(rd)
	}

	if grew {
		close(n.decidedCh)
		n.decidedCh = make(chan struct{})
	}
}

func (n *Node) enqueue(m raftpb.Message) {
	payload, err := m.Marshal()
	if err != nil {
		n.logger.Error("failed to encode message", slog.String("type", m.Type.String()), logger.ErrAttr(err))
		return
	}
	if len(n.outbox) >= maxOutbox {
		n.outbox = n.outbox[1:]
	}
	n.outbox = append(n.outbox, api.Message{From: n.id, To: api.NodeID(m.To), Payload: payload})
}

func (n *Node) apply(entries []raftpb.Entry) (grew bool) {
	for _, ent := range entries {
		fresh := ent.Index > n.applied
		n.applied = max(n.applied, ent.Index)

		switch ent.Type {
		// Configuration changes are re-applied after a restart: the memory
		// storage keeps no snapshot to restore the membership from.
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ent.Data); err != nil {
				n.logger.Error("failed to decode conf change", logger.ErrAttr(err))
				continue
			}
			n.rn.ApplyConfChange(cc)
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(ent.Data); err != nil {
				n.logger.Error("failed to decode conf change", logger.ErrAttr(err))
				continue
			}
			n.rn.ApplyConfChange(cc)
		case raftpb.EntryNormal:
			if !fresh || len(ent.Data) == 0 {
				continue
			}
			kv, err := wire.UnmarshalKeyValue(ent.Data)
			if err != nil {
				n.logger.Error("failed to decode decided entry", slog.Uint64("index", ent.Index), logger.ErrAttr(err))
				continue
			}
			n.decided = append(n.decided, api.Decided(kv))
			grew = true
		}
	}
	return grew
}
