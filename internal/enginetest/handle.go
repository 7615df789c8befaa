package enginetest

import (
	"fmt"
	"sync"

	"github.com/shrtyk/replikv/api"
)

var _ api.ConsensusHandle = (*Handle)(nil)
var _ api.UnreachableReporter = (*Handle)(nil)

// Handle is one scripted member.
type Handle struct {
	c  *Cluster
	id api.NodeID

	mu          sync.Mutex
	known       int // decided entries learnt
	leader      api.NodeID
	crashed     bool
	outbox      []api.Message
	ticks       int
	received    int
	recoveries  int
	reconnected []api.NodeID
	unreachable []api.NodeID
}

func (h *Handle) ID() api.NodeID { return h.id }

func (h *Handle) Append(kv api.KeyValue) error {
	h.mu.Lock()
	crashed := h.crashed
	h.mu.Unlock()
	if crashed {
		return fmt.Errorf("%w: %v", api.ErrUnavailable, errCrashed)
	}

	c := h.c
	c.mu.Lock()
	if c.leader == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: no leader", api.ErrUnavailable)
	}
	if lh := c.members[c.leader]; lh != h {
		lh.mu.Lock()
		leaderDown := lh.crashed
		lh.mu.Unlock()
		if leaderDown {
			c.mu.Unlock()
			return fmt.Errorf("%w: leader %d is down", api.ErrUnavailable, c.leader)
		}
	}
	c.appendLocked(api.Decided(kv))
	hook := c.OnAppend
	c.mu.Unlock()

	if hook != nil {
		hook(h.id, kv)
	}
	return nil
}

func (h *Handle) DecidedIdx() uint64 {
	h.mu.Lock()
	known := h.known
	h.mu.Unlock()
	return h.c.prefix(known)
}

func (h *Handle) ReadDecidedSuffix(from uint64) ([]api.DecidedLogEntry, error) {
	h.mu.Lock()
	known, crashed := h.known, h.crashed
	h.mu.Unlock()
	if crashed {
		return nil, errCrashed
	}
	return h.c.suffix(from, known), nil
}

func (h *Handle) CurrentLeader() (api.NodeID, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.crashed || h.leader == 0 {
		return 0, fmt.Errorf("%w: leader unknown on %d", api.ErrUnavailable, h.id)
	}
	return h.leader, nil
}

// ElectionTimeout makes the leader queue one heartbeat per peer.
func (h *Handle) ElectionTimeout() {
	leader := h.c.Leader()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ticks++
	if h.crashed || leader != h.id {
		return
	}
	payload := encodeHeartbeat(h.id, h.known)
	for _, peer := range h.c.order {
		if peer == h.id {
			continue
		}
		h.outbox = append(h.outbox, api.Message{From: h.id, To: peer, Payload: payload})
	}
}

func (h *Handle) OutgoingMessages() []api.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.outbox
	h.outbox = nil
	return out
}

func (h *Handle) HandleIncoming(msg api.Message) {
	leader, known, err := decodeHeartbeat(msg.Payload)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received++
	if h.crashed {
		return
	}
	h.leader = leader
	h.known = max(h.known, known)
}

func (h *Handle) FailRecovery() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recoveries++
	h.crashed = false
	h.leader = 0
	h.outbox = nil
}

func (h *Handle) Reconnected(peer api.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnected = append(h.reconnected, peer)
}

func (h *Handle) ReportUnreachable(peer api.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unreachable = append(h.unreachable, peer)
}

// Stats is a copy of the counters a Handle keeps for assertions.
type Stats struct {
	Ticks       int
	Received    int
	Recoveries  int
	Known       int
	Reconnected []api.NodeID
	Unreachable []api.NodeID
}

func (h *Handle) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Ticks:       h.ticks,
		Received:    h.received,
		Recoveries:  h.recoveries,
		Known:       h.known,
		Reconnected: append([]api.NodeID(nil), h.reconnected...),
		Unreachable: append([]api.NodeID(nil), h.unreachable...),
	}
}
