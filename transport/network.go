package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/shrtyk/replikv/api"
)

var _ Fabric = (*Network)(nil)

// Network is an in-process fabric. Failures are injected explicitly:
//
//   - Disconnect closes a member's inbox. Rebuild (recovery) cures it.
//   - Partition drops every delivery to and from a member until Heal,
//     whatever inbox it has.
type Network struct {
	mu          sync.RWMutex
	inboxSize   int
	inboxes     map[api.NodeID]*Inbox
	partitioned map[api.NodeID]bool
}

func NewNetwork(ids []api.NodeID, inboxSize int) *Network {
	n := &Network{
		inboxSize:   inboxSize,
		inboxes:     make(map[api.NodeID]*Inbox, len(ids)),
		partitioned: make(map[api.NodeID]bool),
	}
	for _, id := range ids {
		n.inboxes[id] = NewInbox(inboxSize)
	}
	return n
}

func (n *Network) Endpoint(id api.NodeID) (Endpoint, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	in, ok := n.inboxes[id]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %d", api.ErrUnknownNode, id)
	}
	return Endpoint{Inbox: in.C(), Outbox: &localOutbox{net: n, from: id}}, nil
}

func (n *Network) Rebuild(id api.NodeID) (Endpoint, error) {
	n.mu.Lock()
	old, ok := n.inboxes[id]
	if !ok {
		n.mu.Unlock()
		return Endpoint{}, fmt.Errorf("%w: %d", api.ErrUnknownNode, id)
	}
	old.Close()
	in := NewInbox(n.inboxSize)
	n.inboxes[id] = in
	n.mu.Unlock()

	return Endpoint{Inbox: in.C(), Outbox: &localOutbox{net: n, from: id}}, nil
}

// Disconnect closes id's current inbox.
func (n *Network) Disconnect(id api.NodeID) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if in, ok := n.inboxes[id]; ok {
		in.Close()
	}
}

// Partition cuts id off until Heal.
func (n *Network) Partition(id api.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[id] = true
}

func (n *Network) Heal(id api.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, id)
}

// Connected reports whether deliveries to id can currently succeed.
func (n *Network) Connected(id api.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	in, ok := n.inboxes[id]
	return ok && !in.IsClosed() && !n.partitioned[id]
}

func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, in := range n.inboxes {
		in.Close()
	}
	return nil
}

func (n *Network) deliver(ctx context.Context, from api.NodeID, msg api.Message) error {
	n.mu.RLock()
	in, ok := n.inboxes[msg.To]
	cut := n.partitioned[from] || n.partitioned[msg.To]
	n.mu.RUnlock()

	switch {
	case !ok:
		return fmt.Errorf("%w: %w: %d", api.ErrPeerUnreachable, api.ErrUnknownNode, msg.To)
	case cut:
		return fmt.Errorf("%w: %d -> %d is partitioned", api.ErrPeerUnreachable, from, msg.To)
	}
	return in.Deliver(ctx, msg)
}

// localOutbox resolves the destination inbox on every send, so rebuilt
// inboxes are picked up by every peer.
type localOutbox struct {
	net  *Network
	from api.NodeID
}

func (o *localOutbox) Send(ctx context.Context, msg api.Message) error {
	return o.net.deliver(ctx, o.from, msg)
}
