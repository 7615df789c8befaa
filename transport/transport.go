// Package transport moves consensus protocol messages between member inboxes.
//
// A pump runs on an Endpoint: the receive side of its own inbox and an Outbox
// addressing every peer. A Fabric hands out endpoints and rebuilds them when a
// member is recovered. Two fabrics exist: Network (in-process channels, with
// deterministic failure injection) and GRPCFabric (members in other processes).
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/shrtyk/replikv/api"
)

const DefaultInboxSize = 1024

// Outbox delivers messages to the inbox of msg.To.
type Outbox interface {
	// Send fails with an error wrapping api.ErrPeerUnreachable when the
	// destination inbox is closed, partitioned or does not accept the
	// message before ctx is done.
	Send(ctx context.Context, msg api.Message) error
}

// Endpoint is the pair of channels one pump runs on.
type Endpoint struct {
	Inbox  <-chan api.Message
	Outbox Outbox
}

// Fabric builds endpoints for cluster members.
type Fabric interface {
	// Endpoint returns the current endpoint of id.
	Endpoint(id api.NodeID) (Endpoint, error)
	// Rebuild discards id's inbox and returns a fresh endpoint.
	Rebuild(id api.NodeID) (Endpoint, error)
	// Close releases every resource held by the fabric.
	Close() error
}

// Inbox is the receiving side of one member. Deliveries after Close fail;
// the channel itself is never closed so readers simply stop receiving.
type Inbox struct {
	ch     chan api.Message
	closed chan struct{}
	once   sync.Once
}

func NewInbox(size int) *Inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Inbox{
		ch:     make(chan api.Message, size),
		closed: make(chan struct{}),
	}
}

// C returns the channel the owning pump reads from.
func (in *Inbox) C() <-chan api.Message { return in.ch }

// Close makes every later delivery fail.
func (in *Inbox) Close() {
	in.once.Do(func() { close(in.closed) })
}

func (in *Inbox) IsClosed() bool {
	select {
	case <-in.closed:
		return true
	default:
		return false
	}
}

// Deliver queues msg, waiting for buffer space until ctx is done.
func (in *Inbox) Deliver(ctx context.Context, msg api.Message) error {
	if in.IsClosed() {
		return fmt.Errorf("%w: inbox of %d is closed", api.ErrPeerUnreachable, msg.To)
	}
	select {
	case <-in.closed:
		return fmt.Errorf("%w: inbox of %d is closed", api.ErrPeerUnreachable, msg.To)
	case in.ch <- msg:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: inbox of %d is full: %v", api.ErrPeerUnreachable, msg.To, ctx.Err())
	}
}
