package transport

import (
	"context"
	"testing"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan api.Message) api.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return api.Message{}
	}
}

func TestNetworkDelivers(t *testing.T) {
	n := NewNetwork([]api.NodeID{1, 2}, 4)
	ep1, err := n.Endpoint(1)
	require.NoError(t, err)
	ep2, err := n.Endpoint(2)
	require.NoError(t, err)

	msg := api.Message{From: 1, To: 2, Payload: []byte("hi")}
	require.NoError(t, ep1.Outbox.Send(context.Background(), msg))
	assert.Equal(t, msg, recv(t, ep2.Inbox))
}

func TestNetworkUnknownNode(t *testing.T) {
	n := NewNetwork([]api.NodeID{1}, 4)
	_, err := n.Endpoint(9)
	assert.ErrorIs(t, err, api.ErrUnknownNode)

	ep, err := n.Endpoint(1)
	require.NoError(t, err)
	err = ep.Outbox.Send(context.Background(), api.Message{From: 1, To: 9})
	assert.ErrorIs(t, err, api.ErrPeerUnreachable)
	assert.ErrorIs(t, err, api.ErrUnknownNode)
}

func TestNetworkDisconnectUntilRebuild(t *testing.T) {
	n := NewNetwork([]api.NodeID{1, 2}, 4)
	ep1, err := n.Endpoint(1)
	require.NoError(t, err)

	n.Disconnect(2)
	assert.False(t, n.Connected(2))
	err = ep1.Outbox.Send(context.Background(), api.Message{From: 1, To: 2})
	assert.ErrorIs(t, err, api.ErrPeerUnreachable)

	ep2, err := n.Rebuild(2)
	require.NoError(t, err)
	assert.True(t, n.Connected(2))

	msg := api.Message{From: 1, To: 2, Payload: []byte("again")}
	require.NoError(t, ep1.Outbox.Send(context.Background(), msg))
	assert.Equal(t, msg, recv(t, ep2.Inbox))
}

func TestNetworkPartitionSurvivesRebuild(t *testing.T) {
	n := NewNetwork([]api.NodeID{1, 2}, 4)
	ep1, err := n.Endpoint(1)
	require.NoError(t, err)

	n.Partition(2)
	_, err = n.Rebuild(2)
	require.NoError(t, err)

	err = ep1.Outbox.Send(context.Background(), api.Message{From: 1, To: 2})
	assert.ErrorIs(t, err, api.ErrPeerUnreachable)

	ep2, err := n.Endpoint(2)
	require.NoError(t, err)
	err = ep2.Outbox.Send(context.Background(), api.Message{From: 2, To: 1})
	assert.ErrorIs(t, err, api.ErrPeerUnreachable, "partition cuts both directions")

	n.Heal(2)
	assert.NoError(t, ep1.Outbox.Send(context.Background(), api.Message{From: 1, To: 2}))
}

func TestInboxFullHonoursContext(t *testing.T) {
	in := NewInbox(1)
	require.NoError(t, in.Deliver(context.Background(), api.Message{To: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := in.Deliver(ctx, api.Message{To: 1})
	assert.ErrorIs(t, err, api.ErrPeerUnreachable)
}
