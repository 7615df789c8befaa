package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/internal/cbreaker"
	"github.com/shrtyk/replikv/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func testTransportCfg() api.TransportCfg {
	return api.TransportCfg{
		Kind:      "grpc",
		InboxSize: 8,
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			ResetTimeout:     time.Minute,
		},
	}
}

func bufDialer(lis *bufconn.Listener) grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

// newServedFabric hosts id on a fabric served over an in-memory listener.
func newServedFabric(t *testing.T, id api.NodeID) (*GRPCFabric, *bufconn.Listener) {
	t.Helper()
	f := NewGRPCFabric(testTransportCfg(), nil)
	f.Host(id)
	lis := bufconn.Listen(1 << 16)
	go func() { _ = f.Serve(lis) }()
	return f, lis
}

func TestGRPCFabricDeliversAcrossProcesses(t *testing.T) {
	f1, _ := newServedFabric(t, 1)
	defer f1.Close()
	f2, lis2 := newServedFabric(t, 2)
	defer f2.Close()

	require.NoError(t, f1.AddPeer(2, "passthrough:///node-2", bufDialer(lis2)))

	ep1, err := f1.Endpoint(1)
	require.NoError(t, err)
	ep2, err := f2.Endpoint(2)
	require.NoError(t, err)

	msg := api.Message{From: 1, To: 2, Payload: []byte{0x01, 0x02}}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ep1.Outbox.Send(ctx, msg))
	assert.Equal(t, msg, recv(t, ep2.Inbox))
}

func TestGRPCFabricLocalMembersSkipTheNetwork(t *testing.T) {
	f := NewGRPCFabric(testTransportCfg(), nil)
	defer f.Close()
	f.Host(1)
	f.Host(2)

	ep1, err := f.Endpoint(1)
	require.NoError(t, err)
	ep2, err := f.Endpoint(2)
	require.NoError(t, err)

	msg := api.Message{From: 1, To: 2, Payload: []byte("local")}
	require.NoError(t, ep1.Outbox.Send(context.Background(), msg))
	assert.Equal(t, msg, recv(t, ep2.Inbox))
}

func TestGRPCFabricUnreachablePeerOpensBreaker(t *testing.T) {
	f1, _ := newServedFabric(t, 1)
	defer f1.Close()
	f2, lis2 := newServedFabric(t, 2)
	require.NoError(t, f1.AddPeer(2, "passthrough:///node-2", bufDialer(lis2)))
	require.NoError(t, f2.Close())

	ep1, err := f1.Endpoint(1)
	require.NoError(t, err)

	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		err = ep1.Outbox.Send(ctx, api.Message{From: 1, To: 2})
		cancel()
		assert.ErrorIs(t, err, api.ErrPeerUnreachable)
	}

	err = ep1.Outbox.Send(context.Background(), api.Message{From: 1, To: 2})
	assert.ErrorIs(t, err, api.ErrPeerUnreachable)
	assert.ErrorIs(t, err, cbreaker.ErrOpenState)
}

func TestGRPCFabricRebuildClosesOldInbox(t *testing.T) {
	f1, _ := newServedFabric(t, 1)
	defer f1.Close()
	f2, lis2 := newServedFabric(t, 2)
	defer f2.Close()
	require.NoError(t, f1.AddPeer(2, "passthrough:///node-2", bufDialer(lis2)))

	ep1, err := f1.Endpoint(1)
	require.NoError(t, err)
	ep2, err := f2.Rebuild(2)
	require.NoError(t, err)

	msg := api.Message{From: 1, To: 2, Payload: []byte("fresh")}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ep1.Outbox.Send(ctx, msg))
	assert.Equal(t, msg, recv(t, ep2.Inbox))

	_, err = f1.Rebuild(7)
	assert.ErrorIs(t, err, api.ErrUnknownNode)
}

func TestPeerCodecRejectsForeignTypes(t *testing.T) {
	_, err := peerCodec{}.Marshal("nope")
	assert.Error(t, err)
	assert.Error(t, peerCodec{}.Unmarshal(nil, new(int)))

	b, err := peerCodec{}.Marshal(&envelope{msg: api.Message{From: 3, To: 4, Payload: []byte("x")}})
	require.NoError(t, err)
	var got envelope
	require.NoError(t, peerCodec{}.Unmarshal(b, &got))
	assert.Equal(t, api.Message{From: 3, To: 4, Payload: []byte("x")}, got.msg)
}

func TestGRPCMeshOverLoopback(t *testing.T) {
	nodes := []api.NodeConfig{
		{ID: 1, PeerAddr: "127.0.0.1:0"},
		{ID: 2, PeerAddr: "127.0.0.1:0"},
		{ID: 3, PeerAddr: "127.0.0.1:0"},
	}
	mesh, err := NewGRPCMesh(testTransportCfg(), nodes, logger.NewDiscardLogger())
	require.NoError(t, err)
	defer mesh.Close()

	ep1, err := mesh.Endpoint(1)
	require.NoError(t, err)
	ep3, err := mesh.Endpoint(3)
	require.NoError(t, err)

	msg := api.Message{From: 1, To: 3, Payload: []byte("mesh")}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ep1.Outbox.Send(ctx, msg))
	assert.Equal(t, msg, recv(t, ep3.Inbox))

	mesh.Disconnect(3)
	err = ep1.Outbox.Send(ctx, msg)
	assert.ErrorIs(t, err, api.ErrPeerUnreachable)

	ep3, err = mesh.Rebuild(3)
	require.NoError(t, err)
	require.NoError(t, ep1.Outbox.Send(ctx, msg))
	assert.Equal(t, msg, recv(t, ep3.Inbox))

	_, err = mesh.Endpoint(4)
	assert.ErrorIs(t, err, api.ErrUnknownNode)
}
