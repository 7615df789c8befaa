package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/internal/cbreaker"
	"github.com/shrtyk/replikv/internal/wire"
	"github.com/shrtyk/replikv/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	codecName     = "replikv"
	deliverMethod = "/replikv.Peer/Deliver"
)

func init() {
	encoding.RegisterCodec(peerCodec{})
}

// envelope and ack are the request and response of the Deliver rpc.
type envelope struct{ msg api.Message }

type ack struct{}

// peerCodec encodes Deliver calls with the protowire message layout, so no
// generated code is needed for a single one-way rpc.
type peerCodec struct{}

func (peerCodec) Name() string { return codecName }

func (peerCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *envelope:
		return wire.MarshalMessage(m.msg), nil
	case *ack:
		return nil, nil
	default:
		return nil, fmt.Errorf("replikv codec: unsupported type %T", v)
	}
}

func (peerCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *envelope:
		msg, err := wire.UnmarshalMessage(data)
		if err != nil {
			return err
		}
		m.msg = msg
		return nil
	case *ack:
		return nil
	default:
		return fmt.Errorf("replikv codec: unsupported type %T", v)
	}
}

type peerServer interface {
	deliver(ctx context.Context, msg api.Message) error
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: "replikv.Peer",
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return &ack{}, srv.(peerServer).deliver(ctx, req.(*envelope).msg)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	return interceptor(ctx, in, info, handler)
}

var _ Fabric = (*GRPCFabric)(nil)

type peer struct {
	conn *grpc.ClientConn
	cb   *cbreaker.CircuitBreaker
}

// GRPCFabric hosts the inboxes of the members living in this process and
// reaches every other member over a grpc connection guarded by a circuit
// breaker.
type GRPCFabric struct {
	mu        sync.RWMutex
	inboxSize int
	inboxes   map[api.NodeID]*Inbox
	peers     map[api.NodeID]*peer

	breaker api.CircuitBreakerCfg
	server  *grpc.Server
	log     *slog.Logger
}

func NewGRPCFabric(cfg api.TransportCfg, log *slog.Logger) *GRPCFabric {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	f := &GRPCFabric{
		inboxSize: cfg.InboxSize,
		inboxes:   make(map[api.NodeID]*Inbox),
		peers:     make(map[api.NodeID]*peer),
		breaker:   cfg.CBreaker,
		server:    grpc.NewServer(),
		log:       log.With(slog.String("component", "grpc-transport")),
	}
	f.server.RegisterService(&peerServiceDesc, f)
	return f
}

// Host creates the inbox of a member running in this process.
func (f *GRPCFabric) Host(id api.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.inboxes[id]; !ok {
		f.inboxes[id] = NewInbox(f.inboxSize)
	}
}

// AddPeer connects to a member served by another process. The connection is
// lazy: an unreachable address only shows up as failed sends.
func (f *GRPCFabric) AddPeer(id api.NodeID, addr string, opts ...grpc.DialOption) error {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for peer %d: %w", id, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.peers[id]; ok {
		_ = old.conn.Close()
	}
	f.peers[id] = &peer{
		conn: conn,
		cb: cbreaker.NewCircuitBreaker(
			f.breaker.FailureThreshold,
			f.breaker.SuccessThreshold,
			f.breaker.ResetTimeout,
		),
	}
	return nil
}

// AddPeers connects to every address, closing the ones already made if any fails.
func (f *GRPCFabric) AddPeers(addrs map[api.NodeID]string, opts ...grpc.DialOption) error {
	var added []api.NodeID
	for id, addr := range addrs {
		if err := f.AddPeer(id, addr, opts...); err != nil {
			return errors.Join(err, f.dropPeers(added))
		}
		added = append(added, id)
	}
	return nil
}

func (f *GRPCFabric) dropPeers(ids []api.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	for _, id := range ids {
		p, ok := f.peers[id]
		if !ok {
			continue
		}
		delete(f.peers, id)
		if cerr := p.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close peer %d connection: %w", id, cerr))
		}
	}
	return err
}

// Serve accepts Deliver calls for the hosted inboxes until Close.
func (f *GRPCFabric) Serve(lis net.Listener) error {
	f.log.Info("serving peer transport", slog.String("addr", lis.Addr().String()))
	return f.server.Serve(lis)
}

func (f *GRPCFabric) Endpoint(id api.NodeID) (Endpoint, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	in, ok := f.inboxes[id]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %d is not hosted here", api.ErrUnknownNode, id)
	}
	return Endpoint{Inbox: in.C(), Outbox: &grpcOutbox{f: f, from: id}}, nil
}

func (f *GRPCFabric) Rebuild(id api.NodeID) (Endpoint, error) {
	f.mu.Lock()
	old, ok := f.inboxes[id]
	if !ok {
		f.mu.Unlock()
		return Endpoint{}, fmt.Errorf("%w: %d is not hosted here", api.ErrUnknownNode, id)
	}
	old.Close()
	in := NewInbox(f.inboxSize)
	f.inboxes[id] = in
	f.mu.Unlock()

	return Endpoint{Inbox: in.C(), Outbox: &grpcOutbox{f: f, from: id}}, nil
}

// Disconnect closes the inbox of hosted member id until Rebuild.
func (f *GRPCFabric) Disconnect(id api.NodeID) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if in, ok := f.inboxes[id]; ok {
		in.Close()
	}
}

func (f *GRPCFabric) Close() error {
	f.server.Stop()

	f.mu.Lock()
	for _, in := range f.inboxes {
		in.Close()
	}
	ids := make([]api.NodeID, 0, len(f.peers))
	for id := range f.peers {
		ids = append(ids, id)
	}
	f.mu.Unlock()

	return f.dropPeers(ids)
}

func (f *GRPCFabric) deliver(ctx context.Context, msg api.Message) error {
	f.mu.RLock()
	in, ok := f.inboxes[msg.To]
	f.mu.RUnlock()
	if !ok {
		return status.Errorf(codes.NotFound, "node %d is not hosted here", msg.To)
	}
	if err := in.Deliver(ctx, msg); err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	return nil
}

func (f *GRPCFabric) send(ctx context.Context, msg api.Message) error {
	f.mu.RLock()
	in, local := f.inboxes[msg.To]
	p, remote := f.peers[msg.To]
	f.mu.RUnlock()

	switch {
	case local:
		return in.Deliver(ctx, msg)
	case !remote:
		return fmt.Errorf("%w: %w: %d", api.ErrPeerUnreachable, api.ErrUnknownNode, msg.To)
	}

	start := time.Now()
	_, err := cbreaker.Do(ctx, p.cb, func(ctx context.Context) (*ack, error) {
		out := new(ack)
		err := p.conn.Invoke(ctx, deliverMethod, &envelope{msg: msg}, out, grpc.CallContentSubtype(codecName))
		return out, err
	})
	if err != nil {
		f.log.Debug(
			"peer delivery failed",
			slog.Uint64("to", uint64(msg.To)),
			slog.String("breaker", p.cb.State()),
			slog.Duration("took", time.Since(start)),
			logger.ErrAttr(err),
		)
		return fmt.Errorf("%w: %d: %w", api.ErrPeerUnreachable, msg.To, err)
	}
	return nil
}

type grpcOutbox struct {
	f    *GRPCFabric
	from api.NodeID
}

func (o *grpcOutbox) Send(ctx context.Context, msg api.Message) error {
	if msg.From == 0 {
		msg.From = o.from
	}
	return o.f.send(ctx, msg)
}
