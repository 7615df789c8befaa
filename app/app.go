// Package app wires every component of a replikv process together. An App is
// the single owner of the cluster directory, the transport, the recovery
// orchestrator and the client-facing coordinator; nothing is kept in globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/coordinator"
	"github.com/shrtyk/replikv/directory"
	"github.com/shrtyk/replikv/httpapi"
	"github.com/shrtyk/replikv/internal/metric"
	"github.com/shrtyk/replikv/materializer"
	"github.com/shrtyk/replikv/pkg/engine"
	"github.com/shrtyk/replikv/pkg/logger"
	"github.com/shrtyk/replikv/pump"
	"github.com/shrtyk/replikv/recovery"
	"github.com/shrtyk/replikv/transport"
)

var _ httpapi.Operator = (*App)(nil)

// disconnecter is implemented by fabrics that can cut a member off.
type disconnecter interface {
	Disconnect(id api.NodeID)
}

// engineStatus is implemented by handles backed by the raft engine.
type engineStatus interface {
	Status() engine.Status
}

type App struct {
	cfg     *api.Config
	logger  *slog.Logger
	metrics *metric.Metrics

	dir     *directory.Directory
	fabric  transport.Fabric
	replica *materializer.Materializer
	coord   *coordinator.Coordinator
	orch    *recovery.Orchestrator
	handler *httpapi.Handler

	server *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type options struct {
	logger  *slog.Logger
	handles map[api.NodeID]api.ConsensusHandle
	fabric  transport.Fabric
	seed    uint64
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithHandles replaces the raft engine with the given handles, one per
// configured node.
func WithHandles(h map[api.NodeID]api.ConsensusHandle) Option {
	return func(o *options) { o.handles = h }
}

// WithFabric replaces the transport built from the config.
func WithFabric(f transport.Fabric) Option {
	return func(o *options) { o.fabric = f }
}

// WithSeed fixes the seed of the randomized routing policies.
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// New builds every component. Nothing runs until Start.
func New(cfg *api.Config, opts ...Option) (*App, error) {
	o := &options{seed: uint64(time.Now().UnixNano())}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logger.NewLogger(cfg.Log.Env, cfg.Log.AddSource)
	}

	a := &App{
		cfg:     cfg,
		logger:  o.logger,
		metrics: metric.New(),
	}
	ids := cfg.NodeIDs()

	handles := o.handles
	if handles == nil {
		handles = make(map[api.NodeID]api.ConsensusHandle, len(ids))
		for _, id := range ids {
			n, err := engine.NewBuilder(id, ids).
				WithConfig(cfg.Engine).
				WithLogger(a.logger).
				Build()
			if err != nil {
				return nil, fmt.Errorf("build engine for node %d: %w", id, err)
			}
			handles[id] = n
		}
	}

	members := make([]directory.Member, 0, len(ids))
	for _, n := range cfg.Nodes {
		h, ok := handles[n.ID]
		if !ok {
			return nil, fmt.Errorf("no consensus handle for node %d", n.ID)
		}
		members = append(members, directory.Member{ID: n.ID, Handle: h, Config: n})
	}
	a.dir = directory.New(members...)

	a.fabric = o.fabric
	if a.fabric == nil {
		switch cfg.Transport.Kind {
		case "grpc":
			mesh, err := transport.NewGRPCMesh(cfg.Transport, cfg.Nodes, a.logger)
			if err != nil {
				return nil, fmt.Errorf("start grpc transport: %w", err)
			}
			a.fabric = mesh
		default:
			a.fabric = transport.NewNetwork(ids, cfg.Transport.InboxSize)
		}
	}

	a.orch = recovery.New(a.dir, a.fabric, a.spawnPump, recovery.ConfigFrom(cfg.Recovery),
		recovery.WithLogger(a.logger),
		recovery.WithMetrics(a.metrics),
	)

	policy, err := materializer.ParsePolicy(cfg.Routing.Read, cfg.Routing.ReadNode, rand.NewPCG(o.seed, 1))
	if err != nil {
		return nil, errors.Join(err, a.fabric.Close())
	}
	a.replica = materializer.New(a.dir,
		materializer.WithPolicy(policy),
		materializer.WithLogger(a.logger),
		materializer.WithMetrics(a.metrics),
	)

	router, err := directory.ParseRouter(cfg.Routing.Write, cfg.Routing.WriteNode, rand.NewPCG(o.seed, 2))
	if err != nil {
		return nil, errors.Join(err, a.fabric.Close())
	}
	copts := []coordinator.Option{
		coordinator.WithRouter(directory.Healthy(router, a.running)),
		coordinator.WithWriteTimeout(cfg.Timings.WriteTimeout),
		coordinator.WithBackoff(cfg.Timings.WriteBackoff),
		coordinator.WithLogger(a.logger),
		coordinator.WithMetrics(a.metrics),
	}
	if cfg.Routing.SerializeCAS {
		copts = append(copts, coordinator.WithKeySerialization())
	}
	a.coord = coordinator.New(a.dir, a.replica, copts...)

	a.handler = httpapi.New(a.coord, a,
		httpapi.WithLogger(a.logger),
		httpapi.WithMetrics(a.metrics),
	)
	return a, nil
}

// Start runs a pump per member, the background tailer, the recovery loop
// and, when an address is configured, the HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	for _, m := range a.dir.Members() {
		ep, err := a.fabric.Endpoint(m.ID)
		if err != nil {
			a.cancel()
			return fmt.Errorf("endpoint of node %d: %w", m.ID, err)
		}
		m.Pump = a.spawnPump(m, ep)
		if _, err := a.dir.Replace(m); err != nil {
			a.cancel()
			return err
		}
	}

	a.wg.Go(func() { a.replica.Run(a.ctx, a.cfg.Timings.TailInterval) })
	if a.cfg.Recovery.Interval > 0 {
		a.wg.Go(func() { a.orch.Run(a.ctx, a.cfg.Recovery.Interval) })
	}

	if a.cfg.HTTPAddr != "" {
		a.server = &http.Server{
			Addr:              a.cfg.HTTPAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.wg.Go(func() {
			a.logger.Info("starting http server", slog.String("addr", a.cfg.HTTPAddr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server failed", logger.ErrAttr(err))
			}
		})
	}

	a.logger.Info(
		"replikv started",
		slog.Int("nodes", len(a.dir.IDs())),
		slog.String("transport", a.cfg.Transport.Kind),
	)
	return nil
}

// Stop shuts everything down and waits for every loop to exit.
func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.server != nil {
		err = errors.Join(err, a.server.Shutdown(ctx))
	}
	if a.cancel != nil {
		a.cancel()
	}
	for _, m := range a.dir.Members() {
		if m.Pump != nil {
			<-m.Pump.Done()
		}
	}
	a.wg.Wait()
	err = errors.Join(err, a.fabric.Close())
	a.logger.Info("replikv stopped")
	return err
}

// running reports whether id may receive writes.
func (a *App) running(id api.NodeID) bool {
	return a.orch.State(id) == api.StateRunning
}

func (a *App) spawnPump(m directory.Member, ep transport.Endpoint) api.Task {
	p := pump.New(m.ID, m.Handle, ep, a.orch, pump.ConfigFrom(a.cfg.Timings),
		pump.WithLogger(a.logger),
		pump.WithMetrics(a.metrics),
	)
	return pump.Start(a.ctx, p)
}

// Fail simulates a crash of id: its pump stops, its inbox is closed when the
// transport supports it and the node is marked unreachable.
func (a *App) Fail(id api.NodeID) error {
	m, err := a.dir.Lookup(id)
	if err != nil {
		return err
	}
	if m.Pump != nil {
		m.Pump.Stop()
	}
	if d, ok := a.fabric.(disconnecter); ok {
		d.Disconnect(id)
	}
	a.orch.MarkUnreachable(id)
	a.logger.Warn("node failed by operator", logger.NodeAttr(uint64(id)))
	return nil
}

func (a *App) Recover(ctx context.Context, id api.NodeID) error {
	return a.orch.Recover(ctx, id)
}

func (a *App) Status() httpapi.Status {
	var s httpapi.Status
	for _, m := range a.dir.Members() {
		ns := httpapi.NodeStatus{
			NodeID:     uint64(m.ID),
			State:      a.orch.State(m.ID).String(),
			DecidedIdx: m.Handle.DecidedIdx(),
		}
		if l, err := m.Handle.CurrentLeader(); err == nil {
			ns.Leader = uint64(l)
		}
		if es, ok := m.Handle.(engineStatus); ok {
			st := es.Status()
			ns.Role, ns.CurrentTerm, ns.CommitIndex = st.Role, st.Term, st.Commit
		}
		s.Nodes = append(s.Nodes, ns)
	}
	for _, id := range a.orch.Pending() {
		s.Pending = append(s.Pending, uint64(id))
	}
	view, idx := a.replica.Snapshot()
	s.Replica.DecidedIdx = idx
	s.Replica.Keys = len(view)
	return s
}

// KV returns the client-facing operations.
func (a *App) KV() api.KV { return a.coord }

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Directory() *directory.Directory { return a.dir }

func (a *App) Orchestrator() *recovery.Orchestrator { return a.orch }

func (a *App) Metrics() *metric.Metrics { return a.metrics }

func nodes(n int, addrFormat string, basePort int) []api.NodeConfig {
	out := make([]api.NodeConfig, 0, n)
	for i := range n {
		port := 0
		if basePort > 0 {
			port = basePort + i
		}
		out = append(out, api.NodeConfig{
			ID:       api.NodeID(i + 1),
			PeerAddr: fmt.Sprintf(addrFormat, port),
		})
	}
	return out
}
