// Package recovery brings unreachable members back into the cluster.
//
// Every member moves through Running -> Unreachable -> Recovering -> Running.
// A member whose leadership view cannot be verified after the settle attempts
// ends in Failed: its pump is stopped and only an explicit Recover call
// restarts it.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/directory"
	"github.com/shrtyk/replikv/internal/keylock"
	"github.com/shrtyk/replikv/internal/metric"
	"github.com/shrtyk/replikv/internal/retry"
	"github.com/shrtyk/replikv/pkg/logger"
	"github.com/shrtyk/replikv/transport"
)

const (
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultSettleAttempts = 2
)

var errNoAgreement = errors.New("no peer agrees on the leader")

// RecoveryError is returned when a recovered member could not be verified.
// It matches api.ErrRecoveryFailed with errors.Is.
type RecoveryError struct {
	Node     api.NodeID
	Attempts int
	Err      error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery of node %d failed after %d settle attempts: %v", e.Node, e.Attempts, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

func (e *RecoveryError) Is(target error) bool { return target == api.ErrRecoveryFailed }

// PumpFactory starts a pump for m on fresh endpoint ep. The returned task must
// outlive the Recover call that created it.
type PumpFactory func(m directory.Member, ep transport.Endpoint) api.Task

type Config struct {
	SettleDelay    time.Duration
	SettleAttempts int
}

func ConfigFrom(c api.RecoveryCfg) Config {
	return Config{SettleDelay: c.SettleDelay, SettleAttempts: c.SettleAttempts}
}

type Orchestrator struct {
	dir    *directory.Directory
	fabric transport.Fabric
	spawn  PumpFactory
	cfg    Config

	mu      sync.Mutex
	states  map[api.NodeID]api.NodeState
	pending map[api.NodeID]struct{}
	wake    chan struct{}

	// nodes serializes recoveries of the same member.
	nodes keylock.Barrier[api.NodeID]

	logger  *slog.Logger
	metrics *metric.Metrics
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m *metric.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func New(dir *directory.Directory, fabric transport.Fabric, spawn PumpFactory, cfg Config, opts ...Option) *Orchestrator {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.SettleAttempts <= 0 {
		cfg.SettleAttempts = DefaultSettleAttempts
	}
	o := &Orchestrator{
		dir:     dir,
		fabric:  fabric,
		spawn:   spawn,
		cfg:     cfg,
		states:  make(map[api.NodeID]api.NodeState),
		pending: make(map[api.NodeID]struct{}),
		wake:    make(chan struct{}, 1),
		logger:  logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(slog.String("component", "recovery"))
	for _, id := range dir.IDs() {
		o.setStateLocked(id, api.StateRunning)
	}
	return o
}

// MarkUnreachable queues id for recovery. Members already unreachable,
// recovering or failed are left alone.
func (o *Orchestrator) MarkUnreachable(id api.NodeID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[id]
	if !ok || st != api.StateRunning {
		return
	}
	o.setStateLocked(id, api.StateUnreachable)
	o.pending[id] = struct{}{}
	o.logger.Warn("node marked unreachable", logger.NodeAttr(uint64(id)))

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// State returns the recovery state of id.
func (o *Orchestrator) State(id api.NodeID) api.NodeState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[id]
}

// Pending returns the members waiting for recovery in id order.
func (o *Orchestrator) Pending() []api.NodeID {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]api.NodeID, 0, len(o.pending))
	for id := range o.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Recover rebuilds id's channels, restarts its engine and pump and verifies
// that it agrees with a peer on the leader. Recovering a running member is a
// no-op. Failed members may be recovered again.
func (o *Orchestrator) Recover(ctx context.Context, id api.NodeID) error {
	o.nodes.Lock(id)
	defer o.nodes.Unlock(id)

	o.mu.Lock()
	st, ok := o.states[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %d", api.ErrUnknownNode, id)
	}
	if st == api.StateRunning {
		delete(o.pending, id)
		o.mu.Unlock()
		return nil
	}
	o.setStateLocked(id, api.StateRecovering)
	delete(o.pending, id)
	o.mu.Unlock()

	log := o.logger.With(logger.NodeAttr(uint64(id)))
	log.Info("recovering node", slog.String("from", st.String()))
	start := time.Now()

	m, err := o.restart(id)
	if err != nil {
		return o.fail(log, id, 0, err)
	}

	attempts := 0
	err = retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		return o.settle(ctx, m)
	},
		retry.WithMaxAttempts(o.cfg.SettleAttempts),
		retry.WithConstantDelay(0),
		retry.WithOnRetry(func(attempt int, err error) {
			log.Warn("settle verification failed, waiting again", slog.Int("attempt", attempt), logger.ErrAttr(err))
		}),
	)
	if err != nil {
		if m.Pump != nil {
			m.Pump.Stop()
		}
		if ctx.Err() != nil {
			return o.interrupt(log, id, ctx.Err())
		}
		return o.fail(log, id, attempts, err)
	}

	o.mu.Lock()
	o.setStateLocked(id, api.StateRunning)
	o.mu.Unlock()
	o.metrics.Recovery(uint64(id), "ok")
	log.Info("node recovered", slog.Duration("took", time.Since(start)))
	return nil
}

// restart replaces id's pump and channels and returns the new member entry.
func (o *Orchestrator) restart(id api.NodeID) (directory.Member, error) {
	m, err := o.dir.Lookup(id)
	if err != nil {
		return directory.Member{}, err
	}
	if m.Pump != nil {
		m.Pump.Stop()
	}

	ep, err := o.fabric.Rebuild(id)
	if err != nil {
		return directory.Member{}, fmt.Errorf("rebuild channels: %w", err)
	}

	m.Handle.FailRecovery()
	for _, peer := range o.dir.IDs() {
		if peer != id {
			m.Handle.Reconnected(peer)
		}
	}

	m.Pump = o.spawn(m, ep)
	if _, err := o.dir.Replace(m); err != nil {
		m.Pump.Stop()
		return directory.Member{}, err
	}
	return m, nil
}

// settle waits the settle delay and then checks that m and at least one peer
// report the same leader.
func (o *Orchestrator) settle(ctx context.Context, m directory.Member) error {
	t := time.NewTimer(o.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	leader, err := m.Handle.CurrentLeader()
	if err != nil {
		return err
	}
	for _, peer := range o.dir.Members() {
		if peer.ID == m.ID {
			continue
		}
		if l, err := peer.Handle.CurrentLeader(); err == nil && l == leader {
			return nil
		}
	}
	return fmt.Errorf("%w: node %d follows %d", errNoAgreement, m.ID, leader)
}

func (o *Orchestrator) fail(log *slog.Logger, id api.NodeID, attempts int, err error) error {
	o.mu.Lock()
	o.setStateLocked(id, api.StateFailed)
	o.mu.Unlock()
	o.metrics.Recovery(uint64(id), "failed")

	rerr := &RecoveryError{Node: id, Attempts: attempts, Err: err}
	log.Error("RECOVERY FAILED, node stopped serving", logger.ErrAttr(rerr))
	return rerr
}

// interrupt puts id back in the pending set when the caller gave up before
// the settle check could finish.
func (o *Orchestrator) interrupt(log *slog.Logger, id api.NodeID, cause error) error {
	o.mu.Lock()
	o.setStateLocked(id, api.StateUnreachable)
	o.pending[id] = struct{}{}
	o.mu.Unlock()
	o.metrics.Recovery(uint64(id), "interrupted")

	log.Warn("recovery interrupted, node queued again", logger.ErrAttr(cause))
	return fmt.Errorf("%w: recovery of node %d interrupted: %w", api.ErrTimeout, id, cause)
}

// RecoverPending recovers every queued member and joins their errors.
func (o *Orchestrator) RecoverPending(ctx context.Context) error {
	var err error
	for _, id := range o.Pending() {
		err = errors.Join(err, o.Recover(ctx, id))
	}
	return err
}

// Run drains the pending set whenever a member is marked unreachable and
// every interval, until ctx is done.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		case <-t.C:
		}
		// Errors are logged by Recover.
		_ = o.RecoverPending(ctx)
	}
}

func (o *Orchestrator) setStateLocked(id api.NodeID, st api.NodeState) {
	o.states[id] = st
	o.metrics.NodeState(uint64(id), uint32(st))
}
