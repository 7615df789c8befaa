// Package materializer tails the decided log of the cluster into a local
// key-value view. Reads served from it are point-in-time views as of the
// last sync and are not linearizable.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/directory"
	"github.com/shrtyk/replikv/internal/metric"
	"github.com/shrtyk/replikv/pkg/logger"
)

// Entry is the result of a read.
type Entry struct {
	Key   string
	Value uint64
	// DecidedIdx is the position of the newest unit applied to the replica
	// when the value was read. Write results use the same positions.
	DecidedIdx uint64
}

type Materializer struct {
	dir    *directory.Directory
	policy SourcePolicy
	state  *ReplicaState

	// syncMu serializes suffix reads so every suffix starts at the local index.
	syncMu sync.Mutex

	logger  *slog.Logger
	metrics *metric.Metrics
}

type Option func(*Materializer)

func WithPolicy(p SourcePolicy) Option {
	return func(m *Materializer) { m.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Materializer) { m.logger = l }
}

func WithMetrics(mt *metric.Metrics) Option {
	return func(m *Materializer) { m.metrics = mt }
}

// New creates an empty replica over dir. The default policy is QuorumHighest.
func New(dir *directory.Directory, opts ...Option) *Materializer {
	m := &Materializer{
		dir:    dir,
		state:  NewReplicaState(),
		logger: logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policy == nil {
		m.policy = QuorumHighest(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	m.logger = m.logger.With(slog.String("component", "materializer"), slog.String("policy", m.policy.Name()))
	return m
}

// Sync catches the replica up with the member chosen by the source policy.
func (m *Materializer) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", api.ErrTimeout, err)
	}
	src, err := m.policy.Source(m.dir)
	if err != nil {
		return err
	}
	return m.SyncFrom(ctx, src.ID, src.Handle)
}

// SyncFrom catches the replica up with handle h of member id.
func (m *Materializer) SyncFrom(ctx context.Context, id api.NodeID, h api.ConsensusHandle) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	local := m.state.DecidedIdx()
	remote := h.DecidedIdx()
	if remote <= local {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", api.ErrTimeout, err)
	}

	entries, err := h.ReadDecidedSuffix(local)
	if err != nil {
		return fmt.Errorf("%w: read decided suffix from %d: %v", api.ErrUnavailable, id, err)
	}
	units, err := m.state.Apply(local, entries)
	if err != nil {
		return fmt.Errorf("apply suffix from %d: %w", id, err)
	}
	if units > 0 {
		idx := m.state.DecidedIdx()
		m.metrics.Applied(units, idx)
		m.logger.Debug(
			"replica advanced",
			slog.Uint64("source", uint64(id)),
			slog.Uint64("units", units),
			slog.Uint64("decided_idx", idx),
		)
	}
	return nil
}

// Get syncs and then reads key.
func (m *Materializer) Get(ctx context.Context, key string) (Entry, error) {
	if err := m.Sync(ctx); err != nil {
		return Entry{}, err
	}
	v, idx, ok := m.state.Get(key)
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", api.ErrNotFound, key)
	}
	return Entry{Key: key, Value: v, DecidedIdx: idx - 1}, nil
}

// DecidedIdx returns the number of units applied to the replica.
func (m *Materializer) DecidedIdx() uint64 { return m.state.DecidedIdx() }

// Snapshot returns a copy of the replica's view.
func (m *Materializer) Snapshot() (api.SnapshotMap, uint64) { return m.state.Snapshot() }

// Watch returns a channel closed at the next decided index advance.
func (m *Materializer) Watch() <-chan struct{} { return m.state.Watch() }

// Run syncs every interval until ctx is done, so watchers wake without reads.
func (m *Materializer) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.Sync(ctx); err != nil && !errors.Is(err, api.ErrTimeout) {
				m.logger.Debug("background sync failed", logger.ErrAttr(err))
			}
		}
	}
}
