// Package coordinator implements the client-facing operations of the store:
// routed writes that wait until their entry is decided, reads served from the
// replica materializer, and an optimistic compare-and-swap.
//
// CAS is a read followed by an ordinary write. The two steps are not atomic:
// a concurrent writer may commit between them, so two callers that observed
// the same old value can both succeed and only the log order decides the
// final value. WithKeySerialization closes the gap for callers sharing one
// Coordinator, not across processes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/directory"
	"github.com/shrtyk/replikv/internal/keylock"
	"github.com/shrtyk/replikv/internal/metric"
	"github.com/shrtyk/replikv/materializer"
	"github.com/shrtyk/replikv/pkg/logger"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultBackoff      = 50 * time.Millisecond
)

var _ api.KV = (*Coordinator)(nil)

// decidedNotifier is implemented by handles that can signal decided index growth.
type decidedNotifier interface {
	DecidedChanged() <-chan struct{}
}

type Coordinator struct {
	dir     *directory.Directory
	replica *materializer.Materializer
	router  directory.Router

	writeTimeout time.Duration
	backoff      time.Duration
	keys         *keylock.Barrier[string]

	logger  *slog.Logger
	metrics *metric.Metrics
}

type Option func(*Coordinator)

// WithRouter sets the write routing policy. The default routes to the leader
// known by the lowest member id.
func WithRouter(r directory.Router) Option {
	return func(c *Coordinator) { c.router = r }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.writeTimeout = d }
}

// WithBackoff sets the interval at which a pending write rescans the log
// when no notification arrives.
func WithBackoff(d time.Duration) Option {
	return func(c *Coordinator) { c.backoff = d }
}

// WithKeySerialization makes CAS calls on the same key run one at a time.
func WithKeySerialization() Option {
	return func(c *Coordinator) { c.keys = new(keylock.Barrier[string]) }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metric.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(dir *directory.Directory, replica *materializer.Materializer, opts ...Option) *Coordinator {
	c := &Coordinator{
		dir:          dir,
		replica:      replica,
		writeTimeout: DefaultWriteTimeout,
		backoff:      DefaultBackoff,
		logger:       logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.router == nil {
		var first api.NodeID
		if ids := dir.IDs(); len(ids) > 0 {
			first = ids[0]
		}
		c.router = directory.Leader(directory.Fixed(first))
	}
	c.logger = c.logger.With(slog.String("component", "coordinator"))
	return c
}

// Write appends kv through a routed member and waits until it is decided.
// It returns the position of the entry in the decided log. When the wait
// exceeds the write timeout or ctx is done it fails with api.ErrTimeout; the
// entry may still be decided later.
func (c *Coordinator) Write(ctx context.Context, kv api.KeyValue) (uint64, error) {
	start := time.Now()
	idx, err := c.write(ctx, kv)
	switch {
	case err == nil:
		c.metrics.Write("ok", time.Since(start))
	case errors.Is(err, api.ErrTimeout):
		c.metrics.Write("timeout", time.Since(start))
	default:
		c.metrics.Write("unavailable", time.Since(start))
	}
	return idx, err
}

func (c *Coordinator) write(ctx context.Context, kv api.KeyValue) (uint64, error) {
	m, err := c.dir.Route(c.router)
	if err != nil {
		return 0, fmt.Errorf("%w: route write: %w", api.ErrUnavailable, err)
	}
	log := c.logger.With(logger.NodeAttr(uint64(m.ID)), slog.String("key", kv.Key))

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	before := m.Handle.DecidedIdx()
	if err := m.Handle.Append(kv); err != nil {
		log.Debug("append rejected", logger.ErrAttr(err))
		if errors.Is(err, api.ErrUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", api.ErrUnavailable, err)
	}

	idx, err := c.awaitDecided(ctx, m.Handle, before, kv)
	if err != nil {
		log.Warn("write not decided in time", slog.Uint64("before", before), logger.ErrAttr(err))
		return 0, err
	}

	// The member just reported the entry as decided, so syncing from it
	// makes the write visible to reads served by the replica.
	if err := c.replica.SyncFrom(ctx, m.ID, m.Handle); err != nil {
		log.Debug("replica sync after write failed", logger.ErrAttr(err))
	}

	log.Debug("write decided", slog.Uint64("decided_idx", idx))
	return idx, nil
}

// awaitDecided scans the decided log of h from position before until kv
// shows up. Each rescan resumes where the previous one stopped. Concurrent
// writes of an identical pair may all settle on its first occurrence.
func (c *Coordinator) awaitDecided(ctx context.Context, h api.ConsensusHandle, before uint64, kv api.KeyValue) (uint64, error) {
	var engineCh <-chan struct{}
	notifier, hasNotifier := h.(decidedNotifier)

	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	cursor := before
	for {
		replicaCh := c.replica.Watch()
		if hasNotifier {
			engineCh = notifier.DecidedChanged()
		}

		entries, err := h.ReadDecidedSuffix(cursor)
		if err != nil {
			c.logger.Debug("read decided suffix failed", logger.ErrAttr(err))
		}
		for _, e := range entries {
			if e.Kind == api.EntryDecided && e.KV == kv {
				return cursor, nil
			}
			cursor += e.Units()
		}

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %s not decided: %v", api.ErrTimeout, kv, ctx.Err())
		case <-replicaCh:
		case <-engineCh:
		case <-timer.C:
			timer.Reset(c.backoff)
		}
	}
}

// Get reads key from the replica.
func (c *Coordinator) Get(ctx context.Context, key string) (uint64, uint64, error) {
	e, err := c.replica.Get(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	return e.Value, e.DecidedIdx, nil
}

// CAS writes newValue if key currently holds oldValue on the replica.
// An absent key never matches. See the package documentation for the
// interleaving this does not rule out.
func (c *Coordinator) CAS(ctx context.Context, key string, oldValue, newValue uint64) (uint64, error) {
	if c.keys != nil {
		c.keys.Lock(key)
		defer c.keys.Unlock(key)
	}

	e, err := c.replica.Get(ctx, key)
	switch {
	case errors.Is(err, api.ErrNotFound):
		c.metrics.CASConflict()
		return 0, fmt.Errorf("%w: %q is absent", api.ErrConflict, key)
	case err != nil:
		return 0, err
	case e.Value != oldValue:
		c.metrics.CASConflict()
		return 0, fmt.Errorf("%w: %q is %d, expected %d", api.ErrConflict, key, e.Value, oldValue)
	}

	return c.Write(ctx, api.KeyValue{Key: key, Value: newValue})
}
