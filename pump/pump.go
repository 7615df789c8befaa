// Package pump drives one consensus member: it ticks the election clock,
// flushes outbound protocol messages and feeds inbound ones to the engine.
//
// Work is taken in strict precedence: election tick, then outgoing flush,
// then one inbound message. An inbound message that becomes ready together
// with a timer is held until the timers are processed.
package pump

import (
	"context"
	"log/slog"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/internal/metric"
	"github.com/shrtyk/replikv/pkg/logger"
	"github.com/shrtyk/replikv/transport"
)

// Reporter learns about peers that could not be reached.
type Reporter interface {
	MarkUnreachable(id api.NodeID)
}

type Config struct {
	ElectionTick   time.Duration
	OutgoingPeriod time.Duration
	SendTimeout    time.Duration
}

func ConfigFrom(t api.Timings) Config {
	return Config{
		ElectionTick:   t.ElectionTick,
		OutgoingPeriod: t.OutgoingPeriod,
		SendTimeout:    t.SendTimeout,
	}
}

type Pump struct {
	id       api.NodeID
	handle   api.ConsensusHandle
	inbox    <-chan api.Message
	outbox   transport.Outbox
	reporter Reporter
	cfg      Config

	logger  *slog.Logger
	metrics *metric.Metrics
}

type Option func(*Pump)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pump) { p.logger = l }
}

func WithMetrics(m *metric.Metrics) Option {
	return func(p *Pump) { p.metrics = m }
}

// New creates a pump for member id. reporter may be nil.
func New(
	id api.NodeID,
	handle api.ConsensusHandle,
	ep transport.Endpoint,
	reporter Reporter,
	cfg Config,
	opts ...Option,
) *Pump {
	p := &Pump{
		id:       id,
		handle:   handle,
		inbox:    ep.Inbox,
		outbox:   ep.Outbox,
		reporter: reporter,
		cfg:      cfg,
		logger:   logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logger.NodeAttr(uint64(id)), slog.String("component", "pump"))
	return p
}

// Run blocks until ctx is done.
func (p *Pump) Run(ctx context.Context) {
	election := time.NewTicker(p.cfg.ElectionTick)
	outgoing := time.NewTicker(p.cfg.OutgoingPeriod)
	defer func() {
		election.Stop()
		outgoing.Stop()
	}()

	p.logger.Debug("pump started")
	defer p.logger.Debug("pump stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-election.C:
			p.handle.ElectionTimeout()
			continue
		default:
		}

		select {
		case <-outgoing.C:
			p.flush(ctx)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-election.C:
			p.handle.ElectionTimeout()
		case <-outgoing.C:
			p.flush(ctx)
		case msg := <-p.inbox:
			p.drainTimers(ctx, election, outgoing)
			p.receive(msg)
		}
	}
}

// drainTimers runs any timer that fired while an inbound message was selected.
func (p *Pump) drainTimers(ctx context.Context, election, outgoing *time.Ticker) {
	select {
	case <-election.C:
		p.handle.ElectionTimeout()
	default:
	}
	select {
	case <-outgoing.C:
		p.flush(ctx)
	default:
	}
}

func (p *Pump) receive(msg api.Message) {
	if msg.To != p.id {
		p.logger.Debug("dropping misrouted message", slog.Uint64("to", uint64(msg.To)))
		return
	}
	p.handle.HandleIncoming(msg)
	p.metrics.MessageReceived(uint64(p.id))
}

// flush sends every queued message. A peer that fails once is reported and
// skipped for the rest of this flush.
func (p *Pump) flush(ctx context.Context) {
	msgs := p.handle.OutgoingMessages()
	if len(msgs) == 0 {
		return
	}

	var failed map[api.NodeID]struct{}
	for _, msg := range msgs {
		if _, ok := failed[msg.To]; ok {
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		err := p.outbox.Send(sctx, msg)
		cancel()
		if err == nil {
			p.metrics.MessageSent(uint64(p.id))
			continue
		}
		if ctx.Err() != nil {
			return
		}

		if failed == nil {
			failed = make(map[api.NodeID]struct{})
		}
		failed[msg.To] = struct{}{}
		p.unreachable(msg.To, err)
	}
}

func (p *Pump) unreachable(peer api.NodeID, err error) {
	p.logger.Warn("peer unreachable", slog.Uint64("peer", uint64(peer)), logger.ErrAttr(err))
	p.metrics.SendFailed(uint64(p.id), uint64(peer))
	if r, ok := p.handle.(api.UnreachableReporter); ok {
		r.ReportUnreachable(peer)
	}
	if p.reporter != nil {
		p.reporter.MarkUnreachable(peer)
	}
}

var _ api.Task = (*Task)(nil)

// Task is a running pump.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs p in its own goroutine until the task is stopped or ctx is done.
func Start(ctx context.Context, p *Pump) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		p.Run(ctx)
	}()
	return t
}

// Stop cancels the pump and waits until it has exited.
func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

func (t *Task) Done() <-chan struct{} { return t.done }
