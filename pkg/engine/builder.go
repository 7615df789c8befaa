package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/pkg/logger"
	"go.etcd.io/etcd/raft/v3"
)

// Builder constructs a Node.
type Builder struct {
	// required
	me    api.NodeID
	peers []api.NodeID

	// optional with defaults
	cfg    api.EngineCfg
	logger *slog.Logger
}

// NewBuilder returns a builder for member me of a cluster made of members.
// members must contain me.
func NewBuilder(me api.NodeID, members []api.NodeID) *Builder {
	return &Builder{
		me:    me,
		peers: slices.Clone(members),
		cfg:   DefaultConfig(),
	}
}

func DefaultConfig() api.EngineCfg {
	return api.EngineCfg{
		ElectionTicks:  10,
		HeartbeatTicks: 1,
		PreVote:        true,
	}
}

func (b *Builder) WithConfig(cfg api.EngineCfg) *Builder {
	b.cfg = cfg
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

// Build bootstraps a fresh in-memory raft member.
func (b *Builder) Build() (*Node, error) {
	if b.me == 0 {
		return nil, errors.New("engine: node id must be positive")
	}
	if !slices.Contains(b.peers, b.me) {
		return nil, fmt.Errorf("engine: node %d is not a cluster member", b.me)
	}

	log := b.logger
	if log == nil {
		log = logger.NewLogger(logger.Prod, false)
	}
	log = log.With(logger.NodeAttr(uint64(b.me)))

	n := &Node{
		id:          b.me,
		peers:       b.peers,
		cfg:         b.cfg,
		logger:      log,
		storage:     raft.NewMemoryStorage(),
		unreachable: make(map[api.NodeID]struct{}),
		decidedCh:   make(chan struct{}),
	}

	rn, err := raft.NewRawNode(n.raftConfig())
	if err != nil {
		return nil, fmt.Errorf("engine: failed to create raft node: %w", err)
	}

	bootstrap := make([]raft.Peer, 0, len(b.peers))
	for _, p := range b.peers {
		bootstrap = append(bootstrap, raft.Peer{ID: uint64(p)})
	}
	if err := rn.Bootstrap(bootstrap); err != nil {
		return nil, fmt.Errorf("engine: failed to bootstrap: %w", err)
	}

	n.rn = rn
	n.mu.Lock()
	n.advance()
	n.mu.Unlock()
	return n, nil
}
