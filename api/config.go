package api

import (
	"time"

	"github.com/shrtyk/replikv/pkg/logger"
)

type Config struct {
	Log       LoggerCfg    `yaml:"log"`
	Timings   Timings      `yaml:"timings"`
	Routing   RoutingCfg   `yaml:"routing"`
	Transport TransportCfg `yaml:"transport"`
	Engine    EngineCfg    `yaml:"engine"`
	Nodes     []NodeConfig `yaml:"nodes"`
	HTTPAddr  string       `yaml:"http_addr"`
	Recovery  RecoveryCfg  `yaml:"recovery"`
}

type LoggerCfg struct {
	Env       logger.Enviroment `yaml:"env"`
	AddSource bool              `yaml:"add_source"`
}

// NodeConfig is the static configuration of one cluster member.
type NodeConfig struct {
	ID NodeID `yaml:"id"`
	// PeerAddr is the gRPC address of the member's inbox. Only used by the
	// grpc transport.
	PeerAddr string `yaml:"peer_addr"`
}

type Timings struct {
	// ElectionTick is the period of the pump's election timer.
	ElectionTick time.Duration `yaml:"election_tick"`
	// OutgoingPeriod is the period of the pump's outbound flush timer.
	OutgoingPeriod time.Duration `yaml:"outgoing_period"`
	// SendTimeout bounds a single delivery to a peer inbox.
	SendTimeout time.Duration `yaml:"send_timeout"`
	// WriteTimeout bounds the wait for an appended entry to become decided.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// WriteBackoff is the fallback re-check interval of the write path.
	WriteBackoff time.Duration `yaml:"write_backoff"`
	// TailInterval is how often the replica materializer tails in the background.
	TailInterval time.Duration `yaml:"tail_interval"`
}

type RoutingCfg struct {
	// Write is one of "fixed", "round-robin", "random", "leader".
	Write string `yaml:"write"`
	// WriteNode is the target of the "fixed" write policy.
	WriteNode NodeID `yaml:"write_node"`
	// Read is one of "fixed", "quorum-highest", "random".
	Read string `yaml:"read"`
	// ReadNode is the source of the "fixed" read policy.
	ReadNode NodeID `yaml:"read_node"`
	// SerializeCAS enables per-key serialization of compare-and-swap.
	SerializeCAS bool `yaml:"serialize_cas"`
}

type TransportCfg struct {
	// Kind is "local" (in-process channels) or "grpc".
	Kind        string            `yaml:"kind"`
	InboxSize   int               `yaml:"inbox_size"`
	DialTimeout time.Duration     `yaml:"dial_timeout"`
	CBreaker    CircuitBreakerCfg `yaml:"cbreaker"`
}

type CircuitBreakerCfg struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

type EngineCfg struct {
	// ElectionTicks is the number of election ticks without leader contact
	// before a follower campaigns.
	ElectionTicks int `yaml:"election_ticks"`
	// HeartbeatTicks is the number of ticks between leader heartbeats.
	HeartbeatTicks int  `yaml:"heartbeat_ticks"`
	PreVote        bool `yaml:"pre_vote"`
}

type RecoveryCfg struct {
	// SettleDelay is how long a recovered member is given to rejoin before
	// leadership is verified.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// SettleAttempts is the number of settle waits before recovery fails.
	SettleAttempts int `yaml:"settle_attempts"`
	// Interval drains pending recoveries automatically when positive.
	Interval time.Duration `yaml:"interval"`
}

// NodeIDs returns the ids of all configured members in configuration order.
func (c *Config) NodeIDs() []NodeID {
	ids := make([]NodeID, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
