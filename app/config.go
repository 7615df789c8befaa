package app

import (
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/pkg/engine"
	"github.com/shrtyk/replikv/pkg/logger"
)

const (
	defaultHTTPAddr = ":8080"
	defaultNodes    = 3
)

func DefaultConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.Timings{
			ElectionTick:   100 * time.Millisecond,
			OutgoingPeriod: 10 * time.Millisecond,
			SendTimeout:    100 * time.Millisecond,
			WriteTimeout:   5 * time.Second,
			WriteBackoff:   50 * time.Millisecond,
			TailInterval:   100 * time.Millisecond,
		},
		Routing: api.RoutingCfg{
			Write:     "leader",
			WriteNode: 1,
			Read:      "quorum-highest",
			ReadNode:  1,
		},
		Transport: api.TransportCfg{
			Kind:        "local",
			InboxSize:   1024,
			DialTimeout: time.Second,
			CBreaker: api.CircuitBreakerCfg{
				FailureThreshold: 6,
				SuccessThreshold: 4,
				ResetTimeout:     5 * time.Second,
			},
		},
		Engine:   engine.DefaultConfig(),
		Nodes:    nodes(defaultNodes, "127.0.0.1:%d", 7001),
		HTTPAddr: defaultHTTPAddr,
		Recovery: api.RecoveryCfg{
			SettleDelay:    500 * time.Millisecond,
			SettleAttempts: 2,
			Interval:       time.Second,
		},
	}
}

// TestsConfig is tuned for fast in-process clusters: short ticks, no HTTP
// listener and no background recovery loop.
func TestsConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.Timings{
			ElectionTick:   5 * time.Millisecond,
			OutgoingPeriod: time.Millisecond,
			SendTimeout:    20 * time.Millisecond,
			WriteTimeout:   2 * time.Second,
			WriteBackoff:   5 * time.Millisecond,
			TailInterval:   5 * time.Millisecond,
		},
		Routing: api.RoutingCfg{
			Write:     "leader",
			WriteNode: 1,
			Read:      "quorum-highest",
			ReadNode:  1,
		},
		Transport: api.TransportCfg{
			Kind:        "local",
			InboxSize:   1024,
			DialTimeout: time.Second,
			CBreaker: api.CircuitBreakerCfg{
				FailureThreshold: 6,
				SuccessThreshold: 4,
				ResetTimeout:     time.Second,
			},
		},
		Engine: engine.DefaultConfig(),
		Nodes:  nodes(defaultNodes, "127.0.0.1:%d", 0),
		Recovery: api.RecoveryCfg{
			SettleDelay:    150 * time.Millisecond,
			SettleAttempts: 2,
		},
	}
}
