// Package config loads the YAML configuration file over a base config.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/directory"
	"github.com/shrtyk/replikv/materializer"
	"gopkg.in/yaml.v3"
)

// Load reads path and overlays it on a copy of base. Fields absent from the
// file keep the base values.
func Load(path string, base *api.Config) (*api.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data, base)
}

// Parse is Load for an in-memory document.
func Parse(data []byte, base *api.Config) (*api.Config, error) {
	cfg := *base
	cfg.Nodes = append([]api.NodeConfig(nil), base.Nodes...)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem of cfg at once.
func Validate(cfg *api.Config) error {
	var errs []error
	if len(cfg.Nodes) == 0 {
		errs = append(errs, errors.New("no nodes configured"))
	}
	seen := make(map[api.NodeID]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		switch {
		case n.ID == 0:
			errs = append(errs, errors.New("node id 0 is reserved"))
		case seen[n.ID]:
			errs = append(errs, fmt.Errorf("duplicate node id %d", n.ID))
		}
		seen[n.ID] = true
		if cfg.Transport.Kind == "grpc" && n.PeerAddr == "" {
			errs = append(errs, fmt.Errorf("node %d has no peer_addr", n.ID))
		}
	}

	t := cfg.Timings
	for name, d := range map[string]int64{
		"election_tick":   int64(t.ElectionTick),
		"outgoing_period": int64(t.OutgoingPeriod),
		"send_timeout":    int64(t.SendTimeout),
		"write_timeout":   int64(t.WriteTimeout),
		"write_backoff":   int64(t.WriteBackoff),
		"tail_interval":   int64(t.TailInterval),
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timings.%s must be positive", name))
		}
	}

	if _, err := directory.ParseRouter(cfg.Routing.Write, cfg.Routing.WriteNode, nil); err != nil {
		errs = append(errs, err)
	}
	if _, err := materializer.ParsePolicy(cfg.Routing.Read, cfg.Routing.ReadNode, nil); err != nil {
		errs = append(errs, err)
	}
	for name, id := range map[string]api.NodeID{"write_node": cfg.Routing.WriteNode, "read_node": cfg.Routing.ReadNode} {
		if id != 0 && len(seen) > 0 && !seen[id] {
			errs = append(errs, fmt.Errorf("routing.%s %d is not a configured node", name, id))
		}
	}

	switch cfg.Transport.Kind {
	case "", "local", "grpc":
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", cfg.Transport.Kind))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
