package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/pkg/logger"
	"google.golang.org/grpc"
)

var _ Fabric = (*GRPCMesh)(nil)

// GRPCMesh runs one GRPCFabric per member inside a single process. Every
// member gets its own listener and reaches its peers over grpc, exactly as
// members living in separate processes would.
type GRPCMesh struct {
	fabrics map[api.NodeID]*GRPCFabric
}

// NewGRPCMesh listens on every member's PeerAddr and connects each member to
// all the others. A PeerAddr with port 0 picks a free port.
func NewGRPCMesh(cfg api.TransportCfg, nodes []api.NodeConfig, log *slog.Logger) (*GRPCMesh, error) {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	m := &GRPCMesh{fabrics: make(map[api.NodeID]*GRPCFabric, len(nodes))}

	addrs := make(map[api.NodeID]string, len(nodes))
	for _, n := range nodes {
		lis, err := net.Listen("tcp", n.PeerAddr)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("listen for node %d: %w", n.ID, err), m.Close())
		}
		addrs[n.ID] = lis.Addr().String()

		flog := log.With(logger.NodeAttr(uint64(n.ID)))
		f := NewGRPCFabric(cfg, flog)
		f.Host(n.ID)
		m.fabrics[n.ID] = f
		go func() {
			if err := f.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				flog.Error("peer transport stopped", logger.ErrAttr(err))
			}
		}()
	}

	for id, f := range m.fabrics {
		peers := make(map[api.NodeID]string, len(addrs)-1)
		for pid, addr := range addrs {
			if pid != id {
				peers[pid] = addr
			}
		}
		if err := f.AddPeers(peers); err != nil {
			return nil, errors.Join(err, m.Close())
		}
	}
	return m, nil
}

func (m *GRPCMesh) fabric(id api.NodeID) (*GRPCFabric, error) {
	f, ok := m.fabrics[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", api.ErrUnknownNode, id)
	}
	return f, nil
}

func (m *GRPCMesh) Endpoint(id api.NodeID) (Endpoint, error) {
	f, err := m.fabric(id)
	if err != nil {
		return Endpoint{}, err
	}
	return f.Endpoint(id)
}

func (m *GRPCMesh) Rebuild(id api.NodeID) (Endpoint, error) {
	f, err := m.fabric(id)
	if err != nil {
		return Endpoint{}, err
	}
	return f.Rebuild(id)
}

// Disconnect closes id's inbox until Rebuild.
func (m *GRPCMesh) Disconnect(id api.NodeID) {
	if f, err := m.fabric(id); err == nil {
		f.Disconnect(id)
	}
}

func (m *GRPCMesh) Close() error {
	var err error
	for id, f := range m.fabrics {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close node %d transport: %w", id, cerr))
		}
	}
	return err
}
