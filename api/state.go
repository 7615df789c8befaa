package api

// NodeState is the recovery state of one cluster member.
type NodeState uint32

const (
	_ NodeState = iota
	StateRunning
	StateUnreachable
	StateRecovering
	StateFailed
)

func (s NodeState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateUnreachable:
		return "unreachable"
	case StateRecovering:
		return "recovering"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
