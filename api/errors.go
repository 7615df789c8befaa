package api

import "errors"

var (
	// ErrNotFound is returned when a key is absent on the queried replica.
	ErrNotFound = errors.New("replikv: key not found")
	// ErrConflict is returned when a compare-and-swap precondition does not hold.
	ErrConflict = errors.New("replikv: value does not match expected old value")
	// ErrUnavailable is returned when the engine rejects an append or has no leader.
	ErrUnavailable = errors.New("replikv: consensus unavailable")
	// ErrTimeout is returned when a decided entry was not observed in time.
	ErrTimeout = errors.New("replikv: timed out waiting for decision")
	// ErrPeerUnreachable is returned by outboxes when a peer inbox cannot be reached.
	ErrPeerUnreachable = errors.New("replikv: peer unreachable")
	// ErrRecoveryFailed is the fatal outcome of repeated recovery verification failures.
	ErrRecoveryFailed = errors.New("replikv: recovery failed")
	// ErrUnknownNode is returned for node ids absent from the cluster directory.
	ErrUnknownNode = errors.New("replikv: unknown node")
)

// IsRetryable reports whether a caller may retry the operation with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
