package api

import "context"

// KV is the client-facing surface of the store. The HTTP front end depends
// only on this interface.
type KV interface {
	// Write appends kv and returns its decided position.
	Write(ctx context.Context, kv KeyValue) (uint64, error)
	// CAS replaces key's value with newValue if it currently equals oldValue.
	CAS(ctx context.Context, key string, oldValue, newValue uint64) (uint64, error)
	// Get returns the value of key and the decided position of the replica view.
	Get(ctx context.Context, key string) (uint64, uint64, error)
}
