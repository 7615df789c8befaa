package cbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDeliver = errors.New("deliver failed")

func fail(context.Context) (struct{}, error)    { return struct{}{}, errDeliver }
func succeed(context.Context) (struct{}, error) { return struct{}{}, nil }

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(2, 1, time.Hour)
	ctx := context.Background()

	_, err := Do(ctx, cb, fail)
	require.ErrorIs(t, err, errDeliver)
	assert.True(t, cb.IsClosed())

	_, err = Do(ctx, cb, fail)
	require.ErrorIs(t, err, errDeliver)
	assert.False(t, cb.IsClosed())
	assert.Equal(t, "open", cb.State())

	var called bool
	_, err = Do(ctx, cb, func(context.Context) (struct{}, error) {
		called = true
		return struct{}{}, nil
	})
	assert.ErrorIs(t, err, ErrOpenState)
	assert.False(t, called)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(1, 2, time.Second)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = Do(ctx, cb, fail)
	require.Equal(t, "open", cb.State())

	now = now.Add(2 * time.Second)
	_, err := Do(ctx, cb, succeed)
	require.NoError(t, err)
	assert.Equal(t, "half-open", cb.State())

	_, err = Do(ctx, cb, succeed)
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(1, 1, time.Second)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = Do(ctx, cb, fail)
	now = now.Add(2 * time.Second)
	_, _ = Do(ctx, cb, fail)
	assert.Equal(t, "open", cb.State())

	cb.Reset()
	assert.True(t, cb.IsClosed())
}
