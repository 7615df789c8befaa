package enginetest

import (
	"testing"

	"github.com/shrtyk/replikv/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowerLearnsThroughHeartbeat(t *testing.T) {
	c := NewCluster(1, 2, 3)
	require.NoError(t, c.Handle(2).Append(api.KeyValue{Key: "a", Value: 1}))

	assert.Equal(t, uint64(1), c.Handle(1).DecidedIdx())
	assert.Equal(t, uint64(0), c.Handle(2).DecidedIdx())

	c.Handle(1).ElectionTimeout()
	msgs := c.Handle(1).OutgoingMessages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		c.Handle(m.To).HandleIncoming(m)
	}

	assert.Equal(t, uint64(1), c.Handle(2).DecidedIdx())
	leader, err := c.Handle(3).CurrentLeader()
	require.NoError(t, err)
	assert.Equal(t, api.NodeID(1), leader)
}

func TestSuffixCountsSnapshotUnits(t *testing.T) {
	c := NewCluster(1)
	c.Inject(api.Snapshotted(api.SnapshotMap{"a": 1, "b": 2}))
	c.Inject(api.DecidedLogEntry{Kind: api.EntryUndecided})
	require.NoError(t, c.Handle(1).Append(api.KeyValue{Key: "c", Value: 3}))

	h := c.Handle(1)
	assert.Equal(t, uint64(3), h.DecidedIdx())

	ents, err := h.ReadDecidedSuffix(2)
	require.NoError(t, err)
	require.Len(t, ents, 2)
	assert.Equal(t, api.EntryUndecided, ents[0].Kind)
	assert.Equal(t, api.KeyValue{Key: "c", Value: 3}, ents[1].KV)
}

func TestCrashedMemberRefusesAppends(t *testing.T) {
	c := NewCluster(1, 2)
	c.Crash(1)

	err := c.Handle(2).Append(api.KeyValue{Key: "a", Value: 1})
	assert.ErrorIs(t, err, api.ErrUnavailable)

	c.Handle(1).FailRecovery()
	c.SetLeader(1)
	assert.NoError(t, c.Handle(2).Append(api.KeyValue{Key: "a", Value: 1}))
	assert.Equal(t, 1, c.Handle(1).Stats().Recoveries)
}
