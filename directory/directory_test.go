package directory

import (
	"math/rand/v2"
	"testing"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/internal/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(ids ...api.NodeID) (*Directory, *enginetest.Cluster) {
	c := enginetest.NewCluster(ids...)
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, Member{ID: id, Handle: c.Handle(id)})
	}
	return New(members...), c
}

func TestLookupAndReplace(t *testing.T) {
	d, c := newTestDirectory(3, 1, 2)
	assert.Equal(t, []api.NodeID{1, 2, 3}, d.IDs())

	_, err := d.Lookup(9)
	assert.ErrorIs(t, err, api.ErrUnknownNode)

	old, err := d.Replace(Member{ID: 2, Handle: c.Handle(2), Config: api.NodeConfig{ID: 2, PeerAddr: "x"}})
	require.NoError(t, err)
	assert.Empty(t, old.Config.PeerAddr)

	m, err := d.Lookup(2)
	require.NoError(t, err)
	assert.Equal(t, "x", m.Config.PeerAddr)

	_, err = d.Replace(Member{ID: 9})
	assert.ErrorIs(t, err, api.ErrUnknownNode)
	assert.Len(t, d.Members(), 3)
}

func TestRoundRobinCycles(t *testing.T) {
	d, _ := newTestDirectory(1, 2, 3)
	r := RoundRobin()

	var got []api.NodeID
	for range 4 {
		m, err := d.Route(r)
		require.NoError(t, err)
		got = append(got, m.ID)
	}
	assert.Equal(t, []api.NodeID{1, 2, 3, 1}, got)
}

func TestRandomStaysInMembership(t *testing.T) {
	d, _ := newTestDirectory(1, 2, 3)
	r := Random(rand.NewPCG(1, 2))
	seen := map[api.NodeID]bool{}
	for range 100 {
		m, err := d.Route(r)
		require.NoError(t, err)
		seen[m.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestLeaderRouter(t *testing.T) {
	d, c := newTestDirectory(1, 2, 3)
	c.SetLeader(3)
	c.Sync()

	m, err := d.Route(Leader(Fixed(1)))
	require.NoError(t, err)
	assert.Equal(t, api.NodeID(3), m.ID)

	c.Crash(1)
	m, err = d.Route(Leader(Fixed(1)))
	require.NoError(t, err)
	assert.Equal(t, api.NodeID(1), m.ID, "falls back when the asked member knows no leader")
}

func TestEmptyDirectory(t *testing.T) {
	d := New()
	_, err := d.Route(RoundRobin())
	assert.Error(t, err)
	_, err = d.Route(Fixed(1))
	assert.ErrorIs(t, err, api.ErrUnknownNode)
}

func TestParseRouter(t *testing.T) {
	for name, want := range map[string]string{
		"":            "fixed(2)",
		"fixed":       "fixed(2)",
		"round-robin": "round-robin",
		"random":      "random",
		"leader":      "leader(round-robin)",
	} {
		r, err := ParseRouter(name, 2, rand.NewPCG(0, 0))
		require.NoError(t, err)
		assert.Equal(t, want, r.Name())
	}
	_, err := ParseRouter("sticky", 2, nil)
	assert.Error(t, err)
}

func TestHealthySkipsDownMembers(t *testing.T) {
	d, _ := newTestDirectory(1, 2, 3)
	down := map[api.NodeID]bool{1: true, 2: true}
	r := Healthy(RoundRobin(), func(id api.NodeID) bool { return !down[id] })

	for range 3 {
		m, err := d.Route(r)
		require.NoError(t, err)
		assert.Equal(t, api.NodeID(3), m.ID)
	}

	down[3] = true
	_, err := d.Route(r)
	assert.ErrorIs(t, err, api.ErrUnavailable)
}

func TestHealthyLeaderRouterMovesPastDownMember(t *testing.T) {
	d, c := newTestDirectory(1, 2, 3)
	c.SetLeader(2)

	r := Healthy(Leader(RoundRobin()), func(id api.NodeID) bool { return id != 1 })
	m, err := d.Route(r)
	require.NoError(t, err)
	assert.Equal(t, api.NodeID(2), m.ID)
}
