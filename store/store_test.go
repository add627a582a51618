package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := New(context.Background(), "redis://"+mr.Addr()+"/0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestHashRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	err := s.HashSet(ctx, "Action:Noop:1", map[string]string{"id": "1", "status": "Pending"})
	require.NoError(t, err)

	got, err := s.HashGetAll(ctx, "Action:Noop:1")
	require.NoError(t, err)
	assert.Equal(t, "1", got["id"])
	assert.Equal(t, "Pending", got["status"])

	field, err := s.HashGet(ctx, "Action:Noop:1", "status")
	require.NoError(t, err)
	assert.Equal(t, "Pending", field)
}

func TestSetMembership(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetAdd(ctx, "QueueNames", "default", "reports"))

	ok, err := s.SetIsMember(ctx, "QueueNames", "default")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetIsMember(ctx, "QueueNames", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	members, err := s.SetMembers(ctx, "QueueNames")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"default", "reports"}, members)
}

func TestEnqueueActionIsAtomicMultiOp(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	err := s.EnqueueAction(ctx, "default", "Action:Noop:1", map[string]string{
		"id":     "1",
		"status": "Pending",
	}, time.Hour)
	require.NoError(t, err)

	hash, err := s.HashGetAll(ctx, "Action:Noop:1")
	require.NoError(t, err)
	assert.Equal(t, "Pending", hash["status"])

	depth, err := s.ListLen(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	ttl := mr.TTL("Action:Noop:1")
	assert.True(t, ttl > 0, "expected a TTL to be set on the action hash")
}

func TestBlockingPopReturnsPushedValue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ListPush(ctx, "default", "Action:Noop:1"))

	val, err := s.BlockingPop("defaultHandler", "default", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Action:Noop:1", val)
}

func TestConnIsCachedPerRole(t *testing.T) {
	s, _ := newTestStore(t)

	a := s.Conn("ActionSubscriber")
	b := s.Conn("ActionSubscriber")
	c := s.Conn("defaultHandler")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestCheckAndSetSentinelOnlyFirstCallerWins(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.CheckAndSetSentinel(ctx, "ConfigurationCheck", time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := s.CheckAndSetSentinel(ctx, "ConfigurationCheck", time.Hour)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestSortedSetRemoveExpired(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	require.NoError(t, s.SortedSetAdd(ctx, "Event:Foo:index", float64(past.Unix()), "Event:Foo:1"))
	require.NoError(t, s.SortedSetAdd(ctx, "Event:Foo:index", float64(future.Unix()), "Event:Foo:2"))

	require.NoError(t, s.SortedSetRemoveExpired(ctx, "Event:Foo:index", time.Now()))

	members, err := s.primary.ZRange(ctx, "Event:Foo:index", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"Event:Foo:2"}, members)
}

func TestKeyspaceChannelUsesSelectedDB(t *testing.T) {
	s, _ := newTestStore(t)
	assert.Equal(t, "__keyspace@0__:Action:Noop:1", s.KeyspaceChannel("Action:Noop:1"))
}
