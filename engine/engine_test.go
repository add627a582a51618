package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleus.evalgo.org/action"
	"nucleus.evalgo.org/config"
	"nucleus.evalgo.org/dispatcher"
	"nucleus.evalgo.org/registry"
)

func newTestEngine(t *testing.T) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.EngineConfig{
		StoreURL:     "redis://" + mr.Addr() + "/0",
		DefaultQueue: "default",
		EngineName:   "test-engine",
		Environment:  config.Testing,
	}
	e := New(cfg, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e, mr
}

func rawClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEnsureInitSucceedsWhenStoreProperlyConfigured(t *testing.T) {
	e, mr := newTestEngine(t)
	client := rawClient(t, mr)
	ctx := context.Background()
	require.NoError(t, client.ConfigSet(ctx, "notify-keyspace-events", "AKE").Err())
	require.NoError(t, client.ConfigSet(ctx, "save", "3600 1").Err())

	require.NoError(t, e.ensureInit(ctx))

	ok, err := e.registry.IsRegisteredQueue(ctx, "default")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnsureInitExitsOnMisconfiguredKeyspaceNotifications(t *testing.T) {
	e, mr := newTestEngine(t)
	client := rawClient(t, mr)
	ctx := context.Background()
	require.NoError(t, client.ConfigSet(ctx, "notify-keyspace-events", "").Err())

	var exitCode int
	called := false
	origExit := osExit
	osExit = func(code int) { called = true; exitCode = code }
	defer func() { osExit = origExit }()

	err := e.ensureInit(ctx)
	require.Error(t, err)
	assert.True(t, called)
	assert.Equal(t, MisconfiguredExitCode, exitCode)
}

func TestEnsureInitSkipsVerificationWhenSentinelAlreadyHeld(t *testing.T) {
	e, mr := newTestEngine(t)
	client := rawClient(t, mr)
	ctx := context.Background()
	require.NoError(t, client.ConfigSet(ctx, "notify-keyspace-events", "").Err())
	require.NoError(t, client.SetNX(ctx, sentinelKey, "held-by-another-engine", time.Hour).Err())

	called := false
	origExit := osExit
	osExit = func(code int) { called = true }
	defer func() { osExit = origExit }()

	require.NoError(t, e.ensureInit(ctx))
	assert.False(t, called)
}

func TestEnsureInitRunsOnlyOnce(t *testing.T) {
	e, mr := newTestEngine(t)
	client := rawClient(t, mr)
	ctx := context.Background()
	require.NoError(t, client.ConfigSet(ctx, "notify-keyspace-events", "AKE").Err())
	require.NoError(t, client.ConfigSet(ctx, "save", "3600 1").Err())

	require.NoError(t, e.ensureInit(ctx))
	first := e.store

	require.NoError(t, e.ensureInit(ctx))
	assert.Same(t, first, e.store)
}

func TestPublishActionAndExecuteRoundTrip(t *testing.T) {
	e, mr := newTestEngine(t)
	client := rawClient(t, mr)
	ctx := context.Background()
	require.NoError(t, client.ConfigSet(ctx, "notify-keyspace-events", "AKE").Err())
	require.NoError(t, client.ConfigSet(ctx, "save", "3600 1").Err())

	require.NoError(t, e.RegisterHandler(ctx, "ExecuteSimpleDummy", func(ctx context.Context, host *dispatcher.HostContext, args ...interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"AID": "x"}, nil
	}, nil))
	require.NoError(t, e.StoreActionConfiguration(ctx, registry.ActionConfiguration{
		ActionName:      "ExecuteSimpleDummy",
		ActionSignature: []string{},
		ContextName:     "Self",
	}))

	act := action.New("ExecuteSimpleDummy", map[string]interface{}{}, action.Meta{OriginUserID: "u1"})
	require.NoError(t, e.PublishActionToQueueByName(ctx, "default", act))

	require.NoError(t, e.RetrievePendingAction(ctx, "default"))
	time.Sleep(50 * time.Millisecond)

	hash, err := e.store.HashGetAll(ctx, act.Key())
	require.NoError(t, err)
	assert.Equal(t, "Completed", hash["status"])
}
