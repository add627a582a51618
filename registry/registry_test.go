package registry

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleus.evalgo.org/errs"
	"nucleus.evalgo.org/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	s, err := store.New(context.Background(), "redis://"+mr.Addr()+"/0", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return New(s, "default")
}

func TestStoreActionConfigurationAssociatesDefaultQueue(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cfg := ActionConfiguration{
		ActionName:      "ExecuteSimpleDummy",
		ActionSignature: []string{},
		ContextName:     "Self",
		MethodName:      "ExecuteSimpleDummy",
	}
	require.NoError(t, r.StoreActionConfiguration(ctx, cfg))

	queue, err := r.GetQueueNameForAction(ctx, "ExecuteSimpleDummy")
	require.NoError(t, err)
	assert.Equal(t, "default", queue)

	ok, err := r.IsRegisteredQueue(ctx, "default")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := r.GetActionConfiguration(ctx, "ExecuteSimpleDummy")
	require.NoError(t, err)
	assert.Equal(t, cfg.ActionName, got.ActionName)
}

func TestGetActionConfigurationUndefinedContext(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.GetActionConfiguration(ctx, "NeverRegistered")
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.UndefinedContext, kind)
}

func TestStoreExtendableActionConfigurationRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cfg := ExtendableActionConfiguration{
		ActionConfiguration: ActionConfiguration{
			ActionName:      "ExecuteTemplatedThing",
			ActionSignature: []string{"resource_type"},
			ContextName:     "Self",
		},
		ExtendableActionName: "Execute${resource_type}",
		ExtendableActionArgumentDefault: map[string]string{
			"origin_user_id": "${origin_user_id}",
		},
	}
	require.NoError(t, r.StoreExtendableActionConfiguration(ctx, cfg))

	got, err := r.GetExtendableActionConfiguration(ctx, "ExecuteTemplatedThing")
	require.NoError(t, err)
	assert.Equal(t, cfg.ExtendableActionName, got.ExtendableActionName)
	assert.Equal(t, cfg.ExtendableActionArgumentDefault, got.ExtendableActionArgumentDefault)

	queue, err := r.GetQueueNameForAction(ctx, "ExecuteTemplatedThing")
	require.NoError(t, err)
	assert.Equal(t, "default", queue)
}

func TestStoreResourceStructure(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	rs := ResourceStructure{
		ResourceType:             "Room",
		PropertiesByArgumentName: map[string]string{"name": "string"},
		ContextName:              "Self",
	}
	require.NoError(t, r.StoreResourceStructure(ctx, rs))

	got, err := r.GetResourceStructure(ctx, "Room")
	require.NoError(t, err)
	assert.Equal(t, rs.PropertiesByArgumentName, got.PropertiesByArgumentName)

	_, err = r.GetResourceStructure(ctx, "Unknown")
	require.Error(t, err)
}

type stubIngestor struct {
	actions    []ActionConfiguration
	extendable []ExtendableActionConfiguration
	resources  []ResourceStructure
}

func (s *stubIngestor) Discover(ctx context.Context, directory string) ([]ActionConfiguration, []ExtendableActionConfiguration, []ResourceStructure, error) {
	return s.actions, s.extendable, s.resources, nil
}

func TestAutodiscoverStoresEverythingTheIngestorReturns(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	stub := &stubIngestor{
		actions: []ActionConfiguration{{ActionName: "ExecuteSimpleDummy"}},
		resources: []ResourceStructure{{ResourceType: "Room"}},
	}
	require.NoError(t, r.Autodiscover(ctx, stub, "/handlers"))

	_, err := r.GetActionConfiguration(ctx, "ExecuteSimpleDummy")
	require.NoError(t, err)
	_, err = r.GetResourceStructure(ctx, "Room")
	require.NoError(t, err)
}
