package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleus.evalgo.org/errs"
)

type stubDatastore struct {
	resourceType string
	model        interface{}
	err          error
}

func (s *stubDatastore) GenerateResourceModelFromResourceStructureByResourceType(resourceType string) (interface{}, error) {
	s.resourceType = resourceType
	if s.err != nil {
		return nil, s.err
	}
	return s.model, nil
}

func TestEvaluateSingleIdentifierReturnsRawValue(t *testing.T) {
	ctx := Context{"origin_user_id": "u1"}
	value, err := Evaluate("${origin_user_id}", ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", value)
}

func TestEvaluateMissingIdentifierIsUndefinedValue(t *testing.T) {
	_, err := Evaluate("${missing}", Context{}, nil)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.UndefinedValue, kind)
}

func TestEvaluateInterpolatesWithinLargerString(t *testing.T) {
	ctx := Context{"resource_type": "Room"}
	value, err := Evaluate("Execute${resource_type}", ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "ExecuteRoom", value)
}

func TestEvaluateRejectsDenylistedTokens(t *testing.T) {
	for _, expr := range []string{
		"delete ${x}", "new Error()", "process.env.SECRET", "require('fs')",
	} {
		_, err := Evaluate(expr, Context{}, nil)
		require.Error(t, err, expr)
		kind, ok := errs.KindOf(err)
		require.True(t, ok)
		assert.Equal(t, errs.Generic, kind)
		assert.Contains(t, err.Error(), "forbidden token")
	}
}

func TestEvaluateNamespaceFunctionRequiresDatastore(t *testing.T) {
	ctx := Context{"resource_type": "Room"}
	_, err := Evaluate("${generate_resource_model_from_resource_structure_by_resource_type(resource_type)}", ctx, nil)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.UndefinedContext, kind)
}

func TestEvaluateNamespaceFunctionCallsDatastore(t *testing.T) {
	ds := &stubDatastore{model: map[string]interface{}{"name": "string"}}
	ctx := Context{"resource_type": "Room"}
	value, err := Evaluate("${generate_resource_model_from_resource_structure_by_resource_type(resource_type)}", ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, "Room", ds.resourceType)
	assert.Equal(t, ds.model, value)
}

func TestEvaluateMapAndSignature(t *testing.T) {
	ctx := Context{"origin_user_id": "u1", "resource_type": "Room"}
	defaults, err := EvaluateMap(map[string]string{"origin_user_id": "${origin_user_id}"}, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", defaults["origin_user_id"])

	sig, err := EvaluateSignature([]string{"${resource_type}", "AID2"}, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Room", "AID2"}, sig)
}
