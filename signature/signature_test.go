package signature

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nucleus.evalgo.org/errs"
)

func TestResolveEmptyMessageAgainstOptionsOnlySignature(t *testing.T) {
	sig, err := Resolve([][]string{{OptionsArgument}}, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{OptionsArgument}, sig)
}

func TestResolveMissingRequiredArgumentFails(t *testing.T) {
	_, err := Resolve([][]string{{"AID1"}}, map[string]interface{}{})
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.UndefinedContext, kind)
}

func TestResolvePicksFirstSatisfiedCandidate(t *testing.T) {
	candidates := [][]string{
		{"AID1", "AID2"},
		{"AID1", "AID3"},
	}
	sig, err := Resolve(candidates, map[string]interface{}{"AID1": "a", "AID3": []interface{}{true}})
	require.NoError(t, err)
	assert.Equal(t, []string{"AID1", "AID3"}, sig)
}

func TestResolveIsDeterministic(t *testing.T) {
	candidates := [][]string{{"AID1", "AID2"}, {"AID1", "AID3"}}
	message := map[string]interface{}{"AID1": "a", "AID2": "b", "AID3": "c"}

	first, err := Resolve(candidates, message)
	require.NoError(t, err)
	second, err := Resolve(candidates, message)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCheckTypesUnexpectedValueType(t *testing.T) {
	schema := Schema{"AID1": "string"}
	err := CheckTypes([]string{"AID1"}, map[string]interface{}{"AID1": 42}, "", schema)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.UnexpectedValueType, kind)
}

func TestCheckTypesOptionalArgumentMayBeAbsent(t *testing.T) {
	schema := Schema{"AID2": "string?"}
	err := CheckTypes([]string{"AID2"}, map[string]interface{}{}, "", schema)
	assert.NoError(t, err)
}

func TestCheckTypesCompoundDescriptorReducesToLeadingComponent(t *testing.T) {
	schema := Schema{"resource": "object.Room"}
	err := CheckTypes([]string{"resource"}, map[string]interface{}{"resource": map[string]interface{}{}}, "", schema)
	assert.NoError(t, err)
}

func TestCheckTypesPassesForSentinelArguments(t *testing.T) {
	err := CheckTypes([]string{OptionsArgument, OriginUserIDArgument}, map[string]interface{}{}, "u1", Schema{})
	assert.NoError(t, err)
}
