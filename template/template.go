// Package template implements the restricted expression evaluator used
// by extendable actions to derive effective names and default
// arguments from a context map.
//
// Grounded on the teacher's (now removed) semantic/runtime/variables.go
// VariableResolver, which substituted "${identifier}" references against
// a resolver chain using a compiled regexp rather than a general
// evaluator. This package keeps that substitution idiom but narrows it
// to the spec's dedicated grammar (§4.5, §9): a single identifier
// reference, a single whitelisted namespace function call, or plain
// string interpolation -- never arbitrary code, so the denylist check
// below is a defense-in-depth measure rather than the evaluator's only
// safeguard.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"nucleus.evalgo.org/errs"
)

// Context is the variable namespace a template expression is evaluated
// against: the action message overlaid on the handler module's exports.
type Context map[string]interface{}

// DatastoreResolver exposes the one namespace function a template may
// call. An evaluator host with no $datastore cannot satisfy this call.
type DatastoreResolver interface {
	GenerateResourceModelFromResourceStructureByResourceType(resourceType string) (interface{}, error)
}

var identifierPattern = regexp.MustCompile(`\$\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}`)

var callPattern = regexp.MustCompile(`\$\{\s*generate_resource_model_from_resource_structure_by_resource_type\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)\s*\}`)

// denylist guards against the forbidden-token classes the spec names:
// deletion operators, error-construction, object-construction of named
// types, and process/global state access.
var denylist = []string{
	"delete ", "Error(", "new ", "process.", "global.",
	"require(", "eval(", "Function(", "__proto__",
}

// Evaluate interpolates expr against ctx. A whole expression that is
// exactly a single "${identifier}" or whitelisted function-call
// reference returns the referenced value untouched (so e.g. an object
// stays an object), calling datastore for the function call; otherwise
// every identifier bound in ctx is substituted into the surrounding
// string, and a function call inside a larger string is left as written.
func Evaluate(expr string, ctx Context, datastore DatastoreResolver) (interface{}, error) {
	for _, token := range denylist {
		if strings.Contains(expr, token) {
			return nil, errs.New(errs.Generic, "template contains forbidden token")
		}
	}

	trimmed := strings.TrimSpace(expr)

	if m := callPattern.FindStringSubmatch(expr); m != nil && trimmed == m[0] {
		resourceType, err := resolveArgument(m[1], ctx)
		if err != nil {
			return nil, err
		}
		if datastore == nil {
			return nil, errs.New(errs.UndefinedContext, "template calls a namespace function with no $datastore configured")
		}
		return datastore.GenerateResourceModelFromResourceStructureByResourceType(resourceType)
	}

	if m := identifierPattern.FindStringSubmatch(expr); m != nil && trimmed == m[0] {
		value, ok := ctx[m[1]]
		if !ok {
			return nil, errs.New(errs.UndefinedValue, "identifier %q not found in template context", m[1])
		}
		return value, nil
	}

	return identifierPattern.ReplaceAllStringFunc(expr, func(match string) string {
		name := identifierPattern.FindStringSubmatch(match)[1]
		if value, ok := ctx[name]; ok {
			return fmt.Sprintf("%v", value)
		}
		return match
	}), nil
}

// resolveArgument resolves a bare identifier used as the function-call
// argument against the context, falling back to treating it as a
// literal resource-type name if it is not a bound identifier.
func resolveArgument(name string, ctx Context) (string, error) {
	if value, ok := ctx[name]; ok {
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	}
	return name, nil
}

// EvaluateMap evaluates every template in templates against ctx,
// implementing extendable_action_argument_default evaluation.
func EvaluateMap(templates map[string]string, ctx Context, datastore DatastoreResolver) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(templates))
	for name, tmpl := range templates {
		value, err := Evaluate(tmpl, ctx, datastore)
		if err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, nil
}

// EvaluateSignature evaluates a list of template strings into a
// concrete signature, implementing extendable_alternative_action_signature
// evaluation.
func EvaluateSignature(templates []string, ctx Context, datastore DatastoreResolver) ([]string, error) {
	out := make([]string, 0, len(templates))
	for _, tmpl := range templates {
		value, err := Evaluate(tmpl, ctx, datastore)
		if err != nil {
			return nil, err
		}
		s, ok := value.(string)
		if !ok {
			s = fmt.Sprintf("%v", value)
		}
		out = append(out, s)
	}
	return out, nil
}
