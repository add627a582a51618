// Package signature implements the candidate-signature selection and
// argument type-checking the dispatcher runs before invoking a handler.
//
// There is no teacher file for this concern specifically -- the
// teacher's request-routing packages (http/, api/) resolve handlers by
// URL pattern, not by payload-shape matching -- so this package is
// grounded on the spec's documented algorithm directly (§4.4) rather
// than adapted from a corpus file; it still follows the teacher's
// convention of returning a typed *errs.Error rather than a bare error
// for every domain fault, and of keeping resolution pure (no store
// access), matching the common package's preference for small,
// dependency-free helpers.
package signature

import (
	"fmt"
	"strconv"
	"strings"

	"nucleus.evalgo.org/errs"
)

// OptionsArgument is the sentinel argument name that passes the entire
// effective message as a single value.
const OptionsArgument = "options"

// OriginUserIDArgument is the sentinel argument name resolved from the
// Action's meta rather than from the message.
const OriginUserIDArgument = "origin_user_id"

// Resolve picks the first candidate signature fully covered by message,
// in order. A candidate is satisfied if every argument name in it is
// OptionsArgument, OriginUserIDArgument, or a key present in message.
// This follows the documented rule (spec §9 open question iii) rather
// than the branch-fallthrough quirk of the implementation it was
// distilled from: an "options" entry never causes an early return that
// skips checking the rest of the candidate's names.
func Resolve(candidates [][]string, message map[string]interface{}) ([]string, error) {
	for _, candidate := range candidates {
		if satisfies(candidate, message) {
			return candidate, nil
		}
	}
	return nil, errs.New(errs.UndefinedContext,
		"no candidate signature satisfied by message keys %v (candidates: %v)", messageKeys(message), candidates)
}

func satisfies(candidate []string, message map[string]interface{}) bool {
	for _, name := range candidate {
		if name == OptionsArgument || name == OriginUserIDArgument {
			continue
		}
		if _, ok := message[name]; !ok {
			return false
		}
	}
	return true
}

func messageKeys(message map[string]interface{}) []string {
	keys := make([]string, 0, len(message))
	for k := range message {
		keys = append(keys, k)
	}
	return keys
}

// Schema maps argument name to its type descriptor string, as stored in
// ActionConfiguration.ArgumentConfigurationByArgumentName.
type Schema map[string]string

// normalizeType strips a trailing "?" (optional marker) and reduces a
// compound descriptor "a.<B>" to its leading component "a".
func normalizeType(descriptor string) (typeName string, optional bool) {
	optional = strings.HasSuffix(descriptor, "?")
	typeName = strings.TrimSuffix(descriptor, "?")
	if idx := strings.Index(typeName, "."); idx >= 0 {
		typeName = typeName[:idx]
	}
	return typeName, optional
}

// CheckTypes type-checks every argument in sig that has an entry in
// schema against its value in message. The OptionsArgument and
// OriginUserIDArgument sentinels are always skipped, as are arguments
// with no schema entry; originUserID is not inspected.
func CheckTypes(sig []string, message map[string]interface{}, originUserID string, schema Schema) error {
	for _, name := range sig {
		if name == OptionsArgument || name == OriginUserIDArgument {
			continue
		}
		descriptor, ok := schema[name]
		if !ok {
			continue
		}
		typeName, optional := normalizeType(descriptor)
		value, present := message[name]
		if !present {
			if optional {
				continue
			}
			return errs.New(errs.UndefinedContext, "argument %q missing from message", name)
		}
		if !matchesType(value, typeName) {
			return errs.New(errs.UnexpectedValueType, "argument %q: expected %s, got %s", name, typeName, fmt.Sprintf("%T", value))
		}
	}
	return nil
}

func matchesType(value interface{}, typeName string) bool {
	switch typeName {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			return true
		case string:
			_, err := strconv.ParseFloat(value.(string), 64)
			return err == nil
		}
		return false
	case "boolean", "bool":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		// An unrecognized type name admits any value rather than failing
		// closed -- the schema vocabulary is the registry's, not this
		// resolver's, to police.
		return true
	}
}
