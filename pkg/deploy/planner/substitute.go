package planner

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/mensylisir/fleetctl/pkg/deploy/manifest"
	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// Placeholder tokens resolved when a deployment block is materialized for
// one (account, region).
const (
	placeholderAccountID = "${CURRENT_ACCOUNT_ID}"
	placeholderRegion    = "${CURRENT_REGION}"
)

// substituteValue walks a JSON-shaped value and replaces the placeholder
// tokens in every string, recursing through arrays and objects. The input
// must already be a private copy: substitution mutates nothing but builds
// on the copy's nested containers.
func substituteValue(v state.Value, accountID, region string) state.Value {
	switch tv := v.(type) {
	case string:
		s := strings.ReplaceAll(tv, placeholderAccountID, accountID)
		return strings.ReplaceAll(s, placeholderRegion, region)
	case map[string]state.Value:
		out := make(map[string]state.Value, len(tv))
		for k, item := range tv {
			out[k] = substituteValue(item, accountID, region)
		}
		return out
	case []state.Value:
		out := make([]state.Value, len(tv))
		for i, item := range tv {
			out[i] = substituteValue(item, accountID, region)
		}
		return out
	default:
		return v
	}
}

// substituteVariables deep-copies a composed variable map, resolves the
// placeholders for one (account, region), and normalizes the result to
// JSON value shapes. Normalization matters: target variables come from
// YAML (integers decode as int) while current variables come from the
// state document (numbers decode as float64), and the update diff must
// not see a difference between the two.
func substituteVariables(variables map[string]state.Value, accountID, region string) map[string]state.Value {
	copied := deepCopyMap(variables)
	resolved := substituteValue(copied, accountID, region).(map[string]state.Value)
	return normalizeMap(resolved)
}

func substituteOutputRefs(refs map[string]manifest.OutputReference, accountID, region string) map[string]state.OutputSource {
	if len(refs) == 0 {
		return nil
	}
	out := make(map[string]state.OutputSource, len(refs))
	for name, ref := range refs {
		out[name] = state.OutputSource{
			Module:          substituteString(ref.Module, accountID, region),
			AccountID:       substituteString(ref.AccountID, accountID, region),
			Region:          substituteString(ref.Region, accountID, region),
			OutputName:      ref.OutputName,
			IgnoreIfMissing: ref.IgnoreIfMissing,
		}
	}
	return out
}

func substituteDependencies(deps []manifest.SourceReference, accountID, region string) []state.Dependency {
	if len(deps) == 0 {
		return nil
	}
	out := make([]state.Dependency, len(deps))
	for i, dep := range deps {
		out[i] = state.Dependency{
			Module:          substituteString(dep.Module, accountID, region),
			AccountID:       substituteString(dep.AccountID, accountID, region),
			Region:          substituteString(dep.Region, accountID, region),
			IgnoreIfMissing: dep.IgnoreIfMissing,
		}
	}
	return out
}

func substituteString(s, accountID, region string) string {
	s = strings.ReplaceAll(s, placeholderAccountID, accountID)
	return strings.ReplaceAll(s, placeholderRegion, region)
}

// deepCopyMap copies a JSON-shaped map so each (account, region) expansion
// owns its resolved instance.
func deepCopyMap(m map[string]state.Value) map[string]state.Value {
	out := make(map[string]state.Value, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v state.Value) state.Value {
	switch tv := v.(type) {
	case map[string]state.Value:
		return deepCopyMap(tv)
	case []state.Value:
		out := make([]state.Value, len(tv))
		for i, item := range tv {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// normalizeMap round-trips a value map through JSON so that every number
// becomes float64 and every container takes its encoding/json shape.
func normalizeMap(m map[string]state.Value) map[string]state.Value {
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]state.Value
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// valuesEqual compares two variable maps after JSON normalization.
func valuesEqual(a, b map[string]state.Value) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(normalizeMap(a), normalizeMap(b))
}

// stringSet is a small helper for the scope expansion set algebra.
type stringSet struct {
	members map[string]bool
}

func newSet(items []string) *stringSet {
	s := &stringSet{members: make(map[string]bool, len(items))}
	for _, item := range items {
		s.members[item] = true
	}
	return s
}

func (s *stringSet) intersect(items []string) {
	s.members = intersectSet(s.members, items)
}

func (s *stringSet) subtract(items []string) {
	for _, item := range items {
		delete(s.members, item)
	}
}

func (s *stringSet) sorted() []string {
	out := make([]string, 0, len(s.members))
	for item := range s.members {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func intersectSet(members map[string]bool, items []string) map[string]bool {
	keep := make(map[string]bool, len(items))
	for _, item := range items {
		if members[item] {
			keep[item] = true
		}
	}
	return keep
}
