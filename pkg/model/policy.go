package model

import "time"

// PolicyImplementation is the sandboxed program a Policy evaluates. Kind is
// currently always "sandboxed"; Code is a CEL expression (see pkg/policy)
// unless it carries a WASM magic header, in which case it is run under the
// WASI sandbox instead (pkg/policy/wasmrt). See SPEC_FULL.md §4.5.
type PolicyImplementation struct {
	Kind string `json:"kind"`
	Code string `json:"code"`
}

// Policy is a pure, sandboxed rule evaluated over the frozen context built
// for one triggering observation.
type Policy struct {
	ID             string               `json:"id"`
	NodeID         string               `json:"nodeId"`
	Name           string               `json:"name"`
	Priority       int                  `json:"priority"`
	Enabled        bool                 `json:"enabled"`
	Triggers       []string             `json:"triggers"`
	Implementation PolicyImplementation `json:"implementation"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// MatchesTrigger reports whether pattern matches observation type t per the
// §4.5 grammar: "*" matches anything; "prefix.*" matches prefix itself and
// prefix.<suffix...>; anything else is an exact match.
func MatchesTrigger(pattern, t string) bool {
	if pattern == "*" {
		return true
	}
	const wildcardSuffix = ".*"
	if len(pattern) > len(wildcardSuffix) && pattern[len(pattern)-len(wildcardSuffix):] == wildcardSuffix {
		prefix := pattern[:len(pattern)-len(wildcardSuffix)]
		if t == prefix {
			return true
		}
		return len(t) > len(prefix)+1 && t[:len(prefix)] == prefix && t[len(prefix)] == '.'
	}
	return pattern == t
}

// AnyTriggerMatches reports whether any pattern in triggers matches t.
func AnyTriggerMatches(triggers []string, t string) bool {
	for _, p := range triggers {
		if MatchesTrigger(p, t) {
			return true
		}
	}
	return false
}
