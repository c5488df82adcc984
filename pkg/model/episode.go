package model

import "time"

// EpisodeKind distinguishes a regulatory episode from an exploratory one.
type EpisodeKind string

const (
	EpisodeRegulatory  EpisodeKind = "regulatory"
	EpisodeExploratory EpisodeKind = "exploratory"
)

// Intent is the stance an episode takes toward a bound variable.
type Intent string

const (
	IntentStabilize Intent = "stabilize"
	IntentIncrease  Intent = "increase"
	IntentDecrease  Intent = "decrease"
	IntentMaintain  Intent = "maintain"
	IntentProbe     Intent = "probe"
	IntentExpand    Intent = "expand"
	IntentDiscover  Intent = "discover"
)

// VariableBinding attaches an Intent to a Variable within an Episode.
type VariableBinding struct {
	VariableID string `json:"variableId"`
	Intent     Intent `json:"intent"`
}

// EpisodeStatus is the lifecycle stage of an Episode.
type EpisodeStatus string

const (
	EpisodePlanned   EpisodeStatus = "planned"
	EpisodeActive    EpisodeStatus = "active"
	EpisodeCompleted EpisodeStatus = "completed"
	EpisodeAbandoned EpisodeStatus = "abandoned"
)

// legalEpisodeTransitions enumerates the forward transitions from §3;
// reverting is permitted but must be recorded by the caller (prism).
var legalEpisodeTransitions = map[EpisodeStatus][]EpisodeStatus{
	EpisodePlanned: {EpisodeActive},
	EpisodeActive:  {EpisodeCompleted, EpisodeAbandoned},
}

// IsForwardEpisodeTransition reports whether from->to is one of the
// forward-legal transitions named in §3. Reverting transitions are not
// forward-legal but are still permitted by prism with an audit note.
func IsForwardEpisodeTransition(from, to EpisodeStatus) bool {
	for _, allowed := range legalEpisodeTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Episode is a time-bounded intervention over one or more variables.
type Episode struct {
	ID          string            `json:"id"`
	NodeID      string            `json:"nodeId"`
	Title       string            `json:"title"`
	Kind        EpisodeKind       `json:"kind"`
	Bindings    []VariableBinding `json:"bindings"`
	Start       *time.Time        `json:"start,omitempty"`
	End         *time.Time        `json:"end,omitempty"`
	ArtifactIDs []string          `json:"artifactIds,omitempty"`
	Status      EpisodeStatus     `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}
