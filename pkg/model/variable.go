package model

import "time"

// VariableKind is the shape of the regulated quantity.
type VariableKind string

const (
	VariableContinuous  VariableKind = "continuous"
	VariableOrdinal     VariableKind = "ordinal"
	VariableCategorical VariableKind = "categorical"
	VariableBoolean     VariableKind = "boolean"
)

// Bound is a one-sided or two-sided numeric bound; a nil pointer field
// means "unbounded on that side".
type Bound struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	SoftMin *float64 `json:"softMin,omitempty"`
	SoftMax *float64 `json:"softMax,omitempty"`
}

// Aggregation is the reduction applied to a window of extracted values.
type Aggregation string

const (
	AggLatest Aggregation = "latest"
	AggSum    Aggregation = "sum"
	AggAvg    Aggregation = "avg"
	AggCount  Aggregation = "count"
	AggMin    Aggregation = "min"
	AggMax    Aggregation = "max"
)

// Window bounds a ComputeSpec's observation selection by age and/or count.
type Window struct {
	Hours *float64 `json:"hours,omitempty"`
	Count *int     `json:"count,omitempty"`
}

// ComputeSpec describes one way to derive a value from observations.
type ComputeSpec struct {
	ObservationTypes []string     `json:"observationTypes"`
	Aggregation      Aggregation  `json:"aggregation"`
	Window           *Window      `json:"window,omitempty"`
	Confidence       *float64     `json:"confidence,omitempty"`
}

// Variable is a regulated quantity tracked on a node.
type Variable struct {
	ID             string        `json:"id"`
	NodeID         string        `json:"nodeId"`
	Key            string        `json:"key"`
	Title          string        `json:"title"`
	Kind           VariableKind  `json:"kind"`
	Unit           string        `json:"unit,omitempty"`
	ViableRange    *Bound        `json:"viableRange,omitempty"`
	PreferredRange *Bound        `json:"preferredRange,omitempty"`
	ComputeSpecs   []ComputeSpec `json:"computeSpecs"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Trend is the direction of change between two successive estimates.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// VariableEstimate is a derived, non-canonical snapshot of a Variable's
// current value. It is never persisted; it is recomputed from the
// observation log each time it is requested.
type VariableEstimate struct {
	VariableID       string    `json:"variableId"`
	Value            *float64  `json:"value,omitempty"`
	Confidence       float64   `json:"confidence"`
	ComputedAt       time.Time `json:"computedAt"`
	InViableRange    bool      `json:"inViableRange"`
	InPreferredRange bool      `json:"inPreferredRange"`
	Deviation        float64   `json:"deviation"`
	Trend            *Trend    `json:"trend,omitempty"`
}
