package model

import (
	"regexp"
	"time"
)

// observationTypePattern is the §3 grammar for hierarchical dotted types:
// lowercase segments separated by single dots, no leading/trailing dot,
// no empty segments, no uppercase, no leading digit in a segment.
var observationTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// ValidObservationType reports whether t matches the §3 observation type grammar.
func ValidObservationType(t string) bool {
	if t == "" {
		return false
	}
	return observationTypePattern.MatchString(t)
}

// Provenance records who/what produced an observation. SourceID is mandatory;
// everything else is optional context about how the reading was produced.
type Provenance struct {
	SourceID   string   `json:"sourceId"`
	SponsorID  string   `json:"sponsorId,omitempty"`
	Method     string   `json:"method,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Observation is an immutable, append-only sensory record.
type Observation struct {
	ID         string         `json:"id"`
	NodeID     string         `json:"nodeId"`
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    any            `json:"payload"`
	Provenance Provenance     `json:"provenance"`
	Tags       []string       `json:"tags,omitempty"`
}

// WithTags returns a copy of o with tags merged in, deduplicated. Used by
// the tag_observation effect path, which is the one sanctioned mutation of
// an otherwise immutable record (see DESIGN.md, tagging open question).
func (o Observation) WithTags(newTags []string) Observation {
	seen := make(map[string]bool, len(o.Tags)+len(newTags))
	merged := make([]string, 0, len(o.Tags)+len(newTags))
	for _, t := range o.Tags {
		if !seen[t] {
			seen[t] = true
			merged = append(merged, t)
		}
	}
	for _, t := range newTags {
		if !seen[t] {
			seen[t] = true
			merged = append(merged, t)
		}
	}
	o.Tags = merged
	return o
}
