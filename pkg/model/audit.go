package model

import "time"

// ActorMethod is how the actor on an operation came to perform it.
type ActorMethod string

const (
	MethodManual           ActorMethod = "manual"
	MethodPolicyEffect     ActorMethod = "policy_effect"
	MethodActionExecution  ActorMethod = "action_execution"
	MethodAPI              ActorMethod = "api"
	MethodSystem           ActorMethod = "system"
)

// Actor identifies who/what performed a Prism operation.
type Actor struct {
	NodeID    string      `json:"nodeId"`
	Kind      NodeKind    `json:"kind"`
	SponsorID string      `json:"sponsorId,omitempty"`
	Method    ActorMethod `json:"method"`
}

// CausedBy links an AuditEntry back to the observation/policy/action/effect
// that caused the operation, when applicable.
type CausedBy struct {
	ObservationID string `json:"observationId,omitempty"`
	PolicyID      string `json:"policyId,omitempty"`
	ActionRunID   string `json:"actionRunId,omitempty"`
	EffectType    string `json:"effectType,omitempty"`
}

// AuditEntry is the per-commit record every Prism operation attempt
// produces exactly one of, per §4.7/§8.
type AuditEntry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	NodeID        string         `json:"nodeId"`
	Actor         Actor          `json:"actor"`
	OperationType string         `json:"operationType"`
	ResourceType  string         `json:"resourceType"`
	ResourceID    string         `json:"resourceId,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CausedBy      *CausedBy      `json:"causedBy,omitempty"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	// PrevHash/Hash form a tamper-evident hash chain over the canonical
	// (JCS) encoding of each entry, grounded on the teacher's merkle/
	// hash-chaining approach to audit integrity (see pkg/audit).
	PrevHash string `json:"prevHash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}
