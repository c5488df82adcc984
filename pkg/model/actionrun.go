package model

import "time"

// RiskLevel classifies the blast radius of a proposed action.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// ActionRunStatus is the lifecycle stage of an ActionRun.
type ActionRunStatus string

const (
	ActionPending  ActionRunStatus = "pending"
	ActionApproved ActionRunStatus = "approved"
	ActionRejected ActionRunStatus = "rejected"
	ActionExecuted ActionRunStatus = "executed"
	ActionFailed   ActionRunStatus = "failed"
)

// ProposedBy records what gave rise to an ActionRun.
type ProposedBy struct {
	PolicyID      string `json:"policyId"`
	ObservationID string `json:"observationId"`
}

// Approval records who/how an ActionRun was approved.
type Approval struct {
	Method     string    `json:"method"` // "manual" | "auto"
	ApproverID string    `json:"approverId,omitempty"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Rejection records who/why an ActionRun was rejected.
type Rejection struct {
	RejectorID string    `json:"rejectorId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// Execution records the outcome and timing of executing an ActionRun.
type Execution struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// ActionRun is the lifecycle record for a proposed action.
type ActionRun struct {
	ID         string          `json:"id"`
	NodeID     string          `json:"nodeId"`
	ProposedBy ProposedBy      `json:"proposedBy"`
	Action     any             `json:"action"`
	RiskLevel  RiskLevel       `json:"riskLevel"`
	Status     ActionRunStatus `json:"status"`
	Approval   *Approval       `json:"approval,omitempty"`
	Rejection  *Rejection      `json:"rejection,omitempty"`
	Execution  *Execution      `json:"execution,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// legalActionTransitions per §3: pending->approved|rejected, approved->executed|failed.
var legalActionTransitions = map[ActionRunStatus][]ActionRunStatus{
	ActionPending:  {ActionApproved, ActionRejected},
	ActionApproved: {ActionExecuted, ActionFailed},
}

// IsLegalActionTransition reports whether from->to is permitted by §3.
func IsLegalActionTransition(from, to ActionRunStatus) bool {
	for _, allowed := range legalActionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
