// Package model defines the canonical data types of the substrate: nodes,
// observations, variables, artifacts, episodes, policies, entities, grants,
// action runs, and audit entries. Types here carry only data and the
// invariants that are intrinsic to the shape of the record; behavior lives
// in the owning component packages (ingestion, estimator, policy, prism).
package model

import "time"

// NodeKind is the variant of a Node.
type NodeKind string

const (
	NodeSubject NodeKind = "subject"
	NodeObject  NodeKind = "object"
	NodeAgent   NodeKind = "agent"
)

// Node is a boundary that scopes authority and observations.
type Node struct {
	ID          string    `json:"id"`
	Kind        NodeKind  `json:"kind"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// EdgeKind is the relationship a directed Edge expresses between two nodes.
type EdgeKind string

const (
	EdgeFollows    EdgeKind = "follows"
	EdgeMemberOf   EdgeKind = "member_of"
	EdgeMaintains  EdgeKind = "maintains"
	EdgeFeeds      EdgeKind = "feeds"
	EdgeSharesWith EdgeKind = "shares_with"
)

// Edge is a directed relationship between two nodes.
type Edge struct {
	ID        string    `json:"id"`
	FromID    string    `json:"fromId"`
	ToID      string    `json:"toId"`
	Kind      EdgeKind  `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

// DelegationConstraints bounds what an agent may do under a delegation.
type DelegationConstraints struct {
	MaxRiskLevel   RiskLevel `json:"maxRiskLevel,omitempty"`
	AllowedEffects []string  `json:"allowedEffects,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

// AgentDelegation pairs an agent node with a sponsor node and the scope the
// agent may act within. Invariant (enforced by prism, not representable in
// the struct alone): an agent may not modify its own delegation, grant
// authority to other agents, or approve above MaxRiskLevel.
type AgentDelegation struct {
	ID          string                 `json:"id"`
	AgentID     string                 `json:"agentId"`
	SponsorID   string                 `json:"sponsorId"`
	Scopes      []string               `json:"scopes"`
	Constraints DelegationConstraints  `json:"constraints"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// Active reports whether the delegation has not expired as of t.
func (d AgentDelegation) Active(t time.Time) bool {
	if d.Constraints.ExpiresAt == nil {
		return true
	}
	return t.Before(*d.Constraints.ExpiresAt)
}

// HasScope reports whether the delegation's scope list contains s.
func (d AgentDelegation) HasScope(s string) bool {
	for _, v := range d.Scopes {
		if v == s {
			return true
		}
	}
	return false
}
