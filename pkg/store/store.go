// Package store defines the repository contracts that every other
// component (ingestion, estimator, context builder, policy engine, effect
// executor, prism, bundle codec) depends on, never on a concrete backend.
// Each entity gets its own narrow interface, composed here into Repository,
// following the teacher's habit of one store type per concern
// (pkg/store/receipt_store.go, pkg/budget's Storage interface) rather than
// one fat DAO. Two concrete implementations are provided: store/memstore
// (in-process, for tests and small deployments) and store/sqlstore
// (database/sql over PostgreSQL or embedded SQLite, dispatched by DSN
// scheme).
package store

import (
	"context"
	"time"

	"github.com/vellum-systems/substrate/pkg/model"
)

// NodeRepository persists nodes, edges, and agent delegations.
type NodeRepository interface {
	GetNode(ctx context.Context, id string) (*model.Node, error)
	PutNode(ctx context.Context, n model.Node) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]model.Node, error)

	PutEdge(ctx context.Context, e model.Edge) error
	DeleteEdge(ctx context.Context, id string) error
	ListEdges(ctx context.Context, nodeID string) ([]model.Edge, error)

	GetDelegation(ctx context.Context, id string) (*model.AgentDelegation, error)
	PutDelegation(ctx context.Context, d model.AgentDelegation) error
	ListDelegationsForAgent(ctx context.Context, agentNodeID string) ([]model.AgentDelegation, error)
}

// ObservationRepository persists the append-only observation log.
type ObservationRepository interface {
	PutObservation(ctx context.Context, o model.Observation) error
	GetObservation(ctx context.Context, id string) (*model.Observation, error)
	// QueryObservations returns observations matching q, already filtered
	// and ordered per the ObservationQuery contract (§4.4/§4.6).
	QueryObservations(ctx context.Context, q ObservationQuery) ([]model.Observation, error)
}

// ObservationQuery bounds a read of the observation log. NodeID is
// mandatory; Limit is clamped by callers to at most 1000.
type ObservationQuery struct {
	NodeID     string
	Type       string
	TypePrefix string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// VariableRepository persists variable definitions.
type VariableRepository interface {
	GetVariable(ctx context.Context, id string) (*model.Variable, error)
	PutVariable(ctx context.Context, v model.Variable) error
	DeleteVariable(ctx context.Context, id string) error
	ListVariables(ctx context.Context, nodeID string) ([]model.Variable, error)
}

// ArtifactRepository persists artifacts and their revisions.
type ArtifactRepository interface {
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	PutArtifact(ctx context.Context, a model.Artifact) error
	DeleteArtifact(ctx context.Context, id string) error
	ListArtifacts(ctx context.Context, nodeID string) ([]model.Artifact, error)

	PutRevision(ctx context.Context, r model.Revision) error
	ListRevisions(ctx context.Context, artifactID string) ([]model.Revision, error)
}

// EpisodeRepository persists episodes.
type EpisodeRepository interface {
	GetEpisode(ctx context.Context, id string) (*model.Episode, error)
	PutEpisode(ctx context.Context, e model.Episode) error
	DeleteEpisode(ctx context.Context, id string) error
	ListEpisodes(ctx context.Context, nodeID string) ([]model.Episode, error)
	ListActiveEpisodes(ctx context.Context, nodeID string) ([]model.Episode, error)
}

// PolicyRepository persists policies.
type PolicyRepository interface {
	GetPolicy(ctx context.Context, id string) (*model.Policy, error)
	PutPolicy(ctx context.Context, p model.Policy) error
	DeletePolicy(ctx context.Context, id string) error
	// ListTriggeredPolicies returns enabled policies on nodeID whose
	// Triggers match observationType, ordered by Priority ascending then ID
	// (§4.5 evaluation order).
	ListTriggeredPolicies(ctx context.Context, nodeID, observationType string) ([]model.Policy, error)
	// ListPolicies returns every policy on nodeID regardless of Enabled,
	// ordered by ID. Used by the bundle codec's export walk (§4.8), which
	// must carry disabled policies too.
	ListPolicies(ctx context.Context, nodeID string) ([]model.Policy, error)
}

// EntityRepository persists entity types, entities, and their event logs.
type EntityRepository interface {
	GetEntityType(ctx context.Context, id string) (*model.EntityType, error)
	PutEntityType(ctx context.Context, t model.EntityType) error
	ListEntityTypes(ctx context.Context, nodeID string) ([]model.EntityType, error)

	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	PutEntity(ctx context.Context, e model.Entity) error
	ListEntities(ctx context.Context, nodeID string) ([]model.Entity, error)

	AppendEntityEvent(ctx context.Context, evt model.EntityEvent) error
}

// GrantRepository persists delegated-authority grants.
type GrantRepository interface {
	GetGrant(ctx context.Context, id string) (*model.Grant, error)
	PutGrant(ctx context.Context, g model.Grant) error
	ListGrants(ctx context.Context, granteeNodeID string) ([]model.Grant, error)
}

// ActionRunRepository persists proposed/approved/executed action runs.
type ActionRunRepository interface {
	GetActionRun(ctx context.Context, id string) (*model.ActionRun, error)
	PutActionRun(ctx context.Context, a model.ActionRun) error
	ListActionRuns(ctx context.Context, nodeID string) ([]model.ActionRun, error)
}

// Transactor runs fn inside a backend transaction. If fn returns a non-nil
// error, every write fn made through the Repository passed to it is rolled
// back; otherwise the transaction commits atomically (§4.7 transactional
// commit contract). Implementations that cannot offer real transactions
// (e.g. the in-memory store under concurrent access, see memstore) must
// still provide all-or-nothing visibility to callers outside fn.
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}

// Repository composes every entity-scoped interface plus Transactor into
// the single handle every component is constructed with.
type Repository interface {
	NodeRepository
	ObservationRepository
	VariableRepository
	ArtifactRepository
	EpisodeRepository
	PolicyRepository
	EntityRepository
	GrantRepository
	ActionRunRepository
	Transactor
}
