// Package memstore is an in-process Repository implementation backed by
// plain Go maps under a single mutex, grounded on the teacher's
// pkg/budget.MemoryStorage (a mutex-guarded map used as the in-memory twin
// of a SQL-backed store). It is the default backend for tests and for
// small single-process deployments that pass "memory://" as the database
// URL.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
)

// Store is a Repository backed by in-memory maps, copied under a coarse
// lock so that Transaction can offer all-or-nothing visibility: writes
// inside a failed transaction are applied to a scratch copy and discarded
// on error.
type Store struct {
	mu sync.RWMutex

	nodes       map[string]model.Node
	edges       map[string]model.Edge
	delegations map[string]model.AgentDelegation
	observations map[string]model.Observation
	variables   map[string]model.Variable
	artifacts   map[string]model.Artifact
	revisions   map[string][]model.Revision
	episodes    map[string]model.Episode
	policies    map[string]model.Policy
	entityTypes map[string]model.EntityType
	entities    map[string]model.Entity
	grants      map[string]model.Grant
	actionRuns  map[string]model.ActionRun
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		nodes:        make(map[string]model.Node),
		edges:        make(map[string]model.Edge),
		delegations:  make(map[string]model.AgentDelegation),
		observations: make(map[string]model.Observation),
		variables:    make(map[string]model.Variable),
		artifacts:    make(map[string]model.Artifact),
		revisions:    make(map[string][]model.Revision),
		episodes:     make(map[string]model.Episode),
		policies:     make(map[string]model.Policy),
		entityTypes:  make(map[string]model.EntityType),
		entities:     make(map[string]model.Entity),
		grants:       make(map[string]model.Grant),
		actionRuns:   make(map[string]model.ActionRun),
	}
}

var _ store.Repository = (*Store)(nil)

// --- nodes / edges / delegations ---

func (s *Store) GetNode(_ context.Context, id string) (*model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "node", ResourceID: id}
	}
	return &n, nil
}

func (s *Store) PutNode(_ context.Context, n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n.ID] = n
	return nil
}

func (s *Store) DeleteNode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
	return nil
}

func (s *Store) ListNodes(_ context.Context) ([]model.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutEdge(_ context.Context, e model.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[e.ID] = e
	return nil
}

func (s *Store) DeleteEdge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, id)
	return nil
}

func (s *Store) ListEdges(_ context.Context, nodeID string) ([]model.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Edge
	for _, e := range s.edges {
		if e.FromID == nodeID || e.ToID == nodeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetDelegation(_ context.Context, id string) (*model.AgentDelegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "delegation", ResourceID: id}
	}
	return &d, nil
}

func (s *Store) PutDelegation(_ context.Context, d model.AgentDelegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegations[d.ID] = d
	return nil
}

func (s *Store) ListDelegationsForAgent(_ context.Context, agentNodeID string) ([]model.AgentDelegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AgentDelegation
	for _, d := range s.delegations {
		if d.AgentID == agentNodeID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- observations ---

func (s *Store) PutObservation(_ context.Context, o model.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observations[o.ID] = o
	return nil
}

func (s *Store) GetObservation(_ context.Context, id string) (*model.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.observations[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "observation", ResourceID: id}
	}
	return &o, nil
}

func (s *Store) QueryObservations(_ context.Context, q store.ObservationQuery) ([]model.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Observation
	for _, o := range s.observations {
		if q.NodeID != "" && o.NodeID != q.NodeID {
			continue
		}
		if q.Type != "" && o.Type != q.Type {
			continue
		}
		if q.TypePrefix != "" && !strings.HasPrefix(o.Type, q.TypePrefix) {
			continue
		}
		if q.Since != nil && o.Timestamp.Before(*q.Since) {
			continue
		}
		if q.Until != nil && o.Timestamp.After(*q.Until) {
			continue
		}
		matched = append(matched, o)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []model.Observation{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// --- variables ---

func (s *Store) GetVariable(_ context.Context, id string) (*model.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "variable", ResourceID: id}
	}
	return &v, nil
}

func (s *Store) PutVariable(_ context.Context, v model.Variable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[v.ID] = v
	return nil
}

func (s *Store) DeleteVariable(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.variables, id)
	return nil
}

func (s *Store) ListVariables(_ context.Context, nodeID string) ([]model.Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Variable
	for _, v := range s.variables {
		if v.NodeID == nodeID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- artifacts / revisions ---

func (s *Store) GetArtifact(_ context.Context, id string) (*model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "artifact", ResourceID: id}
	}
	return &a, nil
}

func (s *Store) PutArtifact(_ context.Context, a model.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = a
	return nil
}

func (s *Store) DeleteArtifact(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, id)
	return nil
}

func (s *Store) ListArtifacts(_ context.Context, nodeID string) ([]model.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Artifact
	for _, a := range s.artifacts {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutRevision(_ context.Context, r model.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revisions[r.ArtifactID] = append(s.revisions[r.ArtifactID], r)
	return nil
}

func (s *Store) ListRevisions(_ context.Context, artifactID string) ([]model.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Revision, len(s.revisions[artifactID]))
	copy(out, s.revisions[artifactID])
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// --- episodes ---

func (s *Store) GetEpisode(_ context.Context, id string) (*model.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.episodes[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "episode", ResourceID: id}
	}
	return &e, nil
}

func (s *Store) PutEpisode(_ context.Context, e model.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.episodes[e.ID] = e
	return nil
}

func (s *Store) DeleteEpisode(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.episodes, id)
	return nil
}

func (s *Store) ListEpisodes(_ context.Context, nodeID string) ([]model.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Episode
	for _, e := range s.episodes {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListActiveEpisodes(_ context.Context, nodeID string) ([]model.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Episode
	for _, e := range s.episodes {
		if e.NodeID == nodeID && e.Status == model.EpisodeActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- policies ---

func (s *Store) GetPolicy(_ context.Context, id string) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "policy", ResourceID: id}
	}
	return &p, nil
}

func (s *Store) PutPolicy(_ context.Context, p model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *Store) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
	return nil
}

func (s *Store) ListPolicies(_ context.Context, nodeID string) ([]model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Policy
	for _, p := range s.policies {
		if p.NodeID == nodeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListTriggeredPolicies(_ context.Context, nodeID, observationType string) ([]model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Policy
	for _, p := range s.policies {
		if p.NodeID != nodeID || !p.Enabled {
			continue
		}
		if model.AnyTriggerMatches(p.Triggers, observationType) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// --- entities ---

func (s *Store) GetEntityType(_ context.Context, id string) (*model.EntityType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.entityTypes[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "entity_type", ResourceID: id}
	}
	return &t, nil
}

func (s *Store) PutEntityType(_ context.Context, t model.EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityTypes[t.ID] = t
	return nil
}

func (s *Store) ListEntityTypes(_ context.Context, nodeID string) ([]model.EntityType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.EntityType
	for _, t := range s.entityTypes {
		if t.NodeID == nodeID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetEntity(_ context.Context, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "entity", ResourceID: id}
	}
	cp := e
	cp.Events = append([]model.EntityEvent(nil), e.Events...)
	return &cp, nil
}

func (s *Store) PutEntity(_ context.Context, e model.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.ID] = e
	return nil
}

func (s *Store) ListEntities(_ context.Context, nodeID string) ([]model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Entity
	for _, e := range s.entities {
		if e.NodeID == nodeID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AppendEntityEvent(_ context.Context, evt model.EntityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[evt.EntityID]
	if !ok {
		return &errs.NotFound{ResourceType: "entity", ResourceID: evt.EntityID}
	}
	e.Events = append(e.Events, evt)
	e.Reduce(nil)
	s.entities[evt.EntityID] = e
	return nil
}

// --- grants ---

func (s *Store) GetGrant(_ context.Context, id string) (*model.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "grant", ResourceID: id}
	}
	return &g, nil
}

func (s *Store) PutGrant(_ context.Context, g model.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.ID] = g
	return nil
}

func (s *Store) ListGrants(_ context.Context, granteeNodeID string) ([]model.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Grant
	for _, g := range s.grants {
		if g.GranteeNodeID == granteeNodeID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- action runs ---

func (s *Store) GetActionRun(_ context.Context, id string) (*model.ActionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actionRuns[id]
	if !ok {
		return nil, &errs.NotFound{ResourceType: "action_run", ResourceID: id}
	}
	return &a, nil
}

func (s *Store) PutActionRun(_ context.Context, a model.ActionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actionRuns[a.ID] = a
	return nil
}

func (s *Store) ListActionRuns(_ context.Context, nodeID string) ([]model.ActionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ActionRun
	for _, a := range s.actionRuns {
		if a.NodeID == nodeID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- transactions ---

// Transaction snapshots every map, runs fn against a scratch Store wrapping
// the snapshot, and only swaps the snapshot back in on success. There is no
// true isolation from concurrent writers outside fn (this is an in-memory
// convenience backend, not a database), but fn's own writes are atomic:
// either all land or none do.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	s.mu.Lock()
	scratch := s.snapshotLocked()
	s.mu.Unlock()

	if err := fn(ctx, scratch); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = scratch.nodes
	s.edges = scratch.edges
	s.delegations = scratch.delegations
	s.observations = scratch.observations
	s.variables = scratch.variables
	s.artifacts = scratch.artifacts
	s.revisions = scratch.revisions
	s.episodes = scratch.episodes
	s.policies = scratch.policies
	s.entityTypes = scratch.entityTypes
	s.entities = scratch.entities
	s.grants = scratch.grants
	s.actionRuns = scratch.actionRuns
	return nil
}

func (s *Store) snapshotLocked() *Store {
	cp := New()
	for k, v := range s.nodes {
		cp.nodes[k] = v
	}
	for k, v := range s.edges {
		cp.edges[k] = v
	}
	for k, v := range s.delegations {
		cp.delegations[k] = v
	}
	for k, v := range s.observations {
		cp.observations[k] = v
	}
	for k, v := range s.variables {
		cp.variables[k] = v
	}
	for k, v := range s.artifacts {
		cp.artifacts[k] = v
	}
	for k, v := range s.revisions {
		cp.revisions[k] = append([]model.Revision(nil), v...)
	}
	for k, v := range s.episodes {
		cp.episodes[k] = v
	}
	for k, v := range s.policies {
		cp.policies[k] = v
	}
	for k, v := range s.entityTypes {
		cp.entityTypes[k] = v
	}
	for k, v := range s.entities {
		cp.entities[k] = v
	}
	for k, v := range s.grants {
		cp.grants[k] = v
	}
	for k, v := range s.actionRuns {
		cp.actionRuns[k] = v
	}
	return cp
}
