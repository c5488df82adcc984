// Package polctx builds the frozen PolicyContext (§4.4) handed to one
// policy evaluation: the triggering observation, the node's edges and
// grants, active episodes, all variables, a recent observation window,
// and the bounded canon.queryObservations / estimates.getVariableEstimate
// accessors. Every returned slice/map is a defensive copy, standing in
// for the "deep freeze" the spec describes in languages with a runtime
// freeze primitive — Go has none, so immutability is enforced by never
// handing out the underlying storage.
package polctx

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vellum-systems/substrate/pkg/estimator"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
)

// ObservationFilter is the argument to canon.queryObservations (§4.4).
type ObservationFilter struct {
	Type       string
	TypePrefix string
	WindowHours *float64
	TimeRangeStart *time.Time
	TimeRangeEnd   *time.Time
	Offset     int
	Limit      int
}

// NodeView is the frozen, read-only view of a node's identity and
// immediate relationships.
type NodeView struct {
	ID     string
	Kind   model.NodeKind
	Edges  []model.Edge
	Grants []model.Grant
}

// Context is the PolicyContext of §4.4: everything a single policy
// evaluation may read.
type Context struct {
	Observation  model.Observation
	Node         NodeView
	PriorEffects []model.Effect
	EvaluatedAt  time.Time
	PolicyID     string
	Priority     int

	allObservations []model.Observation // prefetched, last 7 days, <=1000
	variables       map[string]model.Variable
	episodes        []model.Episode

	estimateMu    sync.Mutex
	estimateCache map[string]*model.VariableEstimate
}

// Builder constructs a Context by prefetching once per evaluation cycle
// per §4.4, then handing out cheap copies to each policy it evaluates on
// the same observation.
type Builder struct {
	repo store.Repository
}

// NewBuilder creates a Builder reading through repo.
func NewBuilder(repo store.Repository) *Builder {
	return &Builder{repo: repo}
}

// Prefetch performs the §4.4 prefetch set for obs's node: the node plus
// its edges and incoming grants, active episodes, all variables, and
// observations within the last 7 days (up to 1000). It returns a
// reusable *Prefetch that Build calls against to build one Context per
// policy in the evaluation loop.
type Prefetch struct {
	node        model.Node
	edges       []model.Edge
	grants      []model.Grant
	episodes    []model.Episode
	variables   []model.Variable
	observations []model.Observation
}

func (b *Builder) Prefetch(ctx context.Context, nodeID string, referenceTime time.Time) (*Prefetch, error) {
	node, err := b.repo.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	edges, err := b.repo.ListEdges(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	grants, err := b.repo.ListGrants(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	episodes, err := b.repo.ListActiveEpisodes(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	variables, err := b.repo.ListVariables(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	since := referenceTime.Add(-7 * 24 * time.Hour)
	observations, err := b.repo.QueryObservations(ctx, store.ObservationQuery{
		NodeID: nodeID,
		Since:  &since,
		Limit:  1000,
	})
	if err != nil {
		return nil, err
	}

	return &Prefetch{
		node:         *node,
		edges:        edges,
		grants:       grants,
		episodes:     episodes,
		variables:    variables,
		observations: observations,
	}, nil
}

// Build assembles a Context for one policy evaluation from a previously
// computed Prefetch, the triggering observation, and the accumulated
// priorEffects list (§4.5).
func (p *Prefetch) Build(obs model.Observation, policyID string, priority int, priorEffects []model.Effect, evaluatedAt time.Time) *Context {
	variables := make(map[string]model.Variable, len(p.variables))
	for _, v := range p.variables {
		variables[v.ID] = v
	}

	return &Context{
		Observation: obs,
		Node: NodeView{
			ID:     p.node.ID,
			Kind:   p.node.Kind,
			Edges:  append([]model.Edge(nil), p.edges...),
			Grants: append([]model.Grant(nil), p.grants...),
		},
		PriorEffects:    append([]model.Effect(nil), priorEffects...),
		EvaluatedAt:     evaluatedAt,
		PolicyID:        policyID,
		Priority:        priority,
		allObservations: p.observations,
		variables:       variables,
		episodes:        append([]model.Episode(nil), p.episodes...),
		estimateCache:   make(map[string]*model.VariableEstimate),
	}
}

// ActiveEpisodes returns a copy of the node's active episodes.
func (c *Context) ActiveEpisodes() []model.Episode {
	return append([]model.Episode(nil), c.episodes...)
}

// QueryObservations implements canon.queryObservations (§4.4's bounded I/O
// contract): limit mandatory (clamped to 1000, default 100), a 24h window
// imposed when neither window nor time range is given, filtered and
// sorted descending by timestamp, then offset/limit applied. The result
// is a fresh slice the caller cannot use to mutate the context's state.
func (c *Context) QueryObservations(f ObservationFilter) []model.Observation {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	start, end := f.TimeRangeStart, f.TimeRangeEnd
	if start == nil && end == nil && f.WindowHours == nil {
		cutoff := c.EvaluatedAt.Add(-24 * time.Hour)
		start = &cutoff
	} else if f.WindowHours != nil {
		cutoff := c.EvaluatedAt.Add(-time.Duration(*f.WindowHours * float64(time.Hour)))
		start = &cutoff
	}

	var matched []model.Observation
	for _, o := range c.allObservations {
		if f.Type != "" && o.Type != f.Type {
			continue
		}
		if f.TypePrefix != "" && !strings.HasPrefix(o.Type, f.TypePrefix) {
			continue
		}
		if start != nil && o.Timestamp.Before(*start) {
			continue
		}
		if end != nil && o.Timestamp.After(*end) {
			continue
		}
		matched = append(matched, o)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []model.Observation{}
	}
	last := offset + limit
	if last > len(matched) {
		last = len(matched)
	}
	out := make([]model.Observation, last-offset)
	copy(out, matched[offset:last])
	return out
}

// GetVariableEstimate implements estimates.getVariableEstimate: memoized
// per evaluation cycle (identity-equal on repeated calls within this
// Context), returning nil for an unknown variable id (also cached).
func (c *Context) GetVariableEstimate(variableID string) *model.VariableEstimate {
	c.estimateMu.Lock()
	defer c.estimateMu.Unlock()

	if cached, ok := c.estimateCache[variableID]; ok {
		return cached
	}

	v, ok := c.variables[variableID]
	if !ok {
		c.estimateCache[variableID] = nil
		return nil
	}

	est := estimator.Estimate(v, c.allObservations, nil, c.EvaluatedAt)
	c.estimateCache[variableID] = &est
	return &est
}
