// Package reactor assembles the reactive cycle §2 describes — C2 appends
// an observation, the substrate triggers C5 for matching policies, C4
// builds the frozen context those policies evaluate against, each policy
// returns effects, and C6 dispatches them (authorizing/committing
// mutation-bearing effects through C7 along the way). Every piece it
// strings together already exists as its own tested component; Reactor
// is the thing that calls them in the right order for one observation,
// grounded on the teacher's runServer wiring style (cmd/helm/main.go) of
// gluing independently-built subsystems together at a single call site
// rather than leaving that glue implicit.
package reactor

import (
	"context"
	"time"

	"github.com/vellum-systems/substrate/pkg/effect"
	"github.com/vellum-systems/substrate/pkg/ingestion"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/observability"
	"github.com/vellum-systems/substrate/pkg/policy"
	"github.com/vellum-systems/substrate/pkg/polctx"
	"github.com/vellum-systems/substrate/pkg/store"
)

// Reactor drives one observation through trigger matching (C5 selection),
// frozen-context construction (C4), policy evaluation (C5), and effect
// dispatch (C6). It holds no state of its own beyond the components it
// coordinates.
type Reactor struct {
	repo          store.PolicyRepository
	ingestor      *ingestion.Ingestor
	builder       *polctx.Builder
	policyEng     *policy.Engine
	dispatch      *effect.Dispatcher
	observability *observability.Provider
}

// New builds a Reactor. repo is used only to list triggered policies
// (ListTriggeredPolicies); every other repository access happens inside
// builder/ingestor, which already hold their own Repository handle.
func New(repo store.PolicyRepository, ingestor *ingestion.Ingestor, builder *polctx.Builder, policyEng *policy.Engine, dispatch *effect.Dispatcher, obs *observability.Provider) *Reactor {
	return &Reactor{
		repo:          repo,
		ingestor:      ingestor,
		builder:       builder,
		policyEng:     policyEng,
		dispatch:      dispatch,
		observability: obs,
	}
}

// Outcome is what running one observation through the full cycle
// produced: the appended observation, which policies were considered,
// what they evaluated to, and how their effects were dispatched.
type Outcome struct {
	Observation     model.Observation     `json:"observation"`
	TriggeredPolicy []string              `json:"triggeredPolicies"`
	Policy          policy.Result         `json:"policy"`
	Dispatch        model.DispatchSummary `json:"dispatch"`
}

// Observe ingests in through the configured Ingestor (C2: validation,
// optional node/schema checks, rate limiting) and, if the resulting
// observation triggers any policy, runs the cycle against it.
func (r *Reactor) Observe(ctx context.Context, in ingestion.Input) (*Outcome, error) {
	obs, err := r.ingestor.IngestObservation(ctx, in)
	if err != nil {
		return nil, err
	}
	return r.React(ctx, *obs)
}

// React runs C4->C5->C6 for an already-appended observation obs: it
// selects the policies obs.Type triggers on obs.NodeID, prefetches the
// frozen context those policies evaluate against, evaluates them, and
// dispatches whatever effects they produced. An observation that
// triggers no policy is a no-op cycle, not an error: Outcome.Policy and
// Outcome.Dispatch are left zero-valued.
func (r *Reactor) React(ctx context.Context, obs model.Observation) (*Outcome, error) {
	var (
		end func(*error)
		err error
	)
	if r.observability != nil {
		ctx, end = r.observability.StartSpan(ctx, "reactor", "react")
		defer func() { end(&err) }()
	}

	out := &Outcome{Observation: obs}

	policies, err := r.repo.ListTriggeredPolicies(ctx, obs.NodeID, obs.Type)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return out, nil
	}
	for _, p := range policies {
		out.TriggeredPolicy = append(out.TriggeredPolicy, p.ID)
	}

	prefetch, err := r.builder.Prefetch(ctx, obs.NodeID, obs.Timestamp)
	if err != nil {
		return nil, err
	}

	out.Policy = r.policyEng.Evaluate(ctx, policies, prefetch, obs)
	out.Dispatch = r.dispatch.Dispatch(ctx, out.Policy.Effects, effect.Call{
		Observation: obs,
		EvaluatedAt: time.Now().UTC(),
	})
	return out, nil
}
