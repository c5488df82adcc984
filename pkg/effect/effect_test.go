package effect_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/effect"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store/memstore"
)

type stubCommitter struct {
	routeErr   error
	entityErr  error
	proposeErr error
	proposed   *model.ActionRun
}

func (c *stubCommitter) RouteObservation(_ context.Context, _ model.CausedBy, _, toNodeID string, obs model.Observation) (*model.Observation, error) {
	if c.routeErr != nil {
		return nil, c.routeErr
	}
	obs.NodeID = toNodeID
	return &obs, nil
}

func (c *stubCommitter) CreateEntityEvent(_ context.Context, _ model.CausedBy, _ string, _ model.EntityEvent) error {
	return c.entityErr
}

func (c *stubCommitter) ProposeAction(_ context.Context, _ model.CausedBy, _ string, _ any, riskLevel model.RiskLevel) (*model.ActionRun, error) {
	if c.proposeErr != nil {
		return nil, c.proposeErr
	}
	if c.proposed != nil {
		return c.proposed, nil
	}
	return &model.ActionRun{ID: "a1", RiskLevel: riskLevel}, nil
}

func call() effect.Call {
	return effect.Call{
		Observation: model.Observation{ID: "o1", NodeID: "n1", Type: "sensor.temp"},
		PolicyID:    "p1",
		EvaluatedAt: time.Now().UTC(),
	}
}

func TestDispatch_RouteObservationSuccess(t *testing.T) {
	c := &stubCommitter{}
	d := effect.New(c, memstore.New(), nil, effect.DefaultConfig(), nil)

	effects := []model.Effect{{Effect: model.EffectRouteObservation, Fields: map[string]any{"toNodeId": "n2"}}}
	summary := d.Dispatch(context.Background(), effects, call())

	require.Len(t, summary.Results, 1)
	assert.True(t, summary.Results[0].Success)
	assert.Equal(t, 1, summary.SuccessCount)
}

func TestDispatch_RouteObservationMissingToNodeIdFails(t *testing.T) {
	c := &stubCommitter{}
	d := effect.New(c, memstore.New(), nil, effect.DefaultConfig(), nil)

	effects := []model.Effect{{Effect: model.EffectRouteObservation}}
	summary := d.Dispatch(context.Background(), effects, call())

	require.Len(t, summary.Results, 1)
	assert.False(t, summary.Results[0].Success)
	assert.Equal(t, 1, summary.FailureCount)
}

func TestDispatch_CreateEntityEventRequiresEntityID(t *testing.T) {
	c := &stubCommitter{}
	d := effect.New(c, memstore.New(), nil, effect.DefaultConfig(), nil)

	effects := []model.Effect{{Effect: model.EffectCreateEntityEvent, Fields: map[string]any{"event": map[string]any{"weight": 70}}}}
	summary := d.Dispatch(context.Background(), effects, call())
	assert.False(t, summary.Results[0].Success)
}

func TestDispatch_ProposeActionCarriesRiskLevel(t *testing.T) {
	c := &stubCommitter{}
	d := effect.New(c, memstore.New(), nil, effect.DefaultConfig(), nil)

	effects := []model.Effect{{Effect: model.EffectProposeAction, Fields: map[string]any{
		"action": map[string]any{"riskLevel": "high"},
	}}}
	summary := d.Dispatch(context.Background(), effects, call())
	require.True(t, summary.Results[0].Success)
	run := summary.Results[0].Data.(*model.ActionRun)
	assert.Equal(t, model.RiskHigh, run.RiskLevel)
}

func TestDispatch_TagObservationIsIdempotentAndDeduplicates(t *testing.T) {
	repo := memstore.New()
	require.NoError(t, repo.PutObservation(context.Background(), model.Observation{ID: "o1", NodeID: "n1", Tags: []string{"existing"}}))
	d := effect.New(&stubCommitter{}, repo, nil, effect.DefaultConfig(), nil)

	effects := []model.Effect{{Effect: model.EffectTagObservation, Fields: map[string]any{"tags": []any{"existing", "new"}}}}
	call := call()
	call.Observation.ID = "o1"
	summary := d.Dispatch(context.Background(), effects, call)

	require.True(t, summary.Results[0].Success)
	tags := summary.Results[0].Data.([]string)
	assert.ElementsMatch(t, []string{"existing", "new"}, tags)
}

func TestDispatch_SuppressRecordsReasonOnSummary(t *testing.T) {
	d := effect.New(&stubCommitter{}, memstore.New(), nil, effect.DefaultConfig(), nil)

	effects := []model.Effect{{Effect: model.EffectSuppress, Fields: map[string]any{"reason": "dup"}}}
	summary := d.Dispatch(context.Background(), effects, call())

	assert.True(t, summary.Suppressed)
	assert.Equal(t, "dup", summary.SuppressReason)
}

func TestDispatch_UnknownEffectRecordsFailure(t *testing.T) {
	d := effect.New(&stubCommitter{}, memstore.New(), nil, effect.DefaultConfig(), nil)

	effects := []model.Effect{{Effect: "pack:unregistered:act"}}
	summary := d.Dispatch(context.Background(), effects, call())

	require.Len(t, summary.Results, 1)
	assert.False(t, summary.Results[0].Success)
	assert.Equal(t, 1, summary.FailureCount)
}

func TestDispatch_ContinuesOnErrorByDefault(t *testing.T) {
	c := &stubCommitter{routeErr: errors.New("boom")}
	d := effect.New(c, memstore.New(), nil, effect.DefaultConfig(), nil)

	effects := []model.Effect{
		{Effect: model.EffectRouteObservation, Fields: map[string]any{"toNodeId": "n2"}},
		{Effect: model.EffectLog},
	}
	summary := d.Dispatch(context.Background(), effects, call())
	require.Len(t, summary.Results, 2, "dispatch continues past the failed route_observation to log")
	assert.False(t, summary.Results[0].Success)
	assert.True(t, summary.Results[1].Success)
}

func TestDispatch_StopsOnErrorWhenConfigured(t *testing.T) {
	c := &stubCommitter{routeErr: errors.New("boom")}
	d := effect.New(c, memstore.New(), nil, effect.Config{ContinueOnError: false}, nil)

	effects := []model.Effect{
		{Effect: model.EffectRouteObservation, Fields: map[string]any{"toNodeId": "n2"}},
		{Effect: model.EffectLog},
	}
	summary := d.Dispatch(context.Background(), effects, call())
	assert.Len(t, summary.Results, 1, "dispatch loop breaks after the first failure")
}

func TestPackRegistry_ResolvesHighestVersionByDefault(t *testing.T) {
	r := effect.NewPackRegistry()
	require.NoError(t, r.Register("crm", "1.0.0", func(_ context.Context, eff model.Effect, _ effect.Call) (any, error) {
		return "v1", nil
	}))
	require.NoError(t, r.Register("crm", "2.0.0", func(_ context.Context, eff model.Effect, _ effect.Call) (any, error) {
		return "v2", nil
	}))

	h, ok := r.Resolve("pack:crm:sync")
	require.True(t, ok)
	data, err := h.Handle(context.Background(), model.Effect{}, effect.Call{})
	require.NoError(t, err)
	assert.Equal(t, "v2", data)
}

func TestPackRegistry_ResolveUnknownPackFails(t *testing.T) {
	r := effect.NewPackRegistry()
	_, ok := r.Resolve("pack:unknown:act")
	assert.False(t, ok)
}

func TestPackRegistry_RegisterRejectsInvalidSemver(t *testing.T) {
	r := effect.NewPackRegistry()
	err := r.Register("crm", "not-a-version", func(context.Context, model.Effect, effect.Call) (any, error) { return nil, nil })
	assert.Error(t, err)
}

func TestDispatch_PackEffectDispatchesThroughRegistry(t *testing.T) {
	packs := effect.NewPackRegistry()
	require.NoError(t, packs.Register("crm", "1.0.0", func(_ context.Context, eff model.Effect, _ effect.Call) (any, error) {
		return "synced", nil
	}))
	d := effect.New(&stubCommitter{}, memstore.New(), packs, effect.DefaultConfig(), nil)

	effects := []model.Effect{{Effect: "pack:crm:sync"}}
	summary := d.Dispatch(context.Background(), effects, call())
	require.True(t, summary.Results[0].Success)
	assert.Equal(t, "synced", summary.Results[0].Data)
}
