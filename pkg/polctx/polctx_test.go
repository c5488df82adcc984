package polctx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/polctx"
	"github.com/vellum-systems/substrate/pkg/store/memstore"
)

var refTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func seedRepo(t *testing.T) *memstore.Store {
	t.Helper()
	repo := memstore.New()
	ctx := context.Background()
	require.NoError(t, repo.PutNode(ctx, model.Node{ID: "n1", Kind: model.NodeSubject}))
	require.NoError(t, repo.PutGrant(ctx, model.Grant{ID: "g1", GranteeNodeID: "n1"}))
	require.NoError(t, repo.PutEpisode(ctx, model.Episode{ID: "e1", NodeID: "n1", Status: model.EpisodeActive}))
	require.NoError(t, repo.PutVariable(ctx, model.Variable{ID: "v1", NodeID: "n1", ComputeSpecs: []model.ComputeSpec{
		{ObservationTypes: []string{"sensor.temp"}, Aggregation: model.AggLatest},
	}}))
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.PutObservation(ctx, model.Observation{
			ID: string(rune('a' + i)), NodeID: "n1", Type: "sensor.temp",
			Payload:   map[string]any{"value": float64(i)},
			Timestamp: refTime.Add(-time.Duration(i) * time.Hour),
		}))
	}
	return repo
}

func TestBuilder_PrefetchAndBuild(t *testing.T) {
	repo := seedRepo(t)
	b := polctx.NewBuilder(repo)

	pre, err := b.Prefetch(context.Background(), "n1", refTime)
	require.NoError(t, err)

	obs := model.Observation{ID: "trigger", NodeID: "n1", Type: "sensor.temp", Timestamp: refTime}
	pctx := pre.Build(obs, "p1", 10, nil, refTime)

	assert.Equal(t, "n1", pctx.Node.ID)
	require.Len(t, pctx.Node.Grants, 1)
	require.Len(t, pctx.ActiveEpisodes(), 1)
	assert.Equal(t, "p1", pctx.PolicyID)
	assert.Equal(t, 10, pctx.Priority)
}

func TestContext_QueryObservationsDefaultsTo24HourWindow(t *testing.T) {
	repo := seedRepo(t)
	b := polctx.NewBuilder(repo)
	pre, err := b.Prefetch(context.Background(), "n1", refTime)
	require.NoError(t, err)

	obs := model.Observation{ID: "trigger", NodeID: "n1", Type: "sensor.temp", Timestamp: refTime}
	pctx := pre.Build(obs, "p1", 0, nil, refTime)

	got := pctx.QueryObservations(polctx.ObservationFilter{})
	assert.Len(t, got, 3, "all three seeded observations fall within the default 24h window")
	assert.True(t, got[0].Timestamp.After(got[len(got)-1].Timestamp), "sorted newest first")
}

func TestContext_QueryObservationsFiltersByTypeAndWindow(t *testing.T) {
	repo := seedRepo(t)
	b := polctx.NewBuilder(repo)
	pre, err := b.Prefetch(context.Background(), "n1", refTime)
	require.NoError(t, err)
	pctx := pre.Build(model.Observation{NodeID: "n1"}, "p1", 0, nil, refTime)

	hours := 1.5
	got := pctx.QueryObservations(polctx.ObservationFilter{Type: "sensor.temp", WindowHours: &hours})
	assert.Len(t, got, 2, "only observations within 1.5h survive (timestamps at 0h and 1h ago)")
}

func TestContext_QueryObservationsAppliesOffsetAndLimit(t *testing.T) {
	repo := seedRepo(t)
	b := polctx.NewBuilder(repo)
	pre, err := b.Prefetch(context.Background(), "n1", refTime)
	require.NoError(t, err)
	pctx := pre.Build(model.Observation{NodeID: "n1"}, "p1", 0, nil, refTime)

	got := pctx.QueryObservations(polctx.ObservationFilter{Limit: 1, Offset: 1})
	require.Len(t, got, 1)

	beyond := pctx.QueryObservations(polctx.ObservationFilter{Limit: 1, Offset: 100})
	assert.Empty(t, beyond)
}

func TestContext_GetVariableEstimateMemoizesAndHandlesUnknown(t *testing.T) {
	repo := seedRepo(t)
	b := polctx.NewBuilder(repo)
	pre, err := b.Prefetch(context.Background(), "n1", refTime)
	require.NoError(t, err)
	pctx := pre.Build(model.Observation{NodeID: "n1"}, "p1", 0, nil, refTime)

	first := pctx.GetVariableEstimate("v1")
	require.NotNil(t, first)
	second := pctx.GetVariableEstimate("v1")
	assert.Same(t, first, second, "repeated calls within one context return the identical cached pointer")

	assert.Nil(t, pctx.GetVariableEstimate("unknown"))
}

func TestContext_BuildCopiesAreIndependentOfPrefetch(t *testing.T) {
	repo := seedRepo(t)
	b := polctx.NewBuilder(repo)
	pre, err := b.Prefetch(context.Background(), "n1", refTime)
	require.NoError(t, err)

	pctx := pre.Build(model.Observation{NodeID: "n1"}, "p1", 0, nil, refTime)
	grants := pctx.Node.Grants
	grants[0].ID = "mutated"

	pctx2 := pre.Build(model.Observation{NodeID: "n1"}, "p2", 0, nil, refTime)
	assert.Equal(t, "g1", pctx2.Node.Grants[0].ID, "mutating one Build's slice must not affect a later Build from the same Prefetch")
}
