package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
	"github.com/vellum-systems/substrate/pkg/store/memstore"
)

func TestNode_PutGetDelete(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	n := model.Node{ID: "n1", Kind: model.NodeSubject, Name: "alice"}
	require.NoError(t, s.PutNode(ctx, n))

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)

	_, err = s.GetNode(ctx, "missing")
	var nf *errs.NotFound
	assert.ErrorAs(t, err, &nf)

	require.NoError(t, s.DeleteNode(ctx, "n1"))
	_, err = s.GetNode(ctx, "n1")
	assert.ErrorAs(t, err, &nf)
}

func TestListNodes_SortedByID(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PutNode(ctx, model.Node{ID: "b"}))
	require.NoError(t, s.PutNode(ctx, model.Node{ID: "a"}))

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a", nodes[0].ID)
	assert.Equal(t, "b", nodes[1].ID)
}

func TestQueryObservations_FiltersAndOrdersDescending(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	obs := []model.Observation{
		{ID: "o1", NodeID: "n1", Type: "sensor.temp", Timestamp: base},
		{ID: "o2", NodeID: "n1", Type: "sensor.temp", Timestamp: base.Add(time.Hour)},
		{ID: "o3", NodeID: "n1", Type: "health.mood", Timestamp: base.Add(2 * time.Hour)},
		{ID: "o4", NodeID: "n2", Type: "sensor.temp", Timestamp: base.Add(3 * time.Hour)},
	}
	for _, o := range obs {
		require.NoError(t, s.PutObservation(ctx, o))
	}

	got, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", Type: "sensor.temp"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "o2", got[0].ID, "newest first")
	assert.Equal(t, "o1", got[1].ID)

	byPrefix, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", TypePrefix: "sensor."})
	require.NoError(t, err)
	assert.Len(t, byPrefix, 2)

	since := base.Add(90 * time.Minute)
	windowed, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", Since: &since})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "o3", windowed[0].ID)
}

func TestQueryObservations_Pagination(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.PutObservation(ctx, model.Observation{
			ID: string(rune('a' + i)), NodeID: "n1", Type: "x",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 2)

	beyond, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", Limit: 2, Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestListActiveEpisodes(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PutEpisode(ctx, model.Episode{ID: "e1", NodeID: "n1", Status: model.EpisodeActive}))
	require.NoError(t, s.PutEpisode(ctx, model.Episode{ID: "e2", NodeID: "n1", Status: model.EpisodePlanned}))
	require.NoError(t, s.PutEpisode(ctx, model.Episode{ID: "e3", NodeID: "n1", Status: model.EpisodeCompleted}))

	active, err := s.ListActiveEpisodes(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "e1", active[0].ID)
}

func TestListTriggeredPolicies(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PutPolicy(ctx, model.Policy{ID: "p1", NodeID: "n1", Enabled: true, Triggers: []string{"sensor.*"}}))
	require.NoError(t, s.PutPolicy(ctx, model.Policy{ID: "p2", NodeID: "n1", Enabled: false, Triggers: []string{"sensor.*"}}))
	require.NoError(t, s.PutPolicy(ctx, model.Policy{ID: "p3", NodeID: "n1", Enabled: true, Triggers: []string{"health.*"}}))

	triggered, err := s.ListTriggeredPolicies(ctx, "n1", "sensor.temp")
	require.NoError(t, err)
	require.Len(t, triggered, 1)
	assert.Equal(t, "p1", triggered[0].ID)
}

func TestListPolicies_IncludesDisabled(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PutPolicy(ctx, model.Policy{ID: "p1", NodeID: "n1", Enabled: true}))
	require.NoError(t, s.PutPolicy(ctx, model.Policy{ID: "p2", NodeID: "n1", Enabled: false}))

	all, err := s.ListPolicies(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p1", all[0].ID)
	assert.Equal(t, "p2", all[1].ID)
}

func TestAppendEntityEvent_ReturnsNotFoundForMissingEntity(t *testing.T) {
	s := memstore.New()
	err := s.AppendEntityEvent(context.Background(), model.EntityEvent{EntityID: "missing"})
	var nf *errs.NotFound
	assert.ErrorAs(t, err, &nf)
}

func TestAppendEntityEvent_AppendsToExisting(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PutEntity(ctx, model.Entity{ID: "ent1", NodeID: "n1"}))
	require.NoError(t, s.AppendEntityEvent(ctx, model.EntityEvent{ID: "ev1", EntityID: "ent1", Type: "weight"}))

	got, err := s.GetEntity(ctx, "ent1")
	require.NoError(t, err)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "ev1", got.Events[0].ID)
}

func TestTransaction_CommitsOnSuccess(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	err := s.Transaction(ctx, func(ctx context.Context, repo store.Repository) error {
		return repo.PutNode(ctx, model.Node{ID: "n1", Name: "committed"})
	})
	require.NoError(t, err)

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "committed", got.Name)
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(ctx context.Context, repo store.Repository) error {
		if putErr := repo.PutNode(ctx, model.Node{ID: "n1"}); putErr != nil {
			return putErr
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.GetNode(ctx, "n1")
	var nf *errs.NotFound
	assert.ErrorAs(t, err, &nf, "node written inside the failed transaction must not be visible")
}

func TestGrant_ListByGrantee(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PutGrant(ctx, model.Grant{ID: "g1", GranteeNodeID: "n1"}))
	require.NoError(t, s.PutGrant(ctx, model.Grant{ID: "g2", GranteeNodeID: "n2"}))

	got, err := s.ListGrants(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "g1", got[0].ID)
}

func TestActionRun_PutGetList(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	require.NoError(t, s.PutActionRun(ctx, model.ActionRun{ID: "a1", NodeID: "n1", Status: model.ActionPending}))

	got, err := s.GetActionRun(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.ActionPending, got.Status)

	list, err := s.ListActionRuns(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}
