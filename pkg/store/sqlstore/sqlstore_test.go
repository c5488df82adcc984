package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
	"github.com/vellum-systems/substrate/pkg/store/sqlstore"
)

// newStore opens a named, test-isolated in-memory sqlite database: a bare
// ":memory:" DSN gives each pooled connection its own database, while a
// named "file:<name>?mode=memory&cache=shared" DSN is shared across
// connections within the process but isolated from every other test's name.
func newStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("sqlite://file:%s?mode=memory&cache=shared", name)
	s, err := sqlstore.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_UnrecognizedSchemeFails(t *testing.T) {
	_, err := sqlstore.Open(context.Background(), "mysql://localhost/db")
	assert.Error(t, err)
}

func TestOpen_SQLiteAppliesSchema(t *testing.T) {
	s := newStore(t)
	nodes, err := s.ListNodes(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestPutGetNode_RoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutNode(ctx, model.Node{ID: "n1", Kind: model.NodeSubject, Name: "alice", CreatedAt: now, UpdatedAt: now}))

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, model.NodeSubject, got.Kind)
}

func TestGetNode_NotFoundReturnsTypedError(t *testing.T) {
	s := newStore(t)
	_, err := s.GetNode(context.Background(), "missing")

	var nf *errs.NotFound
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "node", nf.ResourceType)
}

func TestPutNode_UpsertOverwritesOnConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutNode(ctx, model.Node{ID: "n1", Name: "first"}))
	require.NoError(t, s.PutNode(ctx, model.Node{ID: "n1", Name: "second"}))

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Name)

	all, err := s.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert must not create a duplicate row")
}

func TestQueryObservations_FiltersByTypeAndOrdersDescending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.PutObservation(ctx, model.Observation{ID: "o1", NodeID: "n1", Type: "sensor.temp", Timestamp: base}))
	require.NoError(t, s.PutObservation(ctx, model.Observation{ID: "o2", NodeID: "n1", Type: "sensor.temp", Timestamp: base.Add(time.Hour)}))
	require.NoError(t, s.PutObservation(ctx, model.Observation{ID: "o3", NodeID: "n1", Type: "sensor.humidity", Timestamp: base.Add(2 * time.Hour)}))

	results, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", Type: "sensor.temp"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "o2", results[0].ID, "most recent observation must come first")
	assert.Equal(t, "o1", results[1].ID)
}

func TestQueryObservations_TypePrefixMatchesSubtypes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.PutObservation(ctx, model.Observation{ID: "o1", NodeID: "n1", Type: "sensor.temp.indoor", Timestamp: now}))
	require.NoError(t, s.PutObservation(ctx, model.Observation{ID: "o2", NodeID: "n1", Type: "other.kind", Timestamp: now}))

	results, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", TypePrefix: "sensor."})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "o1", results[0].ID)
}

func TestQueryObservations_DefaultLimitAppliedWhenUnset(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.PutObservation(ctx, model.Observation{
			ID: string(rune('a' + i)), NodeID: "n1", Type: "x", Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	results, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1"})
	require.NoError(t, err)
	assert.Len(t, results, 5)
}

func TestQueryObservations_OffsetPaginates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.PutObservation(ctx, model.Observation{
			ID: string(rune('a' + i)), NodeID: "n1", Type: "x", Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page1, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", Limit: 2, Offset: 0})
	require.NoError(t, err)
	page2, err := s.QueryObservations(ctx, store.ObservationQuery{NodeID: "n1", Limit: 2, Offset: 2})
	require.NoError(t, err)

	require.Len(t, page1, 2)
	require.Len(t, page2, 1)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)
}

func TestListTriggeredPolicies_FiltersDisabledAndNonMatching(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPolicy(ctx, model.Policy{ID: "p1", NodeID: "n1", Enabled: true, Priority: 1, Triggers: []string{"sensor.*"}}))
	require.NoError(t, s.PutPolicy(ctx, model.Policy{ID: "p2", NodeID: "n1", Enabled: false, Priority: 2, Triggers: []string{"sensor.*"}}))
	require.NoError(t, s.PutPolicy(ctx, model.Policy{ID: "p3", NodeID: "n1", Enabled: true, Priority: 0, Triggers: []string{"other.kind"}}))

	matched, err := s.ListTriggeredPolicies(ctx, "n1", "sensor.temp")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "p1", matched[0].ID)
}

func TestListActiveEpisodes_FiltersByStatus(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutEpisode(ctx, model.Episode{ID: "e1", NodeID: "n1", Status: model.EpisodeActive}))
	require.NoError(t, s.PutEpisode(ctx, model.Episode{ID: "e2", NodeID: "n1", Status: model.EpisodePlanned}))

	active, err := s.ListActiveEpisodes(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "e1", active[0].ID)
}

func TestListGrants_FiltersByGranteeNode(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutGrant(ctx, model.Grant{ID: "g1", GranteeNodeID: "n1", GrantorNodeID: "n2"}))
	require.NoError(t, s.PutGrant(ctx, model.Grant{ID: "g2", GranteeNodeID: "n2", GrantorNodeID: "n1"}))

	grants, err := s.ListGrants(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "g1", grants[0].ID)
}

func TestAppendEntityEvent_AppendsAndReducesState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutEntity(ctx, model.Entity{ID: "ent1", NodeID: "n1", TypeID: "t1"}))
	require.NoError(t, s.AppendEntityEvent(ctx, model.EntityEvent{ID: "ev1", EntityID: "ent1", Type: "weight", Data: 70.0}))

	got, err := s.GetEntity(ctx, "ent1")
	require.NoError(t, err)
	require.Len(t, got.Events, 1)
	state := got.State.(map[string]any)
	assert.Equal(t, 70.0, state["weight"])
}

func TestTransaction_CommitsWritesOnSuccess(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.Transaction(ctx, func(ctx context.Context, repo store.Repository) error {
		return repo.PutNode(ctx, model.Node{ID: "n1", Name: "tx"})
	})
	require.NoError(t, err)

	got, err := s.GetNode(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "tx", got.Name)
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	sentinel := errors.New("boom")

	err := s.Transaction(ctx, func(ctx context.Context, repo store.Repository) error {
		if putErr := repo.PutNode(ctx, model.Node{ID: "n1", Name: "rolled-back"}); putErr != nil {
			return putErr
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, getErr := s.GetNode(ctx, "n1")
	var nf *errs.NotFound
	assert.True(t, errors.As(getErr, &nf), "the write inside the failed transaction must not be visible")
}

func TestDeleteNode_RemovesRow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutNode(ctx, model.Node{ID: "n1", Name: "alice"}))
	require.NoError(t, s.DeleteNode(ctx, "n1"))

	_, err := s.GetNode(ctx, "n1")
	var nf *errs.NotFound
	assert.True(t, errors.As(err, &nf))
}

func TestListRevisions_OrderedByVersionAscending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutRevision(ctx, model.Revision{ID: "r2", ArtifactID: "a1", Version: 2}))
	require.NoError(t, s.PutRevision(ctx, model.Revision{ID: "r1", ArtifactID: "a1", Version: 1}))

	revs, err := s.ListRevisions(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, 1, revs[0].Version)
	assert.Equal(t, 2, revs[1].Version)
}
