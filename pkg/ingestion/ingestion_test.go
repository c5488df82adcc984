package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/ingestion"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
	"github.com/vellum-systems/substrate/pkg/store/memstore"
)

func newRepoWithNode(t *testing.T, nodeID string) *memstore.Store {
	t.Helper()
	repo := memstore.New()
	require.NoError(t, repo.PutNode(context.Background(), model.Node{ID: nodeID, Kind: model.NodeSubject}))
	return repo
}

func TestIngestObservation_Success(t *testing.T) {
	repo := newRepoWithNode(t, "n1")
	ig := ingestion.New(repo, ingestion.Options{})

	obs, err := ig.IngestObservation(context.Background(), ingestion.Input{
		NodeID:     "n1",
		Type:       "sensor.temp",
		Payload:    map[string]any{"celsius": 20.0},
		Provenance: model.Provenance{SourceID: "n1"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, obs.ID)
	assert.Equal(t, "sensor.temp", obs.Type)

	got, err := repo.GetObservation(context.Background(), obs.ID)
	require.NoError(t, err)
	assert.Equal(t, obs.ID, got.ID)
}

func TestIngestObservation_RejectsMalformedType(t *testing.T) {
	repo := memstore.New()
	ig := ingestion.New(repo, ingestion.Options{})

	_, err := ig.IngestObservation(context.Background(), ingestion.Input{
		NodeID: "n1", Type: "Bad Type", Provenance: model.Provenance{SourceID: "n1"},
	})
	var v *errs.Validation
	assert.ErrorAs(t, err, &v)
}

func TestIngestObservation_RequiresSourceID(t *testing.T) {
	repo := memstore.New()
	ig := ingestion.New(repo, ingestion.Options{})

	_, err := ig.IngestObservation(context.Background(), ingestion.Input{NodeID: "n1", Type: "sensor.temp"})
	var p *errs.Provenance
	assert.ErrorAs(t, err, &p)
}

func TestIngestObservation_RejectsOutOfRangeConfidence(t *testing.T) {
	repo := memstore.New()
	ig := ingestion.New(repo, ingestion.Options{})
	bad := 1.5

	_, err := ig.IngestObservation(context.Background(), ingestion.Input{
		NodeID: "n1", Type: "sensor.temp",
		Provenance: model.Provenance{SourceID: "n1", Confidence: &bad},
	})
	var p *errs.Provenance
	assert.ErrorAs(t, err, &p)
}

func TestIngestObservation_VerifyNodesExist(t *testing.T) {
	repo := memstore.New()
	ig := ingestion.New(repo, ingestion.Options{VerifyNodesExist: true})

	_, err := ig.IngestObservation(context.Background(), ingestion.Input{
		NodeID: "missing", Type: "sensor.temp", Provenance: model.Provenance{SourceID: "missing"},
	})
	var nf *errs.NotFound
	assert.ErrorAs(t, err, &nf)
}

func TestIngestObservation_DefaultsTimestampToNow(t *testing.T) {
	repo := newRepoWithNode(t, "n1")
	ig := ingestion.New(repo, ingestion.Options{})

	before := time.Now().UTC()
	obs, err := ig.IngestObservation(context.Background(), ingestion.Input{
		NodeID: "n1", Type: "sensor.temp", Provenance: model.Provenance{SourceID: "n1"},
	})
	require.NoError(t, err)
	assert.True(t, !obs.Timestamp.Before(before))
}

type stubLimiter struct {
	allow bool
	err   error
}

func (l stubLimiter) Allow(_ context.Context, _ string) (bool, error) { return l.allow, l.err }

func TestIngestObservation_RateLimited(t *testing.T) {
	repo := newRepoWithNode(t, "n1")
	ig := ingestion.New(repo, ingestion.Options{Limiter: stubLimiter{allow: false}})

	_, err := ig.IngestObservation(context.Background(), ingestion.Input{
		NodeID: "n1", Type: "sensor.temp", Provenance: model.Provenance{SourceID: "n1"},
	})
	var v *errs.Validation
	assert.ErrorAs(t, err, &v)
}

func TestIngestObservation_LimiterBackendError(t *testing.T) {
	repo := newRepoWithNode(t, "n1")
	ig := ingestion.New(repo, ingestion.Options{Limiter: stubLimiter{err: errors.New("redis down")}})

	_, err := ig.IngestObservation(context.Background(), ingestion.Input{
		NodeID: "n1", Type: "sensor.temp", Provenance: model.Provenance{SourceID: "n1"},
	})
	var be *errs.Backend
	assert.ErrorAs(t, err, &be)
}

type stubSchema struct{ err error }

func (s stubSchema) Validate(_ string, _ any) error { return s.err }

func TestIngestObservation_SchemaRejection(t *testing.T) {
	repo := newRepoWithNode(t, "n1")
	ig := ingestion.New(repo, ingestion.Options{Schema: stubSchema{err: errors.New("bad payload")}})

	_, err := ig.IngestObservation(context.Background(), ingestion.Input{
		NodeID: "n1", Type: "sensor.temp", Provenance: model.Provenance{SourceID: "n1"},
	})
	var v *errs.Validation
	assert.ErrorAs(t, err, &v)
}

func TestIngestObservations_FailFastNoPartialCommit(t *testing.T) {
	repo := newRepoWithNode(t, "n1")
	ig := ingestion.New(repo, ingestion.Options{})

	inputs := []ingestion.Input{
		{NodeID: "n1", Type: "sensor.temp", Provenance: model.Provenance{SourceID: "n1"}},
		{NodeID: "n1", Type: "Bad Type", Provenance: model.Provenance{SourceID: "n1"}},
	}

	_, err := ig.IngestObservations(context.Background(), inputs)
	assert.Error(t, err)

	q, qerr := repo.QueryObservations(context.Background(), store.ObservationQuery{NodeID: "n1"})
	require.NoError(t, qerr)
	assert.Empty(t, q, "no observation should be persisted when any input fails validation")
}

func TestIngestObservations_AllValidPersistsEverything(t *testing.T) {
	repo := newRepoWithNode(t, "n1")
	ig := ingestion.New(repo, ingestion.Options{})

	inputs := []ingestion.Input{
		{NodeID: "n1", Type: "sensor.temp", Provenance: model.Provenance{SourceID: "n1"}},
		{NodeID: "n1", Type: "sensor.humidity", Provenance: model.Provenance{SourceID: "n1"}},
	}

	out, err := ig.IngestObservations(context.Background(), inputs)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	q, err := repo.QueryObservations(context.Background(), store.ObservationQuery{NodeID: "n1"})
	require.NoError(t, err)
	assert.Len(t, q, 2)
}
