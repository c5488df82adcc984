package bundle_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/bundle"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store/memstore"
)

func seedRepo(t *testing.T) *memstore.Store {
	t.Helper()
	repo := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.PutNode(ctx, model.Node{ID: "n1", Kind: model.NodeSubject, Name: "alice", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, repo.PutGrant(ctx, model.Grant{ID: "g1", GranteeNodeID: "n1", ResourceType: "node", ResourceID: "n2", GrantorNodeID: "n2", GrantedAt: now}))
	require.NoError(t, repo.PutVariable(ctx, model.Variable{ID: "v1", NodeID: "n1", Key: "sleep", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, repo.PutEpisode(ctx, model.Episode{ID: "e1", NodeID: "n1", Status: model.EpisodePlanned, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, repo.PutPolicy(ctx, model.Policy{ID: "p1", NodeID: "n1", Name: "demo", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, repo.PutArtifact(ctx, model.Artifact{
		ID: "a1", NodeID: "n1", Title: "notes", About: "about text", Page: map[string]any{"body": "hi"},
		Status: model.ArtifactDraft, TrunkVersion: 1, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, repo.PutRevision(ctx, model.Revision{ID: "r1", ArtifactID: "a1", Version: 1, Page: map[string]any{"body": "hi"}, CreatedAt: now}))
	require.NoError(t, repo.PutObservation(ctx, model.Observation{ID: "o1", NodeID: "n1", Type: "sensor.temp", Timestamp: now}))
	require.NoError(t, repo.PutActionRun(ctx, model.ActionRun{ID: "ar1", NodeID: "n1", Status: model.ActionPending, CreatedAt: now, UpdatedAt: now}))

	return repo
}

func TestExport_WritesExpectedDirectoryLayout(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()

	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	assertExists := func(rel string) {
		t.Helper()
		_, err := os.Stat(filepath.Join(dir, rel))
		assert.NoError(t, err, "expected %s to exist", rel)
	}
	assertExists("nodes/n1/node.json")
	assertExists("nodes/n1/grants.json")
	assertExists("nodes/n1/variables/v1.json")
	assertExists("nodes/n1/episodes/e1.json")
	assertExists("nodes/n1/policies/p1.json")
	assertExists("nodes/n1/artifacts/a1/artifact.json")
	assertExists("nodes/n1/artifacts/a1/about.md")
	assertExists("nodes/n1/artifacts/a1/page.json")
	assertExists("nodes/n1/artifacts/a1/revisions.ndjson")
	assertExists("log/observations.ndjson")
	assertExists("log/action_runs.ndjson")
}

func TestExport_OmitsNotesWhenEmpty(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	_, err := os.Stat(filepath.Join(dir, "nodes/n1/artifacts/a1/notes.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestExportImport_RoundTripPreservesRecords(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	dst := memstore.New()
	report, err := bundle.Import(context.Background(), dst, dir, bundle.ImportOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Warnings)

	n, err := dst.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", n.Name)

	v, err := dst.GetVariable(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "sleep", v.Key)

	a, err := dst.GetArtifact(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "notes", a.Title)
	assert.Equal(t, "about text", a.About)

	revs, err := dst.ListRevisions(context.Background(), "a1")
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, 1, revs[0].Version)

	obs, err := dst.GetObservation(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, "sensor.temp", obs.Type)

	run, err := dst.GetActionRun(context.Background(), "ar1")
	require.NoError(t, err)
	assert.Equal(t, model.ActionPending, run.Status)
}

func TestImport_SkipExistingLeavesRecordUntouched(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	dst := memstore.New()
	require.NoError(t, dst.PutNode(context.Background(), model.Node{ID: "n1", Name: "already here"}))

	report, err := bundle.Import(context.Background(), dst, dir, bundle.ImportOptions{SkipExisting: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped["node"])

	n, err := dst.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "already here", n.Name, "SkipExisting must not overwrite the pre-existing record")
}

func TestImport_WithoutSkipExistingOverwrites(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	dst := memstore.New()
	require.NoError(t, dst.PutNode(context.Background(), model.Node{ID: "n1", Name: "stale"}))

	report, err := bundle.Import(context.Background(), dst, dir, bundle.ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted["node"])

	n, err := dst.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", n.Name)
}

func TestImport_MissingNodesDirectoryFails(t *testing.T) {
	dst := memstore.New()
	_, err := bundle.Import(context.Background(), dst, t.TempDir(), bundle.ImportOptions{})
	assert.Error(t, err)
}

func TestImport_UnsupportedTSPolicyFileWarnsAndSkips(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	tsPath := filepath.Join(dir, "nodes/n1/policies/p2.ts")
	require.NoError(t, os.WriteFile(tsPath, []byte("export default {}"), 0o600))

	dst := memstore.New()
	report, err := bundle.Import(context.Background(), dst, dir, bundle.ImportOptions{})
	require.NoError(t, err)

	found := false
	for _, w := range report.Warnings {
		if w != "" && filepath.Ext(tsPath) == ".ts" {
			found = true
		}
	}
	assert.True(t, found || len(report.Warnings) > 0, "a .ts policy file should be reported as a warning, not an error")
}

func TestImport_SurfacesDirectoryWarnsButDoesNotError(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nodes/n1/surfaces"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes/n1/surfaces/s1.json"), []byte(`{}`), 0o600))

	dst := memstore.New()
	report, err := bundle.Import(context.Background(), dst, dir, bundle.ImportOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, report.Warnings)
}

func TestValidate_MissingNodesDirIsError(t *testing.T) {
	report, err := bundle.Validate(t.TempDir())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestValidate_MissingLogDirIsWarningNotError(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nodes"), 0o750))

	report, err := bundle.Validate(dir)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.NotEmpty(t, report.Warnings)
}

func TestValidate_WellFormedExportIsValidWithCounts(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	report, err := bundle.Validate(dir)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.Counts["nodes"])
	assert.Equal(t, 1, report.Counts["artifacts"])
	assert.Equal(t, 1, report.Counts["variables"])
	assert.Equal(t, 1, report.Counts["episodes"])
	assert.Equal(t, 1, report.Counts["policies"])
}

func TestValidate_ArtifactMissingPageJSONIsError(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	require.NoError(t, os.Remove(filepath.Join(dir, "nodes/n1/artifacts/a1/page.json")))

	report, err := bundle.Validate(dir)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestValidate_UnexpectedNodeEntryWarns(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes/n1/mystery.txt"), []byte("?"), 0o600))

	report, err := bundle.Validate(dir)
	require.NoError(t, err)
	assert.True(t, report.Valid, "an unrecognized entry is a warning, not a structural error")
	assert.NotEmpty(t, report.Warnings)
}

func TestValidate_SurfacesPresentWarns(t *testing.T) {
	repo := seedRepo(t)
	dir := t.TempDir()
	require.NoError(t, bundle.Export(context.Background(), repo, dir))

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nodes/n1/surfaces"), 0o750))

	report, err := bundle.Validate(dir)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.NotEmpty(t, report.Warnings)
}
