// Package bundle implements the deterministic directory codec of §4.8: a
// filesystem-rooted serialization of one repository's canon, read and
// written with the teacher's plain os.MkdirAll/os.WriteFile tree-building
// idiom (core/cmd/helm/export_cmd.go's copyDir/copyFile), JSON canonicalized
// via pkg/canonicalize instead of copied verbatim.
//
// Layout:
//
//	<root>/nodes/<nodeId>/{node.json, grants.json,
//	  artifacts/<artifactId>/{artifact.json, about.md, notes.md?, page.json, revisions.ndjson},
//	  entity-types/<typeId>.json, entities/<entityId>.json,
//	  variables/<variableId>.json, episodes/<episodeId>.json,
//	  policies/<policyId>.json}
//	<root>/log/{observations.ndjson, action_runs.ndjson}
//
// surfaces/<surfaceId>.json and layouts/<layoutId>.json are part of the
// wire layout per spec.md §4.8 but Surface/Layout are an explicit §1
// non-goal with no canon behind them in this substrate: Export never
// writes those directories, and Import treats them as opaque, warning
// rather than erroring when it finds them (see DESIGN.md).
package bundle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vellum-systems/substrate/pkg/canonicalize"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
)

const (
	dirNodes       = "nodes"
	dirLog         = "log"
	fileNode       = "node.json"
	fileGrants     = "grants.json"
	dirEntityTypes = "entity-types"
	dirEntities    = "entities"
	dirVariables   = "variables"
	dirEpisodes    = "episodes"
	dirPolicies    = "policies"
	dirArtifacts   = "artifacts"
	dirSurfaces    = "surfaces"
	dirLayouts     = "layouts"

	fileArtifactMeta = "artifact.json"
	fileAbout        = "about.md"
	fileNotes        = "notes.md"
	filePage         = "page.json"
	fileRevisions    = "revisions.ndjson"
	fileObservations = "observations.ndjson"
	fileActionRuns   = "action_runs.ndjson"
)

// artifactMeta carries the Artifact fields that have nowhere else to live
// in the §4.8 layout (about.md/notes.md/page.json are content, not
// metadata): this file is a supplement to the spec's representative file
// list, not a replacement for it (see DESIGN.md).
type artifactMeta struct {
	ID           string              `json:"id"`
	NodeID       string              `json:"nodeId"`
	Title        string              `json:"title"`
	Status       model.ArtifactStatus `json:"status"`
	TrunkVersion int                 `json:"trunkVersion"`
	EntityRefs   []model.EntityRef   `json:"entityRefs,omitempty"`
	CreatedAt    string              `json:"createdAt"`
	UpdatedAt    string              `json:"updatedAt"`
}

// Export walks repo in the fixed §4.8 order (nodes -> types -> entities ->
// variables -> episodes -> policies -> artifacts+revisions -> grants ->
// observations -> action runs) and writes the directory layout rooted at
// root.
func Export(ctx context.Context, repo store.Repository, root string) error {
	nodes, err := repo.ListNodes(ctx)
	if err != nil {
		return fmt.Errorf("bundle: list nodes: %w", err)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	for _, n := range nodes {
		if err := exportNode(ctx, repo, root, n); err != nil {
			return err
		}
	}
	return exportLog(ctx, repo, root, nodes)
}

func exportNode(ctx context.Context, repo store.Repository, root string, n model.Node) error {
	nodeDir := filepath.Join(root, dirNodes, n.ID)

	if err := writeJSON(filepath.Join(nodeDir, fileNode), n); err != nil {
		return err
	}

	grants, err := repo.ListGrants(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("bundle: list grants for node %s: %w", n.ID, err)
	}
	if err := writeJSON(filepath.Join(nodeDir, fileGrants), grants); err != nil {
		return err
	}

	entityTypes, err := repo.ListEntityTypes(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("bundle: list entity types for node %s: %w", n.ID, err)
	}
	for _, t := range entityTypes {
		if err := writeJSON(filepath.Join(nodeDir, dirEntityTypes, t.ID+".json"), t); err != nil {
			return err
		}
	}

	entities, err := repo.ListEntities(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("bundle: list entities for node %s: %w", n.ID, err)
	}
	for _, e := range entities {
		if err := writeJSON(filepath.Join(nodeDir, dirEntities, e.ID+".json"), e); err != nil {
			return err
		}
	}

	variables, err := repo.ListVariables(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("bundle: list variables for node %s: %w", n.ID, err)
	}
	for _, v := range variables {
		if err := writeJSON(filepath.Join(nodeDir, dirVariables, v.ID+".json"), v); err != nil {
			return err
		}
	}

	episodes, err := repo.ListEpisodes(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("bundle: list episodes for node %s: %w", n.ID, err)
	}
	for _, ep := range episodes {
		if err := writeJSON(filepath.Join(nodeDir, dirEpisodes, ep.ID+".json"), ep); err != nil {
			return err
		}
	}

	policies, err := repo.ListPolicies(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("bundle: list policies for node %s: %w", n.ID, err)
	}
	for _, p := range policies {
		if err := writeJSON(filepath.Join(nodeDir, dirPolicies, p.ID+".json"), p); err != nil {
			return err
		}
	}

	artifacts, err := repo.ListArtifacts(ctx, n.ID)
	if err != nil {
		return fmt.Errorf("bundle: list artifacts for node %s: %w", n.ID, err)
	}
	for _, a := range artifacts {
		if err := exportArtifact(ctx, repo, nodeDir, a); err != nil {
			return err
		}
	}

	return nil
}

func exportArtifact(ctx context.Context, repo store.Repository, nodeDir string, a model.Artifact) error {
	artifactDir := filepath.Join(nodeDir, dirArtifacts, a.ID)

	meta := artifactMeta{
		ID: a.ID, NodeID: a.NodeID, Title: a.Title, Status: a.Status,
		TrunkVersion: a.TrunkVersion, EntityRefs: a.EntityRefs,
		CreatedAt: a.CreatedAt.UTC().Format(timeLayout), UpdatedAt: a.UpdatedAt.UTC().Format(timeLayout),
	}
	if err := writeJSON(filepath.Join(artifactDir, fileArtifactMeta), meta); err != nil {
		return err
	}
	if err := writeText(filepath.Join(artifactDir, fileAbout), a.About); err != nil {
		return err
	}
	if a.Notes != "" {
		if err := writeText(filepath.Join(artifactDir, fileNotes), a.Notes); err != nil {
			return err
		}
	}
	if err := writeJSON(filepath.Join(artifactDir, filePage), a.Page); err != nil {
		return err
	}

	revisions, err := repo.ListRevisions(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("bundle: list revisions for artifact %s: %w", a.ID, err)
	}
	sort.Slice(revisions, func(i, j int) bool { return revisions[i].Version < revisions[j].Version })
	items := make([]any, len(revisions))
	for i, r := range revisions {
		items[i] = r
	}
	return writeNDJSON(filepath.Join(artifactDir, fileRevisions), items)
}

func exportLog(ctx context.Context, repo store.Repository, root string, nodes []model.Node) error {
	var observations []model.Observation
	var actionRuns []model.ActionRun

	for _, n := range nodes {
		obs, err := collectAllObservations(ctx, repo, n.ID)
		if err != nil {
			return err
		}
		observations = append(observations, obs...)

		runs, err := repo.ListActionRuns(ctx, n.ID)
		if err != nil {
			return fmt.Errorf("bundle: list action runs for node %s: %w", n.ID, err)
		}
		actionRuns = append(actionRuns, runs...)
	}

	sort.Slice(observations, func(i, j int) bool { return observations[i].Timestamp.Before(observations[j].Timestamp) })
	sort.Slice(actionRuns, func(i, j int) bool { return actionRuns[i].CreatedAt.Before(actionRuns[j].CreatedAt) })

	obsItems := make([]any, len(observations))
	for i, o := range observations {
		obsItems[i] = o
	}
	if err := writeNDJSON(filepath.Join(root, dirLog, fileObservations), obsItems); err != nil {
		return err
	}

	runItems := make([]any, len(actionRuns))
	for i, r := range actionRuns {
		runItems[i] = r
	}
	return writeNDJSON(filepath.Join(root, dirLog, fileActionRuns), runItems)
}

// collectAllObservations pages through QueryObservations (bounded to 1000
// per call per §4.1) until a short page signals the end, since §4.8 export
// needs the complete log regardless of the read-path's per-call cap.
func collectAllObservations(ctx context.Context, repo store.Repository, nodeID string) ([]model.Observation, error) {
	const pageSize = 1000
	var out []model.Observation
	offset := 0
	for {
		page, err := repo.QueryObservations(ctx, store.ObservationQuery{NodeID: nodeID, Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("bundle: query observations for node %s: %w", nodeID, err)
		}
		out = append(out, page...)
		if len(page) < pageSize {
			break
		}
		offset += pageSize
	}
	return out, nil
}

const timeLayout = "2006-01-02T15:04:05.000Z"

func writeJSON(path string, v any) error {
	data, err := canonicalize.JSON(v)
	if err != nil {
		return fmt.Errorf("bundle: canonicalize %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("bundle: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("bundle: write %s: %w", path, err)
	}
	return nil
}

func writeText(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("bundle: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("bundle: write %s: %w", path, err)
	}
	return nil
}

// writeNDJSON writes one canonicalized JSON object per line, trailing
// newline required (§4.8), items already ordered by the caller.
func writeNDJSON(path string, items []any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("bundle: mkdir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("bundle: create %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, item := range items {
		line, err := canonicalize.JSON(item)
		if err != nil {
			return fmt.Errorf("bundle: canonicalize ndjson line in %s: %w", path, err)
		}
		if _, err := w.Write(line); err != nil {
			return fmt.Errorf("bundle: write ndjson line in %s: %w", path, err)
		}
		if err := w.WriteByte('\n'); err != nil {
			return fmt.Errorf("bundle: write ndjson newline in %s: %w", path, err)
		}
	}
	return w.Flush()
}

func readJSON[T any](path string) (T, error) {
	var v T
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("bundle: unmarshal %s: %w", path, err)
	}
	return v, nil
}

func readJSONFilesInDir[T any](dir string) ([]T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bundle: read dir %s: %w", dir, err)
	}
	var out []T
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		v, err := readJSON[T](filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readNDJSON[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bundle: open %s: %w", path, err)
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("bundle: unmarshal ndjson line in %s: %w", path, err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bundle: scan %s: %w", path, err)
	}
	return out, nil
}
