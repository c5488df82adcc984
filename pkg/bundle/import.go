package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
)

// ImportOptions controls per-record insert-or-skip behavior (§4.8 Import).
type ImportOptions struct {
	// SkipExisting, when true, leaves a record alone if one with the same
	// ID is already present in the repository instead of overwriting it.
	SkipExisting bool
}

// ImportReport tallies what Import did, for the caller to surface.
type ImportReport struct {
	Inserted map[string]int
	Skipped  map[string]int
	Warnings []string
}

func newImportReport() *ImportReport {
	return &ImportReport{Inserted: map[string]int{}, Skipped: map[string]int{}}
}

// Import reads the §4.8 directory layout rooted at root and applies it to
// repo. It fails fast on structural errors (a missing required file) and
// collects warnings for unknown extras, per spec.md §4.8.
func Import(ctx context.Context, repo store.Repository, root string, opts ImportOptions) (*ImportReport, error) {
	report := newImportReport()

	nodesDir := filepath.Join(root, dirNodes)
	entries, err := os.ReadDir(nodesDir)
	if err != nil {
		return nil, fmt.Errorf("bundle: missing required directory %q: %w", dirNodes, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			report.Warnings = append(report.Warnings, fmt.Sprintf("unexpected file %q directly under %s/", entry.Name(), dirNodes))
			continue
		}
		if err := importNode(ctx, repo, filepath.Join(nodesDir, entry.Name()), opts, report); err != nil {
			return nil, err
		}
	}

	if err := importLog(ctx, repo, root, opts, report); err != nil {
		return nil, err
	}
	return report, nil
}

func importNode(ctx context.Context, repo store.Repository, nodeDir string, opts ImportOptions, report *ImportReport) error {
	nodePath := filepath.Join(nodeDir, fileNode)
	n, err := readJSON[model.Node](nodePath)
	if err != nil {
		return fmt.Errorf("bundle: node directory %s missing required node.json: %w", nodeDir, err)
	}
	if err := putIfNeeded(ctx, "node", n.ID, opts, report,
		func() (bool, error) { return exists(repo.GetNode(ctx, n.ID)) },
		func() error { return repo.PutNode(ctx, n) }); err != nil {
		return err
	}

	grantsPath := filepath.Join(nodeDir, fileGrants)
	if _, err := os.Stat(grantsPath); err == nil {
		grants, err := readJSON[[]model.Grant](grantsPath)
		if err != nil {
			return err
		}
		for _, g := range grants {
			if err := putIfNeeded(ctx, "grant", g.ID, opts, report,
				func() (bool, error) { return exists(repo.GetGrant(ctx, g.ID)) },
				func() error { return repo.PutGrant(ctx, g) }); err != nil {
				return err
			}
		}
	}

	entityTypes, err := readJSONFilesInDir[model.EntityType](filepath.Join(nodeDir, dirEntityTypes))
	if err != nil {
		return err
	}
	for _, t := range entityTypes {
		if err := putIfNeeded(ctx, "entityType", t.ID, opts, report,
			func() (bool, error) { return exists(repo.GetEntityType(ctx, t.ID)) },
			func() error { return repo.PutEntityType(ctx, t) }); err != nil {
			return err
		}
	}

	entityList, err := readJSONFilesInDir[model.Entity](filepath.Join(nodeDir, dirEntities))
	if err != nil {
		return err
	}
	for _, e := range entityList {
		if err := putIfNeeded(ctx, "entity", e.ID, opts, report,
			func() (bool, error) { return exists(repo.GetEntity(ctx, e.ID)) },
			func() error { return repo.PutEntity(ctx, e) }); err != nil {
			return err
		}
	}

	variables, err := readJSONFilesInDir[model.Variable](filepath.Join(nodeDir, dirVariables))
	if err != nil {
		return err
	}
	for _, v := range variables {
		if err := putIfNeeded(ctx, "variable", v.ID, opts, report,
			func() (bool, error) { return exists(repo.GetVariable(ctx, v.ID)) },
			func() error { return repo.PutVariable(ctx, v) }); err != nil {
			return err
		}
	}

	episodes, err := readJSONFilesInDir[model.Episode](filepath.Join(nodeDir, dirEpisodes))
	if err != nil {
		return err
	}
	for _, ep := range episodes {
		if err := putIfNeeded(ctx, "episode", ep.ID, opts, report,
			func() (bool, error) { return exists(repo.GetEpisode(ctx, ep.ID)) },
			func() error { return repo.PutEpisode(ctx, ep) }); err != nil {
			return err
		}
	}

	if err := importPolicies(ctx, repo, filepath.Join(nodeDir, dirPolicies), opts, report); err != nil {
		return err
	}

	if err := importArtifacts(ctx, repo, filepath.Join(nodeDir, dirArtifacts), opts, report); err != nil {
		return err
	}

	// surfaces/ and layouts/ are opaque: §1 names Surface/Layout a non-goal,
	// so there is no canon to import into. Presence is expected, not an
	// error, but nothing is materialized.
	for _, opaque := range []string{dirSurfaces, dirLayouts} {
		if _, err := os.Stat(filepath.Join(nodeDir, opaque)); err == nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s/%s present but not imported (out of scope)", filepath.Base(nodeDir), opaque))
		}
	}

	return warnUnknownNodeEntries(nodeDir, report)
}

// importPolicies reads policies/<id>.json per policy. A policies/<id>.ts
// file is structurally valid per §4.8's "{json|ts}" extension but this
// substrate has no JS/TS policy runtime (only CEL and WASM, §4.5): such
// files are warned on and skipped rather than treated as an error.
func importPolicies(ctx context.Context, repo store.Repository, dir string, opts ImportOptions, report *ImportReport) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("bundle: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".json":
			p, err := readJSON[model.Policy](filepath.Join(dir, e.Name()))
			if err != nil {
				return err
			}
			if err := putIfNeeded(ctx, "policy", p.ID, opts, report,
				func() (bool, error) { return exists(repo.GetPolicy(ctx, p.ID)) },
				func() error { return repo.PutPolicy(ctx, p) }); err != nil {
				return err
			}
		case ".ts":
			report.Warnings = append(report.Warnings, fmt.Sprintf("policy file %s uses an unsupported .ts implementation and was skipped", filepath.Join(dir, e.Name())))
		default:
			report.Warnings = append(report.Warnings, fmt.Sprintf("unexpected file %s in policies/", e.Name()))
		}
	}
	return nil
}

func importArtifacts(ctx context.Context, repo store.Repository, dir string, opts ImportOptions, report *ImportReport) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("bundle: read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			report.Warnings = append(report.Warnings, fmt.Sprintf("unexpected file %s directly under artifacts/", e.Name()))
			continue
		}
		artifactDir := filepath.Join(dir, e.Name())
		meta, err := readJSON[artifactMeta](filepath.Join(artifactDir, fileArtifactMeta))
		if err != nil {
			return fmt.Errorf("bundle: artifact directory %s missing required artifact.json: %w", artifactDir, err)
		}
		page, err := readJSON[any](filepath.Join(artifactDir, filePage))
		if err != nil {
			return fmt.Errorf("bundle: artifact directory %s missing required page.json: %w", artifactDir, err)
		}
		about, err := readOptionalText(filepath.Join(artifactDir, fileAbout))
		if err != nil {
			return err
		}
		notes, err := readOptionalText(filepath.Join(artifactDir, fileNotes))
		if err != nil {
			return err
		}

		createdAt, _ := time.Parse(timeLayout, meta.CreatedAt)
		updatedAt, _ := time.Parse(timeLayout, meta.UpdatedAt)
		a := model.Artifact{
			ID: meta.ID, NodeID: meta.NodeID, Title: meta.Title, About: about, Notes: notes,
			Page: page, Status: meta.Status, TrunkVersion: meta.TrunkVersion, EntityRefs: meta.EntityRefs,
			CreatedAt: createdAt, UpdatedAt: updatedAt,
		}
		if err := putIfNeeded(ctx, "artifact", a.ID, opts, report,
			func() (bool, error) { return exists(repo.GetArtifact(ctx, a.ID)) },
			func() error { return repo.PutArtifact(ctx, a) }); err != nil {
			return err
		}

		revisions, err := readNDJSON[model.Revision](filepath.Join(artifactDir, fileRevisions))
		if err != nil {
			return err
		}
		existingRevisions := map[int]bool{}
		if opts.SkipExisting {
			have, err := repo.ListRevisions(ctx, a.ID)
			if err != nil {
				return fmt.Errorf("bundle: list existing revisions for %s: %w", a.ID, err)
			}
			for _, r := range have {
				existingRevisions[r.Version] = true
			}
		}
		for _, r := range revisions {
			if opts.SkipExisting && existingRevisions[r.Version] {
				report.Skipped["revision"]++
				continue
			}
			if err := repo.PutRevision(ctx, r); err != nil {
				return fmt.Errorf("bundle: put revision %s v%d: %w", a.ID, r.Version, err)
			}
			report.Inserted["revision"]++
		}
	}
	return nil
}

func importLog(ctx context.Context, repo store.Repository, root string, opts ImportOptions, report *ImportReport) error {
	logDir := filepath.Join(root, dirLog)
	if _, err := os.Stat(logDir); err != nil {
		report.Warnings = append(report.Warnings, fmt.Sprintf("missing %q directory", dirLog))
		return nil
	}

	observations, err := readNDJSON[model.Observation](filepath.Join(logDir, fileObservations))
	if err != nil {
		return err
	}
	for _, o := range observations {
		if err := putIfNeeded(ctx, "observation", o.ID, opts, report,
			func() (bool, error) { return exists(repo.GetObservation(ctx, o.ID)) },
			func() error { return repo.PutObservation(ctx, o) }); err != nil {
			return err
		}
	}

	actionRuns, err := readNDJSON[model.ActionRun](filepath.Join(logDir, fileActionRuns))
	if err != nil {
		return err
	}
	for _, a := range actionRuns {
		if err := putIfNeeded(ctx, "actionRun", a.ID, opts, report,
			func() (bool, error) { return exists(repo.GetActionRun(ctx, a.ID)) },
			func() error { return repo.PutActionRun(ctx, a) }); err != nil {
			return err
		}
	}

	return nil
}

func putIfNeeded(_ context.Context, kind, id string, opts ImportOptions, report *ImportReport, alreadyExists func() (bool, error), put func() error) error {
	if opts.SkipExisting {
		already, err := alreadyExists()
		if err != nil {
			return fmt.Errorf("bundle: check existing %s %s: %w", kind, id, err)
		}
		if already {
			report.Skipped[kind]++
			return nil
		}
	}
	if err := put(); err != nil {
		return fmt.Errorf("bundle: put %s %s: %w", kind, id, err)
	}
	report.Inserted[kind]++
	return nil
}

// exists adapts a Get*-style (value, error) pair into an existence check:
// a nil error means the record is present, any error (NotFound or
// otherwise) means treat it as absent so the subsequent Put proceeds and
// surfaces the real error itself.
func exists[T any](_ T, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	return false, nil
}

func readOptionalText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("bundle: read %s: %w", path, err)
	}
	return string(data), nil
}

func warnUnknownNodeEntries(nodeDir string, report *ImportReport) error {
	entries, err := os.ReadDir(nodeDir)
	if err != nil {
		return fmt.Errorf("bundle: read node dir %s: %w", nodeDir, err)
	}
	for _, e := range entries {
		if !knownNodeEntries[e.Name()] {
			report.Warnings = append(report.Warnings, fmt.Sprintf("unexpected entry %q under nodes/%s", e.Name(), filepath.Base(nodeDir)))
		}
	}
	return nil
}
