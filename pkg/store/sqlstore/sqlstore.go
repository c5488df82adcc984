// Package sqlstore is a database/sql Repository implementation supporting
// PostgreSQL (github.com/lib/pq) and embedded SQLite (modernc.org/sqlite),
// selected by the scheme of the configured DSN ("postgres://..." or
// "sqlite://..."), grounded on the teacher's dual postgres/sqlite receipt
// stores (pkg/store/receipt_store.go, pkg/store/receipt_store_sqlite.go)
// and pkg/budget's postgres/memory store pair. Every row carries its full
// record as a canonical JSON blob (the same "indexed columns for querying,
// JSON for the rest" shape the teacher uses for receipt metadata), plus
// whatever columns a query needs to filter or order on in SQL.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
	"github.com/vellum-systems/substrate/pkg/store"
)

// dialect distinguishes the two supported backends where their SQL
// actually differs: placeholder syntax and upsert clause.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Open dispatches on dsn's scheme ("postgres://" or "sqlite://") and
// returns a ready-to-use Store with its schema applied.
func Open(ctx context.Context, dsn string) (*Store, error) {
	var (
		driver string
		dia    dialect
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		driver = "postgres"
		dia = dialectPostgres
	case strings.HasPrefix(dsn, "sqlite://"):
		driver = "sqlite"
		dia = dialectSQLite
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	default:
		return nil, fmt.Errorf("sqlstore: unrecognized DSN scheme: %s", dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: ping %s: %w", driver, err)
	}

	s := &Store{db: db, q: db, dialect: dia}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return s, nil
}

// querier is satisfied by *sql.DB and *sql.Tx, letting every method below
// run against either a plain connection or an open transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a Repository backed by database/sql.
type Store struct {
	db      *sql.DB
	q       querier
	dialect dialect
}

var _ store.Repository = (*Store)(nil)

// ph returns the n-th (1-based) bind placeholder in the active dialect.
func (s *Store) ph(n int) string {
	if s.dialect == dialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (s *Store) upsertClause(table, conflictCol string, setCols []string) string {
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictCol, strings.Join(sets, ", "))
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS edges (id TEXT PRIMARY KEY, from_id TEXT NOT NULL, to_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS delegations (id TEXT PRIMARY KEY, agent_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS observations (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, type TEXT NOT NULL, ts TIMESTAMP NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS variables (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS artifacts (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS revisions (id TEXT PRIMARY KEY, artifact_id TEXT NOT NULL, version INTEGER NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS episodes (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, status TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS policies (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, enabled BOOLEAN NOT NULL, priority INTEGER NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS entity_types (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS entities (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS grants (id TEXT PRIMARY KEY, grantee_node_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS action_runs (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (id TEXT PRIMARY KEY, node_id TEXT NOT NULL, operation_type TEXT NOT NULL, ts TIMESTAMP NOT NULL, data TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_node_ts ON observations (node_id, ts)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_from ON edges (from_id)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_to ON edges (to_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func upsert(ctx context.Context, s *Store, table, idCol string, idVal any, extraCols []string, extraVals []any, jsonVal []byte) error {
	cols := append(append([]string{idCol}, extraCols...), "data")
	vals := append(append([]any{idVal}, extraVals...), string(jsonVal))
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = s.ph(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "),
		s.upsertClause(table, idCol, append(extraCols, "data")))
	_, err := s.q.ExecContext(ctx, query, vals...)
	return err
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// --- nodes / edges / delegations ---

func (s *Store) GetNode(ctx context.Context, id string) (*model.Node, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM nodes WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "node", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetNode", Cause: err}
	}
	var n model.Node
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return nil, &errs.Backend{Op: "GetNode", Cause: err}
	}
	return &n, nil
}

func (s *Store) PutNode(ctx context.Context, n model.Node) error {
	data, err := encode(n)
	if err != nil {
		return &errs.Backend{Op: "PutNode", Cause: err}
	}
	if err := upsert(ctx, s, "nodes", "id", n.ID, nil, nil, data); err != nil {
		return &errs.Backend{Op: "PutNode", Cause: err}
	}
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM nodes WHERE id = %s", s.ph(1)), id)
	if err != nil {
		return &errs.Backend{Op: "DeleteNode", Cause: err}
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT data FROM nodes ORDER BY id")
	if err != nil {
		return nil, &errs.Backend{Op: "ListNodes", Cause: err}
	}
	defer rows.Close()
	var out []model.Node
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListNodes", Cause: err}
		}
		var n model.Node
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, &errs.Backend{Op: "ListNodes", Cause: err}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) PutEdge(ctx context.Context, e model.Edge) error {
	data, err := encode(e)
	if err != nil {
		return &errs.Backend{Op: "PutEdge", Cause: err}
	}
	if err := upsert(ctx, s, "edges", "id", e.ID, []string{"from_id", "to_id"}, []any{e.FromID, e.ToID}, data); err != nil {
		return &errs.Backend{Op: "PutEdge", Cause: err}
	}
	return nil
}

func (s *Store) DeleteEdge(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM edges WHERE id = %s", s.ph(1)), id)
	if err != nil {
		return &errs.Backend{Op: "DeleteEdge", Cause: err}
	}
	return nil
}

func (s *Store) ListEdges(ctx context.Context, nodeID string) ([]model.Edge, error) {
	query := fmt.Sprintf("SELECT data FROM edges WHERE from_id = %s OR to_id = %s ORDER BY id", s.ph(1), s.ph(2))
	rows, err := s.q.QueryContext(ctx, query, nodeID, nodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListEdges", Cause: err}
	}
	defer rows.Close()
	var out []model.Edge
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListEdges", Cause: err}
		}
		var e model.Edge
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, &errs.Backend{Op: "ListEdges", Cause: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetDelegation(ctx context.Context, id string) (*model.AgentDelegation, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM delegations WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "delegation", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetDelegation", Cause: err}
	}
	var d model.AgentDelegation
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, &errs.Backend{Op: "GetDelegation", Cause: err}
	}
	return &d, nil
}

func (s *Store) PutDelegation(ctx context.Context, d model.AgentDelegation) error {
	data, err := encode(d)
	if err != nil {
		return &errs.Backend{Op: "PutDelegation", Cause: err}
	}
	if err := upsert(ctx, s, "delegations", "id", d.ID, []string{"agent_id"}, []any{d.AgentID}, data); err != nil {
		return &errs.Backend{Op: "PutDelegation", Cause: err}
	}
	return nil
}

func (s *Store) ListDelegationsForAgent(ctx context.Context, agentNodeID string) ([]model.AgentDelegation, error) {
	query := fmt.Sprintf("SELECT data FROM delegations WHERE agent_id = %s ORDER BY id", s.ph(1))
	rows, err := s.q.QueryContext(ctx, query, agentNodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListDelegationsForAgent", Cause: err}
	}
	defer rows.Close()
	var out []model.AgentDelegation
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListDelegationsForAgent", Cause: err}
		}
		var d model.AgentDelegation
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, &errs.Backend{Op: "ListDelegationsForAgent", Cause: err}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- observations ---

func (s *Store) PutObservation(ctx context.Context, o model.Observation) error {
	data, err := encode(o)
	if err != nil {
		return &errs.Backend{Op: "PutObservation", Cause: err}
	}
	if err := upsert(ctx, s, "observations", "id", o.ID, []string{"node_id", "type", "ts"}, []any{o.NodeID, o.Type, o.Timestamp.UTC()}, data); err != nil {
		return &errs.Backend{Op: "PutObservation", Cause: err}
	}
	return nil
}

func (s *Store) GetObservation(ctx context.Context, id string) (*model.Observation, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM observations WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "observation", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetObservation", Cause: err}
	}
	var o model.Observation
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, &errs.Backend{Op: "GetObservation", Cause: err}
	}
	return &o, nil
}

func (s *Store) QueryObservations(ctx context.Context, q store.ObservationQuery) ([]model.Observation, error) {
	var (
		where []string
		args  []any
		n     int
	)
	next := func(v any) string {
		n++
		args = append(args, v)
		return s.ph(n)
	}
	if q.NodeID != "" {
		where = append(where, "node_id = "+next(q.NodeID))
	}
	if q.Type != "" {
		where = append(where, "type = "+next(q.Type))
	}
	if q.TypePrefix != "" {
		where = append(where, "type LIKE "+next(q.TypePrefix+"%"))
	}
	if q.Since != nil {
		where = append(where, "ts >= "+next(q.Since.UTC()))
	}
	if q.Until != nil {
		where = append(where, "ts <= "+next(q.Until.UTC()))
	}

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := "SELECT data FROM observations"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT %s OFFSET %s", next(limit), next(offset))

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errs.Backend{Op: "QueryObservations", Cause: err}
	}
	defer rows.Close()
	out := []model.Observation{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "QueryObservations", Cause: err}
		}
		var o model.Observation
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, &errs.Backend{Op: "QueryObservations", Cause: err}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- variables ---

func (s *Store) GetVariable(ctx context.Context, id string) (*model.Variable, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM variables WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "variable", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetVariable", Cause: err}
	}
	var v model.Variable
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, &errs.Backend{Op: "GetVariable", Cause: err}
	}
	return &v, nil
}

func (s *Store) PutVariable(ctx context.Context, v model.Variable) error {
	data, err := encode(v)
	if err != nil {
		return &errs.Backend{Op: "PutVariable", Cause: err}
	}
	if err := upsert(ctx, s, "variables", "id", v.ID, []string{"node_id"}, []any{v.NodeID}, data); err != nil {
		return &errs.Backend{Op: "PutVariable", Cause: err}
	}
	return nil
}

func (s *Store) DeleteVariable(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM variables WHERE id = %s", s.ph(1)), id)
	if err != nil {
		return &errs.Backend{Op: "DeleteVariable", Cause: err}
	}
	return nil
}

func (s *Store) ListVariables(ctx context.Context, nodeID string) ([]model.Variable, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT data FROM variables WHERE node_id = %s ORDER BY id", s.ph(1)), nodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListVariables", Cause: err}
	}
	defer rows.Close()
	var out []model.Variable
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListVariables", Cause: err}
		}
		var v model.Variable
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, &errs.Backend{Op: "ListVariables", Cause: err}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- artifacts / revisions ---

func (s *Store) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM artifacts WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "artifact", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetArtifact", Cause: err}
	}
	var a model.Artifact
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, &errs.Backend{Op: "GetArtifact", Cause: err}
	}
	return &a, nil
}

func (s *Store) PutArtifact(ctx context.Context, a model.Artifact) error {
	data, err := encode(a)
	if err != nil {
		return &errs.Backend{Op: "PutArtifact", Cause: err}
	}
	if err := upsert(ctx, s, "artifacts", "id", a.ID, []string{"node_id"}, []any{a.NodeID}, data); err != nil {
		return &errs.Backend{Op: "PutArtifact", Cause: err}
	}
	return nil
}

func (s *Store) DeleteArtifact(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM artifacts WHERE id = %s", s.ph(1)), id)
	if err != nil {
		return &errs.Backend{Op: "DeleteArtifact", Cause: err}
	}
	return nil
}

func (s *Store) ListArtifacts(ctx context.Context, nodeID string) ([]model.Artifact, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT data FROM artifacts WHERE node_id = %s ORDER BY id", s.ph(1)), nodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListArtifacts", Cause: err}
	}
	defer rows.Close()
	var out []model.Artifact
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListArtifacts", Cause: err}
		}
		var a model.Artifact
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, &errs.Backend{Op: "ListArtifacts", Cause: err}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) PutRevision(ctx context.Context, r model.Revision) error {
	data, err := encode(r)
	if err != nil {
		return &errs.Backend{Op: "PutRevision", Cause: err}
	}
	if err := upsert(ctx, s, "revisions", "id", r.ID, []string{"artifact_id", "version"}, []any{r.ArtifactID, r.Version}, data); err != nil {
		return &errs.Backend{Op: "PutRevision", Cause: err}
	}
	return nil
}

func (s *Store) ListRevisions(ctx context.Context, artifactID string) ([]model.Revision, error) {
	query := fmt.Sprintf("SELECT data FROM revisions WHERE artifact_id = %s ORDER BY version ASC", s.ph(1))
	rows, err := s.q.QueryContext(ctx, query, artifactID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListRevisions", Cause: err}
	}
	defer rows.Close()
	var out []model.Revision
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListRevisions", Cause: err}
		}
		var r model.Revision
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, &errs.Backend{Op: "ListRevisions", Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- episodes ---

func (s *Store) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM episodes WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "episode", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetEpisode", Cause: err}
	}
	var e model.Episode
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, &errs.Backend{Op: "GetEpisode", Cause: err}
	}
	return &e, nil
}

func (s *Store) PutEpisode(ctx context.Context, e model.Episode) error {
	data, err := encode(e)
	if err != nil {
		return &errs.Backend{Op: "PutEpisode", Cause: err}
	}
	if err := upsert(ctx, s, "episodes", "id", e.ID, []string{"node_id", "status"}, []any{e.NodeID, string(e.Status)}, data); err != nil {
		return &errs.Backend{Op: "PutEpisode", Cause: err}
	}
	return nil
}

func (s *Store) DeleteEpisode(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM episodes WHERE id = %s", s.ph(1)), id)
	if err != nil {
		return &errs.Backend{Op: "DeleteEpisode", Cause: err}
	}
	return nil
}

func (s *Store) ListEpisodes(ctx context.Context, nodeID string) ([]model.Episode, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT data FROM episodes WHERE node_id = %s ORDER BY id", s.ph(1)), nodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListEpisodes", Cause: err}
	}
	defer rows.Close()
	var out []model.Episode
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListEpisodes", Cause: err}
		}
		var e model.Episode
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, &errs.Backend{Op: "ListEpisodes", Cause: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListActiveEpisodes(ctx context.Context, nodeID string) ([]model.Episode, error) {
	query := fmt.Sprintf("SELECT data FROM episodes WHERE node_id = %s AND status = %s ORDER BY id", s.ph(1), s.ph(2))
	rows, err := s.q.QueryContext(ctx, query, nodeID, string(model.EpisodeActive))
	if err != nil {
		return nil, &errs.Backend{Op: "ListActiveEpisodes", Cause: err}
	}
	defer rows.Close()
	var out []model.Episode
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListActiveEpisodes", Cause: err}
		}
		var e model.Episode
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, &errs.Backend{Op: "ListActiveEpisodes", Cause: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- policies ---

func (s *Store) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM policies WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "policy", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetPolicy", Cause: err}
	}
	var p model.Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, &errs.Backend{Op: "GetPolicy", Cause: err}
	}
	return &p, nil
}

func (s *Store) PutPolicy(ctx context.Context, p model.Policy) error {
	data, err := encode(p)
	if err != nil {
		return &errs.Backend{Op: "PutPolicy", Cause: err}
	}
	if err := upsert(ctx, s, "policies", "id", p.ID, []string{"node_id", "enabled", "priority"}, []any{p.NodeID, p.Enabled, p.Priority}, data); err != nil {
		return &errs.Backend{Op: "PutPolicy", Cause: err}
	}
	return nil
}

func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM policies WHERE id = %s", s.ph(1)), id)
	if err != nil {
		return &errs.Backend{Op: "DeletePolicy", Cause: err}
	}
	return nil
}

// ListPolicies fetches every policy on nodeID regardless of Enabled,
// ordered by id, for the bundle codec's export walk (§4.8).
func (s *Store) ListPolicies(ctx context.Context, nodeID string) ([]model.Policy, error) {
	query := fmt.Sprintf("SELECT data FROM policies WHERE node_id = %s ORDER BY id ASC", s.ph(1))
	rows, err := s.q.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListPolicies", Cause: err}
	}
	defer rows.Close()
	var out []model.Policy
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListPolicies", Cause: err}
		}
		var p model.Policy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, &errs.Backend{Op: "ListPolicies", Cause: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListTriggeredPolicies fetches every enabled policy on nodeID ordered by
// priority, then filters by trigger match in Go: the §4.5 trigger grammar
// (wildcards, prefix matches) is not something every supported SQL dialect
// can express identically, so matching stays in Go for portability, same
// as the teacher keeps receipt-chain verification in Go rather than SQL.
func (s *Store) ListTriggeredPolicies(ctx context.Context, nodeID, observationType string) ([]model.Policy, error) {
	query := fmt.Sprintf("SELECT data FROM policies WHERE node_id = %s AND enabled = %s ORDER BY priority ASC, id ASC", s.ph(1), s.ph(2))
	rows, err := s.q.QueryContext(ctx, query, nodeID, true)
	if err != nil {
		return nil, &errs.Backend{Op: "ListTriggeredPolicies", Cause: err}
	}
	defer rows.Close()
	var out []model.Policy
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListTriggeredPolicies", Cause: err}
		}
		var p model.Policy
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, &errs.Backend{Op: "ListTriggeredPolicies", Cause: err}
		}
		if model.AnyTriggerMatches(p.Triggers, observationType) {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// --- entities ---

func (s *Store) GetEntityType(ctx context.Context, id string) (*model.EntityType, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM entity_types WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "entity_type", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetEntityType", Cause: err}
	}
	var t model.EntityType
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, &errs.Backend{Op: "GetEntityType", Cause: err}
	}
	return &t, nil
}

func (s *Store) PutEntityType(ctx context.Context, t model.EntityType) error {
	data, err := encode(t)
	if err != nil {
		return &errs.Backend{Op: "PutEntityType", Cause: err}
	}
	if err := upsert(ctx, s, "entity_types", "id", t.ID, []string{"node_id"}, []any{t.NodeID}, data); err != nil {
		return &errs.Backend{Op: "PutEntityType", Cause: err}
	}
	return nil
}

func (s *Store) ListEntityTypes(ctx context.Context, nodeID string) ([]model.EntityType, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT data FROM entity_types WHERE node_id = %s ORDER BY id", s.ph(1)), nodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListEntityTypes", Cause: err}
	}
	defer rows.Close()
	var out []model.EntityType
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListEntityTypes", Cause: err}
		}
		var t model.EntityType
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, &errs.Backend{Op: "ListEntityTypes", Cause: err}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM entities WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "entity", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetEntity", Cause: err}
	}
	var e model.Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, &errs.Backend{Op: "GetEntity", Cause: err}
	}
	return &e, nil
}

func (s *Store) PutEntity(ctx context.Context, e model.Entity) error {
	data, err := encode(e)
	if err != nil {
		return &errs.Backend{Op: "PutEntity", Cause: err}
	}
	if err := upsert(ctx, s, "entities", "id", e.ID, []string{"node_id"}, []any{e.NodeID}, data); err != nil {
		return &errs.Backend{Op: "PutEntity", Cause: err}
	}
	return nil
}

func (s *Store) ListEntities(ctx context.Context, nodeID string) ([]model.Entity, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT data FROM entities WHERE node_id = %s ORDER BY id", s.ph(1)), nodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListEntities", Cause: err}
	}
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListEntities", Cause: err}
		}
		var e model.Entity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, &errs.Backend{Op: "ListEntities", Cause: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendEntityEvent(ctx context.Context, evt model.EntityEvent) error {
	e, err := s.GetEntity(ctx, evt.EntityID)
	if err != nil {
		return err
	}
	e.Events = append(e.Events, evt)
	e.Reduce(nil)
	return s.PutEntity(ctx, *e)
}

// --- grants ---

func (s *Store) GetGrant(ctx context.Context, id string) (*model.Grant, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM grants WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "grant", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetGrant", Cause: err}
	}
	var g model.Grant
	if err := json.Unmarshal([]byte(raw), &g); err != nil {
		return nil, &errs.Backend{Op: "GetGrant", Cause: err}
	}
	return &g, nil
}

func (s *Store) PutGrant(ctx context.Context, g model.Grant) error {
	data, err := encode(g)
	if err != nil {
		return &errs.Backend{Op: "PutGrant", Cause: err}
	}
	if err := upsert(ctx, s, "grants", "id", g.ID, []string{"grantee_node_id"}, []any{g.GranteeNodeID}, data); err != nil {
		return &errs.Backend{Op: "PutGrant", Cause: err}
	}
	return nil
}

func (s *Store) ListGrants(ctx context.Context, granteeNodeID string) ([]model.Grant, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT data FROM grants WHERE grantee_node_id = %s ORDER BY id", s.ph(1)), granteeNodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListGrants", Cause: err}
	}
	defer rows.Close()
	var out []model.Grant
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListGrants", Cause: err}
		}
		var g model.Grant
		if err := json.Unmarshal([]byte(raw), &g); err != nil {
			return nil, &errs.Backend{Op: "ListGrants", Cause: err}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// --- action runs ---

func (s *Store) GetActionRun(ctx context.Context, id string) (*model.ActionRun, error) {
	row := s.q.QueryRowContext(ctx, fmt.Sprintf("SELECT data FROM action_runs WHERE id = %s", s.ph(1)), id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errs.NotFound{ResourceType: "action_run", ResourceID: id}
		}
		return nil, &errs.Backend{Op: "GetActionRun", Cause: err}
	}
	var a model.ActionRun
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, &errs.Backend{Op: "GetActionRun", Cause: err}
	}
	return &a, nil
}

func (s *Store) PutActionRun(ctx context.Context, a model.ActionRun) error {
	data, err := encode(a)
	if err != nil {
		return &errs.Backend{Op: "PutActionRun", Cause: err}
	}
	if err := upsert(ctx, s, "action_runs", "id", a.ID, []string{"node_id"}, []any{a.NodeID}, data); err != nil {
		return &errs.Backend{Op: "PutActionRun", Cause: err}
	}
	return nil
}

func (s *Store) ListActionRuns(ctx context.Context, nodeID string) ([]model.ActionRun, error) {
	rows, err := s.q.QueryContext(ctx, fmt.Sprintf("SELECT data FROM action_runs WHERE node_id = %s ORDER BY id", s.ph(1)), nodeID)
	if err != nil {
		return nil, &errs.Backend{Op: "ListActionRuns", Cause: err}
	}
	defer rows.Close()
	var out []model.ActionRun
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, &errs.Backend{Op: "ListActionRuns", Cause: err}
		}
		var a model.ActionRun
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, &errs.Backend{Op: "ListActionRuns", Cause: err}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PutAuditEntry appends one audit entry. Unlike the upsert-backed Put*
// methods above, this is a plain insert: audit entries are immutable and
// the id is always freshly generated, so there is never a conflicting row
// to update. Called from inside Prism's transaction attempt (pkg/prism)
// so the entry commits or rolls back with the mutation it accompanies.
func (s *Store) PutAuditEntry(ctx context.Context, entry model.AuditEntry) error {
	data, err := encode(entry)
	if err != nil {
		return &errs.Backend{Op: "PutAuditEntry", Cause: err}
	}
	query := fmt.Sprintf("INSERT INTO audit_entries (id, node_id, operation_type, ts, data) VALUES (%s, %s, %s, %s, %s)",
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := s.q.ExecContext(ctx, query, entry.ID, entry.NodeID, entry.OperationType, entry.Timestamp.UTC(), string(data)); err != nil {
		return &errs.Backend{Op: "PutAuditEntry", Cause: err}
	}
	return nil
}

// --- transactions ---

// Transaction opens a *sql.Tx, runs fn against a Store wrapping it, and
// commits on success or rolls back on error or panic.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &errs.Backend{Op: "Transaction", Cause: err}
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txStore := &Store{db: s.db, q: tx, dialect: s.dialect}
	if err = fn(ctx, txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return &errs.Backend{Op: "Transaction", Cause: err}
	}
	return nil
}

// Close releases the underlying database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
