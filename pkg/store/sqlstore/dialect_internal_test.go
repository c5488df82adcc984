package sqlstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vellum-systems/substrate/pkg/errs"
	"github.com/vellum-systems/substrate/pkg/model"
)

// These tests run against a mocked *sql.DB rather than a real server: there
// is no way to stand up Postgres in this environment, and the point here is
// narrower than sqlstore_test.go's sqlite end-to-end coverage anyway — just
// that the postgres dialect emits $N placeholders instead of sqlite's "?",
// per ph().
func newMockStore(t *testing.T, dia dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db, q: db, dialect: dia}, mock
}

func TestPostgresDialect_GetNodeUsesDollarPlaceholder(t *testing.T) {
	s, mock := newMockStore(t, dialectPostgres)

	rows := sqlmock.NewRows([]string{"data"}).AddRow(`{"id":"n1","name":"alice"}`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM nodes WHERE id = $1")).
		WithArgs("n1").
		WillReturnRows(rows)

	n, err := s.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", n.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteDialect_GetNodeUsesQuestionPlaceholder(t *testing.T) {
	s, mock := newMockStore(t, dialectSQLite)

	rows := sqlmock.NewRows([]string{"data"}).AddRow(`{"id":"n1","name":"alice"}`)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM nodes WHERE id = ?")).
		WithArgs("n1").
		WillReturnRows(rows)

	n, err := s.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", n.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDialect_PutNodeUsesOnConflictWithDollarPlaceholders(t *testing.T) {
	s, mock := newMockStore(t, dialectPostgres)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO nodes (id, data) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET data = excluded.data")).
		WithArgs("n1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.PutNode(context.Background(), model.Node{ID: "n1", Name: "alice", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNode_BackendErrorWrapsUnderlyingDriverError(t *testing.T) {
	s, mock := newMockStore(t, dialectSQLite)

	driverErr := errors.New("driver exploded")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT data FROM nodes WHERE id = ?")).
		WithArgs("n1").
		WillReturnError(driverErr)

	_, err := s.GetNode(context.Background(), "n1")
	var be *errs.Backend
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "GetNode", be.Op)
	assert.ErrorIs(t, be, driverErr)
}
