package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/commute-matching/internal/models"
)

func newPostgresWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

var participantRowColumns = []string{"id", "alias", "home_lat", "home_lon", "dest_lat", "dest_lon", "departure_minute", "return_minute", "days"}

func TestPostgresGet_Found(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	rows := sqlmock.NewRows(participantRowColumns).
		AddRow("a", "commuter_a", 52.52, 13.405, 52.5125, 13.3269, int64(480), int64(1020), []byte("{1,3,5}"))
	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*alias.*FROM\s+participants\s+WHERE\s+id\s*=\s*\$1$`).
		WithArgs("a").
		WillReturnRows(rows)

	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, sample("a"), got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGet_NotFound(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	mock.ExpectQuery(`FROM\s+participants`).WithArgs("nope").WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresGet_DBError(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	mock.ExpectQuery(`FROM\s+participants`).WithArgs("a").WillReturnError(errors.New("db down"))

	_, err := s.Get(context.Background(), "a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Regexp(t, regexp.MustCompile(`db error: .*db down`), err.Error())
}

func TestPostgresPut_Upserts(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	p := sample("a")
	mock.ExpectExec(`(?s)^INSERT\s+INTO\s+participants.*ON\s+CONFLICT\s+\(id\)\s+DO\s+UPDATE`).
		WithArgs("a", "commuter_a", 52.52, 13.405, 52.5125, 13.3269, int64(480), int64(1020), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Put(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPut_AliasTaken(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	mock.ExpectExec(`INSERT\s+INTO\s+participants`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "participants_alias_key"})
	mock.ExpectExec(`INSERT\s+INTO\s+participants`).
		WillReturnError(&pq.Error{Code: "08006"})

	require.ErrorIs(t, s.Put(context.Background(), sample("a")), ErrAliasTaken)

	err := s.Put(context.Background(), sample("a"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAliasTaken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDelete(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	mock.ExpectExec(`DELETE\s+FROM\s+participants`).WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE\s+FROM\s+participants`).WithArgs("a").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Delete(context.Background(), "a"))
	require.ErrorIs(t, s.Delete(context.Background(), "a"), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	rows := sqlmock.NewRows(participantRowColumns).
		AddRow("a", "commuter_a", 52.52, 13.405, 52.5125, 13.3269, int64(480), int64(1020), []byte("{1,3,5}")).
		AddRow("b", "commuter_b", 52.52, 13.405, 52.5125, 13.3269, int64(480), int64(1020), []byte("{1,3,5}"))
	mock.ExpectQuery(`ORDER\s+BY\s+id`).WillReturnRows(rows)

	var ids []string
	require.NoError(t, s.List(context.Background(), func(p models.Participant) error {
		ids = append(ids, p.ID)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestPostgresMigrateUsesGoose(t *testing.T) {
	s, _ := newPostgresWithMock(t)
	orig := gooseUp
	t.Cleanup(func() { gooseUp = orig })

	called := false
	gooseUp = func(ctx context.Context, db *sql.DB) error {
		called = true
		return errors.New("boom")
	}
	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.True(t, called)
	assert.Contains(t, err.Error(), "migrate: boom")
}
