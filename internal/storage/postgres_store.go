package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/example/commute-matching/internal/models"
	"github.com/example/commute-matching/internal/storage/migrations"
)

const participantColumns = `id, alias, home_lat, home_lon, dest_lat, dest_lon, departure_minute, return_minute, days`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// gooseUp is swapped in tests.
var gooseUp = func(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Migrate applies the embedded schema migrations.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if err := gooseUp(ctx, p.db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (models.Participant, error) {
	var (
		pt       models.Participant
		dep, ret int64
		days     []int64
	)
	err := row.Scan(&pt.ID, &pt.Alias, &pt.Home.Lat, &pt.Home.Lon, &pt.Destination.Lat, &pt.Destination.Lon,
		&dep, &ret, pq.Array(&days))
	if err != nil {
		return models.Participant{}, err
	}
	pt.Schedule.Departure = models.ClockTime(dep)
	pt.Schedule.Return = models.ClockTime(ret)
	pt.Schedule.Days = make([]time.Weekday, 0, len(days))
	for _, d := range days {
		pt.Schedule.Days = append(pt.Schedule.Days, time.Weekday(d))
	}
	return pt, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Participant, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id = $1`, id)
	pt, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, ErrNotFound
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("db error: %w", err)
	}
	return pt, nil
}

func (p *PostgresStore) Put(ctx context.Context, pt models.Participant) error {
	days := make([]int64, 0, len(pt.Schedule.Days))
	for _, d := range pt.Schedule.Days {
		days = append(days, int64(d))
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO participants(`+participantColumns+`, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,now())
ON CONFLICT (id) DO UPDATE SET alias=EXCLUDED.alias, home_lat=EXCLUDED.home_lat, home_lon=EXCLUDED.home_lon,
dest_lat=EXCLUDED.dest_lat, dest_lon=EXCLUDED.dest_lon, departure_minute=EXCLUDED.departure_minute,
return_minute=EXCLUDED.return_minute, days=EXCLUDED.days, updated_at=now()`,
		pt.ID, pt.Alias, pt.Home.Lat, pt.Home.Lon, pt.Destination.Lat, pt.Destination.Lon,
		int64(pt.Schedule.Departure), int64(pt.Schedule.Return), pq.Array(days))
	if isUniqueViolation(err) {
		// id conflicts are absorbed by ON CONFLICT, so this is the alias
		return ErrAliasTaken
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM participants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, fn func(models.Participant) error) error {
	rows, err := p.db.QueryContext(ctx, `SELECT `+participantColumns+` FROM participants ORDER BY id`)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		pt, err := scanParticipant(rows)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if err := fn(pt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
