package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/srg/biorec/internal/record"
)

// PostgresStore implements Store on a PostgreSQL record_results table. The
// table is managed by the application's migrations:
//
//	CREATE TABLE record_results (
//	    task_id     UUID PRIMARY KEY,
//	    schedule_id TEXT NOT NULL,
//	    device_id   TEXT NOT NULL,
//	    started_at  TIMESTAMPTZ NOT NULL,
//	    duration_ms BIGINT NOT NULL,
//	    status      TEXT NOT NULL,
//	    message     TEXT NOT NULL DEFAULT '',
//	    handle      TEXT NOT NULL DEFAULT '',
//	    backfilled  BOOLEAN NOT NULL DEFAULT FALSE
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings the database at dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an open database handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveResult(ctx context.Context, r record.Result) error {
	id, err := uuid.Parse(r.TaskID)
	if err != nil {
		return fmt.Errorf("invalid task id %q: %w", r.TaskID, err)
	}

	query := `
        INSERT INTO record_results (
            task_id, schedule_id, device_id, started_at, duration_ms,
            status, message, handle, backfilled
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (task_id) DO UPDATE SET
            started_at = EXCLUDED.started_at,
            duration_ms = EXCLUDED.duration_ms,
            status = EXCLUDED.status,
            message = EXCLUDED.message,
            handle = EXCLUDED.handle,
            backfilled = EXCLUDED.backfilled`

	_, err = s.db.ExecContext(ctx, query,
		id, r.ScheduleID, r.DeviceID, r.Start.UTC(), r.Duration.Milliseconds(),
		r.Status.String(), r.Message, r.Handle, r.Backfilled,
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.TaskID, err)
	}
	return nil
}

func (s *PostgresStore) LastRecordTime(ctx context.Context, scheduleID string) (time.Time, bool, error) {
	query := `SELECT MAX(started_at) FROM record_results WHERE schedule_id = $1`

	var last sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, scheduleID).Scan(&last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("last record of %s: %w", scheduleID, err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time, true, nil
}

func (s *PostgresStore) Results(ctx context.Context, scheduleID string) ([]record.Result, error) {
	query := `
        SELECT task_id, schedule_id, device_id, started_at, duration_ms,
               status, message, handle, backfilled
        FROM record_results
        WHERE schedule_id = $1
        ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("list results of %s: %w", scheduleID, err)
	}
	defer rows.Close()

	var results []record.Result
	for rows.Next() {
		var (
			r          record.Result
			id         uuid.UUID
			durationMs int64
			status     string
		)
		if err := rows.Scan(&id, &r.ScheduleID, &r.DeviceID, &r.Start, &durationMs,
			&status, &r.Message, &r.Handle, &r.Backfilled); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if r.Status, err = record.ParseStatus(status); err != nil {
			return nil, err
		}
		r.TaskID = id.String()
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}
