// Package store persists recording results so that the schedule engine can
// find the last record of a schedule after a restart.
package store

import (
	"context"
	"time"

	"github.com/srg/biorec/internal/record"
)

// Store is the result history.
type Store interface {
	// SaveResult inserts r, or replaces the result with the same task id.
	SaveResult(ctx context.Context, r record.Result) error
	// LastRecordTime returns the start of the newest result of a schedule.
	LastRecordTime(ctx context.Context, scheduleID string) (time.Time, bool, error)
	// Results returns the results of a schedule, oldest first.
	Results(ctx context.Context, scheduleID string) ([]record.Result, error)
	Close() error
}
