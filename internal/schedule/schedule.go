// Package schedule turns recurring recording definitions into concrete
// tasks and reconstructs the occurrences missed while the process was not
// running.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/record"
)

// ErrMissed is the cause attached to backfilled results.
var ErrMissed = errors.New("occurrence missed while not running")

// ErrOverrun is the cause attached to occurrences skipped because the
// previous recording of the schedule was still running.
var ErrOverrun = errors.New("previous recording still running")

// backfillNamespace scopes the deterministic ids of backfilled results.
var backfillNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("biorec.backfill"))

// Definition is a recurring recording. A zero Start leaves the schedule
// unplanned; a zero End leaves it unbounded; a zero Interval makes it a
// single occurrence at Start.
type Definition struct {
	ID           string
	ExperimentID string
	SubjectID    string
	Device       device.Identity
	Duration     time.Duration
	Interval     time.Duration
	Start        time.Time
	End          time.Time
	// SampleRate overrides the rate reported by Settings when non-zero.
	SampleRate float64
	Format     record.Format
	// Settings are the acquisition settings; nil selects the class defaults.
	Settings codec.Settings
}

// Planned reports whether the schedule has a start time.
func (d Definition) Planned() bool { return !d.Start.IsZero() }

// Bounded reports whether the schedule has an end time.
func (d Definition) Bounded() bool { return !d.End.IsZero() }

// Validate checks the definition for consistency.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errors.New("schedule id is empty")
	}
	if d.Device.ID == "" || !d.Device.Class.Valid() {
		return fmt.Errorf("schedule %s: invalid device %v", d.ID, d.Device)
	}
	if d.Duration <= 0 {
		return fmt.Errorf("schedule %s: non-positive duration %v", d.ID, d.Duration)
	}
	if d.Interval < 0 {
		return fmt.Errorf("schedule %s: negative interval %v", d.ID, d.Interval)
	}
	if d.Interval > 0 && d.Duration > d.Interval {
		return fmt.Errorf("schedule %s: duration %v exceeds interval %v", d.ID, d.Duration, d.Interval)
	}
	if d.Planned() && d.Bounded() && d.End.Before(d.Start) {
		return fmt.Errorf("schedule %s: end %v before start %v", d.ID, d.End, d.Start)
	}
	if d.Settings != nil {
		if d.Settings.Class() != d.Device.Class {
			return fmt.Errorf("schedule %s: %v settings for %v device", d.ID, d.Settings.Class(), d.Device.Class)
		}
		if err := d.Settings.Validate(); err != nil {
			return fmt.Errorf("schedule %s: %w", d.ID, err)
		}
	}
	return nil
}

// Occurrence returns the nominal start of occurrence i.
func (d Definition) Occurrence(i int64) time.Time {
	return d.Start.Add(time.Duration(i) * d.Interval)
}

// index returns floor((t-start)/interval) for t >= start.
func (d Definition) index(t time.Time) int64 {
	if d.Interval <= 0 || t.Before(d.Start) {
		return 0
	}
	return int64(t.Sub(d.Start) / d.Interval)
}

// lastIndex returns the index of the final occurrence, or -1 when the
// schedule is unbounded.
func (d Definition) lastIndex() int64 {
	switch {
	case d.Interval <= 0:
		return 0
	case !d.Bounded():
		return -1
	default:
		return d.index(d.End)
	}
}

// OccurrenceAt returns the index and nominal start of the occurrence whose
// interval contains t. It reports false when t precedes the schedule or
// falls after its final occurrence.
func OccurrenceAt(d Definition, t time.Time) (int64, time.Time, bool) {
	if !d.Planned() || t.Before(d.Start) {
		return 0, time.Time{}, false
	}
	if d.Interval <= 0 {
		if t.Before(d.Start.Add(d.Duration)) {
			return 0, d.Start, true
		}
		return 0, time.Time{}, false
	}
	i := d.index(t)
	if last := d.lastIndex(); last >= 0 && i > last {
		return 0, time.Time{}, false
	}
	return i, d.Occurrence(i), true
}

// NextDue returns the next time a recording of d is due after now. It
// reports false for unplanned and exhausted schedules.
func NextDue(d Definition, now time.Time) (time.Time, bool) {
	if !d.Planned() {
		return time.Time{}, false
	}
	if now.Before(d.Start) {
		return d.Start, true
	}
	if d.Interval <= 0 {
		return time.Time{}, false
	}
	next := d.Occurrence(d.index(now) + 1)
	if d.Bounded() && next.After(d.End) {
		return time.Time{}, false
	}
	return next, true
}

// BackfillMissed synthesizes one zero-duration Error result per occurrence
// that elapsed without a record: from the occurrence after last (or the
// first occurrence when last is zero) up to, but excluding, the occurrence
// whose interval contains now, never past the schedule end. A single
// occurrence schedule is backfilled once its recording window has passed.
//
// Result ids are derived from the schedule id and occurrence index, so
// backfilling the same span twice yields the same results.
func BackfillMissed(d Definition, now, last time.Time) []record.Result {
	if !d.Planned() || now.Before(d.Start) {
		return nil
	}

	var from, to int64
	if !last.IsZero() && !last.Before(d.Start) {
		from = d.index(last) + 1
	}
	if d.Interval <= 0 {
		if from > 0 || now.Before(d.Start.Add(d.Duration)) {
			return nil
		}
		to = 1
	} else {
		to = d.index(now)
		if lastIdx := d.lastIndex(); lastIdx >= 0 && to > lastIdx+1 {
			to = lastIdx + 1
		}
	}

	var results []record.Result
	for i := from; i < to; i++ {
		results = append(results, missed(d, i))
	}
	return results
}

func missed(d Definition, i int64) record.Result {
	id := uuid.NewSHA1(backfillNamespace, []byte(fmt.Sprintf("%s/%d", d.ID, i)))
	return record.Result{
		TaskID:     id.String(),
		ScheduleID: d.ID,
		DeviceID:   d.Device.ID,
		Start:      d.Occurrence(i),
		Status:     record.StatusError,
		Err:        ErrMissed,
		Message:    ErrMissed.Error(),
		Backfilled: true,
	}
}

// skipped returns the Error result of the occurrence starting at at. It
// shares its id with the backfilled result of the same occurrence.
func skipped(d Definition, at time.Time) record.Result {
	r := missed(d, d.index(at))
	r.Err = ErrOverrun
	r.Message = ErrOverrun.Error()
	return r
}

// TaskFor returns the task recording d's occurrence starting at at.
func TaskFor(d Definition, at time.Time) record.Task {
	t := record.NewTask(d.ID, d.Device, at, d.Duration, d.Settings)
	if d.SampleRate > 0 {
		t.SampleRate = d.SampleRate
	}
	if d.Format != "" {
		t.Format = d.Format
	}
	return t
}
