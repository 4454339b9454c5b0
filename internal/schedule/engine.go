package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/record"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Submitter accepts tasks for execution; results come back through
// Engine.HandleResult.
type Submitter interface {
	Submit(t record.Task) error
}

// History is the record of past results.
type History interface {
	// LastRecordTime returns the start of the newest result of the schedule.
	LastRecordTime(ctx context.Context, scheduleID string) (time.Time, bool, error)
	SaveResult(ctx context.Context, r record.Result) error
}

// slot is the runtime state of one definition.
type slot struct {
	def Definition
	// next is the next due time, zero once exhausted.
	next time.Time
	// running is the id of the task in flight and runningAt its occurrence;
	// the definition is paused while running is set.
	running   string
	runningAt time.Time
	exhausted bool
}

// Engine submits the tasks of a set of definitions when they become due.
type Engine struct {
	submit  Submitter
	history History
	logger  *logrus.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu    sync.Mutex
	slots *orderedmap.OrderedMap[string, *slot]
	wake  chan struct{}
}

// NewEngine returns an engine without definitions.
func NewEngine(submit Submitter, history History, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		submit:  submit,
		history: history,
		logger:  logger,
		Now:     time.Now,
		slots:   orderedmap.New[string, *slot](),
		wake:    make(chan struct{}, 1),
	}
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Add registers d, replacing any definition with the same id. A definition
// that is recording keeps its task.
func (e *Engine) Add(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	next, ok := NextDue(d, e.Now())
	e.mu.Lock()
	s := &slot{def: d, next: next, exhausted: !ok}
	if old, present := e.slots.Get(d.ID); present {
		s.running, s.runningAt = old.running, old.runningAt
	}
	e.slots.Set(d.ID, s)
	e.mu.Unlock()
	e.logger.WithFields(logrus.Fields{
		"schedule_id": d.ID,
		"device_id":   d.Device.ID,
		"next_due":    next,
		"planned":     d.Planned(),
	}).Debug("Schedule added")
	e.poke()
	return nil
}

// Remove unregisters the definition with id. It reports whether it existed.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	_, ok := e.slots.Delete(id)
	e.mu.Unlock()
	if ok {
		e.poke()
	}
	return ok
}

// Definitions returns the registered definitions in insertion order.
func (e *Engine) Definitions() []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()
	defs := make([]Definition, 0, e.slots.Len())
	for pair := e.slots.Oldest(); pair != nil; pair = pair.Next() {
		defs = append(defs, pair.Value.def)
	}
	return defs
}

// NextDue returns the next due time of the definition with id.
func (e *Engine) NextDue(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots.Get(id)
	if !ok || s.exhausted {
		return time.Time{}, false
	}
	return s.next, true
}

// Reconcile brings the history up to date after downtime: it stores an
// Error result for every occurrence missed before now and submits a
// catch-up task for the current occurrence when it has not been recorded.
// It returns the backfilled results.
func (e *Engine) Reconcile(ctx context.Context, now time.Time) ([]record.Result, error) {
	var errs []error
	var backfilled []record.Result
	for _, d := range e.Definitions() {
		log := e.logger.WithField("schedule_id", d.ID)
		var last time.Time
		if e.history != nil {
			t, ok, err := e.history.LastRecordTime(ctx, d.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("schedule %s: %w", d.ID, err))
				continue
			}
			if ok {
				last = t
			}
		}

		missed := BackfillMissed(d, now, last)
		for _, r := range missed {
			if e.history == nil {
				break
			}
			if err := e.history.SaveResult(ctx, r); err != nil {
				errs = append(errs, fmt.Errorf("schedule %s: backfill %v: %w", d.ID, r.Start, err))
			}
		}
		if len(missed) > 0 {
			log.WithField("count", len(missed)).Info("Backfilled missed occurrences")
		}
		backfilled = append(backfilled, missed...)

		if _, occ, ok := OccurrenceAt(d, now); ok && (last.IsZero() || last.Before(occ)) {
			log.WithField("occurrence", occ).Info("Submitting catch-up recording")
			e.dispatch(ctx, d.ID, occ)
		}
	}
	e.poke()
	return backfilled, errors.Join(errs...)
}

// dispatch submits the task for occurrence at of the definition id. While
// the definition is paused by a task in flight for another occurrence, at is
// skipped and stored as an Error result.
func (e *Engine) dispatch(ctx context.Context, id string, at time.Time) {
	e.mu.Lock()
	s, ok := e.slots.Get(id)
	if !ok {
		e.mu.Unlock()
		return
	}
	log := e.logger.WithFields(logrus.Fields{"schedule_id": id, "device_id": s.def.Device.ID})
	if s.running != "" {
		running, same := s.running, s.runningAt.Equal(at)
		def := s.def
		e.mu.Unlock()
		if same {
			return
		}
		log.WithFields(logrus.Fields{"task_id": running, "occurrence": at}).Warn("Previous recording still running, skipping occurrence")
		if e.history != nil {
			if err := e.history.SaveResult(ctx, skipped(def, at)); err != nil {
				log.WithField("error", err).Error("Failed to store skipped occurrence")
			}
		}
		return
	}
	t := TaskFor(s.def, at)
	s.running, s.runningAt = t.ID, at
	e.mu.Unlock()

	log.WithFields(logrus.Fields{"task_id": t.ID, "start": at}).Info("Submitting recording")
	if err := e.submit.Submit(t); err != nil {
		log.WithField("error", err).Error("Failed to submit recording")
		e.mu.Lock()
		if s.running == t.ID {
			s.running, s.runningAt = "", time.Time{}
		}
		e.mu.Unlock()
	}
}

// due returns the ids of definitions due at now with their occurrence
// times, advances their next due time and drops exhausted idle ones. It
// also returns the earliest upcoming due time.
func (e *Engine) due(now time.Time) (ids []string, at []time.Time, earliest time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var drop []string
	for pair := e.slots.Oldest(); pair != nil; pair = pair.Next() {
		s := pair.Value
		if s.exhausted {
			if s.running == "" {
				drop = append(drop, pair.Key)
			}
			continue
		}
		if !s.next.After(now) {
			ids = append(ids, pair.Key)
			at = append(at, s.next)
			next, ok := NextDue(s.def, now)
			s.next, s.exhausted = next, !ok
			if !ok {
				continue
			}
		}
		if earliest.IsZero() || s.next.Before(earliest) {
			earliest = s.next
		}
	}
	for _, id := range drop {
		e.slots.Delete(id)
		e.logger.WithField("schedule_id", id).Info("Schedule exhausted")
	}
	return ids, at, earliest
}

// Run submits due tasks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	const idle = time.Hour
	for {
		ids, at, earliest := e.due(e.Now())
		for i, id := range ids {
			e.dispatch(ctx, id, at[i])
		}

		wait := idle
		if !earliest.IsZero() {
			wait = earliest.Sub(e.Now())
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// HandleResult stores r and releases the pause of its definition.
func (e *Engine) HandleResult(ctx context.Context, r record.Result) error {
	var err error
	if e.history != nil {
		if err = e.history.SaveResult(ctx, r); err != nil {
			e.logger.WithFields(logrus.Fields{"task_id": r.TaskID, "error": err}).Error("Failed to store result")
		}
	}
	e.mu.Lock()
	if s, ok := e.slots.Get(r.ScheduleID); ok && s.running == r.TaskID {
		s.running, s.runningAt = "", time.Time{}
	}
	e.mu.Unlock()
	e.poke()
	return err
}
