// Package record holds the values exchanged between the schedule engine, the
// orchestrator and the storage collaborators: recording tasks, their terminal
// results and the sink frames are pushed to.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
)

// Format names the output file format handed to Sink.Finalize.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatEDF  Format = "edf"
	FormatWFDB Format = "wfdb"
)

// Task is one concrete recording. It is consumed exactly once by the
// orchestrator.
type Task struct {
	ID         string
	ScheduleID string
	Device     device.Identity
	Start      time.Time
	Duration   time.Duration
	Settings   codec.Settings
	SampleRate float64
	Format     Format
}

// NewTask returns a task with a fresh identifier. A nil settings value
// selects the device class defaults.
func NewTask(scheduleID string, dev device.Identity, start time.Time, d time.Duration, settings codec.Settings) Task {
	if settings == nil {
		settings = dev.Class.DefaultSettings()
	}
	t := Task{
		ID:         uuid.NewString(),
		ScheduleID: scheduleID,
		Device:     dev,
		Start:      start,
		Duration:   d,
		Settings:   settings,
		Format:     FormatCSV,
	}
	if settings != nil {
		t.SampleRate = settings.SampleRate()
	}
	return t
}

// Validate checks that the task can be executed.
func (t Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is empty")
	}
	if t.Device.ID == "" {
		return fmt.Errorf("task %s: no device", t.ID)
	}
	if t.Duration <= 0 {
		return fmt.Errorf("task %s: non-positive duration %v", t.ID, t.Duration)
	}
	if t.Settings == nil {
		return fmt.Errorf("task %s: no settings", t.ID)
	}
	if t.Settings.Class() != t.Device.Class {
		return fmt.Errorf("task %s: %v settings for %v device", t.ID, t.Settings.Class(), t.Device.Class)
	}
	return t.Settings.Validate()
}

// Status is the terminal state of a task.
type Status int

const (
	StatusOk Status = iota
	StatusError
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusError:
		return "error"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "ok":
		return StatusOk, nil
	case "error":
		return StatusError, nil
	case "cancelled":
		return StatusCancelled, nil
	default:
		return 0, fmt.Errorf("unknown status %q", s)
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Result is the single terminal outcome of a task.
type Result struct {
	TaskID     string        `json:"task_id"`
	ScheduleID string        `json:"schedule_id,omitempty"`
	DeviceID   string        `json:"device_id"`
	Start      time.Time     `json:"start"`
	Duration   time.Duration `json:"duration"`
	Status     Status        `json:"status"`
	// Err is the failure cause for Error and Cancelled results.
	Err error `json:"-"`
	// Message is Err rendered as text, kept for persistence and publishing.
	Message string `json:"message,omitempty"`
	// Handle is the storage collaborator's reference to the recording.
	Handle string `json:"handle,omitempty"`
	// Backfilled marks results synthesized for occurrences missed while
	// the process was not running.
	Backfilled bool `json:"backfilled,omitempty"`
}

// Ok returns a successful result for t.
func Ok(t Task, start time.Time, achieved time.Duration, handle string) Result {
	return Result{
		TaskID:     t.ID,
		ScheduleID: t.ScheduleID,
		DeviceID:   t.Device.ID,
		Start:      start,
		Duration:   achieved,
		Status:     StatusOk,
		Handle:     handle,
	}
}

// Failed returns an Error result for t, or a Cancelled one when err is a
// cancellation.
func Failed(t Task, start time.Time, achieved time.Duration, err error) Result {
	status := StatusError
	if IsCancellation(err) {
		status = StatusCancelled
	}
	r := Result{
		TaskID:     t.ID,
		ScheduleID: t.ScheduleID,
		DeviceID:   t.Device.ID,
		Start:      start,
		Duration:   achieved,
		Status:     status,
		Err:        err,
	}
	if err != nil {
		r.Message = err.Error()
	}
	return r
}

// Busy returns the Error result of a task rejected because its device
// already has an active session.
func Busy(t Task) Result {
	return Failed(t, t.Start, 0, &device.BusyError{DeviceID: t.Device.ID})
}

// IsCancellation reports whether err stems from an explicit stop or shutdown.
func IsCancellation(err error) bool {
	return errors.Is(err, device.ErrCancelled) || errors.Is(err, context.Canceled)
}

// Sink receives the decoded frames of one recording. It is used by a
// single goroutine.
type Sink interface {
	Push(f codec.Frame, ts time.Time) error
	// Finalize completes the recording and returns its storage handle.
	Finalize(format Format, sampleRate float64, pathHint string) (string, error)
	// Abort discards a recording that will not be finalized.
	Abort() error
}

// SinkFactory creates the sink for a task.
type SinkFactory interface {
	NewSink(t Task) (Sink, error)
}

// SinkFactoryFunc adapts a function to SinkFactory.
type SinkFactoryFunc func(t Task) (Sink, error)

func (f SinkFactoryFunc) NewSink(t Task) (Sink, error) { return f(t) }

// DiscardSink drops every frame. It is used when no storage is configured.
type DiscardSink struct {
	Frames int
}

func (s *DiscardSink) Push(codec.Frame, time.Time) error {
	s.Frames++
	return nil
}

func (s *DiscardSink) Finalize(Format, float64, string) (string, error) { return "", nil }
func (s *DiscardSink) Abort() error                                     { return nil }
