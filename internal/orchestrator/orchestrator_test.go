package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/record"
	"github.com/srg/biorec/internal/session"
	"github.com/srg/biorec/internal/signer"
	"github.com/srg/biorec/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// memSink keeps pushed frames in memory.
type memSink struct {
	mu        sync.Mutex
	frames    []codec.Frame
	finalized string
	aborted   bool
}

func (s *memSink) Push(f codec.Frame, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *memSink) Finalize(format record.Format, _ float64, hint string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = fmt.Sprintf("mem://%s.%s", hint, format)
	return s.finalized, nil
}

func (s *memSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

type OrchestratorTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *testutils.FakeTransport
	signer    *signer.Signer
	cfg       Config

	mu    sync.Mutex
	sinks map[string]*memSink

	orch *Orchestrator
}

func (s *OrchestratorTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = testutils.NewFakeTransport()
	key, err := signer.ParseKey("2b7e151628aed2a6abf7158809cf4f3c")
	s.Require().NoError(err)
	s.signer, err = signer.New(key)
	s.Require().NoError(err)
	s.sinks = make(map[string]*memSink)
	s.cfg = Config{
		Workers:         2,
		ConnectTimeout:  200 * time.Millisecond,
		ReceiveTimeout:  20 * time.Millisecond,
		TeardownTimeout: time.Second,
		Session:         session.Options{ResponseTimeout: 200 * time.Millisecond},
	}
	s.orch = nil
}

func (s *OrchestratorTestSuite) TearDownTest() {
	if s.orch != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.NoError(s.orch.Shutdown(ctx), "shutdown MUST complete")
	}
}

func (s *OrchestratorTestSuite) start(signers Signers) *Orchestrator {
	factory := record.SinkFactoryFunc(func(t record.Task) (record.Sink, error) {
		sink := &memSink{}
		s.mu.Lock()
		s.sinks[t.ID] = sink
		s.mu.Unlock()
		return sink, nil
	})
	s.orch = New(s.cfg, s.transport, signers, factory, s.helper.Logger)
	s.orch.Start(context.Background())
	return s.orch
}

func (s *OrchestratorTestSuite) signers() Signers {
	return Signers{codec.EmgSens: s.signer, codec.InRat: s.signer}
}

func (s *OrchestratorTestSuite) task(prefix string, class codec.Class, d time.Duration) record.Task {
	id, err := device.NewIdentity("dev-"+prefix, prefix, class)
	s.Require().NoError(err)
	return record.NewTask("sched-"+prefix, id, time.Now(), d, nil)
}

func (s *OrchestratorTestSuite) sink(taskID string) *memSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[taskID]
}

func (s *OrchestratorTestSuite) awaitResult(timeout time.Duration) record.Result {
	select {
	case r, ok := <-s.orch.Results():
		s.Require().True(ok, "results MUST NOT be closed")
		return r
	case <-time.After(timeout):
		s.FailNow("no result within timeout")
		return record.Result{}
	}
}

func (s *OrchestratorTestSuite) TestRecordingCompletes() {
	// GOAL: Verify a task records its device and ends with an Ok result
	//
	// TEST SCENARIO: ECG device streams 5 payloads within a 150ms task → Ok result, frames stored, sink finalized

	settings := codec.DefaultInRatSettings()
	s.transport.WithPeripheral("ECG-1").WithVerifier(s.signer).
		WithPayloads(time.Millisecond, testutils.Ramp(settings, 5, 0, 1)...)
	orch := s.start(s.signers())

	t := s.task("ECG-", codec.InRat, 150*time.Millisecond)
	s.Require().NoError(orch.Submit(t))

	r := s.awaitResult(3 * time.Second)
	s.Equal(t.ID, r.TaskID)
	s.Equal("sched-ECG-", r.ScheduleID)
	s.Equal(record.StatusOk, r.Status, "result MUST be ok: %v", r.Err)
	s.GreaterOrEqual(r.Duration, t.Duration)

	sink := s.sink(t.ID)
	s.Require().NotNil(sink)
	s.Len(sink.frames, 5)
	s.Equal(sink.finalized, r.Handle)
	s.False(sink.aborted)

	s.True(s.transport.LastLink().Released(), "session MUST be torn down")
	s.False(orch.Busy(t.Device.ID))
}

func (s *OrchestratorTestSuite) TestBusyDeviceRejected() {
	// GOAL: Verify a second task for a device with an active session is rejected at once
	//
	// TEST SCENARIO: submit two tasks for one device → second gets a Busy Error result, first runs to completion

	s.transport.WithPeripheral("EMG-1")
	orch := s.start(s.signers())

	first := s.task("EMG-", codec.EmgSens, 200*time.Millisecond)
	second := s.task("EMG-", codec.EmgSens, 200*time.Millisecond)
	s.Require().NoError(orch.Submit(first))
	s.Require().NoError(orch.Submit(second))

	r := s.awaitResult(time.Second)
	s.Equal(second.ID, r.TaskID, "busy rejection MUST arrive first")
	s.Equal(record.StatusError, r.Status)
	s.True(device.IsBusy(r.Err))

	r = s.awaitResult(3 * time.Second)
	s.Equal(first.ID, r.TaskID)
	s.Equal(record.StatusOk, r.Status)
	s.Equal(1, s.transport.MaxConcurrentConnections("EMG-"))
}

func (s *OrchestratorTestSuite) TestOneResultPerTask() {
	// GOAL: Verify every submitted task produces exactly one result
	//
	// TEST SCENARIO: 3 devices, 2 workers, one unknown device → 4 results with distinct task ids, never two links per device

	for _, name := range []string{"A-1", "B-1", "C-1"} {
		s.transport.WithPeripheral(name)
	}
	orch := s.start(s.signers())

	tasks := map[string]record.Task{}
	for _, prefix := range []string{"A-", "B-", "C-", "MISSING-"} {
		t := s.task(prefix, codec.EmgSens, 100*time.Millisecond)
		tasks[t.ID] = t
		s.Require().NoError(orch.Submit(t))
	}

	seen := map[string]record.Result{}
	for range tasks {
		r := s.awaitResult(5 * time.Second)
		_, dup := seen[r.TaskID]
		s.False(dup, "task %s MUST have a single result", r.TaskID)
		seen[r.TaskID] = r
	}
	s.Len(seen, len(tasks))
	for id, r := range seen {
		s.Contains(tasks, id)
		if r.DeviceID == "dev-MISSING-" {
			s.Equal(record.StatusError, r.Status)
			s.ErrorIs(r.Err, device.ErrNotFound)
			continue
		}
		s.Equal(record.StatusOk, r.Status, "device %s: %v", r.DeviceID, r.Err)
	}
	for _, prefix := range []string{"A-", "B-", "C-"} {
		s.Equal(1, s.transport.MaxConcurrentConnections(prefix))
		s.Equal(0, s.transport.ActiveConnections(prefix), "connections MUST be released")
	}
	s.Empty(orch.Active())
}

func (s *OrchestratorTestSuite) TestStopCancelsRunningTask() {
	s.transport.WithPeripheral("EMG-1")
	orch := s.start(s.signers())

	t := s.task("EMG-", codec.EmgSens, time.Minute)
	s.Require().NoError(orch.Submit(t))
	s.Require().True(testutils.Eventually(2*time.Second, func() bool {
		return s.transport.ActiveConnections("EMG-") == 1
	}), "task MUST connect")

	s.True(orch.Stop(t.Device.ID))
	r := s.awaitResult(3 * time.Second)
	s.Equal(t.ID, r.TaskID)
	s.Equal(record.StatusCancelled, r.Status)
	s.True(s.sink(t.ID).aborted, "partial recording MUST be discarded")
	s.Equal(0, s.transport.ActiveConnections("EMG-"))

	s.False(orch.Stop(t.Device.ID), "no task left to stop")
}

func (s *OrchestratorTestSuite) TestShutdownDrainsTasks() {
	// GOAL: Verify shutdown cancels running work and drains pending tasks
	//
	// TEST SCENARIO: one worker, a running and a pending task → two Cancelled results, Results closed, Submit returns ErrClosed

	s.cfg.Workers = 1
	s.transport.WithPeripheral("A-1")
	s.transport.WithPeripheral("B-1")
	orch := s.start(s.signers())

	running := s.task("A-", codec.EmgSens, time.Minute)
	pending := s.task("B-", codec.EmgSens, time.Minute)
	s.Require().NoError(orch.Submit(running))
	s.Require().True(testutils.Eventually(2*time.Second, func() bool {
		return s.transport.ActiveConnections("A-") == 1
	}))
	s.Require().NoError(orch.Submit(pending))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(orch.Shutdown(ctx))

	var results []record.Result
	for r := range orch.Results() {
		results = append(results, r)
	}
	s.Require().Len(results, 2, "every task MUST have a result")
	for _, r := range results {
		s.Equal(record.StatusCancelled, r.Status, "task %s", r.TaskID)
	}
	s.Equal(0, s.transport.ActiveConnections("A-"))
	s.Equal(0, s.transport.Connects("B-"), "pending task MUST NOT connect")

	err := orch.Submit(s.task("C-", codec.EmgSens, time.Second))
	s.ErrorIs(err, ErrClosed)
	s.NoError(orch.Shutdown(ctx), "shutdown MUST be idempotent")
}

func (s *OrchestratorTestSuite) TestMissingSigner() {
	s.transport.WithPeripheral("ECG-1")
	orch := s.start(Signers{codec.EmgSens: s.signer})

	t := s.task("ECG-", codec.InRat, 100*time.Millisecond)
	s.Require().NoError(orch.Submit(t))
	r := s.awaitResult(2 * time.Second)
	s.Equal(record.StatusError, r.Status)
	s.Contains(r.Message, "no signing key")
	s.Equal(0, s.transport.Connects("ECG-"))
}

func (s *OrchestratorTestSuite) TestInvalidTask() {
	orch := s.start(s.signers())
	t := s.task("EMG-", codec.EmgSens, 0)
	s.Require().NoError(orch.Submit(t))
	r := s.awaitResult(time.Second)
	s.Equal(record.StatusError, r.Status)
	s.Contains(r.Message, "non-positive duration")
	s.False(orch.Busy(t.Device.ID))
}

func (s *OrchestratorTestSuite) TestResubmitOnResult() {
	// GOAL: Verify a consumer may schedule the next task for a device as soon as it sees the result
	//
	// TEST SCENARIO: rejected start → Error result; resubmitting from the consumer is not Busy

	s.transport.WithPeripheral("EMG-1").WithStartStatus(codec.StatusInvalidSetting)
	orch := s.start(s.signers())

	s.Require().NoError(orch.Submit(s.task("EMG-", codec.EmgSens, time.Second)))
	r := s.awaitResult(2 * time.Second)
	s.Equal(record.StatusError, r.Status)
	s.True(device.IsProtocol(r.Err))
	s.True(s.sink(r.TaskID).aborted)

	next := s.task("EMG-", codec.EmgSens, time.Second)
	s.Require().NoError(orch.Submit(next))
	r = s.awaitResult(2 * time.Second)
	s.Equal(next.ID, r.TaskID)
	s.False(device.IsBusy(r.Err), "device MUST be released before its result is emitted")
}

func (s *OrchestratorTestSuite) TestConsecutiveRecordingsOnOneDevice() {
	// GOAL: Verify a device that finished its task accepts the next one
	//
	// TEST SCENARIO: three tasks for one device, each submitted after the previous result → three Ok results

	s.transport.WithPeripheral("EMG-1")
	orch := s.start(s.signers())

	for i := 0; i < 3; i++ {
		t := s.task("EMG-", codec.EmgSens, 30*time.Millisecond)
		s.Require().NoError(orch.Submit(t))
		r := s.awaitResult(2 * time.Second)
		s.Equal(t.ID, r.TaskID)
		s.Equal(record.StatusOk, r.Status, "recording %d MUST succeed: %s", i, r.Message)
		s.False(orch.Busy(t.Device.ID), "device MUST be released after recording %d", i)
	}
	s.Empty(orch.Active())
	s.Equal(3, s.transport.Connects("EMG-"))
}

func (s *OrchestratorTestSuite) TestLiveStreams() {
	settings := codec.DefaultEmgSensSettings()
	temp := []byte{byte(codec.EventTypeTemperature), 0x6c, 0x0e}
	s.transport.WithPeripheral("EMG-1").WithEvents(temp).
		WithPayloads(time.Millisecond, testutils.Ramp(settings, 2, 0, 1)...)
	orch := s.start(s.signers())

	t := s.task("EMG-", codec.EmgSens, 150*time.Millisecond)
	s.Require().NoError(orch.Submit(t))

	select {
	case ev := <-orch.Events():
		s.Equal(t.ID, ev.TaskID)
		s.Equal(codec.EventTypeTemperature, ev.Event.Type)
	case <-time.After(2 * time.Second):
		s.Fail("event MUST be republished")
	}
	select {
	case f := <-orch.Frames():
		s.Equal(t.Device.ID, f.DeviceID)
		s.NotEmpty(f.Frame.Raw)
	case <-time.After(2 * time.Second):
		s.Fail("frame MUST be republished")
	}
	s.Equal(record.StatusOk, s.awaitResult(3*time.Second).Status)
}

func TestOrchestratorTestSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorTestSuite))
}
