// Package orchestrator runs recording tasks against many devices
// concurrently while allowing at most one active session per device.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/groutine"
	"github.com/srg/biorec/internal/record"
	"github.com/srg/biorec/internal/ringchan"
	"github.com/srg/biorec/internal/session"
)

// ErrClosed is returned by Submit once Results has been closed.
var ErrClosed = errors.New("orchestrator closed")

// Config tunes an Orchestrator.
type Config struct {
	Workers         int
	ConnectTimeout  time.Duration
	ReceiveTimeout  time.Duration
	TeardownTimeout time.Duration
	// ResultBuffer is the capacity of the Results channel. Results beyond
	// it are queued, never dropped.
	ResultBuffer int
	LiveBuffer   int
	Session      session.Options
}

// DefaultConfig returns the configuration used for zero fields.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		ConnectTimeout:  10 * time.Second,
		ReceiveTimeout:  time.Second,
		TeardownTimeout: 5 * time.Second,
		ResultBuffer:    16,
		LiveBuffer:      64,
		Session:         session.DefaultOptions(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.ResultBuffer < 0 {
		c.ResultBuffer = 0
	}
	if c.LiveBuffer <= 0 {
		c.LiveBuffer = d.LiveBuffer
	}
	return c
}

// Signers maps a device class to the signer holding its key.
type Signers map[codec.Class]codec.Signer

// LiveFrame is a decoded frame republished for live views.
type LiveFrame struct {
	TaskID   string
	DeviceID string
	Time     time.Time
	Frame    codec.Frame
}

// DeviceEvent is a device event republished with its origin.
type DeviceEvent struct {
	TaskID   string
	DeviceID string
	Time     time.Time
	Event    codec.Event
}

// entry is the registry record of a pending or running task.
type entry struct {
	task    record.Task
	stopped atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (e *entry) setCancel(cancel context.CancelFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = cancel
	return !e.stopped.Load()
}

func (e *entry) stop() {
	e.stopped.Store(true)
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// slot is the permanent registry record of a device. Slots are never
// removed; busy marks the device as claimed by a pending or running task.
type slot struct {
	busy    atomic.Bool
	current atomic.Pointer[entry]
}

// claim marks the slot busy with e. It reports false when the device
// already has a task.
func (s *slot) claim(e *entry) bool {
	if !s.busy.CompareAndSwap(false, true) {
		return false
	}
	s.current.Store(e)
	return true
}

func (s *slot) release() {
	s.current.Store(nil)
	s.busy.Store(false)
}

// Orchestrator owns the pending task queue and the active session registry.
type Orchestrator struct {
	cfg       Config
	transport device.Transport
	signers   Signers
	sinks     record.SinkFactory
	logger    *logrus.Logger

	// active holds one slot per device ever seen.
	active *hashmap.Map[string, *slot]

	mu      sync.Mutex
	pending []*entry
	closed  bool
	signal  chan struct{}

	results *resultQueue
	frames  *ringchan.RingChannel[LiveFrame]
	events  *ringchan.RingChannel[DeviceEvent]

	startOnce    sync.Once
	shutdownOnce sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	done         chan struct{}
}

// New returns an orchestrator. Tasks submitted before Start are queued.
func New(cfg Config, transport device.Transport, signers Signers, sinks record.SinkFactory, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if sinks == nil {
		sinks = record.SinkFactoryFunc(func(record.Task) (record.Sink, error) { return &record.DiscardSink{}, nil })
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		transport: transport,
		signers:   signers,
		sinks:     sinks,
		logger:    logger,
		active:    hashmap.New[string, *slot](),
		signal:    make(chan struct{}, 1),
		results:   newResultQueue(cfg.ResultBuffer),
		frames:    ringchan.New[LiveFrame](cfg.LiveBuffer),
		events:    ringchan.New[DeviceEvent](cfg.LiveBuffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	groutine.Go(context.Background(), "orchestrator-results", func(context.Context) { o.results.forward() })
	return o
}

// Start launches the worker pool. Workers stop when ctx is cancelled or on
// Shutdown; only Shutdown closes Results.
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		stop := context.AfterFunc(ctx, o.cancel)
		for i := 0; i < o.cfg.Workers; i++ {
			o.wg.Add(1)
			name := fmt.Sprintf("orchestrator-worker-%d", i)
			groutine.Go(o.ctx, name, func(ctx context.Context) {
				defer o.wg.Done()
				o.work(ctx)
			})
		}
		groutine.Go(context.Background(), "orchestrator-start-watch", func(context.Context) {
			o.wg.Wait()
			stop()
		})
		o.logger.WithField("workers", o.cfg.Workers).Info("Orchestrator started")
	})
}

// Results delivers exactly one terminal result per submitted task. It is
// closed after Shutdown once every result has been delivered.
func (o *Orchestrator) Results() <-chan record.Result { return o.results.out }

// Frames delivers decoded frames for live views. Old frames are dropped
// when the consumer falls behind.
func (o *Orchestrator) Frames() <-chan LiveFrame { return o.frames.C() }

// Events delivers device events for live views. Old events are dropped
// when the consumer falls behind.
func (o *Orchestrator) Events() <-chan DeviceEvent { return o.events.C() }

// Active returns the ids of devices with a pending or running task.
func (o *Orchestrator) Active() []string {
	var ids []string
	o.active.Range(func(id string, s *slot) bool {
		if s.busy.Load() {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// Busy reports whether deviceID has a pending or running task.
func (o *Orchestrator) Busy(deviceID string) bool {
	s, ok := o.active.Get(deviceID)
	return ok && s.busy.Load()
}

// Submit enqueues t. A task for a device that already has a pending or
// running task is rejected at once with a BusyError result, and a task
// submitted during shutdown gets a Cancelled result. Submit returns
// ErrClosed, and no result is produced, only once Results is closed.
func (o *Orchestrator) Submit(t record.Task) error {
	log := o.logger.WithFields(logrus.Fields{"task_id": t.ID, "device_id": t.Device.ID})

	if err := t.Validate(); err != nil {
		log.WithField("error", err).Warn("Rejecting invalid task")
		return o.emit(record.Failed(t, t.Start, 0, err))
	}

	e := &entry{task: t}
	s, _ := o.active.GetOrInsert(t.Device.ID, &slot{})
	if !s.claim(e) {
		log.Info("Device busy, rejecting task")
		return o.emit(record.Busy(t))
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		s.release()
		return o.emit(record.Failed(t, t.Start, 0, fmt.Errorf("%w: orchestrator shutting down", device.ErrCancelled)))
	}
	o.pending = append(o.pending, e)
	o.mu.Unlock()
	o.wake()

	log.WithField("duration", t.Duration).Debug("Task queued")
	return nil
}

// Stop cancels the pending or running task of deviceID. It reports whether
// there was one. The task ends with a Cancelled result.
func (o *Orchestrator) Stop(deviceID string) bool {
	s, ok := o.active.Get(deviceID)
	if !ok {
		return false
	}
	e := s.current.Load()
	if e == nil {
		return false
	}
	o.logger.WithFields(logrus.Fields{"device_id": deviceID, "task_id": e.task.ID}).Info("Stopping task")
	e.stop()
	o.wake()
	return true
}

// Shutdown cancels every session, drains pending tasks with Cancelled
// results and waits for the workers to finish their teardown. Results is
// closed once all results are delivered. Shutdown is idempotent and safe
// to call from any goroutine; it returns ctx.Err() if ctx ends first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		drained := o.pending
		o.pending = nil
		o.mu.Unlock()

		o.logger.WithField("pending", len(drained)).Info("Shutting down orchestrator")
		for _, e := range drained {
			o.releaseDevice(e.task.Device.ID)
			_ = o.emit(record.Failed(e.task, e.task.Start, 0, fmt.Errorf("%w: orchestrator shutting down", device.ErrCancelled)))
		}

		o.active.Range(func(_ string, s *slot) bool {
			if e := s.current.Load(); e != nil {
				e.stop()
			}
			return true
		})
		o.cancel()

		groutine.Go(context.Background(), "orchestrator-shutdown", func(context.Context) {
			o.wg.Wait()
			o.results.close()
			o.frames.Close()
			o.events.Close()
			fm, em := o.frames.GetMetrics(), o.events.GetMetrics()
			o.logger.WithFields(logrus.Fields{
				"frames_published":   fm.Written,
				"frames_overwritten": fm.Overwritten,
				"events_published":   em.Written,
				"events_overwritten": em.Overwritten,
			}).Info("Orchestrator stopped")
			close(o.done)
		})
	})

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) releaseDevice(deviceID string) {
	if s, ok := o.active.Get(deviceID); ok {
		s.release()
	}
}

func (o *Orchestrator) wake() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) next() *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return nil
	}
	e := o.pending[0]
	o.pending[0] = nil
	o.pending = o.pending[1:]
	if len(o.pending) > 0 {
		o.wake()
	}
	return e
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		if e := o.next(); e != nil {
			o.run(ctx, e)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-o.signal:
		}
	}
}

// run executes one task and emits its result. The device is released
// before the result is published so that a consumer reacting to
// the result can submit the next task for the same device.
func (o *Orchestrator) run(ctx context.Context, e *entry) {
	t := e.task
	log := o.logger.WithFields(logrus.Fields{
		"task_id":   t.ID,
		"device_id": t.Device.ID,
		"worker":    groutine.GetName(ctx),
	})
	began := time.Now()

	var res record.Result
	err := groutine.Protect("task-"+t.ID, func() {
		res = o.execute(ctx, e, log)
	}, func(_ string, r any, stack []byte) {
		log.WithFields(logrus.Fields{"panic": r, "stack": string(stack)}).Error("Task panicked")
	})
	if err != nil {
		res = record.Failed(t, began, time.Since(began), err)
	}

	o.releaseDevice(t.Device.ID)
	log.WithFields(logrus.Fields{
		"status":   res.Status.String(),
		"duration": res.Duration,
		"error":    res.Message,
	}).Info("Task finished")
	_ = o.emit(res)
}

func (o *Orchestrator) execute(parent context.Context, e *entry, log *logrus.Entry) record.Result {
	t := e.task
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if !e.setCancel(cancel) {
		return record.Failed(t, t.Start, 0, fmt.Errorf("%w: stopped before start", device.ErrCancelled))
	}

	signer := o.signers[t.Device.Class]
	if signer == nil {
		return record.Failed(t, time.Now(), 0, fmt.Errorf("no signing key configured for %v devices", t.Device.Class))
	}

	sess := session.New(t.Device, o.transport, signer, o.cfg.Session, o.logger)
	start := time.Now()

	ok, err := sess.Connect(ctx, o.cfg.ConnectTimeout)
	if err != nil {
		return record.Failed(t, start, 0, err)
	}
	if !ok {
		cause := sess.LastError()
		if cause == nil {
			cause = device.ErrNotFound
		}
		return record.Failed(t, start, 0, fmt.Errorf("connect: %w", cause))
	}

	// Teardown runs on its own context so cancellation never skips it.
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), o.cfg.TeardownTimeout)
		defer tcancel()
		if err := sess.Disconnect(tctx); err != nil {
			log.WithField("error", err).Warn("Teardown reported an error")
		}
	}()

	sink, err := o.sinks.NewSink(t)
	if err != nil {
		return record.Failed(t, start, 0, fmt.Errorf("create sink: %w", err))
	}

	if err := sess.ConfigureAndStart(ctx, t.Settings); err != nil {
		abortSink(sink, log)
		return record.Failed(t, start, 0, err)
	}

	streamDone := make(chan struct{})
	defer close(streamDone)
	groutine.Go(ctx, "events-"+t.Device.ID, func(context.Context) {
		for {
			select {
			case <-streamDone:
				return
			case ev := <-sess.Events():
				o.events.Send(DeviceEvent{TaskID: t.ID, DeviceID: t.Device.ID, Time: time.Now(), Event: ev})
			}
		}
	})

	acqStart := time.Now()
	if err := o.acquire(ctx, sess, sink, t, acqStart); err != nil {
		abortSink(sink, log)
		return record.Failed(t, acqStart, time.Since(acqStart), err)
	}
	achieved := time.Since(acqStart)

	handle, err := sink.Finalize(t.Format, t.SampleRate, pathHint(t, acqStart))
	if err != nil {
		return record.Failed(t, acqStart, achieved, fmt.Errorf("finalize recording: %w", err))
	}
	st := sess.Stats()
	log.WithFields(logrus.Fields{
		"decoded":       st.Decoded,
		"decode_errors": st.DecodeErrors,
		"dropped":       st.Dropped,
		"lost":          st.Lost,
		"handle":        handle,
	}).Info("Recording complete")
	return record.Ok(t, acqStart, achieved, handle)
}

// acquire streams frames into sink until the task duration elapsed. It
// returns the error that ended acquisition early.
func (o *Orchestrator) acquire(ctx context.Context, sess *session.Session, sink record.Sink, t record.Task, began time.Time) error {
	deadline := began.Add(t.Duration)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		wait := o.cfg.ReceiveTimeout
		if remaining < wait {
			wait = remaining
		}
		frames, err := sess.Receive(ctx, wait)
		now := time.Now()
		for _, f := range frames {
			if perr := sink.Push(f, now); perr != nil {
				return fmt.Errorf("store frame: %w", perr)
			}
			o.frames.Send(LiveFrame{TaskID: t.ID, DeviceID: t.Device.ID, Time: now, Frame: f})
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", device.ErrCancelled, ctx.Err())
		}
	}
}

func abortSink(sink record.Sink, log *logrus.Entry) {
	if err := sink.Abort(); err != nil {
		log.WithField("error", err).Warn("Failed to discard partial recording")
	}
}

func pathHint(t record.Task, start time.Time) string {
	return fmt.Sprintf("%s_%s", t.Device.ID, start.UTC().Format("20060102T150405Z"))
}

// resultQueue is an unbounded FIFO in front of the Results channel so that
// producers never block on a slow consumer and no result is dropped.
type resultQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []record.Result
	closed bool
	out    chan record.Result
}

func newResultQueue(buffer int) *resultQueue {
	q := &resultQueue{out: make(chan record.Result, buffer)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *resultQueue) push(r record.Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, r)
	q.cond.Signal()
	return true
}

func (q *resultQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *resultQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		r := q.items[0]
		q.items[0] = record.Result{}
		q.items = q.items[1:]
		q.mu.Unlock()
		q.out <- r
	}
}

func (o *Orchestrator) emit(r record.Result) error {
	if !o.results.push(r) {
		o.logger.WithField("task_id", r.TaskID).Warn("Result produced after close")
		return ErrClosed
	}
	return nil
}
