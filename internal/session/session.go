// Package session drives a single sensor through discovery, connection,
// acquisition and teardown.
//
// A Session is owned by one goroutine at a time. Notification handlers run on
// the transport's goroutines; they only copy payloads into a bounded ring
// buffer, and decoding happens inline in Receive, in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/groutine"
	"github.com/srg/biorec/internal/ringchan"
)

// Options tunes a Session.
type Options struct {
	// ResponseTimeout bounds the wait for a control point acknowledgement.
	ResponseTimeout time.Duration
	// DecodeFailureThreshold is the number of consecutive decode failures
	// tolerated before Receive escalates to a ProtocolError.
	DecodeFailureThreshold int
	// QueueSize is the capacity of the notification ring buffer. The oldest
	// payload is overwritten when the consumer falls behind.
	QueueSize uint32
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		ResponseTimeout:        2 * time.Second,
		DecodeFailureThreshold: 10,
		QueueSize:              256,
		EventBuffer:            16,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = d.ResponseTimeout
	}
	if o.DecodeFailureThreshold <= 0 {
		o.DecodeFailureThreshold = d.DecodeFailureThreshold
	}
	if o.QueueSize == 0 {
		o.QueueSize = d.QueueSize
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// Stats are the notification counters of a Session.
type Stats struct {
	Received      uint64 // data notifications accepted by the handler
	Decoded       uint64
	DecodeErrors  uint64
	Dropped       uint64 // payloads overwritten before they were decoded
	Lost          uint64 // payloads missing from the counter sequence
	Events        uint64
	EventErrors   uint64
	HandlerPanics uint64
}

type stats struct {
	received, decoded, decodeErrors, dropped, lost atomic.Uint64
	events, eventErrors, handlerPanics             atomic.Uint64
}

// Session is the state machine of one device connection.
type Session struct {
	id        device.Identity
	transport device.Transport
	signer    codec.Signer
	opts      Options
	logger    *logrus.Logger
	log       *logrus.Entry

	mu       sync.Mutex
	state    State
	link     device.Link
	settings codec.Settings
	lastErr  error
	linkGen  uint64

	// decode state is touched only by the goroutine calling Receive.
	decodeState         codec.State
	consecutiveFailures int

	queue     mpmc.RichOverlappedRingBuffer[[]byte]
	wake      chan struct{}
	lost      chan struct{}
	responses chan codec.Response
	events    *ringchan.RingChannel[codec.Event]

	stats stats
}

// New returns a disconnected session for id. signer may be nil only if the
// session is never started.
func New(id device.Identity, transport device.Transport, signer codec.Signer, opts Options, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()
	return &Session{
		id:        id,
		transport: transport,
		signer:    signer,
		opts:      opts,
		logger:    logger,
		log:       logger.WithFields(logrus.Fields{"device_id": id.ID, "class": id.Class.String()}),
		queue:     mpmc.NewOverlappedRingBuffer[[]byte](opts.QueueSize),
		wake:      make(chan struct{}, 1),
		lost:      make(chan struct{}, 1),
		responses: make(chan codec.Response, 4),
		events:    ringchan.New[codec.Event](opts.EventBuffer),
	}
}

// Identity returns the device the session talks to.
func (s *Session) Identity() device.Identity { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error that caused the last failed transition, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Events returns decoded device events. Old events are overwritten when the
// consumer falls behind.
func (s *Session) Events() <-chan codec.Event { return s.events.C() }

// Stats returns a snapshot of the notification counters.
func (s *Session) Stats() Stats {
	return Stats{
		Received:      s.stats.received.Load(),
		Decoded:       s.stats.decoded.Load(),
		DecodeErrors:  s.stats.decodeErrors.Load(),
		Dropped:       s.stats.dropped.Load(),
		Lost:          s.stats.lost.Load(),
		Events:        s.stats.events.Load(),
		EventErrors:   s.stats.eventErrors.Load(),
		HandlerPanics: s.stats.handlerPanics.Load(),
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.WithFields(logrus.Fields{
			"from":  prev.String(),
			"state": st.String(),
		}).Debug("Session state changed")
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateFailed)
}

// Connect discovers the device by its name prefix and opens a GATT
// connection, each step bounded by timeout. It returns false with a nil error
// when the device is not found, the attempt times out or the connection is
// refused; LastError then holds the cause. It returns an error only when ctx
// is cancelled. Connecting while already connected is a no-op success.
func (s *Session) Connect(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if s.state.connected() && s.link != nil {
		s.mu.Unlock()
		return true, nil
	}
	s.lastErr = nil
	s.mu.Unlock()

	s.setState(StateScanning)
	h, err := s.transport.Discover(ctx, s.id.NamePrefix, timeout)
	if err != nil {
		return s.connectFailed(ctx, "discover", err)
	}

	s.setState(StateConnecting)
	link, err := s.transport.Connect(ctx, h, timeout)
	if err != nil {
		return s.connectFailed(ctx, "connect", err)
	}

	if ctx.Err() != nil {
		if derr := link.Disconnect(); derr != nil {
			s.log.WithField("error", derr).Warn("Failed to release connection after cancellation")
		}
		return s.connectFailed(ctx, "connect", ctx.Err())
	}

	s.mu.Lock()
	s.link = link
	s.linkGen++
	gen := s.linkGen
	s.mu.Unlock()
	s.setState(StateConnected)
	s.watchLink(link, gen)

	s.log.WithFields(logrus.Fields{
		"address": h.Address(),
		"name":    h.Name(),
	}).Info("Device connected")
	return true, nil
}

func (s *Session) connectFailed(ctx context.Context, op string, err error) (bool, error) {
	if ctx.Err() != nil {
		cerr := fmt.Errorf("%w: %s: %v", device.ErrCancelled, op, ctx.Err())
		s.mu.Lock()
		s.lastErr = cerr
		s.mu.Unlock()
		s.setState(StateDisconnected)
		return false, cerr
	}

	switch {
	case errors.Is(err, device.ErrNotFound), errors.Is(err, device.ErrTimeout):
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		s.setState(StateDisconnected)
		s.log.WithFields(logrus.Fields{"op": op, "error": err}).Info("Device unavailable")
	default:
		if !device.IsTransport(err) {
			err = &device.TransportError{Op: op, Err: err}
		}
		s.fail(err)
		s.log.WithFields(logrus.Fields{"op": op, "error": err}).Warn("Connection attempt failed")
	}
	return false, nil
}

// watchLink flags a link loss to Receive.
func (s *Session) watchLink(link device.Link, gen uint64) {
	groutine.Go(context.Background(), "session-link-watch-"+s.id.ID, func(context.Context) {
		<-link.Disconnected()
		s.mu.Lock()
		current := s.linkGen == gen && s.state != StateDisconnecting
		s.mu.Unlock()
		if !current {
			return
		}
		s.log.Warn("Link lost")
		select {
		case s.lost <- struct{}{}:
		default:
		}
	})
}

// ConfigureAndStart subscribes to the control point, data and event
// characteristics, writes the signed start command and waits for the device
// to acknowledge it. The session is Acquiring only once every step succeeded.
// A rejected or unacknowledged command yields a ProtocolError and a
// cancelled ctx an ErrCancelled error, both leaving the session Connected; a
// transport failure yields a TransportError and leaves it Failed. Once the
// start command has been written, any failure other than an explicit
// rejection also writes a best-effort stop command.
func (s *Session) ConfigureAndStart(ctx context.Context, settings codec.Settings) error {
	s.mu.Lock()
	state, link := s.state, s.link
	s.mu.Unlock()
	if state == StateAcquiring {
		return fmt.Errorf("device %s: already acquiring", s.id.ID)
	}
	if state != StateConnected || link == nil {
		return fmt.Errorf("device %s: %w (state %s)", s.id.ID, device.ErrNotConnected, state)
	}
	if settings == nil {
		settings = s.id.Class.DefaultSettings()
	}
	if settings.Class() != s.id.Class {
		return fmt.Errorf("device %s: %v settings for %v device", s.id.ID, settings.Class(), s.id.Class)
	}
	cmd, err := codec.StartCommand(settings, s.signer)
	if err != nil {
		return err
	}

	s.setState(StateConfiguring)
	s.resetAcquisition()
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	var started bool
	subscribed := make([]string, 0, 3)
	subscribe := func(uuid string, fn func([]byte)) error {
		if err := link.Subscribe(uuid, fn); err != nil {
			return err
		}
		subscribed = append(subscribed, uuid)
		return nil
	}
	abort := func(err error) error {
		if started && !rejected(err) {
			s.writeStop(link)
		}
		for _, uuid := range subscribed {
			if uerr := link.Unsubscribe(uuid); uerr != nil {
				s.log.WithFields(logrus.Fields{"char_uuid": uuid, "error": uerr}).Debug("Unsubscribe during abort failed")
			}
		}
		if device.IsProtocol(err) || errors.Is(err, device.ErrCancelled) {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			s.setState(StateConnected)
		} else {
			s.fail(err)
		}
		s.log.WithField("error", err).Error("Failed to start acquisition")
		return err
	}

	if err := subscribe(codec.ControlPointUUID, s.handleResponse); err != nil {
		return abort(asTransport("subscribe control point", err))
	}
	if err := subscribe(codec.DataUUID, s.handleData); err != nil {
		return abort(asTransport("subscribe data", err))
	}
	if s.id.Class.HasEvents() {
		if err := subscribe(codec.EventUUID, s.handleEvent); err != nil {
			return abort(asTransport("subscribe events", err))
		}
	}

	if err := link.Write(codec.ControlPointUUID, cmd); err != nil {
		return abort(asTransport("write start", err))
	}
	started = true
	if err := s.awaitResponse(ctx, codec.OpStart); err != nil {
		return abort(err)
	}

	s.setState(StateAcquiring)
	s.log.WithFields(logrus.Fields{
		"sample_rate": settings.SampleRate(),
		"channels":    len(settings.Layout()),
	}).Info("Acquisition started")
	return nil
}

// errNoAck marks a command the device never answered.
var errNoAck = errors.New("no acknowledgement")

// rejected reports whether err is an explicit refusal sent by the device.
func rejected(err error) bool {
	return device.IsProtocol(err) && !errors.Is(err, errNoAck)
}

// writeStop writes the stop command without waiting for its acknowledgement.
func (s *Session) writeStop(link device.Link) {
	cmd, err := codec.StopCommand(s.signer)
	if err != nil {
		s.log.WithField("error", err).Warn("Failed to build stop command")
		return
	}
	if err := link.Write(codec.ControlPointUUID, cmd); err != nil {
		s.log.WithField("error", err).Debug("Best-effort stop failed")
	}
}

func asTransport(op string, err error) error {
	if device.IsTransport(err) {
		return err
	}
	return &device.TransportError{Op: op, Err: err}
}

func (s *Session) resetAcquisition() {
	s.decodeState.Reset()
	s.consecutiveFailures = 0
	for !s.queue.IsEmpty() {
		if _, err := s.queue.Dequeue(); err != nil {
			break
		}
	}
	for {
		select {
		case <-s.responses:
		case <-s.wake:
		default:
			return
		}
	}
}

func (s *Session) awaitResponse(ctx context.Context, op codec.Opcode) error {
	timer := time.NewTimer(s.opts.ResponseTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-s.responses:
			if r.Op != op {
				s.log.WithField("op", r.Op.String()).Debug("Ignoring response to another command")
				continue
			}
			if err := r.Err(); err != nil {
				return &device.ProtocolError{Op: op.String(), Err: err}
			}
			return nil
		case <-timer.C:
			return &device.ProtocolError{Op: op.String(), Err: fmt.Errorf("%w within %v", errNoAck, s.opts.ResponseTimeout)}
		case <-s.lost:
			return &device.TransportError{Op: op.String(), Err: device.ErrNotConnected}
		case <-ctx.Done():
			return fmt.Errorf("%w: awaiting %v acknowledgement: %v", device.ErrCancelled, op, ctx.Err())
		}
	}
}

// Receive waits up to timeout for notifications and returns the frames
// decoded from them in arrival order. It returns no frames and no error when
// nothing arrived in time. Malformed payloads are dropped and counted; more
// than DecodeFailureThreshold consecutive failures return a ProtocolError.
// A lost link returns a TransportError and leaves the session Failed.
func (s *Session) Receive(ctx context.Context, timeout time.Duration) ([]codec.Frame, error) {
	s.mu.Lock()
	state, settings := s.state, s.settings
	s.mu.Unlock()
	if state != StateAcquiring {
		return nil, fmt.Errorf("device %s: not acquiring (state %s)", s.id.ID, state)
	}

	if s.queue.IsEmpty() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-s.wake:
		case <-timer.C:
			return nil, nil
		case <-s.lost:
			err := &device.TransportError{Op: "receive", Err: device.ErrNotConnected}
			s.fail(err)
			return nil, err
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", device.ErrCancelled, ctx.Err())
		}
	}

	var frames []codec.Frame
	for !s.queue.IsEmpty() {
		raw, err := s.queue.Dequeue()
		if err != nil {
			break
		}
		before := s.decodeState
		f, err := codec.Decode(settings, raw, &s.decodeState)
		if err != nil {
			s.stats.decodeErrors.Add(1)
			s.consecutiveFailures++
			s.log.WithFields(logrus.Fields{
				"error":       err,
				"consecutive": s.consecutiveFailures,
			}).Warn("Dropping malformed notification")
			if s.consecutiveFailures > s.opts.DecodeFailureThreshold {
				return frames, &device.ProtocolError{
					Op:  "decode",
					Err: fmt.Errorf("%d consecutive decode failures: %w", s.consecutiveFailures, err),
				}
			}
			continue
		}
		s.consecutiveFailures = 0
		s.stats.decoded.Add(1)
		if n := before.Missed(f.Counter); n > 0 {
			s.stats.lost.Add(uint64(n))
			s.log.WithFields(logrus.Fields{
				"counter": f.Counter,
				"missed":  n,
			}).Warn("Notification counter gap")
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Stop ends acquisition: it unsubscribes the data and event characteristics
// and writes the signed stop command. Each step's failure is logged and
// tolerated. Stop is a no-op when the session is not acquiring.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	state, link := s.state, s.link
	s.mu.Unlock()
	if state != StateAcquiring && state != StateConfiguring {
		return nil
	}

	if link != nil {
		if err := link.Unsubscribe(codec.DataUUID); err != nil {
			s.log.WithFields(logrus.Fields{"char_uuid": codec.DataUUID, "error": err}).Warn("Failed to unsubscribe data")
		}
		if s.id.Class.HasEvents() {
			if err := link.Unsubscribe(codec.EventUUID); err != nil {
				s.log.WithFields(logrus.Fields{"char_uuid": codec.EventUUID, "error": err}).Warn("Failed to unsubscribe events")
			}
		}
		if cmd, err := codec.StopCommand(s.signer); err != nil {
			s.log.WithField("error", err).Warn("Failed to build stop command")
		} else if err := link.Write(codec.ControlPointUUID, cmd); err != nil {
			s.log.WithField("error", err).Warn("Failed to write stop command")
		} else if err := s.awaitResponse(ctx, codec.OpStop); err != nil {
			s.log.WithField("error", err).Debug("Stop not acknowledged")
		}
		if err := link.Unsubscribe(codec.ControlPointUUID); err != nil {
			s.log.WithFields(logrus.Fields{"char_uuid": codec.ControlPointUUID, "error": err}).Debug("Failed to unsubscribe control point")
		}
	}

	s.mu.Lock()
	if s.state == StateAcquiring || s.state == StateConfiguring {
		s.state = StateConnected
	}
	s.mu.Unlock()

	st := s.Stats()
	s.log.WithFields(logrus.Fields{
		"received":      st.Received,
		"decoded":       st.Decoded,
		"decode_errors": st.DecodeErrors,
		"dropped":       st.Dropped,
		"lost":          st.Lost,
	}).Info("Acquisition stopped")
	return nil
}

// Disconnect stops acquisition and releases the connection. The session
// always ends Disconnected; a failure to release the link is returned for
// reporting only.
func (s *Session) Disconnect(ctx context.Context) error {
	_ = s.Stop(ctx)

	s.mu.Lock()
	link := s.link
	s.link = nil
	s.state = StateDisconnecting
	s.mu.Unlock()

	var err error
	if link != nil {
		if derr := link.Disconnect(); derr != nil {
			err = asTransport("disconnect", derr)
			s.log.WithField("error", err).Warn("Failed to release connection")
		}
	}
	select {
	case <-s.lost:
	default:
	}
	s.setState(StateDisconnected)
	return err
}

func (s *Session) handleResponse(data []byte) {
	s.protect("control-point", func() {
		var r codec.Response
		if err := r.UnmarshalBinary(data); err != nil {
			s.log.WithField("error", err).Debug("Ignoring malformed control point response")
			return
		}
		select {
		case s.responses <- r:
		default:
			s.log.WithField("op", r.Op.String()).Warn("Dropping control point response")
		}
	})
}

func (s *Session) handleData(data []byte) {
	s.protect("data", func() {
		buf := make([]byte, len(data))
		copy(buf, data)
		overwrites, err := s.queue.EnqueueM(buf)
		if err != nil {
			s.stats.dropped.Add(1)
			return
		}
		s.stats.received.Add(1)
		if overwrites > 0 {
			s.stats.dropped.Add(uint64(overwrites))
		}
		select {
		case s.wake <- struct{}{}:
		default:
		}
	})
}

func (s *Session) handleEvent(data []byte) {
	s.protect("event", func() {
		ev, err := codec.DecodeEvent(data)
		if err != nil {
			s.stats.eventErrors.Add(1)
			s.log.WithField("error", err).Debug("Ignoring malformed event")
			return
		}
		s.stats.events.Add(1)
		s.events.Send(ev)
	})
}

// protect keeps a panicking handler from unwinding into the transport.
func (s *Session) protect(name string, fn func()) {
	_ = groutine.Protect(name, fn, func(name string, r any, stack []byte) {
		s.stats.handlerPanics.Add(1)
		s.log.WithFields(logrus.Fields{
			"handler": name,
			"panic":   r,
			"stack":   string(stack),
		}).Error("Notification handler panicked")
	})
}
