package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/signer"
	"github.com/srg/biorec/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type SessionTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *testutils.FakeTransport
	signer    *signer.Signer
	opts      Options
	ctx       context.Context
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.transport = testutils.NewFakeTransport()
	key, err := signer.ParseKey("000102030405060708090a0b0c0d0e0f")
	s.Require().NoError(err)
	s.signer, err = signer.New(key)
	s.Require().NoError(err)
	s.opts = Options{ResponseTimeout: 200 * time.Millisecond, DecodeFailureThreshold: 2}
	s.ctx = context.Background()
}

func (s *SessionTestSuite) newSession(prefix string, class codec.Class) *Session {
	id, err := device.NewIdentity("dev-"+prefix, prefix, class)
	s.Require().NoError(err)
	return New(id, s.transport, s.signer, s.opts, s.helper.Logger)
}

// connected returns a session connected to the peripheral named prefix.
func (s *SessionTestSuite) connected(prefix string, class codec.Class) *Session {
	sess := s.newSession(prefix, class)
	ok, err := sess.Connect(s.ctx, time.Second)
	s.Require().NoError(err)
	s.Require().True(ok, "connect MUST succeed: %v", sess.LastError())
	return sess
}

// receiveAll collects frames until n arrived or timeout elapsed.
func (s *SessionTestSuite) receiveAll(sess *Session, n int, timeout time.Duration) ([]codec.Frame, error) {
	var frames []codec.Frame
	deadline := time.Now().Add(timeout)
	for len(frames) < n && time.Now().Before(deadline) {
		fs, err := sess.Receive(s.ctx, 20*time.Millisecond)
		frames = append(frames, fs...)
		if err != nil {
			return frames, err
		}
	}
	return frames, nil
}

func (s *SessionTestSuite) TestConnect() {
	// GOAL: Verify a discovered device ends Connected and reconnecting is a no-op
	//
	// TEST SCENARIO: Connect twice → one transport connection, state Connected

	s.transport.WithPeripheral("EMG-1")
	sess := s.connected("EMG-", codec.EmgSens)

	s.Equal(StateConnected, sess.State())
	ok, err := sess.Connect(s.ctx, time.Second)
	s.NoError(err)
	s.True(ok)
	s.Equal(1, s.transport.Connects("EMG-"), "connecting while connected MUST NOT dial again")
	s.NoError(sess.LastError())
}

func (s *SessionTestSuite) TestConnectUnavailable() {
	// GOAL: Verify unavailable devices report false without an error
	//
	// TEST SCENARIO: not found / connect timeout → false, nil; cause in LastError; state Disconnected

	s.transport.WithPeripheral("SLOW-1").WithConnectDelay(time.Second)

	sess := s.newSession("NONE-", codec.InRat)
	ok, err := sess.Connect(s.ctx, 50*time.Millisecond)
	s.NoError(err)
	s.False(ok)
	s.ErrorIs(sess.LastError(), device.ErrNotFound)
	s.Equal(StateDisconnected, sess.State())

	sess = s.newSession("SLOW-", codec.InRat)
	ok, err = sess.Connect(s.ctx, 50*time.Millisecond)
	s.NoError(err)
	s.False(ok)
	s.ErrorIs(sess.LastError(), device.ErrTimeout)
	s.Equal(StateDisconnected, sess.State())
}

func (s *SessionTestSuite) TestConnectRefused() {
	s.transport.WithPeripheral("EMG-1").WithConnectError(errors.New("le-connection-abort-by-local"))

	sess := s.newSession("EMG-", codec.EmgSens)
	ok, err := sess.Connect(s.ctx, time.Second)
	s.NoError(err)
	s.False(ok)
	s.True(device.IsTransport(sess.LastError()), "refusal MUST be a transport error")
	s.Equal(StateFailed, sess.State())
}

func (s *SessionTestSuite) TestConnectCancelled() {
	s.transport.WithPeripheral("EMG-1").WithConnectDelay(time.Second)
	ctx, cancel := context.WithCancel(s.ctx)
	time.AfterFunc(20*time.Millisecond, cancel)

	sess := s.newSession("EMG-", codec.EmgSens)
	ok, err := sess.Connect(ctx, 5*time.Second)
	s.False(ok)
	s.ErrorIs(err, device.ErrCancelled)
	s.Equal(StateDisconnected, sess.State())
}

func (s *SessionTestSuite) TestAcquisitionLifecycle() {
	// GOAL: Verify the full start → stream → stop → disconnect cycle
	//
	// TEST SCENARIO: ECG device streams 10 ramp payloads → 10 frames in order, stop acked, link released

	settings := codec.DefaultInRatSettings()
	payloads := testutils.Ramp(settings, 10, 100, 2)
	s.transport.WithPeripheral("ECG-1").WithVerifier(s.signer).WithPayloads(time.Millisecond, payloads...)
	sess := s.connected("ECG-", codec.InRat)

	s.Require().NoError(sess.ConfigureAndStart(s.ctx, settings))
	s.Equal(StateAcquiring, sess.State())
	link := s.transport.LastLink()
	s.True(link.Subscribed(codec.ControlPointUUID))
	s.True(link.Subscribed(codec.DataUUID))
	s.False(link.Subscribed(codec.EventUUID), "inrat devices have no event characteristic")

	frames, err := s.receiveAll(sess, 10, 2*time.Second)
	s.Require().NoError(err)
	s.Require().Len(frames, 10)
	for i, f := range frames {
		s.Equal(uint16(i), f.Counter, "frames MUST arrive in order")
		s.Equal(int32(100+2*codec.InRatSamples*i), f.Raw[0][0])
	}
	s.Equal(uint64(10), sess.Stats().Decoded)

	s.Require().NoError(sess.Stop(s.ctx))
	s.Equal(StateConnected, sess.State(), "Stop MUST leave the session connected")
	s.Equal([]codec.Opcode{codec.OpStart, codec.OpStop}, link.Opcodes())
	s.False(link.Subscribed(codec.DataUUID))

	s.Require().NoError(sess.Disconnect(s.ctx))
	s.Equal(StateDisconnected, sess.State())
	s.True(link.Released())
}

func (s *SessionTestSuite) TestStartRejected() {
	// GOAL: Verify a rejected start command is a protocol error that keeps the link
	//
	// TEST SCENARIO: device answers invalid-setting → ProtocolError, state Connected, subscriptions undone

	s.transport.WithPeripheral("EMG-1").WithStartStatus(codec.StatusInvalidSetting)
	sess := s.connected("EMG-", codec.EmgSens)

	err := sess.ConfigureAndStart(s.ctx, nil)
	s.Require().Error(err)
	s.True(device.IsProtocol(err))
	s.Equal(StateConnected, sess.State())
	link := s.transport.LastLink()
	s.False(link.Subscribed(codec.DataUUID), "data MUST be unsubscribed after a failed start")
	s.False(link.Subscribed(codec.EventUUID))
	s.Equal([]codec.Opcode{codec.OpStart}, link.Opcodes(), "a refused start MUST NOT be followed by stop")
}

func (s *SessionTestSuite) TestBadSignatureRejected() {
	other, err := signer.New(make(signer.Key, 16))
	s.Require().NoError(err)
	s.transport.WithPeripheral("ECG-1").WithVerifier(other)
	sess := s.connected("ECG-", codec.InRat)

	err = sess.ConfigureAndStart(s.ctx, nil)
	s.Require().Error(err)
	s.True(device.IsProtocol(err))
	s.Contains(err.Error(), "signature rejected")
}

func (s *SessionTestSuite) TestStartNotAcknowledged() {
	s.transport.WithPeripheral("ECG-1").WithoutAck()
	sess := s.connected("ECG-", codec.InRat)

	began := time.Now()
	err := sess.ConfigureAndStart(s.ctx, nil)
	s.Require().Error(err)
	s.True(device.IsProtocol(err))
	s.GreaterOrEqual(time.Since(began), s.opts.ResponseTimeout, "MUST wait for the response timeout")
	s.Equal(StateConnected, sess.State())
	s.Equal([]codec.Opcode{codec.OpStart, codec.OpStop}, s.transport.LastLink().Opcodes(),
		"an unacknowledged start MUST be followed by stop")
}

func (s *SessionTestSuite) TestConfigureCancelled() {
	// GOAL: Verify cancelling while the start is unanswered stops the device and keeps the link
	//
	// TEST SCENARIO: device never acks, ctx cancelled after 50ms → ErrCancelled, state Connected, stop written

	s.transport.WithPeripheral("ECG-1").WithoutAck()
	sess := s.connected("ECG-", codec.InRat)
	ctx, cancel := context.WithCancel(s.ctx)
	time.AfterFunc(50*time.Millisecond, cancel)

	err := sess.ConfigureAndStart(ctx, nil)
	s.Require().ErrorIs(err, device.ErrCancelled)
	s.Equal(StateConnected, sess.State(), "cancellation MUST NOT mark the session failed")
	s.ErrorIs(sess.LastError(), device.ErrCancelled)

	link := s.transport.LastLink()
	s.Equal([]codec.Opcode{codec.OpStart, codec.OpStop}, link.Opcodes(), "a written start MUST be followed by stop")
	s.False(link.Subscribed(codec.DataUUID))

	s.NoError(sess.Disconnect(s.ctx))
	s.Equal(StateDisconnected, sess.State())
	s.True(link.Released())
}

func (s *SessionTestSuite) TestSubscribeFailure() {
	s.transport.WithPeripheral("EMG-1").WithSubscribeError(codec.DataUUID, errors.New("att error 0x0e"))
	sess := s.connected("EMG-", codec.EmgSens)

	err := sess.ConfigureAndStart(s.ctx, nil)
	s.Require().Error(err)
	s.True(device.IsTransport(err))
	s.Equal(StateFailed, sess.State())
	s.Contains(s.transport.LastLink().Unsubscribed(), device.NormalizeUUID(codec.ControlPointUUID),
		"already subscribed characteristics MUST be unsubscribed")
}

func (s *SessionTestSuite) TestConfigureRequiresConnection() {
	sess := s.newSession("EMG-", codec.EmgSens)
	err := sess.ConfigureAndStart(s.ctx, nil)
	s.ErrorIs(err, device.ErrNotConnected)

	s.transport.WithPeripheral("EMG-1")
	sess = s.connected("EMG-", codec.EmgSens)
	err = sess.ConfigureAndStart(s.ctx, codec.DefaultInRatSettings())
	s.Error(err, "settings of another class MUST be rejected")
	s.Equal(StateConnected, sess.State())
}

func (s *SessionTestSuite) TestDecodeFailuresEscalate() {
	// GOAL: Verify isolated malformed payloads are dropped but a run of them aborts
	//
	// TEST SCENARIO: one good payload then 5 garbage payloads, threshold 2 → ProtocolError after the 3rd failure

	settings := codec.DefaultInRatSettings()
	good := testutils.Ramp(settings, 1, 0, 1)[0]
	garbage := []byte{0x01, 0x00, 0xff}
	s.transport.WithPeripheral("ECG-1").WithPayloads(time.Millisecond, good, garbage, garbage, garbage, garbage, garbage)
	sess := s.connected("ECG-", codec.InRat)
	s.Require().NoError(sess.ConfigureAndStart(s.ctx, settings))

	frames, err := s.receiveAll(sess, 100, 2*time.Second)
	s.Require().Error(err)
	s.True(device.IsProtocol(err))
	s.Len(frames, 1, "frames decoded before the failures MUST be returned")
	s.Equal(uint64(3), sess.Stats().DecodeErrors)
}

func (s *SessionTestSuite) TestCounterGapCounted() {
	// GOAL: Verify a payload missing from the counter sequence is counted and does not corrupt later frames
	//
	// TEST SCENARIO: ramp payloads 0,1,3,4 (2 lost) → 4 frames, Lost 1, frame 3 holds its own ramp values

	settings := codec.DefaultInRatSettings()
	p := testutils.Ramp(settings, 5, 100, 2)
	s.transport.WithPeripheral("ECG-1").WithPayloads(time.Millisecond, p[0], p[1], p[3], p[4])
	sess := s.connected("ECG-", codec.InRat)
	s.Require().NoError(sess.ConfigureAndStart(s.ctx, settings))

	frames, err := s.receiveAll(sess, 4, 2*time.Second)
	s.Require().NoError(err)
	s.Require().Len(frames, 4)
	counters := make([]uint16, len(frames))
	for i, f := range frames {
		counters[i] = f.Counter
	}
	s.Equal([]uint16{0, 1, 3, 4}, counters)
	s.Equal(int32(100+2*codec.InRatSamples*3), frames[2].Raw[0][0])
	s.Equal(uint64(1), sess.Stats().Lost, "the missing payload MUST be counted")
	s.Zero(sess.Stats().DecodeErrors)
}

func (s *SessionTestSuite) TestLinkLost() {
	settings := codec.DefaultInRatSettings()
	s.transport.WithPeripheral("ECG-1").WithPayloads(time.Millisecond, testutils.Ramp(settings, 3, 0, 1)...).WithDropAfterStream()
	sess := s.connected("ECG-", codec.InRat)
	s.Require().NoError(sess.ConfigureAndStart(s.ctx, settings))

	frames, err := s.receiveAll(sess, 100, 2*time.Second)
	s.Require().Error(err)
	s.True(device.IsTransport(err))
	s.ErrorIs(err, device.ErrNotConnected)
	s.Len(frames, 3)
	s.Equal(StateFailed, sess.State())

	s.NoError(sess.Disconnect(s.ctx))
	s.Equal(StateDisconnected, sess.State(), "Disconnect MUST always end Disconnected")
}

func (s *SessionTestSuite) TestEventsDelivered() {
	temp := []byte{byte(codec.EventTypeTemperature), 0x6c, 0x0e}
	s.transport.WithPeripheral("EMG-1").WithEvents(temp, []byte{0x7f})
	sess := s.connected("EMG-", codec.EmgSens)
	s.Require().NoError(sess.ConfigureAndStart(s.ctx, nil))

	select {
	case ev := <-sess.Events():
		s.Equal(codec.EventTypeTemperature, ev.Type)
		s.InDelta(36.92, ev.Temperature, 1e-9)
	case <-time.After(time.Second):
		s.Fail("event MUST be delivered")
	}
	s.True(testutils.Eventually(time.Second, func() bool { return sess.Stats().EventErrors == 1 }),
		"malformed events MUST be counted")
}

func (s *SessionTestSuite) TestReceiveTimeoutWithoutData() {
	s.transport.WithPeripheral("ECG-1")
	sess := s.connected("ECG-", codec.InRat)
	s.Require().NoError(sess.ConfigureAndStart(s.ctx, nil))

	frames, err := sess.Receive(s.ctx, 20*time.Millisecond)
	s.NoError(err)
	s.Empty(frames)

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err = sess.Receive(ctx, time.Second)
	s.ErrorIs(err, device.ErrCancelled)
}

func (s *SessionTestSuite) TestHandlerPanicIsContained() {
	s.transport.WithPeripheral("ECG-1")
	sess := s.connected("ECG-", codec.InRat)

	s.NotPanics(func() {
		sess.protect("data", func() { panic("decoder bug") })
	})
	s.Equal(uint64(1), sess.Stats().HandlerPanics)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestStateString(t *testing.T) {
	if StateAcquiring.String() != "acquiring" {
		t.Fatalf("unexpected name %q", StateAcquiring.String())
	}
}
