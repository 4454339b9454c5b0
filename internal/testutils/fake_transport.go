package testutils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
)

// Verifier checks command signatures the way sensor firmware does.
type Verifier interface {
	Verify(data, sig []byte) bool
}

// FakePeripheral scripts the behaviour of one simulated sensor.
type FakePeripheral struct {
	Name    string
	Address string
	RSSI    int

	// ConnectErr fails Connect. ConnectDelay delays it, honouring ctx and
	// the connect timeout.
	ConnectErr   error
	ConnectDelay time.Duration
	// SubscribeErr fails Subscribe for the given characteristic.
	SubscribeErr map[string]error
	// WriteErr fails every control point write.
	WriteErr error
	// StartStatus is the status returned for an accepted start command.
	StartStatus uint8
	// NoAck suppresses control point responses.
	NoAck bool
	// Verifier, when set, rejects commands whose signature does not verify.
	Verifier Verifier

	// Payloads are notified on the data characteristic after a start
	// command is acknowledged, one every StreamInterval. Events are
	// notified on the event characteristic before the first payload.
	Payloads       [][]byte
	Events         [][]byte
	StreamInterval time.Duration
	// DropAfterStream drops the link once every payload was notified.
	DropAfterStream bool
}

// PeripheralBuilder configures a FakePeripheral fluently.
type PeripheralBuilder struct {
	parent *FakeTransport
	p      *FakePeripheral
}

func (b *PeripheralBuilder) WithAddress(addr string) *PeripheralBuilder {
	b.p.Address = addr
	return b
}

func (b *PeripheralBuilder) WithConnectError(err error) *PeripheralBuilder {
	b.p.ConnectErr = err
	return b
}

func (b *PeripheralBuilder) WithConnectDelay(d time.Duration) *PeripheralBuilder {
	b.p.ConnectDelay = d
	return b
}

func (b *PeripheralBuilder) WithSubscribeError(uuid string, err error) *PeripheralBuilder {
	if b.p.SubscribeErr == nil {
		b.p.SubscribeErr = make(map[string]error)
	}
	b.p.SubscribeErr[device.NormalizeUUID(uuid)] = err
	return b
}

func (b *PeripheralBuilder) WithWriteError(err error) *PeripheralBuilder {
	b.p.WriteErr = err
	return b
}

func (b *PeripheralBuilder) WithStartStatus(status uint8) *PeripheralBuilder {
	b.p.StartStatus = status
	return b
}

func (b *PeripheralBuilder) WithoutAck() *PeripheralBuilder {
	b.p.NoAck = true
	return b
}

func (b *PeripheralBuilder) WithVerifier(v Verifier) *PeripheralBuilder {
	b.p.Verifier = v
	return b
}

func (b *PeripheralBuilder) WithPayloads(interval time.Duration, payloads ...[]byte) *PeripheralBuilder {
	b.p.StreamInterval = interval
	b.p.Payloads = append(b.p.Payloads, payloads...)
	return b
}

func (b *PeripheralBuilder) WithEvents(events ...[]byte) *PeripheralBuilder {
	b.p.Events = append(b.p.Events, events...)
	return b
}

func (b *PeripheralBuilder) WithDropAfterStream() *PeripheralBuilder {
	b.p.DropAfterStream = true
	return b
}

// Build returns the transport the peripheral was added to.
func (b *PeripheralBuilder) Build() *FakeTransport { return b.parent }

// FakeTransport is an in-memory device.Transport.
type FakeTransport struct {
	mu          sync.Mutex
	peripherals []*FakePeripheral
	links       []*FakeLink
	active      map[string]int
	maxActive   map[string]int
	connects    map[string]int
}

var _ device.Transport = (*FakeTransport)(nil)

// NewFakeTransport returns a transport without peripherals.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		active:    make(map[string]int),
		maxActive: make(map[string]int),
		connects:  make(map[string]int),
	}
}

// WithPeripheral adds a peripheral advertising name.
func (t *FakeTransport) WithPeripheral(name string) *PeripheralBuilder {
	p := &FakePeripheral{
		Name:           name,
		Address:        fmt.Sprintf("AA:BB:CC:00:00:%02X", len(t.peripherals)+1),
		RSSI:           -50,
		StreamInterval: time.Millisecond,
	}
	t.mu.Lock()
	t.peripherals = append(t.peripherals, p)
	t.mu.Unlock()
	return &PeripheralBuilder{parent: t, p: p}
}

func (t *FakeTransport) find(prefix string) *FakePeripheral {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peripherals {
		if strings.HasPrefix(p.Name, prefix) {
			return p
		}
	}
	return nil
}

func (t *FakeTransport) Scan(ctx context.Context, prefix string, fn func(device.Advertisement)) error {
	t.mu.Lock()
	ps := append([]*FakePeripheral(nil), t.peripherals...)
	t.mu.Unlock()
	for _, p := range ps {
		if strings.HasPrefix(p.Name, prefix) {
			fn(device.Advertisement{Name: p.Name, Address: p.Address, RSSI: p.RSSI})
		}
	}
	<-ctx.Done()
	return nil
}

type fakeHandle struct{ p *FakePeripheral }

func (h fakeHandle) Address() string { return h.p.Address }
func (h fakeHandle) Name() string    { return h.p.Name }

func (t *FakeTransport) Discover(ctx context.Context, prefix string, timeout time.Duration) (device.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := t.find(prefix)
	if p == nil {
		return nil, fmt.Errorf("%w: no advertisement with prefix %q", device.ErrNotFound, prefix)
	}
	return fakeHandle{p: p}, nil
}

func (t *FakeTransport) Connect(ctx context.Context, h device.Handle, timeout time.Duration) (device.Link, error) {
	fh, ok := h.(fakeHandle)
	if !ok {
		return nil, fmt.Errorf("foreign handle %T", h)
	}
	p := fh.p
	if p.ConnectDelay > 0 {
		timer := time.NewTimer(p.ConnectDelay)
		defer timer.Stop()
		deadline := time.NewTimer(timeout)
		defer deadline.Stop()
		select {
		case <-timer.C:
		case <-deadline.C:
			return nil, fmt.Errorf("%w: connecting to %s", device.ErrTimeout, p.Address)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	l := &FakeLink{
		transport: t,
		p:         p,
		subs:      make(map[string]func([]byte)),
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.links = append(t.links, l)
	t.connects[p.Address]++
	t.active[p.Address]++
	if t.active[p.Address] > t.maxActive[p.Address] {
		t.maxActive[p.Address] = t.active[p.Address]
	}
	t.mu.Unlock()
	return l, nil
}

func (t *FakeTransport) released(addr string) {
	t.mu.Lock()
	t.active[addr]--
	t.mu.Unlock()
}

// Links returns every link opened so far.
func (t *FakeTransport) Links() []*FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeLink(nil), t.links...)
}

// LastLink returns the most recently opened link, or nil.
func (t *FakeTransport) LastLink() *FakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.links) == 0 {
		return nil
	}
	return t.links[len(t.links)-1]
}

// ActiveConnections returns the number of open links to the peripheral
// with the given name prefix.
func (t *FakeTransport) ActiveConnections(prefix string) int {
	p := t.find(prefix)
	if p == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[p.Address]
}

// MaxConcurrentConnections returns the highest number of simultaneously
// open links observed for the peripheral with the given name prefix.
func (t *FakeTransport) MaxConcurrentConnections(prefix string) int {
	p := t.find(prefix)
	if p == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxActive[p.Address]
}

// Connects returns how many times the peripheral was connected.
func (t *FakeTransport) Connects(prefix string) int {
	p := t.find(prefix)
	if p == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects[p.Address]
}

// FakeLink is an in-memory device.Link bound to a FakePeripheral.
type FakeLink struct {
	transport *FakeTransport
	p         *FakePeripheral

	mu           sync.Mutex
	subs         map[string]func([]byte)
	writes       [][]byte
	unsubscribed []string
	streaming    bool
	stopStream   chan struct{}
	released     bool

	doneOnce sync.Once
	done     chan struct{}
}

var _ device.Link = (*FakeLink)(nil)

var errLinkClosed = errors.New("device not connected")

func (l *FakeLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *FakeLink) Write(uuid string, data []byte) error {
	if l.closed() {
		return errLinkClosed
	}
	if l.p.WriteErr != nil {
		return l.p.WriteErr
	}
	buf := append([]byte(nil), data...)
	l.mu.Lock()
	l.writes = append(l.writes, buf)
	l.mu.Unlock()

	if !device.SameUUID(uuid, codec.ControlPointUUID) || len(buf) < 1+codec.SignatureSize {
		return nil
	}
	op := codec.Opcode(buf[0])
	status := codec.StatusOK
	body, sig := buf[:len(buf)-codec.SignatureSize], buf[len(buf)-codec.SignatureSize:]
	switch {
	case l.p.Verifier != nil && !l.p.Verifier.Verify(body, sig):
		status = codec.StatusBadSignature
	case op == codec.OpStart:
		status = l.p.StartStatus
	}
	if op == codec.OpStart && status == codec.StatusOK {
		l.startStream()
	}
	if op == codec.OpStop {
		l.stop()
	}
	if !l.p.NoAck {
		go l.Notify(codec.ControlPointUUID, []byte{byte(codec.OpResponse), byte(op), status})
	}
	return nil
}

func (l *FakeLink) Subscribe(uuid string, fn func([]byte)) error {
	if l.closed() {
		return errLinkClosed
	}
	if err := l.p.SubscribeErr[device.NormalizeUUID(uuid)]; err != nil {
		return err
	}
	l.mu.Lock()
	l.subs[device.NormalizeUUID(uuid)] = fn
	l.mu.Unlock()
	return nil
}

func (l *FakeLink) Unsubscribe(uuid string) error {
	l.mu.Lock()
	delete(l.subs, device.NormalizeUUID(uuid))
	l.unsubscribed = append(l.unsubscribed, device.NormalizeUUID(uuid))
	l.mu.Unlock()
	if l.closed() {
		return errLinkClosed
	}
	return nil
}

func (l *FakeLink) Disconnect() error {
	l.stop()
	l.mu.Lock()
	wasReleased := l.released
	l.released = true
	l.mu.Unlock()
	if !wasReleased {
		l.transport.released(l.p.Address)
	}
	l.doneOnce.Do(func() { close(l.done) })
	return nil
}

func (l *FakeLink) Disconnected() <-chan struct{} { return l.done }

// Drop simulates the peripheral going out of range.
func (l *FakeLink) Drop() {
	l.stop()
	l.doneOnce.Do(func() { close(l.done) })
}

// Released reports whether Disconnect was called.
func (l *FakeLink) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Writes returns the payloads written so far.
func (l *FakeLink) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

// Opcodes returns the opcode of every control point command written.
func (l *FakeLink) Opcodes() []codec.Opcode {
	var ops []codec.Opcode
	for _, w := range l.Writes() {
		if len(w) > 0 {
			ops = append(ops, codec.Opcode(w[0]))
		}
	}
	return ops
}

// Subscribed reports whether a handler is registered for uuid.
func (l *FakeLink) Subscribed(uuid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subs[device.NormalizeUUID(uuid)]
	return ok
}

// Unsubscribed returns the characteristics unsubscribed so far.
func (l *FakeLink) Unsubscribed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.unsubscribed...)
}

// Notify delivers data to the handler subscribed to uuid, if any.
func (l *FakeLink) Notify(uuid string, data []byte) bool {
	l.mu.Lock()
	fn := l.subs[device.NormalizeUUID(uuid)]
	l.mu.Unlock()
	if fn == nil || l.closed() {
		return false
	}
	fn(data)
	return true
}

func (l *FakeLink) startStream() {
	l.mu.Lock()
	if l.streaming {
		l.mu.Unlock()
		return
	}
	l.streaming = true
	stop := make(chan struct{})
	l.stopStream = stop
	l.mu.Unlock()

	go func() {
		for _, ev := range l.p.Events {
			l.Notify(codec.EventUUID, ev)
		}
		for _, payload := range l.p.Payloads {
			select {
			case <-stop:
				return
			case <-l.done:
				return
			case <-time.After(l.p.StreamInterval):
			}
			l.Notify(codec.DataUUID, payload)
		}
		if l.p.DropAfterStream {
			l.Drop()
		}
	}()
}

func (l *FakeLink) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streaming {
		close(l.stopStream)
		l.streaming = false
	}
}
