package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/groutine"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests).
// The per-platform default lives in factory_*.go.
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = defaultDeviceFactory

// Transport implements device.Transport on top of go-ble.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport returns a go-ble backed transport. The underlying HCI or
// CoreBluetooth device is created on first use.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		t.logger.WithField("error", err).Error("Failed to create BLE device")
		return nil, &device.TransportError{Op: "init", Err: normalizeError(err)}
	}
	t.dev = dev
	return dev, nil
}

type handle struct {
	addr ble.Addr
	name string
}

func (h *handle) Address() string { return h.addr.String() }
func (h *handle) Name() string    { return h.name }

// Scan reports advertisements whose local name starts with prefix until ctx is done.
func (t *Transport) Scan(ctx context.Context, prefix string, fn func(device.Advertisement)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}
	err = dev.Scan(ctx, false, func(adv ble.Advertisement) {
		name := adv.LocalName()
		if name == "" || !strings.HasPrefix(name, prefix) {
			return
		}
		fn(device.Advertisement{Name: name, Address: adv.Addr().String(), RSSI: adv.RSSI()})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return &device.TransportError{Op: "scan", Err: normalizeError(err)}
	}
	return nil
}

// Discover scans for the first peripheral advertising a name with prefix.
func (t *Transport) Discover(ctx context.Context, prefix string, timeout time.Duration) (device.Handle, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		once  sync.Once
		found *handle
	)
	t.logger.WithFields(logrus.Fields{
		"prefix":  prefix,
		"timeout": timeout,
	}).Debug("Scanning for device...")
	err = dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		if !strings.HasPrefix(adv.LocalName(), prefix) {
			return
		}
		once.Do(func() {
			found = &handle{addr: adv.Addr(), name: adv.LocalName()}
			cancel()
		})
	})
	if found != nil {
		t.logger.WithFields(logrus.Fields{
			"name":    found.name,
			"address": found.Address(),
		}).Info("Discovered device")
		return found, nil
	}
	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err == nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return nil, fmt.Errorf("%w: no advertisement with prefix %q", device.ErrNotFound, prefix)
	default:
		return nil, &device.TransportError{Op: "scan", Err: normalizeError(err)}
	}
}

// Connect dials the peripheral and discovers its GATT profile.
func (t *Transport) Connect(ctx context.Context, h device.Handle, timeout time.Duration) (device.Link, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	address := h.Address()
	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": timeout,
	}).Info("Connecting to BLE device...")

	client, err := dev.Dial(connCtx, ble.NewAddr(address))
	if err != nil {
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: connecting to %s", device.ErrTimeout, address)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to dial BLE device")
		return nil, &device.TransportError{Op: "connect", Err: normalizeError(err)}
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Error("Failed to discover profile")
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, &device.TransportError{Op: "discover profile", Err: normalizeError(err)}
	}

	l := &link{
		client: client,
		chars:  make(map[string]*ble.Characteristic),
		done:   make(chan struct{}),
		logger: t.logger,
	}
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			l.chars[device.NormalizeUUID(c.UUID.String())] = c
		}
	}

	// Watch the backend's disconnect notification when it offers one.
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		groutine.Go(context.Background(), "ble-connection-monitor", func(context.Context) {
			select {
			case <-dc.Disconnected():
				t.logger.WithField("address", address).Warn("Peripheral reported disconnection")
				l.markDone()
			case <-l.done:
			}
		})
	}

	t.logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(l.chars),
	}).Info("BLE device connected")
	return l, nil
}

// link is a live go-ble client connection.
type link struct {
	client ble.Client
	chars  map[string]*ble.Characteristic
	logger *logrus.Logger

	writeMu  sync.Mutex
	doneOnce sync.Once
	done     chan struct{}
}

func (l *link) markDone() { l.doneOnce.Do(func() { close(l.done) }) }

func (l *link) characteristic(uuid string) (*ble.Characteristic, error) {
	c, ok := l.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, fmt.Errorf("characteristic %q not found", uuid)
	}
	return c, nil
}

func (l *link) Write(uuid string, data []byte) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return &device.TransportError{Op: "write", Err: err}
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := l.client.WriteCharacteristic(c, data, false); err != nil {
		return &device.TransportError{Op: "write", Err: normalizeError(err)}
	}
	return nil
}

func (l *link) Subscribe(uuid string, fn func([]byte)) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return &device.TransportError{Op: "subscribe", Err: err}
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	if err := l.client.Subscribe(c, indicate, func(data []byte) { fn(data) }); err != nil {
		return &device.TransportError{Op: "subscribe", Err: normalizeError(err)}
	}
	l.logger.WithField("char_uuid", uuid).Debug("Subscribed to characteristic notifications")
	return nil
}

func (l *link) Unsubscribe(uuid string) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return &device.TransportError{Op: "unsubscribe", Err: err}
	}
	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	if err := l.client.Unsubscribe(c, indicate); err != nil {
		return &device.TransportError{Op: "unsubscribe", Err: normalizeError(err)}
	}
	return nil
}

func (l *link) Disconnect() error {
	defer l.markDone()
	if err := l.client.CancelConnection(); err != nil {
		return &device.TransportError{Op: "disconnect", Err: normalizeError(err)}
	}
	return nil
}

func (l *link) Disconnected() <-chan struct{} { return l.done }
