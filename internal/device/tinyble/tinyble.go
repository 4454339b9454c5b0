// Package tinyble implements device.Transport with tinygo.org/x/bluetooth,
// which talks to BlueZ over D-Bus on Linux and to CoreBluetooth or WinRT
// elsewhere.
package tinyble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// Transport is a device.Transport backed by a tinygo bluetooth adapter.
// The adapter scans one caller at a time.
type Transport struct {
	adapter *bluetooth.Adapter
	logger  *logrus.Logger

	enableOnce sync.Once
	enableErr  error

	scanMu sync.Mutex

	mu    sync.Mutex
	links map[string]*link
}

// NewTransport returns a transport on the platform default adapter.
func NewTransport(logger *logrus.Logger) *Transport {
	return NewTransportWithAdapter(bluetooth.DefaultAdapter, logger)
}

// NewTransportWithAdapter returns a transport on adapter.
func NewTransportWithAdapter(adapter *bluetooth.Adapter, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{adapter: adapter, logger: logger, links: make(map[string]*link)}
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = &device.TransportError{Op: "enable adapter", Err: device.NormalizeError(err)}
			return
		}
		t.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			addr := d.Address.String()
			t.mu.Lock()
			l := t.links[addr]
			delete(t.links, addr)
			t.mu.Unlock()
			if l != nil {
				t.logger.WithField("address", addr).Warn("Peripheral reported disconnection")
				l.markDone()
			}
		})
	})
	return t.enableErr
}

type handle struct {
	addr bluetooth.Address
	name string
}

func (h *handle) Address() string { return h.addr.String() }
func (h *handle) Name() string    { return h.name }

// scan runs adapter.Scan until ctx is done or fn returns false.
func (t *Transport) scan(ctx context.Context, fn func(bluetooth.ScanResult) bool) error {
	if err := t.enable(); err != nil {
		return err
	}
	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	stopped := make(chan struct{})
	defer close(stopped)
	groutine.Go(ctx, "tinyble-scan-watch", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			if err := t.adapter.StopScan(); err != nil {
				t.logger.WithField("error", err).Debug("StopScan after cancellation failed")
			}
		case <-stopped:
		}
	})

	err := t.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !fn(r) {
			if err := a.StopScan(); err != nil {
				t.logger.WithField("error", err).Debug("StopScan failed")
			}
		}
	})
	if err != nil {
		return &device.TransportError{Op: "scan", Err: device.NormalizeError(err)}
	}
	return nil
}

// Scan reports advertisements whose local name starts with prefix until ctx is done.
func (t *Transport) Scan(ctx context.Context, prefix string, fn func(device.Advertisement)) error {
	return t.scan(ctx, func(r bluetooth.ScanResult) bool {
		name := r.LocalName()
		if name != "" && strings.HasPrefix(name, prefix) {
			fn(device.Advertisement{Name: name, Address: r.Address.String(), RSSI: int(r.RSSI)})
		}
		return true
	})
}

// Discover scans for the first peripheral advertising a name with prefix.
func (t *Transport) Discover(ctx context.Context, prefix string, timeout time.Duration) (device.Handle, error) {
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var found *handle
	err := t.scan(scanCtx, func(r bluetooth.ScanResult) bool {
		if !strings.HasPrefix(r.LocalName(), prefix) {
			return true
		}
		found = &handle{addr: r.Address, name: r.LocalName()}
		return false
	})
	if found != nil {
		t.logger.WithFields(logrus.Fields{
			"name":    found.name,
			"address": found.Address(),
		}).Info("Discovered device")
		return found, nil
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("%w: no advertisement with prefix %q", device.ErrNotFound, prefix)
}

type connectResult struct {
	dev bluetooth.Device
	err error
}

// Connect dials the peripheral and resolves its sensor characteristics.
func (t *Transport) Connect(ctx context.Context, h device.Handle, timeout time.Duration) (device.Link, error) {
	if err := t.enable(); err != nil {
		return nil, err
	}
	hh, ok := h.(*handle)
	if !ok {
		return nil, &device.TransportError{Op: "connect", Err: fmt.Errorf("handle %T not issued by this transport", h)}
	}

	// adapter.Connect has no context; run it aside and abandon it on timeout.
	resCh := make(chan connectResult, 1)
	groutine.Go(ctx, "tinyble-connect", func(context.Context) {
		d, err := t.adapter.Connect(hh.addr, bluetooth.ConnectionParams{})
		resCh <- connectResult{dev: d, err: err}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res connectResult
	select {
	case res = <-resCh:
	case <-timer.C:
		t.abandon(resCh)
		return nil, fmt.Errorf("%w: connecting to %s", device.ErrTimeout, hh.Address())
	case <-ctx.Done():
		t.abandon(resCh)
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, &device.TransportError{Op: "connect", Err: device.NormalizeError(res.err)}
	}

	l, err := newLink(res.dev, t.logger)
	if err != nil {
		if derr := res.dev.Disconnect(); derr != nil {
			t.logger.WithField("disconnect_error", derr).Warn("Failed to disconnect after discovery failure")
		}
		return nil, err
	}

	t.mu.Lock()
	t.links[hh.Address()] = l
	t.mu.Unlock()

	t.logger.WithField("address", hh.Address()).Info("BLE device connected")
	return l, nil
}

// abandon disconnects a connection attempt that completes after its caller gave up.
func (t *Transport) abandon(resCh <-chan connectResult) {
	groutine.Go(context.Background(), "tinyble-connect-abandon", func(context.Context) {
		res := <-resCh
		if res.err == nil {
			_ = res.dev.Disconnect()
		}
	})
}

type link struct {
	dev    bluetooth.Device
	chars  map[string]bluetooth.DeviceCharacteristic
	logger *logrus.Logger

	writeMu  sync.Mutex
	doneOnce sync.Once
	done     chan struct{}
}

func newLink(dev bluetooth.Device, logger *logrus.Logger) (*link, error) {
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, &device.TransportError{Op: "discover services", Err: device.NormalizeError(err)}
	}
	l := &link{
		dev:    dev,
		chars:  make(map[string]bluetooth.DeviceCharacteristic),
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, svc := range services {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, &device.TransportError{
				Op:  "discover characteristics",
				Err: fmt.Errorf("service %s: %w", svc.UUID(), err),
			}
		}
		for _, c := range chars {
			l.chars[device.NormalizeUUID(c.UUID().String())] = c
		}
	}
	return l, nil
}

func (l *link) markDone() { l.doneOnce.Do(func() { close(l.done) }) }

func (l *link) characteristic(uuid string) (bluetooth.DeviceCharacteristic, error) {
	c, ok := l.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %q not found", uuid)
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
	if _, err := c.WriteWithoutResponse(data); err != nil {
		return &device.TransportError{Op: "write", Err: device.NormalizeError(err)}
	}
	return nil
}

func (l *link) Subscribe(uuid string, fn func([]byte)) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return &device.TransportError{Op: "subscribe", Err: err}
	}
	if err := c.EnableNotifications(fn); err != nil {
		return &device.TransportError{Op: "subscribe", Err: device.NormalizeError(err)}
	}
	return nil
}

func (l *link) Unsubscribe(uuid string) error {
	c, err := l.characteristic(uuid)
	if err != nil {
		return &device.TransportError{Op: "unsubscribe", Err: err}
	}
	if err := c.EnableNotifications(nil); err != nil {
		return &device.TransportError{Op: "unsubscribe", Err: device.NormalizeError(err)}
	}
	return nil
}

func (l *link) Disconnect() error {
	defer l.markDone()
	if err := l.dev.Disconnect(); err != nil && !errors.Is(err, device.ErrNotConnected) {
		return &device.TransportError{Op: "disconnect", Err: device.NormalizeError(err)}
	}
	return nil
}

func (l *link) Disconnected() <-chan struct{} { return l.done }
