// Package scanner lists the sensors advertising nearby.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/ringchan"
)

// ProgressCallback is called when the scan phase changes
type ProgressCallback func(phase string)

// SightingEventType marks if the device was newly discovered or updated
type SightingEventType int

const (
	EventNew SightingEventType = iota
	EventUpdated
)

// Sighting aggregates the advertisements of one peripheral.
type Sighting struct {
	device.Advertisement
	FirstSeen time.Time
	LastSeen  time.Time
	Count     int
}

type SightingEvent struct {
	Type     SightingEventType
	Sighting Sighting
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration time.Duration
	// Prefix restricts the scan to local names starting with it.
	Prefix    string
	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration: 10 * time.Second,
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	transport device.Transport
	devices   *hashmap.Map[string, *Sighting]
	events    *ringchan.RingChannel[SightingEvent]
	logger    *logrus.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewScanner creates a scanner on transport.
func NewScanner(transport device.Transport, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		transport: transport,
		events:    ringchan.New[SightingEvent](100),
		logger:    logger,
		Now:       time.Now,
	}
}

// Scan performs discovery with opts and returns the sightings ordered by
// signal strength, strongest first.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) ([]Sighting, error) {
	s.devices = hashmap.New[string, *Sighting]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	s.logger.WithFields(logrus.Fields{"duration": opts.Duration, "prefix": opts.Prefix}).Info("Starting BLE scan...")
	progressCallback("Scanning")

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err := s.transport.Scan(scanCtx, opts.Prefix, func(adv device.Advertisement) {
		s.handleAdvertisement(adv, opts)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("BLE scan completed")
	progressCallback("Processing results")

	return s.snapshot(), nil
}

// handleAdvertisement updates an existing or adds a new sighting. It runs
// on the backend's callback goroutine only.
func (s *Scanner) handleAdvertisement(adv device.Advertisement, opts *ScanOptions) {
	now := s.Now()
	key := strings.ToUpper(adv.Address)

	sighting, existing := s.devices.Get(key)
	if !existing {
		if !shouldInclude(adv, opts) {
			return
		}
		sighting = &Sighting{Advertisement: adv, FirstSeen: now}
		s.devices.Set(key, sighting)
	}

	if adv.Name != "" {
		sighting.Name = adv.Name
	}
	sighting.RSSI = adv.RSSI
	sighting.LastSeen = now
	sighting.Count++

	event := SightingEvent{Type: EventUpdated, Sighting: *sighting}
	if !existing {
		event.Type = EventNew
		s.logger.WithFields(logrus.Fields{
			"device":  sighting.Name,
			"address": sighting.Address,
			"rssi":    sighting.RSSI,
		}).Info("Discovered new device")
	}
	s.events.Send(event)
}

// shouldInclude applies the allow and block lists
func shouldInclude(adv device.Advertisement, opts *ScanOptions) bool {
	for _, blocked := range opts.BlockList {
		if strings.EqualFold(adv.Address, blocked) {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		for _, a := range opts.AllowList {
			if strings.EqualFold(adv.Address, a) {
				return true
			}
		}
		return false
	}

	return true
}

func (s *Scanner) snapshot() []Sighting {
	out := make([]Sighting, 0, s.devices.Len())
	s.devices.Range(func(_ string, v *Sighting) bool {
		out = append(out, *v)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// Events return a read-only channel of sighting events
func (s *Scanner) Events() <-chan SightingEvent {
	return s.events.C()
}
