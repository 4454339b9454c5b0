// Package events republishes recording results and device events on NATS
// so that dashboards and downstream processors can follow the recorder.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/orchestrator"
	"github.com/srg/biorec/internal/record"
)

// Conn is the part of *nats.Conn used by Publisher.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Options configure the NATS connection.
type Options struct {
	URL               string
	Username          string
	Password          string
	MaxReconnects     int
	ReconnectInterval time.Duration
	// Prefix is the first subject token, "biorec" when empty.
	Prefix string
}

// Dial connects to NATS.
func Dial(opts Options, logger *logrus.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name("biorec"),
		nats.UserInfo(opts.Username, opts.Password),
		nats.ReconnectWait(opts.ReconnectInterval),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.WithField("error", err).Warn("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", opts.URL, err)
	}
	return nc, nil
}

// Publisher publishes results to <prefix>.result.<device> and device
// events to <prefix>.event.<device>.
type Publisher struct {
	conn   Conn
	prefix string
	logger *logrus.Logger
}

// NewPublisher returns a publisher on conn.
func NewPublisher(conn Conn, prefix string, logger *logrus.Logger) *Publisher {
	if prefix == "" {
		prefix = "biorec"
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// ResultSubject returns the subject results of deviceID are published on.
func (p *Publisher) ResultSubject(deviceID string) string {
	return p.prefix + ".result." + token(deviceID)
}

// EventSubject returns the subject events of deviceID are published on.
func (p *Publisher) EventSubject(deviceID string) string {
	return p.prefix + ".event." + token(deviceID)
}

// PublishResult publishes r as JSON.
func (p *Publisher) PublishResult(r record.Result) error {
	return p.publish(p.ResultSubject(r.DeviceID), r)
}

type eventMessage struct {
	TaskID      string    `json:"task_id"`
	DeviceID    string    `json:"device_id"`
	Time        time.Time `json:"time"`
	Type        string    `json:"type"`
	Temperature *float64  `json:"temperature,omitempty"`
	Orientation *uint8    `json:"orientation,omitempty"`
	Presses     *uint8    `json:"presses,omitempty"`
	Activity    *uint16   `json:"activity,omitempty"`
}

// PublishEvent publishes ev as JSON.
func (p *Publisher) PublishEvent(ev orchestrator.DeviceEvent) error {
	msg := eventMessage{
		TaskID:   ev.TaskID,
		DeviceID: ev.DeviceID,
		Time:     ev.Time,
		Type:     ev.Event.Type.String(),
	}
	e := ev.Event
	switch e.Type {
	case codec.EventTypeTemperature:
		msg.Temperature = &e.Temperature
	case codec.EventTypeOrientation:
		msg.Orientation = &e.Orientation
	case codec.EventTypeButton:
		msg.Presses = &e.Presses
	case codec.EventTypeActivity:
		msg.Activity = &e.Activity
	}
	return p.publish(p.EventSubject(ev.DeviceID), msg)
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.WithFields(logrus.Fields{"subject": subject, "error": err}).Warn("Failed to publish")
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

// token makes id usable as a single subject token.
func token(id string) string {
	return strings.NewReplacer(".", "_", ":", "", " ", "_", "*", "_", ">", "_").Replace(id)
}
