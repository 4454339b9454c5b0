// Package codec implements the wire formats spoken by the EmgSens and InRat
// biosignal sensors: delta coded notification payloads, per class settings
// structs and signed control point commands.
package codec

import (
	"fmt"
	"strings"
)

// Service and characteristic identifiers shared by both device classes.
const (
	ServiceUUID      = "4f6b0001-8c3a-4e1d-9f52-6a1e0c7d2b90"
	ControlPointUUID = "4f6b0002-8c3a-4e1d-9f52-6a1e0c7d2b90"
	DataUUID         = "4f6b0003-8c3a-4e1d-9f52-6a1e0c7d2b90"
	EventUUID        = "4f6b0004-8c3a-4e1d-9f52-6a1e0c7d2b90"
)

// Class is the device class of a sensor. It selects the protocol variant,
// the settings struct and the channel layout.
type Class uint8

const (
	// EmgSens is the multi-channel sensor (bio-signal, accelerometer, gyroscope)
	// using per-slot sub-block masks.
	EmgSens Class = iota + 1
	// InRat is the ECG-only sensor using a single 32-bit mask per payload.
	InRat
)

// Samples per notification for each class.
const (
	EmgSensSlots = 8
	InRatSamples = 32
)

func (c Class) String() string {
	switch c {
	case EmgSens:
		return "emgsens"
	case InRat:
		return "inrat"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// ParseClass parses a class name as produced by Class.String.
func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "emgsens", "emg":
		return EmgSens, nil
	case "inrat", "ecg":
		return InRat, nil
	default:
		return 0, fmt.Errorf("unknown device class %q: use emgsens or inrat", s)
	}
}

// Valid reports whether c is a known class.
func (c Class) Valid() bool { return c == EmgSens || c == InRat }

// SamplesPerNotification returns the fixed number of samples each channel
// carries in one notification.
func (c Class) SamplesPerNotification() int {
	switch c {
	case EmgSens:
		return EmgSensSlots
	case InRat:
		return InRatSamples
	default:
		return 0
	}
}

// HasEvents reports whether the class exposes the event characteristic.
func (c Class) HasEvents() bool { return c == EmgSens }

// DefaultSettings returns the factory settings for the class.
func (c Class) DefaultSettings() Settings {
	switch c {
	case EmgSens:
		return DefaultEmgSensSettings()
	case InRat:
		return DefaultInRatSettings()
	default:
		return nil
	}
}

// Channel identifies a logical sample channel.
type Channel uint8

const (
	ChannelBio Channel = iota
	ChannelAccX
	ChannelAccY
	ChannelAccZ
	ChannelGyroX
	ChannelGyroY
	ChannelGyroZ

	numChannels
)

var channelNames = [numChannels]string{
	ChannelBio:   "bio",
	ChannelAccX:  "acc_x",
	ChannelAccY:  "acc_y",
	ChannelAccZ:  "acc_z",
	ChannelGyroX: "gyro_x",
	ChannelGyroY: "gyro_y",
	ChannelGyroZ: "gyro_z",
}

func (c Channel) String() string {
	if c < numChannels {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// Unit returns the physical unit of samples on the channel.
func (c Channel) Unit() string {
	switch {
	case c == ChannelBio:
		return "V"
	case c >= ChannelAccX && c <= ChannelAccZ:
		return "g"
	case c >= ChannelGyroX && c <= ChannelGyroZ:
		return "deg/s"
	default:
		return ""
	}
}

func (c Class) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid device class: %d", uint8(c))
	}
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(text []byte) error {
	v, err := ParseClass(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
