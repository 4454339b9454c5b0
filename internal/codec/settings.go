package codec

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Settings is a device class specific acquisition settings struct. Its
// binary form is written verbatim between the opcode and the signature of a
// start command and must match the firmware byte for byte.
type Settings interface {
	// Class returns the device class the settings belong to.
	Class() Class
	// Size returns the encoded size in bytes.
	Size() int
	// Layout returns the enabled channels in wire order.
	Layout() []Channel
	// SampleRate returns the configured sample rate in Hz.
	SampleRate() float64
	// Validate checks that every code is in range.
	Validate() error

	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error

	scales() []float64
}

// Sample rate codes.
const (
	Rate250  uint8 = 0
	Rate500  uint8 = 1
	Rate1000 uint8 = 2
	Rate2000 uint8 = 3
)

var sampleRates = [...]float64{
	Rate250:  250,
	Rate500:  500,
	Rate1000: 1000,
	Rate2000: 2000,
}

// Gain codes for the bio-signal front end.
var bioGains = [...]float64{1, 2, 4, 6, 8, 12}

// Accelerometer full scale range codes, in g.
var accRanges = [...]float64{2, 4, 8, 16}

// Gyroscope full scale range codes, in deg/s.
var gyroRanges = [...]float64{125, 250, 500, 1000, 2000}

// Resolution constants.
const (
	// BioResolution is volts per LSB of the bio-signal ADC at unity gain.
	BioResolution = 2.4 / 32768
	// inertialFullScale is the LSB count of the accelerometer and gyroscope
	// full scale range.
	inertialFullScale = 32768
)

// Channel enable bits of EmgSensSettings.Channels.
const (
	EnableBio  uint8 = 1 << 0
	EnableAcc  uint8 = 1 << 1
	EnableGyro uint8 = 1 << 2
)

// Event enable bits shared by both classes.
const (
	EventTemperature uint8 = 1 << 0
	EventOrientation uint8 = 1 << 1
	EventFreeFall    uint8 = 1 << 2
	EventButton      uint8 = 1 << 3
	EventActivity    uint8 = 1 << 4
)

// EmgSensSettings is the 8 byte settings struct of EmgSens sensors:
//
//	| rate | channels | bio gain | acc range | gyro range | events | threshold (u16 LE) |
type EmgSensSettings struct {
	Rate              uint8
	Channels          uint8
	BioGain           uint8
	AccRange          uint8
	GyroRange         uint8
	Events            uint8
	ActivityThreshold uint16
}

const emgSensSettingsSize = 8

// DefaultEmgSensSettings returns bio-signal only acquisition at 1 kHz.
func DefaultEmgSensSettings() *EmgSensSettings {
	return &EmgSensSettings{
		Rate:     Rate1000,
		Channels: EnableBio,
	}
}

func (s *EmgSensSettings) Class() Class { return EmgSens }
func (s *EmgSensSettings) Size() int    { return emgSensSettingsSize }

func (s *EmgSensSettings) SampleRate() float64 {
	if int(s.Rate) >= len(sampleRates) {
		return 0
	}
	return sampleRates[s.Rate]
}

func (s *EmgSensSettings) Layout() []Channel {
	var l []Channel
	if s.Channels&EnableBio != 0 {
		l = append(l, ChannelBio)
	}
	if s.Channels&EnableAcc != 0 {
		l = append(l, ChannelAccX, ChannelAccY, ChannelAccZ)
	}
	if s.Channels&EnableGyro != 0 {
		l = append(l, ChannelGyroX, ChannelGyroY, ChannelGyroZ)
	}
	return l
}

func (s *EmgSensSettings) Validate() error {
	switch {
	case int(s.Rate) >= len(sampleRates):
		return fmt.Errorf("invalid sample rate code: %d", s.Rate)
	case s.Channels == 0 || s.Channels&^(EnableBio|EnableAcc|EnableGyro) != 0:
		return fmt.Errorf("invalid channel mask: %#x", s.Channels)
	case int(s.BioGain) >= len(bioGains):
		return fmt.Errorf("invalid bio gain code: %d", s.BioGain)
	case int(s.AccRange) >= len(accRanges):
		return fmt.Errorf("invalid acc range code: %d", s.AccRange)
	case int(s.GyroRange) >= len(gyroRanges):
		return fmt.Errorf("invalid gyro range code: %d", s.GyroRange)
	case s.Events&^(EventTemperature|EventOrientation|EventFreeFall|EventButton|EventActivity) != 0:
		return fmt.Errorf("invalid event mask: %#x", s.Events)
	}
	return nil
}

func (s *EmgSensSettings) MarshalBinary() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	dst := make([]byte, emgSensSettingsSize)
	dst[0] = s.Rate
	dst[1] = s.Channels
	dst[2] = s.BioGain
	dst[3] = s.AccRange
	dst[4] = s.GyroRange
	dst[5] = s.Events
	binary.LittleEndian.PutUint16(dst[6:], s.ActivityThreshold)
	return dst, nil
}

func (s *EmgSensSettings) UnmarshalBinary(data []byte) error {
	if len(data) < emgSensSettingsSize {
		return io.ErrUnexpectedEOF
	}
	*s = EmgSensSettings{
		Rate:              data[0],
		Channels:          data[1],
		BioGain:           data[2],
		AccRange:          data[3],
		GyroRange:         data[4],
		Events:            data[5],
		ActivityThreshold: binary.LittleEndian.Uint16(data[6:]),
	}
	return s.Validate()
}

func (s *EmgSensSettings) scales() []float64 {
	layout := s.Layout()
	f := make([]float64, len(layout))
	for i, c := range layout {
		switch {
		case c == ChannelBio:
			f[i] = BioResolution / bioGains[s.BioGain]
		case c <= ChannelAccZ:
			f[i] = accRanges[s.AccRange] / inertialFullScale
		default:
			f[i] = gyroRanges[s.GyroRange] / inertialFullScale
		}
	}
	return f
}

// InRatSettings is the 6 byte settings struct of InRat sensors:
//
//	| rate | gain | events | reserved | threshold (u16 LE) |
type InRatSettings struct {
	Rate              uint8
	Gain              uint8
	Events            uint8
	ActivityThreshold uint16
}

const inRatSettingsSize = 6

// DefaultInRatSettings returns ECG acquisition at 500 Hz.
func DefaultInRatSettings() *InRatSettings {
	return &InRatSettings{Rate: Rate500}
}

func (s *InRatSettings) Class() Class      { return InRat }
func (s *InRatSettings) Size() int         { return inRatSettingsSize }
func (s *InRatSettings) Layout() []Channel { return []Channel{ChannelBio} }

func (s *InRatSettings) SampleRate() float64 {
	if int(s.Rate) >= len(sampleRates) {
		return 0
	}
	return sampleRates[s.Rate]
}

func (s *InRatSettings) Validate() error {
	switch {
	case int(s.Rate) >= len(sampleRates):
		return fmt.Errorf("invalid sample rate code: %d", s.Rate)
	case int(s.Gain) >= len(bioGains):
		return fmt.Errorf("invalid gain code: %d", s.Gain)
	case s.Events&^(EventTemperature|EventActivity) != 0:
		return fmt.Errorf("invalid event mask: %#x", s.Events)
	}
	return nil
}

func (s *InRatSettings) MarshalBinary() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	dst := make([]byte, inRatSettingsSize)
	dst[0] = s.Rate
	dst[1] = s.Gain
	dst[2] = s.Events
	binary.LittleEndian.PutUint16(dst[4:], s.ActivityThreshold)
	return dst, nil
}

func (s *InRatSettings) UnmarshalBinary(data []byte) error {
	if len(data) < inRatSettingsSize {
		return io.ErrUnexpectedEOF
	}
	*s = InRatSettings{
		Rate:              data[0],
		Gain:              data[1],
		Events:            data[2],
		ActivityThreshold: binary.LittleEndian.Uint16(data[4:]),
	}
	return s.Validate()
}

func (s *InRatSettings) scales() []float64 {
	return []float64{BioResolution / bioGains[s.Gain]}
}
