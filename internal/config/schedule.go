package config

import (
	"fmt"
	"time"

	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/record"
	"github.com/srg/biorec/internal/schedule"
)

// ScheduleConfig is one recurring recording.
type ScheduleConfig struct {
	ID           string        `yaml:"id"`
	ExperimentID string        `yaml:"experiment_id"`
	SubjectID    string        `yaml:"subject_id"`
	Device       DeviceConfig  `yaml:"device"`
	Duration     time.Duration `yaml:"duration"`
	Interval     time.Duration `yaml:"interval"`
	Start        time.Time     `yaml:"start"`
	End          time.Time     `yaml:"end"`
	Format       string        `yaml:"format" default:"csv"`
	// Settings are the acquisition settings; omitted selects the class defaults.
	Settings *SettingsConfig `yaml:"settings"`
}

// DeviceConfig identifies a sensor.
type DeviceConfig struct {
	ID         string `yaml:"id"`
	NamePrefix string `yaml:"name_prefix"`
	Class      string `yaml:"class"`
}

// Identity validates the device and returns its identity.
func (d DeviceConfig) Identity() (device.Identity, error) {
	class, err := codec.ParseClass(d.Class)
	if err != nil {
		return device.Identity{}, err
	}
	return device.NewIdentity(d.ID, d.NamePrefix, class)
}

// SettingsConfig is the human readable form of the acquisition settings.
// Fields that do not apply to the device class are ignored.
type SettingsConfig struct {
	// RateHz is the sample rate: 250, 500, 1000 or 2000.
	RateHz float64 `yaml:"rate_hz"`
	// Channels lists the EmgSens channel groups: bio, acc, gyro.
	Channels []string `yaml:"channels"`
	// Gain is the bio-signal front end gain: 1, 2, 4, 6, 8 or 12.
	Gain float64 `yaml:"gain"`
	// AccRangeG is the accelerometer range: 2, 4, 8 or 16.
	AccRangeG float64 `yaml:"acc_range_g"`
	// GyroRangeDPS is the gyroscope range: 125, 250, 500, 1000 or 2000.
	GyroRangeDPS float64 `yaml:"gyro_range_dps"`
	// Events lists enabled events: temperature, orientation, free_fall, button, activity.
	Events            []string `yaml:"events"`
	ActivityThreshold uint16   `yaml:"activity_threshold"`
}

var (
	rateCodes     = map[float64]uint8{250: codec.Rate250, 500: codec.Rate500, 1000: codec.Rate1000, 2000: codec.Rate2000}
	gainCodes     = map[float64]uint8{1: 0, 2: 1, 4: 2, 6: 3, 8: 4, 12: 5}
	accRangeCodes = map[float64]uint8{2: 0, 4: 1, 8: 2, 16: 3}
	gyroCodes     = map[float64]uint8{125: 0, 250: 1, 500: 2, 1000: 3, 2000: 4}
	channelBits   = map[string]uint8{"bio": codec.EnableBio, "acc": codec.EnableAcc, "gyro": codec.EnableGyro}
	eventBits     = map[string]uint8{
		"temperature": codec.EventTemperature,
		"orientation": codec.EventOrientation,
		"free_fall":   codec.EventFreeFall,
		"button":      codec.EventButton,
		"activity":    codec.EventActivity,
	}
)

// code looks v up in codes; zero selects def.
func code(name string, codes map[float64]uint8, v float64, def uint8) (uint8, error) {
	if v == 0 {
		return def, nil
	}
	c, ok := codes[v]
	if !ok {
		return 0, fmt.Errorf("unsupported %s: %v", name, v)
	}
	return c, nil
}

func mask(name string, bits map[string]uint8, names []string) (uint8, error) {
	var m uint8
	for _, n := range names {
		b, ok := bits[normalizeName(n)]
		if !ok {
			return 0, fmt.Errorf("unknown %s %q", name, n)
		}
		m |= b
	}
	return m, nil
}

// Settings converts sc into the settings struct of class.
func (sc *SettingsConfig) Settings(class codec.Class) (codec.Settings, error) {
	if sc == nil {
		return class.DefaultSettings(), nil
	}
	events, err := mask("event", eventBits, sc.Events)
	if err != nil {
		return nil, err
	}

	switch class {
	case codec.EmgSens:
		def := codec.DefaultEmgSensSettings()
		s := &codec.EmgSensSettings{Events: events, ActivityThreshold: sc.ActivityThreshold}
		if s.Rate, err = code("sample rate", rateCodes, sc.RateHz, def.Rate); err != nil {
			return nil, err
		}
		if s.BioGain, err = code("gain", gainCodes, sc.Gain, def.BioGain); err != nil {
			return nil, err
		}
		if s.AccRange, err = code("acc range", accRangeCodes, sc.AccRangeG, def.AccRange); err != nil {
			return nil, err
		}
		if s.GyroRange, err = code("gyro range", gyroCodes, sc.GyroRangeDPS, def.GyroRange); err != nil {
			return nil, err
		}
		s.Channels = def.Channels
		if len(sc.Channels) > 0 {
			if s.Channels, err = mask("channel", channelBits, sc.Channels); err != nil {
				return nil, err
			}
		}
		return s, s.Validate()
	case codec.InRat:
		def := codec.DefaultInRatSettings()
		s := &codec.InRatSettings{Events: events, ActivityThreshold: sc.ActivityThreshold}
		if s.Rate, err = code("sample rate", rateCodes, sc.RateHz, def.Rate); err != nil {
			return nil, err
		}
		if s.Gain, err = code("gain", gainCodes, sc.Gain, def.Gain); err != nil {
			return nil, err
		}
		return s, s.Validate()
	default:
		return nil, fmt.Errorf("invalid device class %v", class)
	}
}

// Definition converts the configuration into a schedule definition.
func (s ScheduleConfig) Definition() (schedule.Definition, error) {
	dev, err := s.Device.Identity()
	if err != nil {
		return schedule.Definition{}, fmt.Errorf("schedule %q: %w", s.ID, err)
	}
	settings, err := s.Settings.Settings(dev.Class)
	if err != nil {
		return schedule.Definition{}, fmt.Errorf("schedule %q: settings: %w", s.ID, err)
	}
	format := record.Format(normalizeName(s.Format))
	switch format {
	case "", record.FormatCSV, record.FormatEDF, record.FormatWFDB:
	default:
		return schedule.Definition{}, fmt.Errorf("schedule %q: unknown format %q", s.ID, s.Format)
	}
	d := schedule.Definition{
		ID:           s.ID,
		ExperimentID: s.ExperimentID,
		SubjectID:    s.SubjectID,
		Device:       dev,
		Duration:     s.Duration,
		Interval:     s.Interval,
		Start:        s.Start,
		End:          s.End,
		Format:       format,
		Settings:     settings,
	}
	return d, d.Validate()
}

// Definitions converts every configured schedule.
func (c *Config) Definitions() ([]schedule.Definition, error) {
	defs := make([]schedule.Definition, 0, len(c.Schedules))
	for _, s := range c.Schedules {
		d, err := s.Definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, nil
}
