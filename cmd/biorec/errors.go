package main

import (
	"errors"
	"fmt"

	"github.com/srg/biorec/internal/device"
)

// Command-level errors
var (
	// ErrRecordingFailed is returned when a one-shot recording did not end Ok.
	ErrRecordingFailed = errors.New("recording failed")
)

// FormatUserError renders err for the terminal, adding a hint for the
// failures users can act on.
func FormatUserError(err error) string {
	var busy *device.BusyError
	switch {
	case err == nil:
		return ""
	case device.IsConnectionState(err, device.BluetoothOff):
		return fmt.Sprintf("%v\nHint: turn Bluetooth on and grant this terminal Bluetooth access", err)
	case errors.Is(err, device.ErrNotFound):
		return fmt.Sprintf("%v\nHint: check that the sensor is powered, in range and not connected elsewhere; run 'biorec scan' to list it", err)
	case errors.Is(err, device.ErrTimeout):
		return fmt.Sprintf("%v\nHint: move the sensor closer or raise the timeout", err)
	case errors.As(err, &busy):
		return fmt.Sprintf("%v\nHint: wait for the running recording to finish", err)
	case device.IsProtocol(err):
		return fmt.Sprintf("%v\nHint: the sensor rejected a command; check the signing key and settings for its class", err)
	default:
		return err.Error()
	}
}
