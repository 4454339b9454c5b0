package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/biorec/internal/device"
)

// errAdapterUnsupported is returned on platforms go-ble has no HCI or
// CoreBluetooth binding for.
var errAdapterUnsupported = errors.New("go-ble: no BLE adapter support on this platform")

// normalizeError maps go-ble specific error strings to structured
// ConnectionError types before falling back to device.NormalizeError.
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "can't init hci"),
		containsIgnoreCase(msg, "no devices available"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return device.NormalizeError(err)
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
