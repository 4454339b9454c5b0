//go:build darwin

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func defaultDeviceFactory() (ble.Device, error) {
	return darwin.NewDevice()
}
