//go:build !darwin && !linux

package goble

import "github.com/go-ble/ble"

func defaultDeviceFactory() (ble.Device, error) {
	return nil, errAdapterUnsupported
}
