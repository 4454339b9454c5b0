package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/biorec/internal/config"
	"github.com/srg/biorec/internal/device"
	goble "github.com/srg/biorec/internal/device/go-ble"
	"github.com/srg/biorec/internal/device/tinyble"
)

// transportFactory creates the BLE backend by name (can be overridden in tests)
var transportFactory = func(name string, logger *logrus.Logger) (device.Transport, error) {
	switch name {
	case "", config.TransportGoBLE:
		return goble.NewTransport(logger), nil
	case config.TransportTinyGo:
		return tinyble.NewTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: %s, %s)", name, config.TransportGoBLE, config.TransportTinyGo)
	}
}

// transportFor returns the backend selected by --transport, or def when the
// flag is not set.
func transportFor(cmd *cobra.Command, def string, logger *logrus.Logger) (device.Transport, error) {
	name, _ := cmd.Flags().GetString("transport")
	if name == "" {
		name = def
	}
	return transportFactory(name, logger)
}
