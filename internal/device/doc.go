// Package device defines the boundary between the recording core and the
// platform Bluetooth Low Energy stack.
//
// It provides:
//   - Identity, the immutable description of a sensor (id, advertised name
//     prefix and device class)
//   - the Transport and Link interfaces implemented by the go-ble and tinygo
//     backends in the goble and tinyble sub-packages
//   - the error taxonomy shared by sessions and the orchestrator:
//     TransportError, ProtocolError, BusyError, ErrCancelled and
//     ConnectionError states
package device
