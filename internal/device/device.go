package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/srg/biorec/internal/codec"
)

// Identity identifies one physical sensor. It is immutable once created.
type Identity struct {
	// ID is the stable identifier used to key sessions and records.
	ID string `json:"id" yaml:"id"`
	// NamePrefix is matched against advertised local names during discovery.
	NamePrefix string `json:"name_prefix" yaml:"name_prefix"`
	// Class selects the protocol variant and channel layout.
	Class codec.Class `json:"class" yaml:"class"`
}

// NewIdentity validates and returns an Identity.
func NewIdentity(id, prefix string, class codec.Class) (Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Identity{}, fmt.Errorf("device id is empty")
	}
	if strings.TrimSpace(prefix) == "" {
		return Identity{}, fmt.Errorf("device %q: name prefix is empty", id)
	}
	if !class.Valid() {
		return Identity{}, fmt.Errorf("device %q: invalid class %v", id, class)
	}
	return Identity{ID: id, NamePrefix: prefix, Class: class}, nil
}

func (id Identity) String() string {
	return fmt.Sprintf("%s(%s %s*)", id.ID, id.Class, id.NamePrefix)
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	BluetoothOff     ConnectionState = "bluetooth_off"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrBluetoothOff     = &ConnectionError{State: BluetoothOff}
)

// Operation errors
var (
	ErrTimeout   = errors.New("timeout")
	ErrNotFound  = errors.New("device not found")
	ErrCancelled = errors.New("cancelled")
)

// TransportError is a scan, connect, write or notify failure. It is
// retryable by a later scheduled attempt but never retried within a task.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports that a device rejected a signed command or sent data
// the session could not make sense of. The session is aborted.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// BusyError reports that a device already has an active session.
type BusyError struct {
	DeviceID string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("device %q busy: session already active", e.DeviceID)
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}

// IsProtocol reports whether err is a ProtocolError.
func IsProtocol(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}

// IsBusy reports whether err is a BusyError.
func IsBusy(err error) bool {
	var berr *BusyError
	return errors.As(err, &berr)
}

// NormalizeError maps known backend error strings to structured ConnectionError types.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "central manager has invalid state: have=4"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// Advertisement is a discovered advertising peripheral.
type Advertisement struct {
	Name    string
	Address string
	RSSI    int
}

// Handle refers to a discovered peripheral that can be connected to.
type Handle interface {
	Address() string
	Name() string
}

// Transport is the platform BLE stack as seen by a session.
type Transport interface {
	// Scan reports advertisements whose local name has prefix until ctx is
	// done. An empty prefix matches every named peripheral.
	Scan(ctx context.Context, prefix string, fn func(Advertisement)) error
	// Discover returns the first peripheral advertising a local name with
	// prefix. It returns ErrNotFound when timeout elapses first.
	Discover(ctx context.Context, prefix string, timeout time.Duration) (Handle, error)
	// Connect establishes a GATT connection bounded by timeout.
	Connect(ctx context.Context, h Handle, timeout time.Duration) (Link, error)
}

// Link is an established GATT connection.
type Link interface {
	// Write writes data to the characteristic.
	Write(uuid string, data []byte) error
	// Subscribe enables notifications for the characteristic. fn is called
	// from the backend's own goroutine and must not block.
	Subscribe(uuid string, fn func([]byte)) error
	// Unsubscribe disables notifications for the characteristic.
	Unsubscribe(uuid string) error
	// Disconnect releases the connection.
	Disconnect() error
	// Disconnected is closed when the peripheral drops the connection.
	Disconnected() <-chan struct{}
}
