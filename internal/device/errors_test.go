package device

import (
	"errors"
	"fmt"
	"testing"

	"github.com/srg/biorec/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	transport := fmt.Errorf("session: %w", &TransportError{Op: "subscribe data", Err: ErrNotConnected})
	protocol := fmt.Errorf("session: %w", &ProtocolError{Op: "start", Err: errors.New("signature rejected")})
	busy := fmt.Errorf("submit: %w", &BusyError{DeviceID: "emg-7"})

	assert.True(t, IsTransport(transport))
	assert.False(t, IsProtocol(transport))
	assert.ErrorIs(t, transport, ErrNotConnected, "wrapped cause MUST stay reachable")
	assert.True(t, IsConnectionState(transport, NotConnected))

	assert.True(t, IsProtocol(protocol))
	assert.False(t, IsTransport(protocol))
	assert.Equal(t, "session: protocol: start: signature rejected", protocol.Error())

	assert.True(t, IsBusy(busy))
	assert.Contains(t, busy.Error(), `"emg-7"`)
	assert.False(t, IsBusy(ErrTimeout))
}

func TestConnectionErrorIs(t *testing.T) {
	err := &ConnectionError{State: BluetoothOff, Msg: "adapter powered down"}
	assert.ErrorIs(t, err, ErrBluetoothOff)
	assert.NotErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "bluetooth_off: adapter powered down", err.Error())
	assert.Equal(t, "not_connected", ErrNotConnected.Error())
}

func TestNewIdentity(t *testing.T) {
	id, err := NewIdentity("  emg-7 ", "EMG-", codec.EmgSens)
	require.NoError(t, err)
	assert.Equal(t, "emg-7", id.ID)
	assert.Equal(t, "emg-7(emgsens EMG-*)", id.String())

	_, err = NewIdentity("", "EMG-", codec.EmgSens)
	assert.Error(t, err)
	_, err = NewIdentity("emg-7", " ", codec.EmgSens)
	assert.Error(t, err)
	_, err = NewIdentity("emg-7", "EMG-", codec.Class(9))
	assert.Error(t, err)
}
