package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// xorSigner is a deterministic stand-in for the AES signer.
type xorSigner struct{}

func (xorSigner) Sign(data []byte) []byte {
	sig := make([]byte, SignatureSize)
	for i, b := range data {
		sig[i%SignatureSize] ^= b
	}
	return sig
}

func TestStartCommandLayout(t *testing.T) {
	settings := &EmgSensSettings{Rate: Rate2000, Channels: EnableBio | EnableAcc, BioGain: 3, ActivityThreshold: 0x0102}

	cmd, err := StartCommand(settings, xorSigner{})
	require.NoError(t, err)

	require.Len(t, cmd, 1+emgSensSettingsSize+SignatureSize)
	assert.Equal(t, byte(OpStart), cmd[0])
	assert.Equal(t, []byte{Rate2000, EnableBio | EnableAcc, 3, 0, 0, 0, 0x02, 0x01}, cmd[1:9])
	assert.Equal(t, xorSigner{}.Sign(cmd[:9]), cmd[9:], "signature MUST cover opcode and settings")
}

func TestStartCommandRejectsInvalidSettings(t *testing.T) {
	_, err := StartCommand(&InRatSettings{Rate: 9}, xorSigner{})
	assert.Error(t, err)

	_, err = StopCommand(nil)
	assert.Error(t, err, "missing signer MUST be an error")
}

func TestStopCommand(t *testing.T) {
	cmd, err := StopCommand(xorSigner{})
	require.NoError(t, err)
	assert.Len(t, cmd, 1+SignatureSize)
	assert.Equal(t, byte(OpStop), cmd[0])
}

func TestResponse(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr bool
		ok      bool
	}{
		{name: "accepted", data: []byte{0xf0, 0x02, StatusOK}, ok: true},
		{name: "bad signature", data: []byte{0xf0, 0x02, StatusBadSignature}},
		{name: "short", data: []byte{0xf0, 0x02}, wantErr: true},
		{name: "not a response", data: []byte{0x01, 0x02, 0x00}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Response
			err := r.UnmarshalBinary(tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, OpStart, r.Op)
			assert.Equal(t, tt.ok, r.OK())
			if !tt.ok {
				assert.ErrorContains(t, r.Err(), "signature rejected")
			}
		})
	}
}

func TestSettingsBinary(t *testing.T) {
	in := &InRatSettings{Rate: Rate250, Gain: 5, Events: EventTemperature, ActivityThreshold: 300}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, in.Size())

	var out InRatSettings
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, *in, out)
	assert.Equal(t, 250.0, out.SampleRate())

	emg := DefaultEmgSensSettings()
	emg.Channels = EnableBio | EnableGyro
	assert.Equal(t, []Channel{ChannelBio, ChannelGyroX, ChannelGyroY, ChannelGyroZ}, emg.Layout())

	assert.Error(t, (&EmgSensSettings{Channels: 0}).Validate(), "no channels MUST be invalid")
	assert.Error(t, out.UnmarshalBinary(b[:3]))
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte{byte(EventTypeTemperature), 0x6c, 0x0e})
	require.NoError(t, err)
	assert.Equal(t, EventTypeTemperature, ev.Type)
	assert.InDelta(t, 36.92, ev.Temperature, 1e-9)

	_, err = DecodeEvent([]byte{0x7f})
	assert.Error(t, err)
	_, err = DecodeEvent([]byte{byte(EventTypeActivity), 1})
	assert.Error(t, err)
}

func TestParseClass(t *testing.T) {
	c, err := ParseClass(" EMG ")
	require.NoError(t, err)
	assert.Equal(t, EmgSens, c)

	var u Class
	require.NoError(t, u.UnmarshalText([]byte("inrat")))
	assert.Equal(t, InRat, u)
	assert.False(t, u.HasEvents())

	_, err = ParseClass("eeg")
	assert.Error(t, err)
}
