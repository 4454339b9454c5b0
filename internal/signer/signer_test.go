package signer

import (
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SignerTestSuite struct {
	suite.Suite
	signer *Signer
}

func (s *SignerTestSuite) SetupTest() {
	key, err := ParseKey("2b7e151628aed2a6abf7158809cf4f3c")
	s.Require().NoError(err)
	s.signer, err = New(key)
	s.Require().NoError(err)
}

func (s *SignerTestSuite) TestDeterministic() {
	// GOAL: Verify the same command always yields the same 16-byte tag
	//
	// TEST SCENARIO: Sign a start command twice → identical tags of Size bytes

	msg := []byte{0x02, 0x02, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	a := s.signer.Sign(msg)
	b := s.signer.Sign(msg)
	s.Len(a, Size)
	s.Equal(a, b)
	s.True(s.signer.Verify(msg, a))
}

func (s *SignerTestSuite) TestAvalanche() {
	// GOAL: Verify a one-bit change in the command changes about half the tag bits
	//
	// TEST SCENARIO: Flip each bit of a message in turn → average Hamming distance within [40, 88] of 128

	msg := []byte("start-acquisition")
	base := s.signer.Sign(msg)

	total := 0
	flips := 0
	for i := range msg {
		for bit := 0; bit < 8; bit++ {
			m := append([]byte(nil), msg...)
			m[i] ^= 1 << bit
			sig := s.signer.Sign(m)
			for j := range sig {
				total += bits.OnesCount8(sig[j] ^ base[j])
			}
			flips++
			s.False(s.signer.Verify(m, base), "tag MUST NOT verify a modified command")
		}
	}
	avg := total / flips
	s.GreaterOrEqual(avg, 40)
	s.LessOrEqual(avg, 88)
}

func (s *SignerTestSuite) TestDifferentKeysDiffer() {
	other, err := New(Key(make([]byte, 16)))
	s.Require().NoError(err)
	msg := []byte{0x03}
	s.NotEqual(s.signer.Sign(msg), other.Sign(msg))
	s.False(other.Verify(msg, s.signer.Sign(msg)))
}

func TestSignerTestSuite(t *testing.T) {
	suite.Run(t, new(SignerTestSuite))
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantLen int
		wantErr bool
	}{
		{name: "aes-128", in: "000102030405060708090a0b0c0d0e0f", wantLen: 16},
		{name: "aes-256 with spaces", in: " " + "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff" + "\n", wantLen: 32},
		{name: "odd length", in: "abc", wantErr: true},
		{name: "not hex", in: "zz0102030405060708090a0b0c0d0e0f", wantErr: true},
		{name: "wrong size", in: "00010203", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ParseKey(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, k, tt.wantLen)
		})
	}
}

func TestKeyIsRedacted(t *testing.T) {
	k := Key{1, 2, 3}
	assert.Equal(t, "[redacted]", k.String())
	assert.NotContains(t, k.GoString(), "1")
}
