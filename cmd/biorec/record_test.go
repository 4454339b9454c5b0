package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/signer"
	"github.com/srg/biorec/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f"

type RecordTestSuite struct {
	CommandTestSuite
	out string
}

func (s *RecordTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	s.out = s.T().TempDir()
	recordID, recordKey, recordConfigPath = "", "", ""
	recordTimeout = 0
}

func (s *RecordTestSuite) verifier() *signer.Signer {
	key, err := signer.ParseKey(testKeyHex)
	s.Require().NoError(err)
	v, err := signer.New(key)
	s.Require().NoError(err)
	return v
}

func (s *RecordTestSuite) TestRecordWritesCSV() {
	// GOAL: Verify a one-shot recording streams into a CSV file and reports Ok
	//
	// TEST SCENARIO: ECG sensor streams ramp payloads with a valid key → Ok result, one CSV file in --out

	payloads := testutils.Ramp(codec.DefaultInRatSettings(), 40, 0, 3)
	s.Transport.WithPeripheral("ECG-7").WithVerifier(s.verifier()).WithPayloads(2*time.Millisecond, payloads...)

	out, err := s.ExecuteCommand(rootCmd, "record",
		"--id", "rat-7", "--prefix", "ECG-", "--class", "inrat",
		"--duration", "150ms", "--key", testKeyHex, "--out", s.out)
	s.Require().NoError(err, "recording MUST succeed: %s", out)
	s.Contains(out, "ok", "result MUST be reported")

	files, err := filepath.Glob(filepath.Join(s.out, "rat-7_*.csv"))
	s.Require().NoError(err)
	s.Require().Len(files, 1, "exactly one recording MUST be written")

	data, err := os.ReadFile(files[0])
	s.Require().NoError(err)
	s.True(strings.HasPrefix(string(data), "sample,t_s,counter,received_at,bio_V"))
	s.Greater(strings.Count(string(data), "\n"), 1, "recording MUST contain samples")
}

func (s *RecordTestSuite) TestRecordWithWrongKeyFails() {
	// GOAL: Verify a rejected start command ends the recording with an error
	//
	// TEST SCENARIO: Sensor verifies with its key, CLI signs with another → ErrRecordingFailed, no file

	s.Transport.WithPeripheral("ECG-7").WithVerifier(s.verifier())

	_, err := s.ExecuteCommand(rootCmd, "record",
		"--prefix", "ECG-", "--class", "inrat", "--duration", "100ms",
		"--key", "ffffffffffffffffffffffffffffffff", "--out", s.out)
	s.Require().Error(err)
	s.ErrorIs(err, ErrRecordingFailed)

	files, _ := filepath.Glob(filepath.Join(s.out, "*.csv"))
	s.Empty(files, "failed recordings MUST NOT leave files")
}

func (s *RecordTestSuite) TestRecordRequiresKey() {
	_, err := s.ExecuteCommand(rootCmd, "record", "--prefix", "EMG-", "--class", "emgsens", "--out", s.out)
	s.Require().Error(err)
	s.Contains(err.Error(), "no signing key")
}

func TestRecordTestSuite(t *testing.T) {
	suite.Run(t, new(RecordTestSuite))
}
