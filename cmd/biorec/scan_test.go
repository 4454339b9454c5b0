package main

import (
	"bytes"
	"testing"

	"github.com/srg/biorec/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScanTestSuite struct {
	CommandTestSuite
}

func (s *ScanTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	// slice flags keep their values between executions
	scanAllowList, scanBlockList = nil, nil
	s.Transport.WithPeripheral("EMG-1")
	s.Transport.WithPeripheral("ECG-1")
	s.Transport.WithPeripheral("EMG-2")
}

// execute runs the command keeping progress output apart from results.
func (s *ScanTestSuite) execute(args ...string) (string, error) {
	var out, progress bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&progress)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func (s *ScanTestSuite) TestScanJSON() {
	// GOAL: Verify JSON output lists the advertising sensors matching the prefix
	//
	// TEST SCENARIO: three sensors, prefix EMG- → two entries ordered by address, timestamps present

	out, err := s.execute("scan", "--duration", "50ms", "--prefix", "EMG-", "--format", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{"name": "EMG-1", "address": "AA:BB:CC:00:00:01", "rssi": -50, "count": 1, "first_seen": "<<PRESENCE>>", "last_seen": "<<PRESENCE>>"},
		{"name": "EMG-2", "address": "AA:BB:CC:00:00:03", "rssi": -50, "count": 1, "first_seen": "<<PRESENCE>>", "last_seen": "<<PRESENCE>>"}
	]`)
}

func (s *ScanTestSuite) TestScanBlockList() {
	out, err := s.execute("scan", "--duration", "50ms", "--prefix", "", "--format", "json", "--block", "AA:BB:CC:00:00:01")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).WithOptions(testutils.WithIgnoredFields("first_seen", "last_seen", "count", "rssi")).
		Assert(out, `[
			{"name": "ECG-1", "address": "AA:BB:CC:00:00:02"},
			{"name": "EMG-2", "address": "AA:BB:CC:00:00:03"}
		]`)
}

func (s *ScanTestSuite) TestScanRejectsUnknownFormat() {
	_, err := s.execute("scan", "--duration", "50ms", "--format", "xml")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid format")
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
