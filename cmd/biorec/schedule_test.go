package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/srg/biorec/internal/codec"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/record"
	"github.com/srg/biorec/internal/schedule"
	"github.com/srg/biorec/internal/store"
	"github.com/srg/biorec/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScheduleTestSuite struct {
	CommandTestSuite
	t0  time.Time
	def schedule.Definition
}

func (s *ScheduleTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()
	color.NoColor = true
	s.t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	dev, err := device.NewIdentity("sensor-a", "EMG-", codec.EmgSens)
	s.Require().NoError(err)
	s.def = schedule.Definition{
		ID:       "ten-minutes",
		Device:   dev,
		Duration: time.Minute,
		Interval: 10 * time.Minute,
		Start:    s.t0,
	}
}

func (s *ScheduleTestSuite) TestPreviewListsMissedOccurrences() {
	// GOAL: Verify the preview shows the occurrences a restart would backfill
	//
	// TEST SCENARIO: Last record at T0, now T0+45m → next due T0+50m, missed T0+10m..T0+30m

	history := store.NewMemoryStore()
	s.Require().NoError(history.SaveResult(context.Background(), record.Result{
		TaskID: "r0", ScheduleID: s.def.ID, DeviceID: "sensor-a", Start: s.t0, Status: record.StatusOk,
	}))

	var out bytes.Buffer
	err := printSchedule(context.Background(), &out, []schedule.Definition{s.def}, history, s.t0.Add(45*time.Minute))
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out.String(), `
SCHEDULE     DEVICE    EVERY  FOR   LAST RECORD           NEXT DUE              MISSED
ten-minutes  sensor-a  10m0s  1m0s  2026-05-01T08:00:00Z  2026-05-01T08:50:00Z  3

ten-minutes would backfill:
  2026-05-01T08:10:00Z
  2026-05-01T08:20:00Z
  2026-05-01T08:30:00Z
`)
}

func (s *ScheduleTestSuite) TestCommandReadsConfig() {
	dir := s.T().TempDir()
	path := filepath.Join(dir, "biorec.yaml")
	doc := `schedules:
  - id: hourly
    device: {id: d1, name_prefix: ECG-, class: inrat}
    duration: 1m
    interval: 1h
    start: 2026-05-01T00:00:00Z
`
	s.Require().NoError(os.WriteFile(path, []byte(doc), 0o600))

	out, err := s.ExecuteCommand(rootCmd, "schedule", "--config", path, "--now", "2026-05-01T02:30:00Z", "--offline")
	s.Require().NoError(err, out)
	s.Contains(out, "hourly")
	s.Contains(out, "2026-05-01T03:00:00Z")
	s.Equal(2, strings.Count(out, "\n  2026-05-01T0"), "two elapsed occurrences MUST be previewed")
}

func TestScheduleTestSuite(t *testing.T) {
	suite.Run(t, new(ScheduleTestSuite))
}
