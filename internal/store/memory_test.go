package store

import (
	"context"
	"testing"
	"time"

	"github.com/srg/biorec/internal/record"
	"github.com/stretchr/testify/suite"
)

type MemoryStoreTestSuite struct {
	suite.Suite
	ctx   context.Context
	store *MemoryStore
	t0    time.Time
}

func (s *MemoryStoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryStore()
	s.t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *MemoryStoreTestSuite) result(id string, offset time.Duration, status record.Status) record.Result {
	return record.Result{TaskID: id, ScheduleID: "sched", DeviceID: "dev", Start: s.t0.Add(offset), Status: status}
}

func (s *MemoryStoreTestSuite) TestLastRecordTime() {
	// GOAL: Verify the newest start is reported regardless of insertion order
	//
	// TEST SCENARIO: Save results out of order → LastRecordTime is the latest start

	_, ok, err := s.store.LastRecordTime(s.ctx, "sched")
	s.Require().NoError(err)
	s.False(ok, "empty history MUST report no record")

	s.Require().NoError(s.store.SaveResult(s.ctx, s.result("b", time.Hour, record.StatusOk)))
	s.Require().NoError(s.store.SaveResult(s.ctx, s.result("a", 0, record.StatusError)))

	last, ok, err := s.store.LastRecordTime(s.ctx, "sched")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(s.t0.Add(time.Hour), last)

	rs, err := s.store.Results(s.ctx, "sched")
	s.Require().NoError(err)
	s.Require().Len(rs, 2)
	s.Equal("a", rs[0].TaskID, "results MUST be ordered by start")
}

func (s *MemoryStoreTestSuite) TestSaveReplacesSameTask() {
	s.Require().NoError(s.store.SaveResult(s.ctx, s.result("a", 0, record.StatusError)))
	s.Require().NoError(s.store.SaveResult(s.ctx, s.result("a", 0, record.StatusOk)))

	rs, err := s.store.Results(s.ctx, "sched")
	s.Require().NoError(err)
	s.Require().Len(rs, 1, "saving a task twice MUST keep one result")
	s.Equal(record.StatusOk, rs[0].Status)
}

func TestMemoryStoreTestSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreTestSuite))
}
