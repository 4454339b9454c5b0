package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/srg/biorec/internal/record"
)

// MemoryStore keeps results in process memory. It is used when no database
// is configured and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string][]record.Result
	index   map[string]string // task id -> schedule id
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string][]record.Result),
		index:   make(map[string]string),
	}
}

func (s *MemoryStore) SaveResult(_ context.Context, r record.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sid, ok := s.index[r.TaskID]; ok {
		rs := s.results[sid]
		for i := range rs {
			if rs[i].TaskID == r.TaskID {
				rs = append(rs[:i], rs[i+1:]...)
				break
			}
		}
		s.results[sid] = rs
	}
	s.index[r.TaskID] = r.ScheduleID
	rs := append(s.results[r.ScheduleID], r)
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].Start.Before(rs[j].Start) })
	s.results[r.ScheduleID] = rs
	return nil
}

func (s *MemoryStore) LastRecordTime(_ context.Context, scheduleID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs := s.results[scheduleID]
	if len(rs) == 0 {
		return time.Time{}, false, nil
	}
	return rs[len(rs)-1].Start, true, nil
}

func (s *MemoryStore) Results(_ context.Context, scheduleID string) ([]record.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]record.Result(nil), s.results[scheduleID]...), nil
}

func (s *MemoryStore) Close() error { return nil }
