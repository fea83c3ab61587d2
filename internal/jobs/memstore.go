package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Data does not survive restarts.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	units map[string]map[int]*UnitRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:  make(map[string]*Job),
		units: make(map[string]map[int]*UnitRecord),
	}
}

func (s *MemoryStore) LoadActiveJobs(context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			ret = append(ret, cloneJob(job))
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Seq < ret[j].Seq })
	return ret, nil
}

func (s *MemoryStore) LoadJob(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, notFoundError(jobID)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter Filter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*Job, 0)
	for _, job := range s.jobs {
		if filter.matches(job) {
			ret = append(ret, cloneJob(job))
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Seq > ret[j].Seq })
	return paginate(ret, filter.Limit, filter.Offset), nil
}

func (s *MemoryStore) SaveJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersionLocked(job); err != nil {
		return err
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) CommitUnit(_ context.Context, job *Job, unit *UnitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkVersionLocked(job); err != nil {
		return err
	}
	s.jobs[job.ID] = cloneJob(job)
	if unit != nil {
		if s.units[job.ID] == nil {
			s.units[job.ID] = make(map[int]*UnitRecord)
		}
		s.units[job.ID][unit.Index] = cloneUnit(unit)
	}
	return nil
}

func (s *MemoryStore) LoadUnits(_ context.Context, jobID string) ([]*UnitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*UnitRecord, 0, len(s.units[jobID]))
	for _, u := range s.units[jobID] {
		ret = append(ret, cloneUnit(u))
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Index < ret[j].Index })
	return ret, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	delete(s.units, jobID)
	return nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]string, 0)
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.units, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func (s *MemoryStore) checkVersionLocked(job *Job) error {
	if job == nil || job.ID == "" {
		return NewError(ErrValidation, "job id is required")
	}
	stored, ok := s.jobs[job.ID]
	switch {
	case !ok && job.Version == 1:
		return nil
	case ok && stored.Version+1 == job.Version:
		return nil
	default:
		return conflictError(job.ID, job.Version)
	}
}

func paginate(list []*Job, limit, offset int) []*Job {
	if offset > 0 {
		if offset >= len(list) {
			return []*Job{}
		}
		list = list[offset:]
	}
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}

func cloneUnit(u *UnitRecord) *UnitRecord {
	if u == nil {
		return nil
	}
	tmp := *u
	tmp.Stages = append([]StageResult(nil), u.Stages...)
	return &tmp
}

// CloneUnit returns a copy of u with its own stage slice.
func CloneUnit(u *UnitRecord) *UnitRecord {
	return cloneUnit(u)
}
