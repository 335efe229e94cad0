package api

import (
	"cmp"
	"slices"
	"sync"
)

// JobStore keeps finished jobs in memory.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]storedJob
	next uint64
}

// storedJob remembers insertion order; CreatedAt only has second resolution.
type storedJob struct {
	job Job
	seq uint64
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]storedJob),
	}
}

// Put stores job. Replacing a job keeps its original position.
func (s *JobStore) Put(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[job.ID]; ok {
		s.jobs[job.ID] = storedJob{job: job, seq: prev.seq}
		return
	}
	s.next++
	s.jobs[job.ID] = storedJob{job: job, seq: s.next}
}

func (s *JobStore) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[id]
	return sj.job, ok
}

// List returns every job, oldest first. Jobs created in the same second keep
// the order they were stored in.
func (s *JobStore) List() []Job {
	s.mu.Lock()
	all := make([]storedJob, 0, len(s.jobs))
	for _, sj := range s.jobs {
		all = append(all, sj)
	}
	s.mu.Unlock()

	slices.SortFunc(all, func(a, b storedJob) int {
		if c := cmp.Compare(a.job.CreatedAt, b.job.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]Job, len(all))
	for i, sj := range all {
		out[i] = sj.job
	}
	return out
}

func (s *JobStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

func (s *JobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
