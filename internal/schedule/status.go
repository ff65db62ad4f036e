package schedule

import (
	"context"
	"sync"
	"time"
)

// StatusStore owns all mutable scheduler/run state: per-job runtime entries
// and the global active-run marker. All mutation funnels through its methods
// under one mutex; Scheduler and Worker hold a reference rather than touching
// ambient globals.
//
// Entries are created on first reference to a job id and persist for the
// process lifetime, so counters and last-run info survive config reloads.
type StatusStore struct {
	mu   sync.Mutex
	jobs map[string]*jobState

	activeJobID string
	activeRunID string
	activeSince time.Time
}

type jobState struct {
	queue *PerJobQueue

	nextRun       time.Time
	lastDueMinute time.Time

	running   bool
	startedAt time.Time
	cancel    context.CancelFunc

	lastRun *RunRecord

	totalRuns     uint64
	totalFailures uint64
	skippedRuns   uint64
}

// JobRuntime is a point-in-time copy of one job's runtime state.
type JobRuntime struct {
	Running        bool
	StartedAt      time.Time
	ElapsedSeconds float64
	NextRunAt      time.Time
	QueuedCount    int
	LastRun        *RunRecord
	TotalRuns      uint64
	TotalFailures  uint64
	SkippedRuns    uint64
}

// GlobalStatus is the process-wide view.
type GlobalStatus struct {
	IsRunning      bool
	ActiveJobID    string
	ActiveRunID    string
	ElapsedSeconds float64
}

func NewStatusStore() *StatusStore {
	return &StatusStore{jobs: map[string]*jobState{}}
}

func (s *StatusStore) state(jobID string) *jobState {
	st := s.jobs[jobID]
	if st == nil {
		st = &jobState{queue: newPerJobQueue(1)}
		s.jobs[jobID] = st
	}
	return st
}

// SyncJobs adjusts per-job queue limits after a registry reload and clears
// queued requests for jobs that became disabled or were removed.
func (s *StatusStore) SyncJobs(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.jobs {
		job, ok := snap.Job(id)
		if !ok || !job.Enabled {
			st.queue.Clear()
			st.nextRun = time.Time{}
			continue
		}
		st.queue.SetLimit(job.QueueMax)
	}
}

// TryMarkDue records that a job fired for the given minute. Returns false if
// that minute was already consumed, deduplicating sub-minute tick cadences.
func (s *StatusStore) TryMarkDue(jobID string, minute time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	if st.lastDueMinute.Equal(minute) {
		return false
	}
	st.lastDueMinute = minute
	return true
}

func (s *StatusStore) SetNextRun(jobID string, at time.Time) {
	s.mu.Lock()
	s.state(jobID).nextRun = at
	s.mu.Unlock()
}

func (s *StatusStore) NoteSkip(jobID string) {
	s.mu.Lock()
	s.state(jobID).skippedRuns++
	s.mu.Unlock()
}

// Running reports whether the given job currently holds a run.
func (s *StatusStore) Running(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(jobID).running
}

// Enqueue appends a request to the job's queue, bounded by its queue_max.
func (s *StatusStore) Enqueue(jobID string, req RunRequest) bool {
	s.mu.Lock()
	st := s.state(jobID)
	s.mu.Unlock()
	ok := st.queue.Enqueue(req)
	if !ok {
		s.NoteSkip(jobID)
	}
	return ok
}

func (s *StatusStore) Dequeue(jobID string) (RunRequest, bool) {
	s.mu.Lock()
	st := s.state(jobID)
	s.mu.Unlock()
	return st.queue.Dequeue()
}

func (s *StatusStore) RequeueFront(jobID string, req RunRequest) {
	s.mu.Lock()
	st := s.state(jobID)
	s.mu.Unlock()
	st.queue.RequeueFront(req)
}

func (s *StatusStore) ClearQueue(jobID string) int {
	s.mu.Lock()
	st := s.state(jobID)
	s.mu.Unlock()
	return st.queue.Clear()
}

func (s *StatusStore) QueuedCount(jobID string) int {
	s.mu.Lock()
	st := s.state(jobID)
	s.mu.Unlock()
	return st.queue.Len()
}

// QueuedJobIDs returns ids with at least one pending queued request.
func (s *StatusStore) QueuedJobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, st := range s.jobs {
		if st.queue.Len() > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// MarkStarted records an in-flight run and its cancellation hook.
func (s *StatusStore) MarkStarted(jobID, runID string, startedAt time.Time, cancel context.CancelFunc) {
	s.mu.Lock()
	st := s.state(jobID)
	st.running = true
	st.startedAt = startedAt
	st.cancel = cancel
	st.totalRuns++
	s.activeJobID = jobID
	s.activeRunID = runID
	s.activeSince = startedAt
	s.mu.Unlock()
}

// MarkFinished records the run outcome and clears the active marker.
func (s *StatusStore) MarkFinished(rec RunRecord) {
	s.mu.Lock()
	st := s.state(rec.JobID)
	st.running = false
	st.cancel = nil
	cp := rec
	st.lastRun = &cp
	// Operator-initiated cancellation is not a failure. Timeouts are: the
	// job was expected to finish and did not.
	if rec.Status == StatusFailure || rec.Status == StatusTimeout {
		st.totalFailures++
	}
	if s.activeRunID == rec.RunID {
		s.activeJobID = ""
		s.activeRunID = ""
		s.activeSince = time.Time{}
	}
	s.mu.Unlock()
}

// CancelFunc returns the in-flight run's cancellation hook, if running.
func (s *StatusStore) CancelFunc(jobID string) (context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	if !st.running || st.cancel == nil {
		return nil, false
	}
	return st.cancel, true
}

func (s *StatusStore) Global(now time.Time) GlobalStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := GlobalStatus{ActiveJobID: s.activeJobID, ActiveRunID: s.activeRunID}
	if s.activeJobID != "" {
		g.IsRunning = true
		g.ElapsedSeconds = now.Sub(s.activeSince).Seconds()
	}
	return g
}

func (s *StatusStore) JobRuntime(jobID string, now time.Time) JobRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(jobID)
	rt := JobRuntime{
		Running:       st.running,
		StartedAt:     st.startedAt,
		NextRunAt:     st.nextRun,
		QueuedCount:   st.queue.Len(),
		TotalRuns:     st.totalRuns,
		TotalFailures: st.totalFailures,
		SkippedRuns:   st.skippedRuns,
	}
	if st.running {
		rt.ElapsedSeconds = now.Sub(st.startedAt).Seconds()
	}
	if st.lastRun != nil {
		cp := *st.lastRun
		rt.LastRun = &cp
	}
	return rt
}
