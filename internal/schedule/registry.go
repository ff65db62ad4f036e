package schedule

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"primed/internal/config"
	logx "primed/pkg/logx"
)

// JobError records why a configured job was rejected at load time. Rejected
// jobs are excluded from scheduling but surfaced in status so there is no
// silent failure.
type JobError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Snapshot is an immutable view of the configured job set. The scheduler
// reads one snapshot per tick so a reload can never expose a partially
// updated job list mid-tick.
type Snapshot struct {
	Jobs     []*Job
	Rejected []JobError

	// Location is the global timezone (config timezone, else UTC).
	Location *time.Location

	byID map[string]*Job
}

// Job looks up a job by id.
func (s *Snapshot) Job(id string) (*Job, bool) {
	if s == nil {
		return nil, false
	}
	j, ok := s.byID[id]
	return j, ok
}

// Registry holds the current job snapshot and swaps it atomically on reload.
type Registry struct {
	mu     sync.RWMutex
	engine CronEngine
	snap   *Snapshot
	log    logx.Logger
}

func NewRegistry(engine CronEngine, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		engine: engine,
		snap:   &Snapshot{Location: time.UTC, byID: map[string]*Job{}},
		log:    log,
	}
}

// Load validates cfg and swaps in a fresh snapshot. Per-job errors never
// block other valid jobs: the bad job is rejected (and logged once, here)
// while the rest schedule normally.
func (r *Registry) Load(cfg *config.Config) *Snapshot {
	loc := r.resolveLocation(cfg.Timezone, time.UTC, "")

	snap := &Snapshot{Location: loc, byID: map[string]*Job{}}
	for i := range cfg.Jobs {
		jc := cfg.Jobs[i]
		job, err := r.buildJob(jc, loc, snap.byID)
		if err != nil {
			snap.Rejected = append(snap.Rejected, JobError{ID: jc.ID, Error: err.Error()})
			r.log.Warn("job rejected", logx.String("job", jc.ID), logx.Any("err", err))
			continue
		}
		snap.Jobs = append(snap.Jobs, job)
		snap.byID[job.ID] = job
	}

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()

	r.log.Info("jobs loaded",
		logx.Int("jobs", len(snap.Jobs)),
		logx.Int("rejected", len(snap.Rejected)),
		logx.String("tz", loc.String()),
	)
	return snap
}

// Snapshot returns the current immutable job set.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

func (r *Registry) buildJob(jc config.JobConfig, global *time.Location, seen map[string]*Job) (*Job, error) {
	id := strings.TrimSpace(jc.ID)
	if id == "" {
		return nil, &InvalidConfigError{JobID: jc.ID, Reason: "id is required"}
	}
	if strings.IndexFunc(id, unicode.IsSpace) >= 0 {
		return nil, &InvalidConfigError{JobID: id, Reason: "id must not contain whitespace"}
	}
	if _, dup := seen[id]; dup {
		return nil, &DuplicateJobError{JobID: id}
	}

	command := strings.TrimSpace(jc.Command)
	if command == "" {
		return nil, &InvalidConfigError{JobID: id, Reason: "command is required"}
	}
	if strings.HasPrefix(command, "/") {
		return nil, &InvalidConfigError{JobID: id, Reason: "command must not include leading '/'"}
	}

	cronExpr := strings.TrimSpace(jc.Cron)
	if cronExpr == "" {
		return nil, &InvalidConfigError{JobID: id, Reason: "cron is required"}
	}
	if _, err := r.engine.Parse(cronExpr); err != nil {
		return nil, &InvalidScheduleError{JobID: id, Expr: cronExpr, Err: err}
	}

	overlap := OverlapPolicy(strings.ToLower(strings.TrimSpace(jc.Overlap)))
	if overlap == "" {
		overlap = OverlapSkip
	}
	if overlap != OverlapSkip && overlap != OverlapQueue {
		return nil, &InvalidConfigError{JobID: id, Reason: "overlap must be \"skip\" or \"queue\""}
	}

	queueMax := jc.QueueLimit()
	if overlap == OverlapQueue && queueMax < 1 {
		return nil, &InvalidConfigError{JobID: id, Reason: "queue_max must be >= 1 when overlap=queue"}
	}

	if jc.TimeoutSeconds < 0 {
		return nil, &InvalidConfigError{JobID: id, Reason: "timeout_seconds must be positive"}
	}
	if jc.MaxBudgetUSD < 0 {
		return nil, &InvalidConfigError{JobID: id, Reason: "max_budget_usd must be positive"}
	}

	loc := r.resolveLocation(jc.Timezone, global, id)

	return &Job{
		ID:           id,
		Command:      command,
		Arguments:    strings.TrimSpace(jc.Arguments),
		Cron:         cronExpr,
		Overlap:      overlap,
		QueueMax:     queueMax,
		Timeout:      time.Duration(jc.TimeoutSeconds) * time.Second,
		MaxBudgetUSD: jc.MaxBudgetUSD,
		Model:        strings.TrimSpace(jc.Model),
		Enabled:      jc.IsEnabled(),
		UseVaultLock: jc.UseVaultLock,
		Location:     loc,
	}, nil
}

func (r *Registry) resolveLocation(tz string, fallback *time.Location, jobID string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return fallback
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		fields := []logx.Field{logx.String("tz", tz), logx.Any("err", err)}
		if jobID != "" {
			fields = append(fields, logx.String("job", jobID))
		}
		r.log.Warn("invalid timezone, using fallback", fields...)
		return fallback
	}
	return loc
}
