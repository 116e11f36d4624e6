// Package runner is the façade the HTTP adapter talks to: submitRun,
// getJob, getJobLogs, cancelJob (§6.1). It wires the Validator, Job Store,
// Log Sink, Scheduler, and Executor together the way the teacher's
// joblet.Joblet (the top-level type embedding the process manager, cgroup
// manager, and job store behind a handful of public methods) wires its own
// components — one struct, narrow public surface, component lifetimes
// owned by the struct that constructs them.
package runner

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jsturma/jobctl/internal/executor"
	"github.com/jsturma/jobctl/internal/job"
	"github.com/jsturma/jobctl/internal/logsink"
	"github.com/jsturma/jobctl/internal/registry"
	"github.com/jsturma/jobctl/internal/scheduler"
	"github.com/jsturma/jobctl/internal/store"
	"github.com/jsturma/jobctl/internal/validate"
	"github.com/jsturma/jobctl/pkg/config"
	jobctlerrors "github.com/jsturma/jobctl/pkg/errors"
	"github.com/jsturma/jobctl/pkg/logger"
)

// maxLogReadLimit caps a single getJobLogs call at 1 MiB, per §4.3.
const maxLogReadLimit = 1 << 20

// Runner owns the scheduler and every component it admits jobs to.
type Runner struct {
	cfg    *config.Config
	reg    *registry.Registry
	store  *store.Store
	sink   *logsink.Sink
	sched  *scheduler.Scheduler
	logger *logger.Logger

	mu        sync.Mutex
	handles   map[string]*logsink.Handle
	processes map[string]*executor.Process
	waiters   map[string][]chan *job.Job
}

// New wires a Runner over an already-loaded registry, store, and sink.
func New(cfg *config.Config, reg *registry.Registry, st *store.Store, sink *logsink.Sink, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.New()
	}
	r := &Runner{
		cfg:       cfg,
		reg:       reg,
		store:     st,
		sink:      sink,
		logger:    log.WithField("component", "runner"),
		handles:   make(map[string]*logsink.Handle),
		processes: make(map[string]*executor.Process),
		waiters:   make(map[string][]chan *job.Job),
	}
	r.sched = scheduler.New(cfg.Runner.MaxConcurrent, r.admit, r.queuedCancel, log)
	return r
}

// ScriptCount reports the number of registered scripts, for GET /healthz.
func (r *Runner) ScriptCount() int {
	return r.reg.Len()
}

// LastPersistError reports the job store's most recent write error, or ""
// if the last write succeeded. Surfaced by GET /healthz per the Open
// Question decision recorded in SPEC_FULL.md.
func (r *Runner) LastPersistError() string {
	return r.store.LastPersistError()
}

// SubmitResult is submitRun's return value (§6.1).
type SubmitResult struct {
	OK      bool
	Code    string
	Message string
	Async   bool
	Job     *job.Job
}

// SubmitRun validates (scriptID, args), creates a queued job, and enqueues
// it. In sync mode it blocks until the job reaches a terminal status; in
// async mode it returns immediately after admission to the queue.
func (r *Runner) SubmitRun(scriptID string, args []string, requestedMode string) SubmitResult {
	result, err := validate.Validate(r.reg, scriptID, args)
	if err != nil {
		return SubmitResult{Code: jobctlerrors.Code(err), Message: err.Error()}
	}
	entry := result.Script
	mode := resolveMode(requestedMode, entry.DefaultMode, r.cfg.Runner.DefaultMode)

	now := time.Now().UTC()
	j := &job.Job{
		JobID:     uuid.NewString(),
		ScriptID:  entry.ID,
		Args:      args,
		Mode:      mode,
		Status:    job.StatusQueued,
		CreatedAt: job.TimePtr(now),
	}
	j.StdoutRef, j.StderrRef = logsink.FileNames(j.JobID)
	r.store.Insert(j)

	var waitCh <-chan *job.Job
	if mode == job.ModeSync {
		waitCh = r.addWaiter(j.JobID)
	}

	r.sched.Enqueue(j.JobID, entry)

	if mode == job.ModeAsync {
		snap, _ := r.store.Get(j.JobID)
		return SubmitResult{OK: true, Async: true, Job: snap}
	}

	terminal := <-waitCh
	return SubmitResult{OK: true, Async: false, Job: terminal}
}

// resolveMode picks the first valid value among the request's mode, the
// script's declared default, and the runner's configured default.
func resolveMode(candidates ...string) job.Mode {
	for _, m := range candidates {
		switch job.Mode(m) {
		case job.ModeSync:
			return job.ModeSync
		case job.ModeAsync:
			return job.ModeAsync
		}
	}
	return job.ModeAsync
}

// GetJob returns a defensive copy of the job, or false if unknown.
func (r *Runner) GetJob(jobID string) (*job.Job, bool) {
	return r.store.Get(jobID)
}

// LogsResult is getJobLogs's return value (§6.1).
type LogsResult struct {
	OK         bool
	Code       string
	Message    string
	JobID      string
	Stream     string
	Offset     int64
	NextOffset int64
	TotalSize  int64
	Truncated  bool
	Data       []byte
}

// GetJobLogs serves a random-access read over one job's stream, per §4.3.
func (r *Runner) GetJobLogs(jobID, stream string, offset, limit int64) LogsResult {
	j, ok := r.store.Get(jobID)
	if !ok {
		err := jobctlerrors.WrapJobError(jobID, "getJobLogs", jobctlerrors.ErrJobNotFound)
		return LogsResult{Code: jobctlerrors.Code(err), Message: err.Error()}
	}
	if stream != string(logsink.Stdout) && stream != string(logsink.Stderr) {
		return LogsResult{Code: "INVALID_ARGS", Message: `stream must be "stdout" or "stderr"`}
	}
	if offset < 0 {
		return LogsResult{Code: "INVALID_ARGS", Message: "offset must be >= 0"}
	}
	if limit <= 0 {
		return LogsResult{Code: "INVALID_ARGS", Message: "limit must be > 0"}
	}
	if limit > maxLogReadLimit {
		limit = maxLogReadLimit
	}

	data, total, err := r.sink.ReadRange(jobID, logsink.Stream(stream), offset, limit)
	if err != nil {
		r.logger.Error("log read failed", "jobID", jobID, "stream", stream, "error", err)
		return LogsResult{Code: "INTERNAL_ERROR", Message: err.Error()}
	}

	return LogsResult{
		OK:         true,
		JobID:      jobID,
		Stream:     stream,
		Offset:     offset,
		NextOffset: offset + int64(len(data)),
		TotalSize:  total,
		Truncated:  r.streamTruncated(jobID, stream, j),
		Data:       data,
	}
}

// streamTruncated prefers the live handle's truncation flag (the job may
// still be running, in which case the stored snapshot hasn't been
// finalized yet) and falls back to the persisted job record once the
// handle has been closed.
func (r *Runner) streamTruncated(jobID, stream string, j *job.Job) bool {
	r.mu.Lock()
	h, live := r.handles[jobID]
	r.mu.Unlock()
	if live {
		if stream == string(logsink.Stdout) {
			return h.Stdout.Truncated()
		}
		return h.Stderr.Truncated()
	}
	if stream == string(logsink.Stdout) {
		return j.StdoutTruncated
	}
	return j.StderrTruncated
}

// CancelResult is cancelJob's return value (§6.1).
type CancelResult struct {
	OK      bool
	Code    string
	Message string
	Job     *job.Job
}

// CancelJob is synchronous and idempotent, per §5's cancellation semantics.
func (r *Runner) CancelJob(jobID string) CancelResult {
	j, ok := r.store.Get(jobID)
	if !ok {
		err := jobctlerrors.WrapJobError(jobID, "cancelJob", jobctlerrors.ErrJobNotFound)
		return CancelResult{Code: jobctlerrors.Code(err), Message: err.Error()}
	}
	if j.Status.Terminal() {
		return CancelResult{OK: true, Job: j}
	}

	if r.sched.RequestCancel(jobID) {
		snap, _ := r.store.Get(jobID)
		return CancelResult{OK: true, Job: snap}
	}

	r.mu.Lock()
	proc, running := r.processes[jobID]
	r.mu.Unlock()
	if running {
		proc.RequestCancel()
	}

	snap, ok := r.store.Get(jobID)
	if !ok {
		err := jobctlerrors.WrapJobError(jobID, "cancelJob", jobctlerrors.ErrJobNotFound)
		return CancelResult{Code: jobctlerrors.Code(err), Message: err.Error()}
	}
	return CancelResult{OK: true, Job: snap}
}

// admit is the scheduler's AdmitFunc. It hands the actual run off to a
// goroutine immediately: the scheduler's drain loop must never block on
// process launch or I/O.
func (r *Runner) admit(jobID string, entry registry.Entry, done func()) {
	go r.runJob(jobID, entry, done)
}

func (r *Runner) runJob(jobID string, entry registry.Entry, done func()) {
	defer done()

	// Register the process before the job is shown as running, so a
	// CancelJob that observes "running" always finds it.
	proc := executor.New()
	r.registerProcess(jobID, proc)

	startedAt := time.Now().UTC()
	updated, ok := r.store.Mutate(jobID, func(j *job.Job) {
		j.Status = job.StatusRunning
		j.StartedAt = job.TimePtr(startedAt)
	})
	if !ok {
		r.unregisterProcess(jobID)
		r.logger.Error("admitted job missing from store", "jobID", jobID)
		return
	}

	handle, err := r.sink.Open(jobID)
	if err != nil {
		r.unregisterProcess(jobID)
		r.logger.Error("failed to open log sink", "jobID", jobID, "error", err)
		r.finalize(jobID, executor.Outcome{Status: job.StatusFailed, Code: -1}, startedAt, nil)
		return
	}
	r.registerHandle(jobID, handle)

	outcome := proc.Run(entry, updated.Args, handle)

	r.sink.Close(jobID)
	r.unregisterHandle(jobID)
	r.unregisterProcess(jobID)

	r.finalize(jobID, outcome, startedAt, handle)
}

// queuedCancel is the scheduler's QueuedCancelFunc, invoked when a queued
// job is found cancel-requested at the head of the queue: it never ran, so
// startedAt stays null and durationMs is zero, per §4.4's drain().
func (r *Runner) queuedCancel(jobID string) {
	endedAt := time.Now().UTC()
	updated, ok := r.store.Mutate(jobID, func(j *job.Job) {
		j.Status = job.StatusCanceled
		j.Code = job.IntPtr(-1)
		j.StartedAt = nil
		j.EndedAt = job.TimePtr(endedAt)
		j.DurationMs = job.Int64Ptr(0)
	})
	if ok {
		r.fireWaiters(jobID, updated)
	}
}

// finalize records a job's terminal status, size/truncation/preview
// fields from its (now-closed) log handle, and wakes any sync waiter.
func (r *Runner) finalize(jobID string, outcome executor.Outcome, startedAt time.Time, handle *logsink.Handle) {
	endedAt := time.Now().UTC()
	updated, ok := r.store.Mutate(jobID, func(j *job.Job) {
		j.Status = outcome.Status
		j.Code = job.IntPtr(outcome.Code)
		j.EndedAt = job.TimePtr(endedAt)
		j.DurationMs = job.Int64Ptr(endedAt.Sub(startedAt).Milliseconds())
		if handle != nil {
			j.StdoutSize = handle.Stdout.Size()
			j.StderrSize = handle.Stderr.Size()
			j.StdoutTruncated = handle.Stdout.Truncated()
			j.StderrTruncated = handle.Stderr.Truncated()
			j.StdoutPreview = handle.Stdout.Preview()
			j.StderrPreview = handle.Stderr.Preview()
		}
	})
	if !ok {
		r.logger.Error("finalized job missing from store", "jobID", jobID)
		return
	}
	r.fireWaiters(jobID, updated)
}

func (r *Runner) registerHandle(jobID string, h *logsink.Handle) {
	r.mu.Lock()
	r.handles[jobID] = h
	r.mu.Unlock()
}

func (r *Runner) unregisterHandle(jobID string) {
	r.mu.Lock()
	delete(r.handles, jobID)
	r.mu.Unlock()
}

func (r *Runner) registerProcess(jobID string, p *executor.Process) {
	r.mu.Lock()
	r.processes[jobID] = p
	r.mu.Unlock()
}

func (r *Runner) unregisterProcess(jobID string) {
	r.mu.Lock()
	delete(r.processes, jobID)
	r.mu.Unlock()
}

func (r *Runner) addWaiter(jobID string) <-chan *job.Job {
	ch := make(chan *job.Job, 1)
	r.mu.Lock()
	r.waiters[jobID] = append(r.waiters[jobID], ch)
	r.mu.Unlock()
	return ch
}

func (r *Runner) fireWaiters(jobID string, snapshot *job.Job) {
	r.mu.Lock()
	chans := r.waiters[jobID]
	delete(r.waiters, jobID)
	r.mu.Unlock()
	for _, ch := range chans {
		ch <- snapshot
	}
}
