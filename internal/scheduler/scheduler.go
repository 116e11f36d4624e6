// Package scheduler implements the Scheduler of §4.4: a FIFO queue plus a
// running-job counter that admits up to maxConcurrent jobs and drains as
// jobs finish. It is a plain mutex-guarded slice rather than the teacher's
// container/heap-based priority queue (scheduler/priority_queue.go): that
// structure exists there to order jobs by a future ScheduledTime, a feature
// this spec's Non-goals exclude. Strict submission-order FIFO needs no
// ordering key beyond arrival, so a slice is the right data structure and a
// heap would be over-engineering for it.
package scheduler

import (
	"sync"

	"github.com/jsturma/jobctl/internal/registry"
	"github.com/jsturma/jobctl/pkg/logger"
)

// AdmitFunc is invoked when a job is admitted to run. It must arrange for
// done to be called exactly once, when the job reaches a terminal status,
// so the Scheduler can decrement its running count and drain further work.
type AdmitFunc func(jobID string, entry registry.Entry, done func())

// QueuedCancelFunc is invoked when a queued (not yet admitted) job is found
// to be cancel-requested at the head of the queue.
type QueuedCancelFunc func(jobID string)

type queueItem struct {
	jobID    string
	entry    registry.Entry
	canceled bool
}

// Scheduler is the FIFO admission controller described in §4.4.
type Scheduler struct {
	mu            sync.Mutex
	maxConcurrent int
	runningCount  int
	queue         []*queueItem
	byID          map[string]*queueItem

	admit        AdmitFunc
	queuedCancel QueuedCancelFunc
	logger       *logger.Logger
}

// New creates a Scheduler. admit and queuedCancel are called after the
// Scheduler's internal lock has been released, on the goroutine of the
// Enqueue/onJobDone call that triggered the drain, so that goroutine waits
// for them to return; admit must therefore hand the job's actual execution
// to a new goroutine, which is exactly what internal/runner's wiring does.
func New(maxConcurrent int, admit AdmitFunc, queuedCancel QueuedCancelFunc, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.New()
	}
	return &Scheduler{
		maxConcurrent: maxConcurrent,
		byID:          make(map[string]*queueItem),
		admit:         admit,
		queuedCancel:  queuedCancel,
		logger:        log.WithField("component", "scheduler"),
	}
}

// Enqueue appends a job to the FIFO and immediately attempts to drain.
func (s *Scheduler) Enqueue(jobID string, entry registry.Entry) {
	s.mu.Lock()
	item := &queueItem{jobID: jobID, entry: entry}
	s.queue = append(s.queue, item)
	s.byID[jobID] = item
	s.mu.Unlock()

	s.drain()
}

// RequestCancel marks a still-queued job as cancel-requested. Returns false
// if jobID is not currently in the queue (already admitted, or unknown) —
// the caller should then fall back to the running-job cancel path.
func (s *Scheduler) RequestCancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byID[jobID]
	if !ok {
		return false
	}
	item.canceled = true
	return true
}

// RunningCount returns the current number of admitted, not-yet-terminal
// jobs. Exposed for the quantified-invariant tests of §8.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningCount
}

// QueueLen returns the number of jobs still waiting for admission.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// drain pops jobs off the head of the queue while there is capacity,
// skipping (and finalizing) any that were canceled while queued. It never
// blocks on external I/O — admit and queuedCancel are expected to hand off
// any slow work to a goroutine themselves.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.runningCount >= s.maxConcurrent || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		delete(s.byID, item.jobID)

		if item.canceled {
			s.mu.Unlock()
			s.queuedCancel(item.jobID)
			continue
		}

		s.runningCount++
		s.mu.Unlock()

		s.admit(item.jobID, item.entry, s.onJobDone)
	}
}

// onJobDone is the callback admitted jobs must invoke exactly once, on
// terminal transition.
func (s *Scheduler) onJobDone() {
	s.mu.Lock()
	s.runningCount--
	s.mu.Unlock()
	s.drain()
}
