package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/jsturma/jobctl/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RespectsMaxConcurrent(t *testing.T) {
	var mu sync.Mutex
	var maxObserved, current int
	release := make(chan string, 100)

	admit := func(jobID string, entry registry.Entry, done func()) {
		mu.Lock()
		current++
		if current > maxObserved {
			maxObserved = current
		}
		mu.Unlock()

		go func() {
			<-release
			mu.Lock()
			current--
			mu.Unlock()
			done()
		}()
	}
	sched := New(2, admit, func(string) {}, nil)

	for i := 0; i < 5; i++ {
		sched.Enqueue(string(rune('a'+i)), registry.Entry{ID: "s"})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return maxObserved > 0
	}, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		release <- "go"
	}

	require.Eventually(t, func() bool {
		return sched.RunningCount() == 0 && sched.QueueLen() == 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxObserved, 2)
}

func TestScheduler_FIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	sched := New(1, func(jobID string, entry registry.Entry, done func()) {
		mu.Lock()
		order = append(order, jobID)
		mu.Unlock()
		done()
	}, func(string) {}, nil)

	sched.Enqueue("a", registry.Entry{})
	sched.Enqueue("b", registry.Entry{})
	sched.Enqueue("c", registry.Entry{})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestScheduler_QueuedCancelNeverAdmits(t *testing.T) {
	var mu sync.Mutex
	var admitted, canceled []string

	block := make(chan struct{})
	sched := New(1, func(jobID string, entry registry.Entry, done func()) {
		mu.Lock()
		admitted = append(admitted, jobID)
		mu.Unlock()
		go func() {
			<-block
			done()
		}()
	}, func(jobID string) {
		mu.Lock()
		canceled = append(canceled, jobID)
		mu.Unlock()
	}, nil)

	sched.Enqueue("busy", registry.Entry{})
	sched.Enqueue("victim", registry.Entry{})

	require.True(t, sched.RequestCancel("victim"))
	close(block)

	require.Eventually(t, func() bool {
		return sched.QueueLen() == 0 && sched.RunningCount() == 0
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"busy"}, admitted)
	require.Equal(t, []string{"victim"}, canceled)
}

func TestScheduler_RequestCancel_UnknownReturnsFalse(t *testing.T) {
	sched := New(1, func(string, registry.Entry, func()) {}, func(string) {}, nil)
	require.False(t, sched.RequestCancel("nope"))
}
