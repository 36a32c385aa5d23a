// Package scheduler implements the single-threaded, cooperative delayed-task
// queue that drives every Raft timer (election timeout, heartbeat,
// housekeeping): one worker goroutine drains a container/heap ordered by
// deadline, so no two scheduled tasks ever run concurrently and
// role/RPC handlers can assume they execute under the same logical thread.
package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Task is a unit of deferred work. Handlers are responsible for checking
// their own role/epoch guards on entry; the scheduler has no notion of
// cancellation.
type Task func()

type item struct {
	deadline time.Time
	seq      uint64 // FIFO tie-break for equal deadlines
	task     Task
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Scheduler is a single-worker timer wheel. The zero value is not usable;
// construct with New.
type Scheduler struct {
	mu      sync.Mutex
	heap    taskHeap
	nextSeq uint64
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// New creates and starts a Scheduler. Call Stop to release its worker
// goroutine.
func New() *Scheduler {
	s := &Scheduler{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Schedule enqueues task to run no earlier than delay from now. Safe to call
// from any goroutine, including from within a running task.
func (s *Scheduler) Schedule(delay time.Duration, task Task) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	it := &item{deadline: time.Now().Add(delay), seq: s.nextSeq, task: task}
	s.nextSeq++
	heap.Push(&s.heap, it)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop halts the worker. Tasks already due may still run before it returns;
// nothing new will be scheduled after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var wait time.Duration
		if len(s.heap) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(s.heap[0].deadline)
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-s.stop:
			return
		case <-timer.C:
		case <-s.wake:
			continue
		}

		for {
			s.mu.Lock()
			if len(s.heap) == 0 || s.heap[0].deadline.After(time.Now()) {
				s.mu.Unlock()
				break
			}
			it := heap.Pop(&s.heap).(*item)
			s.mu.Unlock()
			it.task()
		}
	}
}
