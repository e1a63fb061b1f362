package clock

import (
	"container/heap"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrSchedulerStopped is returned once Stop has been called.
var ErrSchedulerStopped = errors.New("scheduler stopped")

// Callback fires on the scheduler worker once the deadline has passed.
// Callbacks must be idempotent: crash recovery can replay a firing.
type Callback func(key string)

// timerEntry is one pending deadline in the heap.
type timerEntry struct {
	key      string
	deadline time.Time
	fn       Callback
	index    int // heap index, maintained for O(log N) cancellation
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is a keyed timer wheel. At most one pending timer exists
// per key; re-registration cancels the prior one. Callbacks fire on a
// dedicated worker in deadline order, on or after their deadline.
type Scheduler struct {
	mu        sync.Mutex
	clk       Clock
	heap      timerHeap
	byKey     map[string]*timerEntry
	suspended map[string]*timerEntry // frozen timers, off the heap
	stopped   bool
	stopCh    chan struct{}
	wakeCh    chan struct{}
	tick      time.Duration
	logger    *log.Logger
}

// NewScheduler creates and starts a scheduler. tick bounds how late a
// callback can fire past its deadline; zero means 50ms.
func NewScheduler(clk Clock, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	s := &Scheduler{
		clk:       clk,
		byKey:     make(map[string]*timerEntry),
		suspended: make(map[string]*timerEntry),
		stopCh:    make(chan struct{}),
		wakeCh:    make(chan struct{}, 1),
		tick:      tick,
		logger:    log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
	go s.run()
	return s
}

// Schedule registers fn to fire at deadline under key, replacing any
// pending timer for the same key.
func (s *Scheduler) Schedule(key string, deadline time.Time, fn Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}

	s.removeLocked(key)
	e := &timerEntry{key: key, deadline: deadline, fn: fn}
	heap.Push(&s.heap, e)
	s.byKey[key] = e

	s.wake()
	return nil
}

// Cancel removes the pending (or suspended) timer for key. Returns
// whether a timer existed.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

// Suspend takes the timer for key off the wheel, keeping its deadline
// and callback so Resume can re-arm it. Used while a transaction is
// frozen by an emergency stop.
func (s *Scheduler) Suspend(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byKey, key)
	s.suspended[key] = e
	return e.deadline, true
}

// Resume re-arms a suspended timer at a new deadline.
func (s *Scheduler) Resume(key string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}
	e, ok := s.suspended[key]
	if !ok {
		return errors.New("no suspended timer for key " + key)
	}
	delete(s.suspended, key)
	e.deadline = deadline
	heap.Push(&s.heap, e)
	s.byKey[key] = e
	s.wake()
	return nil
}

// ResumeAfter re-arms a suspended timer at its suspended deadline
// pushed out by extension. Convenient when the caller never recorded
// the original deadline.
func (s *Scheduler) ResumeAfter(key string, extension time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrSchedulerStopped
	}
	e, ok := s.suspended[key]
	if !ok {
		return errors.New("no suspended timer for key " + key)
	}
	delete(s.suspended, key)
	e.deadline = e.deadline.Add(extension)
	heap.Push(&s.heap, e)
	s.byKey[key] = e
	s.wake()
	return nil
}

// Pending returns the number of armed timers (suspended ones excluded).
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// Stop shuts the worker down. Pending timers never fire after Stop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
}

// FireDue synchronously fires every timer whose deadline has passed
// according to the clock. Tests drive a FakeClock and call this to get
// deterministic timeout delivery; the background worker does the same
// thing on its tick.
func (s *Scheduler) FireDue() int {
	fired := 0
	for {
		s.mu.Lock()
		if s.stopped || len(s.heap) == 0 {
			s.mu.Unlock()
			return fired
		}
		next := s.heap[0]
		if next.deadline.After(s.clk.Now()) {
			s.mu.Unlock()
			return fired
		}
		heap.Pop(&s.heap)
		delete(s.byKey, next.key)
		s.mu.Unlock()

		next.fn(next.key)
		fired++
	}
}

func (s *Scheduler) removeLocked(key string) bool {
	if e, ok := s.byKey[key]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.byKey, key)
		return true
	}
	if _, ok := s.suspended[key]; ok {
		delete(s.suspended, key)
		return true
	}
	return false
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// run is the worker loop: fires due timers, sleeps until the next
// deadline or tick, and wakes early when a closer timer is scheduled.
func (s *Scheduler) run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.FireDue()
		case <-s.wakeCh:
			s.FireDue()
		}
	}
}
