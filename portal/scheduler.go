package portal

import (
	"sync"
	"time"
)

// Scheduler owns a set of schedule-once tasks that can all be stopped at
// once. A task that has not started when Stop is called never runs.
type Scheduler struct {
	mu      sync.Mutex
	next    uint64
	timers  map[uint64]*time.Timer
	stopped bool
}

// Task is a handle on a single scheduled callback.
type Task struct {
	s  *Scheduler
	id uint64
}

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[uint64]*time.Timer)}
}

// After runs fn once after d on its own goroutine. It returns nil when the
// scheduler is already stopped.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.next++
	id := s.next
	s.timers[id] = time.AfterFunc(d, func() {
		if !s.claim(id) {
			return
		}
		fn()
	})
	return &Task{s: s, id: id}
}

// claim removes the task before running it so Stop and Cancel lose the race cleanly.
func (s *Scheduler) claim(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.timers[id]; !ok {
		return false
	}
	delete(s.timers, id)
	return !s.stopped
}

// Cancel stops the task and reports whether it was still pending.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	timer, ok := t.s.timers[t.id]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.s.timers, t.id)
	return true
}

// Stop cancels every pending task and refuses new ones. It returns the
// number of tasks that were cancelled.
func (s *Scheduler) Stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
		n++
	}
	s.stopped = true
	return n
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
