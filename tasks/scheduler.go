package tasks

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// MinDelay is the shortest delay an event can be scheduled with.
const MinDelay = 50 * time.Millisecond

// Scheduler runs one-shot tasks after a delay. Expired events are handed to
// the Dispatcher; they never run on the timer goroutine.
type Scheduler struct {
	dispatcher *Dispatcher

	mu       sync.Mutex
	lastID   uint32
	events   map[uint32]*time.Timer
	shutdown bool
}

func NewScheduler(d *Dispatcher) *Scheduler {
	return &Scheduler{
		dispatcher: d,
		events:     make(map[uint32]*time.Timer),
	}
}

// AddEvent schedules t to be dispatched after delay and returns an ID for
// StopEvent. It returns 0 once the scheduler is shut down.
func (s *Scheduler) AddEvent(delay time.Duration, t Task) uint32 {
	if t == nil {
		return 0
	}
	if delay < MinDelay {
		delay = MinDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return 0
	}
	s.lastID++
	if s.lastID == 0 {
		s.lastID++
	}
	id := s.lastID
	s.events[id] = time.AfterFunc(delay, func() { s.expire(id, t) })
	return id
}

func (s *Scheduler) expire(id uint32, t Task) {
	s.mu.Lock()
	_, ok := s.events[id]
	delete(s.events, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if !s.dispatcher.AddTask(t) {
		glog.V(2).Infof("scheduler: event %d dropped by dispatcher", id)
	}
}

// StopEvent cancels a pending event. It reports false if the event already
// went to the dispatcher or never existed.
func (s *Scheduler) StopEvent(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer, ok := s.events[id]
	if !ok {
		return false
	}
	delete(s.events, id)
	timer.Stop()
	return true
}

// Pending returns the number of events that have not expired yet.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Shutdown cancels every pending event and refuses new ones.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	for id, timer := range s.events {
		timer.Stop()
		delete(s.events, id)
	}
	glog.V(2).Infof("scheduler stopped")
}
