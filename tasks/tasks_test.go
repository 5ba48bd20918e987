package tasks

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"
)

func TestDispatcherOrder(t *testing.T) {
	d := NewDispatcher()

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		d.AddTask(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	d.Start()
	d.Shutdown()
	d.Join()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
}

func TestDispatcherDropsAfterShutdown(t *testing.T) {
	d := NewDispatcher()
	d.Start()
	d.Shutdown()
	d.Join()

	if d.AddTask(func() { t.Errorf("task ran after shutdown") }) {
		t.Errorf("AddTask accepted a task after shutdown")
	}
}

func TestDispatcherSurvivesPanic(t *testing.T) {
	d := NewDispatcher()
	d.Start()
	ran := make(chan struct{})
	d.AddTask(func() { panic("boom") })
	d.AddTask(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("task after a panicking task never ran")
	}
	d.Shutdown()
	d.Join()
}

func TestSchedulerFiresOnce(t *testing.T) {
	d := NewDispatcher()
	d.Start()
	defer d.Join()
	defer d.Shutdown()
	s := NewScheduler(d)
	defer s.Shutdown()

	var runs int32
	fired := make(chan struct{}, 2)
	s.AddEvent(10*time.Millisecond, func() {
		atomic.AddInt32(&runs, 1)
		fired <- struct{}{}
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("event never fired")
	}
	time.Sleep(2 * MinDelay)
	if n := atomic.LoadInt32(&runs); n != 1 {
		t.Errorf("event ran %d times; want 1", n)
	}
	if n := s.Pending(); n != 0 {
		t.Errorf("%d events still pending", n)
	}
}

func TestSchedulerStopEvent(t *testing.T) {
	d := NewDispatcher()
	d.Start()
	s := NewScheduler(d)

	var runs int32
	id := s.AddEvent(200*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })
	if id == 0 {
		t.Fatalf("AddEvent returned 0")
	}
	if !s.StopEvent(id) {
		t.Fatalf("StopEvent(%d) = false", id)
	}
	if s.StopEvent(id) {
		t.Errorf("second StopEvent(%d) = true", id)
	}

	time.Sleep(400 * time.Millisecond)
	d.Shutdown()
	d.Join()
	if n := atomic.LoadInt32(&runs); n != 0 {
		t.Errorf("stopped event ran %d times", n)
	}
}

func TestSchedulerIDsIncrease(t *testing.T) {
	s := NewScheduler(NewDispatcher())
	defer s.Shutdown()

	a := s.AddEvent(time.Hour, func() {})
	b := s.AddEvent(time.Hour, func() {})
	if b <= a {
		t.Errorf("ids not increasing: %d then %d", a, b)
	}
	if n := s.Pending(); n != 2 {
		t.Errorf("pending = %d; want 2", n)
	}
}

func TestSchedulerShutdown(t *testing.T) {
	s := NewScheduler(NewDispatcher())
	s.AddEvent(time.Hour, func() {})
	s.Shutdown()

	if n := s.Pending(); n != 0 {
		t.Errorf("pending after shutdown = %d", n)
	}
	if id := s.AddEvent(time.Hour, func() {}); id != 0 {
		t.Errorf("AddEvent after shutdown = %d; want 0", id)
	}
}
