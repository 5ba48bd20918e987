// Package tasks provides the deferred task queue and the delayed event
// scheduler that keep slow work off the connection loops.
package tasks

import (
	"runtime/debug"
	"sync"

	"github.com/golang/glog"
)

// Task is a deferred unit of work.
type Task func()

// Dispatcher runs tasks one at a time, in the order they were added, on a
// single background goroutine.
type Dispatcher struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	started  bool
	shutdown bool

	done chan struct{}
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{done: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker. Tasks added before Start wait for it.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	go d.run()
}

// AddTask queues t. After Shutdown, tasks are dropped and AddTask reports
// false.
func (d *Dispatcher) AddTask(t Task) bool {
	if t == nil {
		return false
	}
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		glog.V(2).Infof("dispatcher: dropping task added after shutdown")
		return false
	}
	d.queue = append(d.queue, t)
	d.mu.Unlock()
	d.cond.Signal()
	return true
}

// Len returns the number of tasks waiting to run.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Shutdown stops accepting tasks. The worker runs what is already queued
// and then exits.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return
	}
	d.shutdown = true
	started := d.started
	d.mu.Unlock()
	d.cond.Broadcast()

	if !started {
		d.Start()
	}
}

// Join waits for the worker to exit after Shutdown.
func (d *Dispatcher) Join() {
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	glog.V(2).Infof("dispatcher started")

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.shutdown {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			glog.V(2).Infof("dispatcher stopped")
			return
		}
		batch := d.queue
		d.queue = nil
		d.mu.Unlock()

		for _, t := range batch {
			d.execute(t)
		}
	}
}

func (d *Dispatcher) execute(t Task) {
	defer func() {
		if e := recover(); e != nil {
			glog.Errorf("dispatcher: task panicked: %v\n%s", e, debug.Stack())
		}
	}()
	t()
}
