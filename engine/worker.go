package engine

import (
	"errors"
	"fmt"
)

var errWorkerStopped = errors.New("engine worker stopped")

// request is one unit of scope-mutating work.
type request struct {
	fn   func() error
	done chan error
}

// worker serializes load, discover, clear and register through a single
// goroutine. Invocations do not go through it.
type worker struct {
	requests chan request
	quit     chan struct{}
}

// newWorker creates a worker and starts the processing goroutine.
func newWorker() *worker {
	w := &worker{
		requests: make(chan request, 16),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs fn, turning a panic into an error.
func (w *worker) execute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine worker: %v", r)
		}
	}()
	return fn()
}

// Do submits fn and blocks until it has run.
func (w *worker) Do(fn func() error) error {
	req := request{fn: fn, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-w.quit:
		return errWorkerStopped
	}
	select {
	case err := <-req.done:
		return err
	case <-w.quit:
		return errWorkerStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *worker) Stop() {
	close(w.quit)
}
