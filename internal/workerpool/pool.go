// Package workerpool provides a fixed-size pool of goroutines that runs
// blocking work (model loads, scratch I/O, transcription) off the request
// path. Callers submit a function and await the returned Future.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Errors returned by Submit.
var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("worker pool queue is full")
)

// DefaultQueueSize bounds the number of waiting tasks.
const DefaultQueueSize = 256

// Config configures a Pool.
type Config struct {
	// Size is the number of worker goroutines. <= 0 means runtime.NumCPU().
	Size int
	// QueueSize is the maximum number of waiting tasks. 0 means unbounded.
	QueueSize int
}

// Observer receives task lifecycle notifications, typically for metrics.
type Observer interface {
	TaskQueued(kind string, queued int)
	TaskRejected(kind string, reason string)
	TaskStarted(kind string, wait time.Duration, inFlight int)
	TaskFinished(kind string, took time.Duration, err error, inFlight int)
}

// Option configures optional Pool behaviour.
type Option func(*Pool)

// WithObserver attaches an observer to the pool.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Size     int  `json:"size"`
	Queued   int  `json:"queued"`
	InFlight int  `json:"inFlight"`
	Closed   bool `json:"closed"`
}

type task struct {
	kind     string
	run      func() error
	enqueued time.Time
}

// Pool is a bounded worker pool with a FIFO queue.
type Pool struct {
	size      int
	queueSize int
	observer  Observer

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []task
	inFlight int
	closed   bool

	workers sync.WaitGroup
}

// New creates a pool and starts its workers.
func New(cfg Config, opts ...Option) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = runtime.NumCPU()
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	p := &Pool{
		size:      cfg.Size,
		queueSize: cfg.QueueSize,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < p.size; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:     p.size,
		Queued:   len(p.queue),
		InFlight: p.inFlight,
		Closed:   p.closed,
	}
}

// Accepting reports whether the pool still takes new submissions.
func (p *Pool) Accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Submit schedules fn on the pool and returns a Future for its result.
// It never blocks; a closed pool or full queue is reported immediately.
func Submit[T any](p *Pool, kind string, fn func() (T, error)) (*Future[T], error) {
	f := newFuture[T]()
	run := func() (err error) {
		var val T
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s task panicked: %v", kind, r)
			}
			f.complete(val, err)
		}()
		val, err = fn()
		return err
	}
	if err := p.enqueue(kind, run); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *Pool) enqueue(kind string, run func() error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.notifyRejected(kind, "closed")
		return ErrPoolClosed
	}
	if p.queueSize > 0 && len(p.queue) >= p.queueSize {
		p.mu.Unlock()
		p.notifyRejected(kind, "queue_full")
		return ErrQueueFull
	}
	p.queue = append(p.queue, task{kind: kind, run: run, enqueued: time.Now()})
	queued := len(p.queue)
	p.cond.Signal()
	p.mu.Unlock()

	if p.observer != nil {
		p.observer.TaskQueued(kind, queued)
	}
	return nil
}

func (p *Pool) notifyRejected(kind, reason string) {
	if p.observer != nil {
		p.observer.TaskRejected(kind, reason)
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			// closed and drained
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = task{}
		p.queue = p.queue[1:]
		p.inFlight++
		inFlight := p.inFlight
		p.mu.Unlock()

		start := time.Now()
		if p.observer != nil {
			p.observer.TaskStarted(t.kind, start.Sub(t.enqueued), inFlight)
		}

		err := t.run()

		p.mu.Lock()
		p.inFlight--
		inFlight = p.inFlight
		p.mu.Unlock()

		if p.observer != nil {
			p.observer.TaskFinished(t.kind, time.Since(start), err, inFlight)
		}
	}
}

// Shutdown stops accepting submissions, lets workers finish every queued
// and in-flight task, and waits for them. It returns an error if ctx ends
// first; the workers keep draining in the background in that case.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown timed out: %w", ctx.Err())
	}
}
