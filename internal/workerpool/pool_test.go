package workerpool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_ReturnsResult(t *testing.T) {
	p := New(Config{Size: 2})
	defer p.Shutdown(context.Background())

	f, err := Submit(p, "test", func() (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := f.Await(context.Background())
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestSubmit_PropagatesError(t *testing.T) {
	p := New(Config{Size: 1})
	defer p.Shutdown(context.Background())

	wantErr := errors.New("engine exploded")
	f, err := Submit(p, "test", func() (string, error) { return "", wantErr })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.Await(context.Background()); !errors.Is(err, wantErr) {
		t.Errorf("await error = %v, want %v", err, wantErr)
	}
}

func TestSubmit_RecoversPanic(t *testing.T) {
	p := New(Config{Size: 1})
	defer p.Shutdown(context.Background())

	f, err := Submit(p, "transcribe", func() (int, error) { panic("bad model") })
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = f.Await(context.Background())
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic error, got %v", err)
	}

	// The worker survives the panic.
	f2, _ := Submit(p, "test", func() (int, error) { return 1, nil })
	if v, err := f2.Await(context.Background()); err != nil || v != 1 {
		t.Errorf("pool unusable after panic: v=%d err=%v", v, err)
	}
}

func TestPool_LimitsParallelism(t *testing.T) {
	const size = 3
	p := New(Config{Size: size, QueueSize: 0})
	defer p.Shutdown(context.Background())

	var current, peak int64
	var futures []*Future[struct{}]
	for i := 0; i < 12; i++ {
		f, err := Submit(p, "test", func() (struct{}, error) {
			n := atomic.AddInt64(&current, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return struct{}{}, nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		if _, err := f.Await(context.Background()); err != nil {
			t.Fatalf("await: %v", err)
		}
	}

	if peak > size {
		t.Errorf("peak parallelism = %d, want <= %d", peak, size)
	}
}

func TestPool_FIFOOrderWithSingleWorker(t *testing.T) {
	p := New(Config{Size: 1})
	defer p.Shutdown(context.Background())

	var mu sync.Mutex
	var order []int
	var last *Future[int]
	for i := 0; i < 5; i++ {
		i := i
		f, err := Submit(p, "test", func() (int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i, nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		last = f
	}
	last.Await(context.Background())

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}

func TestPool_RejectsWhenQueueFull(t *testing.T) {
	p := New(Config{Size: 1, QueueSize: 1})
	defer p.Shutdown(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	blocker, err := Submit(p, "test", func() (int, error) {
		close(started)
		<-release
		return 0, nil
	})
	if err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	// Fills the single queue slot.
	queued, err := Submit(p, "test", func() (int, error) { return 1, nil })
	if err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	if _, err := Submit(p, "test", func() (int, error) { return 2, nil }); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	close(release)
	blocker.Await(context.Background())
	if v, err := queued.Await(context.Background()); err != nil || v != 1 {
		t.Errorf("queued task: v=%d err=%v", v, err)
	}
}

func TestPool_UnboundedQueueAcceptsBacklog(t *testing.T) {
	p := New(Config{Size: 1, QueueSize: 0})
	defer p.Shutdown(context.Background())

	release := make(chan struct{})
	Submit(p, "test", func() (int, error) { <-release; return 0, nil })

	var futures []*Future[int]
	for i := 0; i < 1000; i++ {
		f, err := Submit(p, "test", func() (int, error) { return 1, nil })
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		futures = append(futures, f)
	}
	close(release)
	for _, f := range futures {
		f.Await(context.Background())
	}
}

func TestAwait_CancelledContextDoesNotStopTask(t *testing.T) {
	p := New(Config{Size: 1})
	defer p.Shutdown(context.Background())

	release := make(chan struct{})
	var finished atomic.Bool
	f, _ := Submit(p, "transcribe", func() (int, error) {
		<-release
		finished.Store(true)
		return 7, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("await error = %v, want context.Canceled", err)
	}

	close(release)
	<-f.Done()
	if !finished.Load() {
		t.Error("task should run to completion after caller gave up")
	}
	if v, err := f.Result(); v != 7 || err != nil {
		t.Errorf("result = %d, %v", v, err)
	}
}

func TestShutdown_DrainsQueuedWork(t *testing.T) {
	p := New(Config{Size: 1, QueueSize: 0})

	var ran int64
	for i := 0; i < 10; i++ {
		if _, err := Submit(p, "test", func() (int, error) {
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&ran, 1)
			return 0, nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran != 10 {
		t.Errorf("ran %d tasks, want 10", ran)
	}

	if _, err := Submit(p, "test", func() (int, error) { return 0, nil }); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed after shutdown, got %v", err)
	}
	if p.Accepting() {
		t.Error("pool should not accept after shutdown")
	}
}

func TestShutdown_TimesOut(t *testing.T) {
	p := New(Config{Size: 1})

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	Submit(p, "test", func() (int, error) {
		close(started)
		<-release
		return 0, nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Shutdown(ctx); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNew_DefaultsSizeToCPUCount(t *testing.T) {
	p := New(Config{})
	defer p.Shutdown(context.Background())

	if p.Size() < 1 {
		t.Errorf("size = %d, want >= 1", p.Size())
	}
	if s := p.Stats(); s.Size != p.Size() || s.Closed {
		t.Errorf("unexpected stats %+v", s)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	queued   int
	rejected []string
	finished []string
}

func (o *recordingObserver) TaskQueued(kind string, queued int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued++
}

func (o *recordingObserver) TaskRejected(kind, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, reason)
}

func (o *recordingObserver) TaskStarted(kind string, wait time.Duration, inFlight int) {}

func (o *recordingObserver) TaskFinished(kind string, took time.Duration, err error, inFlight int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, kind)
}

func TestObserver_SeesLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	p := New(Config{Size: 1}, WithObserver(obs))

	f, _ := Submit(p, "load_model", func() (int, error) { return 0, nil })
	f.Await(context.Background())
	p.Shutdown(context.Background())
	Submit(p, "transcribe", func() (int, error) { return 0, nil })

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.queued != 1 {
		t.Errorf("queued = %d, want 1", obs.queued)
	}
	if len(obs.finished) != 1 || obs.finished[0] != "load_model" {
		t.Errorf("finished = %v", obs.finished)
	}
	if len(obs.rejected) != 1 || obs.rejected[0] != "closed" {
		t.Errorf("rejected = %v", obs.rejected)
	}
}
