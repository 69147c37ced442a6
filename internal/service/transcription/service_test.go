package transcription

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"voxscribe-service/internal/apperrors"
	"voxscribe-service/internal/audio"
	"voxscribe-service/internal/models"
	"voxscribe-service/internal/observability/metrics"
	"voxscribe-service/internal/service/engine/mock"
	"voxscribe-service/internal/service/registry"
	"voxscribe-service/internal/service/scratch"
	"voxscribe-service/internal/workerpool"
)

type countingObserver struct {
	mu     sync.Mutex
	queued map[string]int
}

func (o *countingObserver) TaskQueued(kind string, queued int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queued[kind]++
}

func (o *countingObserver) TaskRejected(kind, reason string) {}

func (o *countingObserver) TaskStarted(kind string, wait time.Duration, inFlight int) {}

func (o *countingObserver) TaskFinished(kind string, took time.Duration, err error, inFlight int) {}

func (o *countingObserver) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.queued {
		n += c
	}
	return n
}

type recordingPublisher struct {
	mu        sync.Mutex
	completed []models.TranscriptionCompleted
	failed    []models.TranscriptionFailed
}

func (p *recordingPublisher) PublishCompleted(ctx context.Context, e models.TranscriptionCompleted) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return nil
}

func (p *recordingPublisher) PublishFailed(ctx context.Context, e models.TranscriptionFailed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, e)
	return errors.New("broker unavailable")
}

type fixture struct {
	svc       *Service
	engine    *mock.Engine
	pool      *workerpool.Pool
	store     *scratch.Store
	observer  *countingObserver
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

type fixtureOpts struct {
	engine    mock.Config
	poolSize  int
	queueSize int
	noCache   bool
	storeOpts []scratch.Option
	maxSize   int64
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	obs := &countingObserver{queued: make(map[string]int)}

	if o.poolSize == 0 {
		o.poolSize = 4
	}
	pool := workerpool.New(workerpool.Config{Size: o.poolSize, QueueSize: o.queueSize}, workerpool.WithObserver(obs))
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	eng := mock.New(o.engine)
	reg := registry.New(registry.Config{
		Engine:       eng,
		Available:    []string{"tiny", "base", "small"},
		CacheEnabled: !o.noCache,
	}, m)

	store, err := scratch.New(t.TempDir(), m, o.storeOpts...)
	if err != nil {
		t.Fatal(err)
	}

	if o.maxSize == 0 {
		o.maxSize = 50 << 20
	}
	pub := &recordingPublisher{}
	svc := NewService(Config{
		AllowedExtensions: []string{".mp3", ".WAV", ".m4a", ".flac", ".ogg", ".webm"},
		MaxFileSize:       o.maxSize,
		DefaultModel:      "base",
	}, pool, reg, store, pub, m)

	return &fixture{svc: svc, engine: eng, pool: pool, store: store, observer: obs, publisher: pub, metrics: m}
}

func (f *fixture) scratchEntries(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.store.Dir())
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func silentRequest(t *testing.T, model string) Request {
	t.Helper()
	data, err := audio.Silence(2 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return Request{
		Filename: "clip.wav",
		Size:     int64(len(data)),
		Audio:    bytes.NewReader(data),
		Model:    model,
		Task:     "transcribe",
	}
}

func toneRequest(t *testing.T) Request {
	t.Helper()
	data, err := audio.Tone(time.Second, 440)
	if err != nil {
		t.Fatal(err)
	}
	return Request{Filename: "tone.WAV", Size: int64(len(data)), Audio: bytes.NewReader(data), Model: "tiny"}
}

func TestTranscribe_SilentWAV(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	resp, err := f.svc.Transcribe(context.Background(), silentRequest(t, "tiny"))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if resp.Text != "" {
		t.Errorf("text = %q, want empty", resp.Text)
	}
	if resp.Language != "en" {
		t.Errorf("language = %q, want en", resp.Language)
	}
	if resp.Segments != nil {
		t.Errorf("segments = %v, want nil when not requested", resp.Segments)
	}
	if n := f.scratchEntries(t); n != 0 {
		t.Errorf("scratch entries after success = %d", n)
	}
	if len(f.publisher.completed) != 1 || f.publisher.completed[0].Model != "tiny" {
		t.Errorf("completed events = %+v", f.publisher.completed)
	}
	if got := len(f.engine.TranscribedPaths()); got != 1 {
		t.Errorf("engine calls = %d", got)
	}
}

func TestTranscribe_ReturnSegments(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := toneRequest(t)
	req.ReturnSegments = true
	req.Language = "fr"
	resp, err := f.svc.Transcribe(context.Background(), req)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if len(resp.Segments) != 1 || resp.Segments[0].End != 1 {
		t.Errorf("segments = %+v", resp.Segments)
	}
	if resp.Language != "fr" || resp.Text != mock.DefaultUtterances[0] {
		t.Errorf("resp = %+v", resp)
	}
	path := f.engine.TranscribedPaths()[0]
	if !strings.HasSuffix(path, ".wav") || !strings.Contains(path, scratch.Prefix) {
		t.Errorf("engine saw path %q", path)
	}
}

func TestTranscribe_DefaultsModelAndTask(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := silentRequest(t, "")
	req.Task = ""
	if _, err := f.svc.Transcribe(context.Background(), req); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if f.engine.Loads("base") != 1 {
		t.Errorf("default model not used: base loads = %d", f.engine.Loads("base"))
	}
	if f.publisher.completed[0].Task != "transcribe" {
		t.Errorf("task = %q", f.publisher.completed[0].Task)
	}
}

func TestTranscribe_RejectsWithoutDispatch(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		code   apperrors.Code
		status int
	}{
		{"unknown model", func(r *Request) { r.Model = "nonexistent-model" }, apperrors.CodeUnknownModel, http.StatusBadRequest},
		{"exe extension", func(r *Request) { r.Filename = "malware.exe" }, apperrors.CodeUnsupportedExtension, http.StatusBadRequest},
		{"no extension", func(r *Request) { r.Filename = "audio" }, apperrors.CodeUnsupportedExtension, http.StatusBadRequest},
		{"missing file", func(r *Request) { r.Audio = nil }, apperrors.CodeMissingFile, http.StatusBadRequest},
		{"bad task", func(r *Request) { r.Task = "summarize" }, apperrors.CodeInvalidTask, http.StatusBadRequest},
		{"bad language", func(r *Request) { r.Language = "en us!" }, apperrors.CodeInvalidInput, http.StatusBadRequest},
		{"declared too large", func(r *Request) { r.Size = 51 << 20 }, apperrors.CodePayloadTooLarge, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fixtureOpts{})
			req := silentRequest(t, "tiny")
			tt.mutate(&req)

			_, err := f.svc.Transcribe(context.Background(), req)
			appErr := apperrors.From(err)
			if appErr == nil || appErr.Code != tt.code {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
			if appErr.HTTPStatus != tt.status {
				t.Errorf("status = %d, want %d", appErr.HTTPStatus, tt.status)
			}
			if n := f.observer.total(); n != 0 {
				t.Errorf("pool tasks submitted = %d, want 0", n)
			}
			if f.engine.TotalLoads() != 0 {
				t.Errorf("model loads = %d, want 0", f.engine.TotalLoads())
			}
			if n := f.scratchEntries(t); n != 0 {
				t.Errorf("scratch entries = %d, want 0", n)
			}
			if len(f.publisher.completed)+len(f.publisher.failed) != 0 {
				t.Error("rejected requests must not publish events")
			}
		})
	}
}

func TestTranscribe_UndeclaredOversizeUpload(t *testing.T) {
	f := newFixture(t, fixtureOpts{maxSize: 1024})

	req := silentRequest(t, "tiny")
	req.Size = -1
	_, err := f.svc.Transcribe(context.Background(), req)
	if !apperrors.Is(err, apperrors.CodePayloadTooLarge) {
		t.Fatalf("err = %v, want PAYLOAD_TOO_LARGE", err)
	}
	if n := f.scratchEntries(t); n != 0 {
		t.Errorf("scratch entries = %d, want 0", n)
	}
	if len(f.engine.TranscribedPaths()) != 0 {
		t.Error("engine should not run for oversized upload")
	}
}

func TestTranscribe_EngineFailureCleansScratch(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.engine.SetTranscribeError(errors.New("decoder crashed"))

	_, err := f.svc.Transcribe(context.Background(), silentRequest(t, "tiny"))
	appErr := apperrors.From(err)
	if appErr.Code != apperrors.CodeTranscriptionFailed || appErr.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("err = %v", err)
	}
	if n := f.scratchEntries(t); n != 0 {
		t.Errorf("scratch entries after failure = %d", n)
	}
	if len(f.publisher.failed) != 1 || f.publisher.failed[0].ErrorCode != string(apperrors.CodeTranscriptionFailed) {
		t.Errorf("failed events = %+v", f.publisher.failed)
	}
}

func TestTranscribe_LoadFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.engine.SetLoadError(errors.New("out of memory"))

	_, err := f.svc.Transcribe(context.Background(), silentRequest(t, "small"))
	if !apperrors.Is(err, apperrors.CodeModelLoadFailed) {
		t.Fatalf("err = %v, want MODEL_LOAD_FAILED", err)
	}
	if n := f.scratchEntries(t); n != 0 {
		t.Errorf("scratch entries = %d", n)
	}
}

func TestTranscribe_DeletionFailureDoesNotFailResponse(t *testing.T) {
	f := newFixture(t, fixtureOpts{storeOpts: []scratch.Option{
		scratch.WithRemover(func(string) error { return errors.New("read-only file system") }),
	}})

	if _, err := f.svc.Transcribe(context.Background(), silentRequest(t, "tiny")); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got := testutil.ToFloat64(f.metrics.ScratchDeleteErrors); got != 1 {
		t.Errorf("delete errors = %v, want 1", got)
	}
}

func TestTranscribe_CacheDisabledLoadsEveryTime(t *testing.T) {
	f := newFixture(t, fixtureOpts{noCache: true})

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Transcribe(context.Background(), silentRequest(t, "base")); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if f.engine.Loads("base") != 2 {
		t.Errorf("constructions = %d, want 2", f.engine.Loads("base"))
	}
	if f.engine.Closes() != 2 {
		t.Errorf("closes = %d, want 2", f.engine.Closes())
	}
}

func TestTranscribe_CacheEnabledLoadsOnce(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	for i := 0; i < 2; i++ {
		if _, err := f.svc.Transcribe(context.Background(), silentRequest(t, "base")); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if f.engine.Loads("base") != 1 {
		t.Errorf("constructions = %d, want 1", f.engine.Loads("base"))
	}
}

func TestTranscribe_ConcurrentFirstUse(t *testing.T) {
	f := newFixture(t, fixtureOpts{engine: mock.Config{LoadDelay: 50 * time.Millisecond}})

	const k = 8
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transcribe(context.Background(), silentRequest(t, "small"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
	}
	if f.engine.Loads("small") != 1 {
		t.Errorf("constructions = %d, want 1", f.engine.Loads("small"))
	}
	if n := f.scratchEntries(t); n != 0 {
		t.Errorf("scratch entries = %d", n)
	}
}

func TestTranscribe_QueueFullIsBusy(t *testing.T) {
	f := newFixture(t, fixtureOpts{poolSize: 1, queueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	if _, err := workerpool.Submit(f.pool, "blocker", func() (int, error) {
		close(started)
		<-release
		return 0, nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started
	if _, err := workerpool.Submit(f.pool, "filler", func() (int, error) { return 0, nil }); err != nil {
		t.Fatal(err)
	}
	defer close(release)

	_, err := f.svc.Transcribe(context.Background(), silentRequest(t, "tiny"))
	appErr := apperrors.From(err)
	if appErr.Code != apperrors.CodeServiceBusy || appErr.HTTPStatus != http.StatusServiceUnavailable {
		t.Fatalf("err = %v, want SERVICE_BUSY", err)
	}
	if f.engine.TotalLoads() != 0 {
		t.Error("no model should be loaded when the queue is full")
	}
}

func TestTranscribe_ClosedPool(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.pool.Shutdown(context.Background())

	_, err := f.svc.Transcribe(context.Background(), silentRequest(t, "tiny"))
	if !apperrors.Is(err, apperrors.CodeShuttingDown) {
		t.Fatalf("err = %v, want SHUTTING_DOWN", err)
	}
}

func TestTranscribe_AbandonedRequestStillCleansUp(t *testing.T) {
	f := newFixture(t, fixtureOpts{engine: mock.Config{TranscribeDelay: 200 * time.Millisecond}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.svc.Transcribe(ctx, silentRequest(t, "tiny"))
	if !apperrors.Is(err, apperrors.CodeClientClosed) {
		t.Fatalf("err = %v, want CLIENT_CLOSED_REQUEST", err)
	}

	// The transcribe task keeps running; the artifact goes once it finishes.
	deadline := time.Now().Add(2 * time.Second)
	for f.scratchEntries(t) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("scratch artifact was never removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(f.engine.TranscribedPaths()) != 1 {
		t.Error("transcription should have completed in the background")
	}
}

// stallingReader holds its first Read for delay and closes drained once
// the underlying reader is exhausted.
type stallingReader struct {
	r       io.Reader
	delay   time.Duration
	once    sync.Once
	drained chan struct{}
}

func (s *stallingReader) Read(p []byte) (int, error) {
	s.once.Do(func() { time.Sleep(s.delay) })
	n, err := s.r.Read(p)
	if err == io.EOF {
		select {
		case <-s.drained:
		default:
			close(s.drained)
		}
	}
	return n, err
}

func TestTranscribe_AbandonedDuringStagingRemovesArtifact(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	req := silentRequest(t, "tiny")
	slow := &stallingReader{r: req.Audio, delay: 200 * time.Millisecond, drained: make(chan struct{})}
	req.Audio = slow

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.svc.Transcribe(ctx, req)
	if !apperrors.Is(err, apperrors.CodeClientClosed) {
		t.Fatalf("err = %v, want CLIENT_CLOSED_REQUEST", err)
	}

	select {
	case <-slow.drained:
	case <-time.After(2 * time.Second):
		t.Fatal("staging write never finished")
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.scratchEntries(t) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("staged artifact was never removed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(f.engine.TranscribedPaths()); n != 0 {
		t.Errorf("transcribed %d times, want 0", n)
	}
}

func TestTranscribe_AbandonedDuringUncachedLoadClosesModel(t *testing.T) {
	f := newFixture(t, fixtureOpts{noCache: true, engine: mock.Config{LoadDelay: 200 * time.Millisecond}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := f.svc.Transcribe(ctx, silentRequest(t, "tiny"))
	if !apperrors.Is(err, apperrors.CodeClientClosed) {
		t.Fatalf("err = %v, want CLIENT_CLOSED_REQUEST", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.engine.Closes() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("closes = %d, want 1", f.engine.Closes())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.engine.Loads("tiny"); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
	if n := f.scratchEntries(t); n != 0 {
		t.Errorf("scratch entries = %d, want 0", n)
	}
	if n := len(f.engine.TranscribedPaths()); n != 0 {
		t.Errorf("transcribed %d times, want 0", n)
	}
}
