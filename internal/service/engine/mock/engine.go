// Package mock provides a deterministic recognition engine for tests and
// local development without model weights. It counts model constructions,
// can simulate slow or failing loads, and inspects WAV payloads with go-wav
// so silent audio yields an empty transcript.
package mock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/youpy/go-wav"

	"voxscribe-service/internal/service/engine"
)

// Name is the provider name used in configuration.
const Name = "mock"

// DefaultUtterances provides sample transcripts, cycled per call.
var DefaultUtterances = []string{
	"I want to cancel my subscription",
	"Yes please go ahead",
	"Can you help me with my account",
	"I've been waiting for over an hour",
	"Thank you very much",
}

// Config tunes the simulated behaviour.
type Config struct {
	LoadDelay       time.Duration
	TranscribeDelay time.Duration
	DefaultLanguage string
}

// Engine implements engine.Engine with canned results.
type Engine struct {
	cfg Config

	mu            sync.Mutex
	loads         map[string]int
	closes        int
	loadErr       error
	transcribeErr error
	utterance     int
	lastPaths     []string
}

// New creates a mock engine.
func New(cfg Config) *Engine {
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	return &Engine{
		cfg:   cfg,
		loads: make(map[string]int),
	}
}

// Name returns the provider name.
func (e *Engine) Name() string { return Name }

// SetLoadError makes subsequent loads fail with err (nil restores success).
func (e *Engine) SetLoadError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadErr = err
}

// SetTranscribeError makes subsequent transcriptions fail with err.
func (e *Engine) SetTranscribeError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transcribeErr = err
}

// Loads returns how many constructions were attempted for model.
func (e *Engine) Loads(model string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads[model]
}

// TotalLoads returns the number of constructions across all models.
func (e *Engine) TotalLoads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, n := range e.loads {
		total += n
	}
	return total
}

// Closes returns how many model instances have been closed.
func (e *Engine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// TranscribedPaths returns the audio paths seen by Transcribe, in order.
func (e *Engine) TranscribedPaths() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.lastPaths...)
}

// Load simulates a model construction.
func (e *Engine) Load(ctx context.Context, opts engine.LoadOptions) (engine.Model, error) {
	e.mu.Lock()
	e.loads[opts.Model]++
	loadErr := e.loadErr
	e.mu.Unlock()

	if e.cfg.LoadDelay > 0 {
		select {
		case <-time.After(e.cfg.LoadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if loadErr != nil {
		return nil, loadErr
	}

	device := opts.Device
	if device == "" {
		device = engine.DeviceCPU
	}
	return &Model{engine: e, id: opts.Model, device: device}, nil
}

// Model is a mock model instance.
type Model struct {
	engine *Engine
	id     string
	device string
	closed bool
}

// ID returns the identifier the model was loaded for.
func (m *Model) ID() string { return m.id }

// Transcribe returns a canned transcript for the audio file.
func (m *Model) Transcribe(ctx context.Context, audioPath string, opts engine.Options) (*engine.Result, error) {
	e := m.engine
	e.mu.Lock()
	if m.closed {
		e.mu.Unlock()
		return nil, errors.New("model is closed")
	}
	e.lastPaths = append(e.lastPaths, audioPath)
	transcribeErr := e.transcribeErr
	e.mu.Unlock()

	if e.cfg.TranscribeDelay > 0 {
		select {
		case <-time.After(e.cfg.TranscribeDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if transcribeErr != nil {
		return nil, transcribeErr
	}

	info, err := inspect(audioPath)
	if err != nil {
		return nil, err
	}

	lang := opts.Language
	if lang == "" {
		lang = e.cfg.DefaultLanguage
	}
	if info.silent {
		return &engine.Result{Text: "", Language: lang}, nil
	}

	e.mu.Lock()
	text := DefaultUtterances[e.utterance%len(DefaultUtterances)]
	e.utterance++
	e.mu.Unlock()

	return &engine.Result{
		Text:     text,
		Language: lang,
		Segments: []engine.Segment{{ID: 0, Start: 0, End: info.duration.Seconds(), Text: text}},
	}, nil
}

// Close marks the model closed.
func (m *Model) Close() error {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.engine.closes++
	}
	return nil
}

type audioInfo struct {
	duration time.Duration
	silent   bool
}

// inspect reads WAV files for duration and silence; other formats are
// treated as speech of unknown length.
func inspect(path string) (audioInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return audioInfo{}, fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		st, err := f.Stat()
		if err != nil {
			return audioInfo{}, err
		}
		return audioInfo{silent: st.Size() == 0}, nil
	}

	reader := wav.NewReader(f)
	duration, err := reader.Duration()
	if err != nil {
		return audioInfo{}, fmt.Errorf("read wav header: %w", err)
	}

	silent := true
	for silent {
		samples, err := reader.ReadSamples()
		if err == io.EOF {
			break
		}
		if err != nil {
			return audioInfo{}, fmt.Errorf("read wav samples: %w", err)
		}
		for _, s := range samples {
			if s.Values[0] != 0 || s.Values[1] != 0 {
				silent = false
				break
			}
		}
	}
	return audioInfo{duration: duration, silent: silent}, nil
}
