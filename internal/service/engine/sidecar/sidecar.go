// Package sidecar talks to a faster-whisper HTTP sidecar. Loading a model
// checks the sidecar's health endpoint; transcription uploads the staged
// audio as multipart form data.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"voxscribe-service/internal/service/engine"
)

const (
	// Name is the provider name used in configuration.
	Name = "sidecar"

	defaultURL     = "http://localhost:8387"
	defaultTimeout = 120 * time.Second
)

// Config holds sidecar connection settings.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Engine implements engine.Engine against the sidecar.
type Engine struct {
	cfg    Config
	client *http.Client
}

// New creates a sidecar engine.
func New(cfg Config) *Engine {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	return &Engine{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider name.
func (e *Engine) Name() string { return Name }

// Load checks that the sidecar is reachable and binds the model name.
func (e *Engine) Load(ctx context.Context, opts engine.LoadOptions) (engine.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.URL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("create health request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar unhealthy (status %d)", resp.StatusCode)
	}

	return &Model{engine: e, id: opts.Model, device: opts.Device}, nil
}

// Model is a sidecar-backed model binding.
type Model struct {
	engine *Engine
	id     string
	device string
}

type sidecarResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []sidecarSegment `json:"segments"`
}

type sidecarSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcribe uploads the audio file and decodes the sidecar response.
func (m *Model) Transcribe(ctx context.Context, audioPath string, opts engine.Options) (*engine.Result, error) {
	audioData, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}
	if opts.Task == "" {
		opts.Task = engine.TaskTranscribe
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audioData); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	_ = writer.WriteField("model", m.id)
	_ = writer.WriteField("task", string(opts.Task))
	if opts.Language != "" {
		_ = writer.WriteField("language", opts.Language)
	}
	if m.device != "" {
		_ = writer.WriteField("device", m.device)
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.engine.cfg.URL+"/transcribe", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := m.engine.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("sidecar error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result sidecarResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode sidecar response: %w", err)
	}

	out := &engine.Result{
		Text:     strings.TrimSpace(result.Text),
		Language: result.Language,
		Segments: make([]engine.Segment, len(result.Segments)),
	}
	if out.Language == "" {
		out.Language = opts.Language
	}
	for i, seg := range result.Segments {
		out.Segments[i] = engine.Segment{
			ID:    i,
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		}
	}
	return out, nil
}

// Close releases nothing; the sidecar owns the weights.
func (m *Model) Close() error { return nil }
