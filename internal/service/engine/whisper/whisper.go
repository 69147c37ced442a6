// Package whisper runs the openai-whisper command-line tool as a
// recognition engine. A "loaded" model is a verified binary plus model
// name; every Transcribe call runs the CLI with JSON output into a private
// directory and parses the result.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"voxscribe-service/internal/service/engine"
)

// Name is the provider name used in configuration.
const Name = "whisper"

// Config holds CLI settings.
type Config struct {
	// Path is the whisper executable, resolved through PATH when relative.
	Path string
	// ModelDir is passed as --model_dir; when set, Load requires the model
	// file <ModelDir>/<model>.pt to exist.
	ModelDir string
	// WorkDir holds per-call output directories. Empty means os.TempDir().
	WorkDir string
}

// commandResult is a finished process.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := commandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		return res, err
	}
	return res, nil
}

// Engine implements engine.Engine over the whisper CLI.
type Engine struct {
	cfg      Config
	runner   commandRunner
	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
}

// New creates a CLI engine.
func New(cfg Config) *Engine {
	if cfg.Path == "" {
		cfg.Path = "whisper"
	}
	return &Engine{
		cfg:      cfg,
		runner:   execRunner{},
		lookPath: exec.LookPath,
		stat:     os.Stat,
	}
}

// Name returns the provider name.
func (e *Engine) Name() string { return Name }

// Load verifies the executable (and model file when ModelDir is set).
func (e *Engine) Load(ctx context.Context, opts engine.LoadOptions) (engine.Model, error) {
	bin, err := e.lookPath(e.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("whisper executable %q not found: %w", e.cfg.Path, err)
	}
	if e.cfg.ModelDir != "" {
		weights := filepath.Join(e.cfg.ModelDir, opts.Model+".pt")
		if _, err := e.stat(weights); err != nil {
			return nil, fmt.Errorf("model weights for %s: %w", opts.Model, err)
		}
	}

	device := opts.Device
	if device == "" {
		device = engine.DeviceCPU
	}
	return &Model{
		engine:  e,
		bin:     bin,
		id:      opts.Model,
		device:  device,
		threads: opts.Threads,
	}, nil
}

// Model is one whisper model bound to a device.
type Model struct {
	engine  *Engine
	bin     string
	id      string
	device  string
	threads int
}

type cliOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func (m *Model) args(audioPath, outDir string, opts engine.Options) []string {
	args := []string{
		audioPath,
		"--model", m.id,
		"--device", m.device,
		"--task", string(opts.Task),
		"--output_format", "json",
		"--output_dir", outDir,
		"--verbose", "False",
	}
	if m.threads > 0 {
		args = append(args, "--threads", strconv.Itoa(m.threads))
	}
	if m.device == engine.DeviceCPU {
		args = append(args, "--fp16", "False")
	}
	if opts.Language != "" {
		args = append(args, "--language", opts.Language)
	}
	if m.engine.cfg.ModelDir != "" {
		args = append(args, "--model_dir", m.engine.cfg.ModelDir)
	}
	return args
}

// Transcribe runs the CLI and parses its JSON output.
func (m *Model) Transcribe(ctx context.Context, audioPath string, opts engine.Options) (*engine.Result, error) {
	if opts.Task == "" {
		opts.Task = engine.TaskTranscribe
	}

	outDir, err := os.MkdirTemp(m.engine.cfg.WorkDir, "voxscribe-whisper-")
	if err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	res, err := m.engine.runner.Run(ctx, m.bin, m.args(audioPath, outDir, opts)...)
	if err != nil {
		stderr := strings.TrimSpace(res.Stderr)
		if stderr != "" {
			return nil, fmt.Errorf("whisper exited with code %d: %s", res.ExitCode, lastLine(stderr))
		}
		return nil, fmt.Errorf("run whisper: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	raw, err := os.ReadFile(filepath.Join(outDir, base+".json"))
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}

	var parsed cliOutput
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse whisper output: %w", err)
	}

	out := &engine.Result{
		Text:     strings.TrimSpace(parsed.Text),
		Language: parsed.Language,
		Segments: make([]engine.Segment, 0, len(parsed.Segments)),
	}
	if out.Language == "" {
		out.Language = opts.Language
	}
	for _, s := range parsed.Segments {
		out.Segments = append(out.Segments, engine.Segment{
			ID:    s.ID,
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		})
	}
	return out, nil
}

// Close is a no-op; the CLI holds no resident state between calls.
func (m *Model) Close() error { return nil }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
