package whisper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"voxscribe-service/internal/service/engine"
)

type fakeRunner struct {
	args   []string
	output string
	result commandResult
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	f.args = args
	if f.err != nil {
		return f.result, f.err
	}
	outDir := args[slices.Index(args, "--output_dir")+1]
	base := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	if err := os.WriteFile(filepath.Join(outDir, base+".json"), []byte(f.output), 0o600); err != nil {
		return commandResult{}, err
	}
	return f.result, nil
}

func newTestEngine(t *testing.T, cfg Config, runner commandRunner) *Engine {
	t.Helper()
	cfg.WorkDir = t.TempDir()
	e := New(cfg)
	e.runner = runner
	e.lookPath = func(name string) (string, error) { return "/usr/local/bin/" + name, nil }
	return e
}

func TestLoad_MissingExecutable(t *testing.T) {
	e := New(Config{Path: "whisper"})
	e.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	if _, err := e.Load(context.Background(), engine.LoadOptions{Model: "tiny"}); err == nil {
		t.Fatal("expected error when executable is missing")
	}
}

func TestLoad_RequiresWeightsWhenModelDirSet(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, Config{ModelDir: dir}, &fakeRunner{})

	if _, err := e.Load(context.Background(), engine.LoadOptions{Model: "tiny"}); err == nil {
		t.Fatal("expected error for missing weights")
	}

	if err := os.WriteFile(filepath.Join(dir, "tiny.pt"), []byte("w"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Load(context.Background(), engine.LoadOptions{Model: "tiny"}); err != nil {
		t.Fatalf("load with weights present: %v", err)
	}
}

func TestTranscribe_ParsesJSON(t *testing.T) {
	runner := &fakeRunner{output: `{
		"text": " Hello world. How are you?",
		"language": "en",
		"segments": [
			{"id": 0, "start": 0.0, "end": 1.5, "text": " Hello world."},
			{"id": 1, "start": 1.5, "end": 2.9, "text": " How are you?"}
		]
	}`}
	e := newTestEngine(t, Config{}, runner)

	m, err := e.Load(context.Background(), engine.LoadOptions{Model: "base", Device: engine.DeviceCPU, Threads: 2})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := m.Transcribe(context.Background(), "/scratch/voxscribe-abc.wav", engine.Options{Task: engine.TaskTranscribe})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}

	if res.Text != "Hello world. How are you?" {
		t.Errorf("text = %q", res.Text)
	}
	if res.Language != "en" {
		t.Errorf("language = %q", res.Language)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("segments = %d, want 2", len(res.Segments))
	}
	if res.Segments[1].Text != "How are you?" || res.Segments[1].End != 2.9 {
		t.Errorf("segment[1] = %+v", res.Segments[1])
	}

	tests := []struct {
		flag string
		want string
	}{
		{"--model", "base"},
		{"--device", "cpu"},
		{"--task", "transcribe"},
		{"--output_format", "json"},
		{"--threads", "2"},
		{"--fp16", "False"},
	}
	for _, tt := range tests {
		i := slices.Index(runner.args, tt.flag)
		if i < 0 || runner.args[i+1] != tt.want {
			t.Errorf("%s: args = %v, want %s", tt.flag, runner.args, tt.want)
		}
	}
	if slices.Contains(runner.args, "--language") {
		t.Error("--language should be omitted when no hint is given")
	}
}

func TestTranscribe_PassesLanguageAndTranslate(t *testing.T) {
	runner := &fakeRunner{output: `{"text": "Good morning", "segments": []}`}
	e := newTestEngine(t, Config{}, runner)

	m, _ := e.Load(context.Background(), engine.LoadOptions{Model: "small", Device: engine.DeviceCUDA})
	res, err := m.Transcribe(context.Background(), "/scratch/a.mp3", engine.Options{Task: engine.TaskTranslate, Language: "de"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Language != "de" {
		t.Errorf("language = %q, want hint when CLI omits it", res.Language)
	}
	if i := slices.Index(runner.args, "--task"); runner.args[i+1] != "translate" {
		t.Errorf("task arg = %q", runner.args[i+1])
	}
	if i := slices.Index(runner.args, "--language"); i < 0 || runner.args[i+1] != "de" {
		t.Errorf("language arg missing: %v", runner.args)
	}
	if slices.Contains(runner.args, "--fp16") {
		t.Error("--fp16 False should only be set on cpu")
	}
}

func TestTranscribe_ProcessFailure(t *testing.T) {
	runner := &fakeRunner{
		err:    errors.New("exit status 1"),
		result: commandResult{Stderr: "loading\nRuntimeError: CUDA out of memory", ExitCode: 1},
	}
	e := newTestEngine(t, Config{}, runner)

	m, _ := e.Load(context.Background(), engine.LoadOptions{Model: "large"})
	_, err := m.Transcribe(context.Background(), "/scratch/a.wav", engine.Options{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") {
		t.Errorf("error should carry last stderr line, got %v", err)
	}
}

func TestTranscribe_BadJSON(t *testing.T) {
	e := newTestEngine(t, Config{}, &fakeRunner{output: "not json"})
	m, _ := e.Load(context.Background(), engine.LoadOptions{Model: "tiny"})
	if _, err := m.Transcribe(context.Background(), "/scratch/a.wav", engine.Options{}); err == nil {
		t.Error("expected parse error")
	}
}

func TestTranscribe_CleansOutputDir(t *testing.T) {
	e := newTestEngine(t, Config{}, &fakeRunner{output: `{"text": "ok"}`})
	m, _ := e.Load(context.Background(), engine.LoadOptions{Model: "tiny"})
	if _, err := m.Transcribe(context.Background(), "/scratch/a.wav", engine.Options{}); err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	entries, err := os.ReadDir(e.cfg.WorkDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned: %d entries left", len(entries))
	}
}
