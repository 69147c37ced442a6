// Package engine defines the interface for speech-recognition backends.
// The recognition algorithm itself is external; backends adapt a CLI, an
// HTTP sidecar, or a cloud API to the same Load/Transcribe contract.
package engine

import (
	"context"
	"fmt"
)

// Task selects between same-language transcription and translation to English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// Tasks lists the accepted task values.
func Tasks() []string {
	return []string{string(TaskTranscribe), string(TaskTranslate)}
}

// ParseTask validates a task name.
func ParseTask(s string) (Task, error) {
	switch Task(s) {
	case TaskTranscribe, TaskTranslate:
		return Task(s), nil
	default:
		return "", fmt.Errorf("unknown task %q", s)
	}
}

// Devices the engines understand.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// LoadOptions describes one model construction.
type LoadOptions struct {
	Model   string
	Device  string
	Threads int
}

// Options are per-call transcription parameters.
type Options struct {
	Task Task
	// Language is an optional source-language hint; empty means detect.
	Language string
}

// Segment is a time-aligned part of a transcript, in seconds.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Result is the output of one transcription call.
type Result struct {
	Text     string
	Language string
	Segments []Segment
}

// Model is a loaded, reusable recognition model bound to one identifier
// and one device.
type Model interface {
	// Transcribe runs recognition over the audio file at audioPath.
	Transcribe(ctx context.Context, audioPath string, opts Options) (*Result, error)

	// Close releases the model's resources.
	Close() error
}

// Engine constructs models. Load may block for seconds (disk, accelerator).
type Engine interface {
	Name() string
	Load(ctx context.Context, opts LoadOptions) (Model, error)
}
