// Package models defines API response bodies and transcription events.
package models

import "encoding/json"

// Segment is one timed span of a transcript, in seconds.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResponse is the body of a successful POST /transcribe.
// A nil Segments omits the key; a non-nil empty slice renders "segments": [].
type TranscriptionResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// MarshalJSON drops the segments key when segments were not requested.
func (r TranscriptionResponse) MarshalJSON() ([]byte, error) {
	if r.Segments == nil {
		return json.Marshal(struct {
			Text     string `json:"text"`
			Language string `json:"language"`
		}{r.Text, r.Language})
	}
	type alias TranscriptionResponse
	return json.Marshal(alias(r))
}

// TranscriptionCompleted is published when a session succeeds.
type TranscriptionCompleted struct {
	EventType  string  `json:"eventType"`
	SessionID  string  `json:"sessionId"`
	Timestamp  int64   `json:"timestamp"`
	Model      string  `json:"model"`
	Task       string  `json:"task"`
	Language   string  `json:"language"`
	Text       string  `json:"text"`
	Segments   int     `json:"segmentCount"`
	AudioBytes int64   `json:"audioBytes"`
	DurationMs int64   `json:"durationMs"`
	Engine     string  `json:"engine"`
	Device     string  `json:"device"`
	AudioEnd   float64 `json:"audioEndSeconds,omitempty"`
}

// TranscriptionFailed is published when a session fails after validation.
type TranscriptionFailed struct {
	EventType  string `json:"eventType"`
	SessionID  string `json:"sessionId"`
	Timestamp  int64  `json:"timestamp"`
	Model      string `json:"model"`
	Task       string `json:"task"`
	ErrorCode  string `json:"errorCode"`
	Error      string `json:"error"`
	AudioBytes int64  `json:"audioBytes"`
	DurationMs int64  `json:"durationMs"`
	Engine     string `json:"engine"`
}

// Event type values.
const (
	EventTranscriptionCompleted = "transcription.completed"
	EventTranscriptionFailed    = "transcription.failed"
)
