// Package google provides a Google Cloud Speech-to-Text engine.
// Requires GOOGLE_APPLICATION_CREDENTIALS to be set.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/youpy/go-wav"

	"voxscribe-service/internal/service/engine"
)

// Name is the provider name used in configuration.
const Name = "google"

// ErrTranslateUnsupported is returned for translate tasks.
var ErrTranslateUnsupported = errors.New("google speech does not support translate")

// Config holds Google STT configuration.
type Config struct {
	// LanguageCode is used when the request carries no language hint.
	LanguageCode string
	// Model is the Google recognition model (latest_long, latest_short, ...).
	Model string
	// AudioEncoding overrides extension-based detection when set.
	AudioEncoding string
}

// DefaultConfig returns sensible defaults for file recognition.
func DefaultConfig() Config {
	return Config{
		LanguageCode: "en-US",
		Model:        "latest_long",
	}
}

// recognizer is the subset of speech.Client the engine uses.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)
	Close() error
}

type clientRecognizer struct {
	client *speech.Client
}

func (c clientRecognizer) Recognize(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
	return c.client.Recognize(ctx, req)
}

func (c clientRecognizer) Close() error { return c.client.Close() }

// Engine implements engine.Engine using Google Cloud Speech-to-Text.
type Engine struct {
	cfg       Config
	newClient func(ctx context.Context) (recognizer, error)
}

// New creates a Google engine.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.LanguageCode == "" {
		cfg.LanguageCode = def.LanguageCode
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	return &Engine{
		cfg: cfg,
		newClient: func(ctx context.Context) (recognizer, error) {
			c, err := speech.NewClient(ctx)
			if err != nil {
				return nil, err
			}
			return clientRecognizer{client: c}, nil
		},
	}
}

// Name returns the provider name.
func (e *Engine) Name() string { return Name }

// Load opens one Speech client for the model instance.
func (e *Engine) Load(ctx context.Context, opts engine.LoadOptions) (engine.Model, error) {
	client, err := e.newClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Model{cfg: e.cfg, client: client, id: opts.Model}, nil
}

// Model wraps one Speech client.
type Model struct {
	cfg    Config
	client recognizer
	id     string
}

// Transcribe runs synchronous recognition on the audio file.
func (m *Model) Transcribe(ctx context.Context, audioPath string, opts engine.Options) (*engine.Result, error) {
	if opts.Task == engine.TaskTranslate {
		return nil, ErrTranslateUnsupported
	}

	content, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, fmt.Errorf("read audio file: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = m.cfg.LanguageCode
	}

	rc := &speechpb.RecognitionConfig{
		Encoding:                   m.encodingFor(audioPath),
		LanguageCode:               lang,
		Model:                      m.cfg.Model,
		EnableAutomaticPunctuation: true,
	}
	if strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		if rate, err := wavSampleRate(audioPath); err == nil {
			rc.SampleRateHertz = rate
		}
	}

	resp, err := m.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: rc,
		Audio:  &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: content}},
	})
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	return toResult(resp, lang), nil
}

// Close closes the Speech client.
func (m *Model) Close() error {
	return m.client.Close()
}

func (m *Model) encodingFor(path string) speechpb.RecognitionConfig_AudioEncoding {
	if m.cfg.AudioEncoding != "" {
		return parseAudioEncoding(m.cfg.AudioEncoding)
	}
	return encodingForExt(filepath.Ext(path))
}

func toResult(resp *speechpb.RecognizeResponse, lang string) *engine.Result {
	out := &engine.Result{Language: lang}
	var texts []string
	var prevEnd float64
	for _, r := range resp.GetResults() {
		if len(r.Alternatives) == 0 {
			continue
		}
		alt := r.Alternatives[0]
		text := strings.TrimSpace(alt.Transcript)
		if text == "" {
			continue
		}
		end := prevEnd
		if r.ResultEndTime != nil {
			end = r.ResultEndTime.AsDuration().Seconds()
		}
		out.Segments = append(out.Segments, engine.Segment{
			ID:    len(out.Segments),
			Start: prevEnd,
			End:   end,
			Text:  text,
		})
		texts = append(texts, text)
		prevEnd = end
		if r.LanguageCode != "" {
			out.Language = r.LanguageCode
		}
	}
	out.Text = strings.Join(texts, " ")
	return out
}

func wavSampleRate(path string) (int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	format, err := wav.NewReader(f).Format()
	if err != nil {
		return 0, err
	}
	return int32(format.SampleRate), nil
}

func encodingForExt(ext string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(ext) {
	case ".wav":
		return speechpb.RecognitionConfig_LINEAR16
	case ".flac":
		return speechpb.RecognitionConfig_FLAC
	case ".ogg":
		return speechpb.RecognitionConfig_OGG_OPUS
	case ".webm":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED
	}
}

// parseAudioEncoding converts a string to the Google encoding enum.
func parseAudioEncoding(encoding string) speechpb.RecognitionConfig_AudioEncoding {
	switch encoding {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
