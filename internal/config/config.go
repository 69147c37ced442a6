// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Supported STT providers.
const (
	ProviderWhisper = "whisper"
	ProviderSidecar = "sidecar"
	ProviderGoogle  = "google"
	ProviderMock    = "mock"
)

// DeviceAuto picks cuda when an NVIDIA device is present.
const DeviceAuto = "auto"

// DefaultModels is the accepted model enumeration.
var DefaultModels = []string{
	"tiny", "base", "small", "medium", "large",
	"tiny.en", "base.en", "small.en", "medium.en", "turbo",
}

// DefaultExtensions is the upload allow-list.
var DefaultExtensions = []string{".mp3", ".wav", ".m4a", ".flac", ".ogg", ".webm"}

// Config holds all service configuration.
type Config struct {
	Service       ServiceConfig
	Workers       WorkersConfig
	Upload        UploadConfig
	Models        ModelsConfig
	STT           STTConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig
}

// ServiceConfig holds listener and identity settings.
type ServiceConfig struct {
	Principal       string
	HTTPPort        string
	GRPCPort        string
	MetricsAddr     string
	ShutdownTimeout time.Duration
	// APIKey enables bearer auth when non-empty.
	APIKey string
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Size      int
	QueueSize int
}

// UploadConfig holds upload limits.
type UploadConfig struct {
	MaxFileSize       int64
	AllowedExtensions []string
	ScratchDir        string
}

// ModelsConfig holds model registry settings.
type ModelsConfig struct {
	Available    []string
	Default      string
	CacheEnabled bool
}

// STTConfig selects and configures the recognition engine.
type STTConfig struct {
	Provider string
	// Device is the resolved compute device (never "auto" after Load).
	Device          string
	Threads         int
	WhisperPath     string
	WhisperModelDir string
	WhisperURL      string
	LanguageCode    string
	GoogleModel     string
}

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	TopicCompleted string
	TopicFailed    string
	Principal      string
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables. Invalid values
// fall back to defaults.
func Load() *Config {
	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-voxscribe")

	return &Config{
		Service: ServiceConfig{
			Principal:       principal,
			HTTPPort:        envOrDefault("HTTP_PORT", "8000"),
			GRPCPort:        envOrDefault("GRPC_PORT", "50051"),
			MetricsAddr:     envOrDefault("METRICS_ADDR", ":9090"),
			ShutdownTimeout: envOrDefaultDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
			APIKey:          os.Getenv("VOXSCRIBE_API_KEY"),
		},
		Workers: WorkersConfig{
			Size:      envOrDefaultInt("MAX_WORKERS", runtime.NumCPU()),
			QueueSize: envOrDefaultInt("WORKER_QUEUE_SIZE", 256),
		},
		Upload: UploadConfig{
			MaxFileSize:       envOrDefaultInt64("MAX_FILE_SIZE", 50*1024*1024),
			AllowedExtensions: normalizeExtensions(envOrDefaultList("ALLOWED_EXTENSIONS", DefaultExtensions)),
			ScratchDir:        envOrDefault("SCRATCH_DIR", os.TempDir()),
		},
		Models: ModelsConfig{
			Available:    envOrDefaultList("AVAILABLE_MODELS", DefaultModels),
			Default:      envOrDefault("DEFAULT_MODEL", "base"),
			CacheEnabled: envOrDefaultBool("ENABLE_MODEL_CACHE", true),
		},
		STT: STTConfig{
			Provider:        strings.ToLower(envOrDefault("STT_PROVIDER", ProviderWhisper)),
			Device:          ResolveDevice(envOrDefault("WHISPER_DEVICE", DeviceAuto), hasNvidiaDevice),
			Threads:         envOrDefaultInt("TORCH_THREADS", 1),
			WhisperPath:     envOrDefault("WHISPER_PATH", "whisper"),
			WhisperModelDir: os.Getenv("WHISPER_MODEL_DIR"),
			WhisperURL:      envOrDefault("WHISPER_URL", "http://localhost:8387"),
			LanguageCode:    envOrDefault("STT_LANGUAGE_CODE", "en-US"),
			GoogleModel:     envOrDefault("GOOGLE_STT_MODEL", "latest_long"),
		},
		Kafka: KafkaConfig{
			Enabled:        envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:        envOrDefaultList("KAFKA_BROKERS", nil),
			TopicCompleted: envOrDefault("KAFKA_TOPIC_COMPLETED", "voxscribe.transcription.completed"),
			TopicFailed:    envOrDefault("KAFKA_TOPIC_FAILED", "voxscribe.transcription.failed"),
			Principal:      envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:  strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
			LogFormat: envOrDefault("LOG_FORMAT", "json"),
		},
	}
}

// Validate reports configuration that cannot start the service.
func (c *Config) Validate() error {
	providers := []string{ProviderWhisper, ProviderSidecar, ProviderGoogle, ProviderMock}
	if !slices.Contains(providers, c.STT.Provider) {
		return fmt.Errorf("STT_PROVIDER %q is not one of %s", c.STT.Provider, strings.Join(providers, ", "))
	}
	if len(c.Models.Available) == 0 {
		return fmt.Errorf("AVAILABLE_MODELS is empty")
	}
	if !slices.Contains(c.Models.Available, c.Models.Default) {
		return fmt.Errorf("DEFAULT_MODEL %q is not in AVAILABLE_MODELS", c.Models.Default)
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		return fmt.Errorf("ALLOWED_EXTENSIONS is empty")
	}
	if c.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.Upload.MaxFileSize)
	}
	if c.Workers.QueueSize < 0 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must not be negative, got %d", c.Workers.QueueSize)
	}
	return nil
}

// ResolveDevice maps "auto" to cuda or cpu using probe.
func ResolveDevice(requested string, probe func() bool) string {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested != DeviceAuto && requested != "" {
		return requested
	}
	if probe != nil && probe() {
		return "cuda"
	}
	return "cpu"
}

func hasNvidiaDevice() bool {
	for _, p := range []string{"/dev/nvidiactl", "/dev/nvidia0"} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// envOrDefaultList splits a comma-separated value, dropping empty items.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return slices.Clone(def)
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return slices.Clone(def)
	}
	return out
}
