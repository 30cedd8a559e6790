// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML overlay.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Service       ServiceConfig
	Transport     TransportConfig
	Segmentation  SegmentationConfig
	Session       SessionConfig
	Enhancement   EnhancementConfig
	Playback      PlaybackConfig
	History       HistoryConfig
	Kafka         KafkaConfig
	Observability ObservabilityConfig

	// Languages restricts the catalog; empty means all.
	Languages []string
}

type ServiceConfig struct {
	Principal   string
	HTTPPort    string
	GRPCPort    string
	MetricsPort string
}

// TransportConfig selects and tunes the recognition transport.
type TransportConfig struct {
	Provider          string // mock, google, device
	LanguageCode      string
	SampleRateHz      int
	AudioEncoding     string
	AudioFile         string // WAV input for the google transport
	Model             string
	MaxResults        int
	DeviceCallTimeout time.Duration
	MockLoop          bool
	MockInterval      time.Duration
	MockPause         time.Duration
}

type SegmentationConfig struct {
	PollInterval     time.Duration
	SilenceThreshold time.Duration
}

type SessionConfig struct {
	MaxConsecutiveRestarts int
	RestartBackoff         time.Duration
	RestartBackoffMax      time.Duration
	MaxDuration            time.Duration // 0 = unlimited
	MaxSentences           int           // 0 = unlimited
}

type EnhancementConfig struct {
	Enabled     bool
	Provider    string
	APIKey      string
	BaseURL     string
	Models      []string
	Timeout     time.Duration
	AutoRefine  bool
	MaxInFlight int
}

type PlaybackConfig struct {
	Enabled         bool
	APIKey          string
	BaseURL         string
	VoiceID         string
	ModelID         string
	RemoteLanguages []string
	DeviceCommand   []string
	OutputDir       string
	AutoSpeak       bool
}

type HistoryConfig struct {
	Backend       string // memory, sqlite, mongo
	Capacity      int
	SQLitePath    string
	MongoURI      string
	MongoDatabase string
	Key           string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	TopicSentence string
	TopicSession  string
	Principal     string
}

type ObservabilityConfig struct {
	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// providerKeys are consulted when ENHANCE_API_KEY is unset.
var providerKeys = map[string]string{
	"openai":   "OPENAI_API_KEY",
	"groq":     "GROQ_API_KEY",
	"deepseek": "DEEPSEEK_API_KEY",
	"gemini":   "GEMINI_API_KEY",
}

// Load reads .env (if present), the environment, then CONFIG_FILE.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("Failed to read .env")
	}

	principal := envOrDefault("SERVICE_PRINCIPAL", "svc-speech-sentence")
	provider := strings.ToLower(envOrDefault("ENHANCE_PROVIDER", "groq"))
	apiKey := os.Getenv("ENHANCE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv(providerKeys[provider])
	}

	cfg := &Config{
		Service: ServiceConfig{
			Principal:   principal,
			HTTPPort:    envOrDefault("HTTP_PORT", "8080"),
			GRPCPort:    envOrDefault("GRPC_PORT", "50051"),
			MetricsPort: envOrDefault("METRICS_PORT", "9090"),
		},
		Transport: TransportConfig{
			Provider:          strings.ToLower(envOrDefault("TRANSPORT_PROVIDER", "mock")),
			LanguageCode:      envOrDefault("TRANSPORT_LANGUAGE_CODE", "vi-VN"),
			SampleRateHz:      envOrDefaultInt("TRANSPORT_SAMPLE_RATE_HZ", 16000),
			AudioEncoding:     envOrDefault("TRANSPORT_AUDIO_ENCODING", "LINEAR16"),
			AudioFile:         os.Getenv("TRANSPORT_AUDIO_FILE"),
			Model:             os.Getenv("TRANSPORT_MODEL"),
			MaxResults:        envOrDefaultInt("TRANSPORT_MAX_RESULTS", 2),
			DeviceCallTimeout: envOrDefaultDuration("TRANSPORT_DEVICE_CALL_TIMEOUT", 5*time.Second),
			MockLoop:          envOrDefaultBool("TRANSPORT_MOCK_LOOP", true),
			MockInterval:      envOrDefaultDuration("TRANSPORT_MOCK_INTERVAL", 400*time.Millisecond),
			MockPause:         envOrDefaultDuration("TRANSPORT_MOCK_PAUSE", 2500*time.Millisecond),
		},
		Segmentation: SegmentationConfig{
			PollInterval:     envOrDefaultDuration("SEGMENT_POLL_INTERVAL", 300*time.Millisecond),
			SilenceThreshold: envOrDefaultDuration("SEGMENT_SILENCE_THRESHOLD", 2000*time.Millisecond),
		},
		Session: SessionConfig{
			MaxConsecutiveRestarts: envOrDefaultInt("SESSION_MAX_RESTARTS", 5),
			RestartBackoff:         envOrDefaultDuration("SESSION_RESTART_BACKOFF", 250*time.Millisecond),
			RestartBackoffMax:      envOrDefaultDuration("SESSION_RESTART_BACKOFF_MAX", 5*time.Second),
			MaxDuration:            envOrDefaultDuration("SESSION_MAX_DURATION", 0),
			MaxSentences:           envOrDefaultInt("SESSION_MAX_SENTENCES", 0),
		},
		Enhancement: EnhancementConfig{
			Enabled:     envOrDefaultBool("ENHANCE_ENABLED", apiKey != ""),
			Provider:    provider,
			APIKey:      apiKey,
			BaseURL:     os.Getenv("ENHANCE_BASE_URL"),
			Models:      envOrDefaultList("ENHANCE_MODELS", nil),
			Timeout:     envOrDefaultDuration("ENHANCE_TIMEOUT", 15*time.Second),
			AutoRefine:  envOrDefaultBool("ENHANCE_AUTO_REFINE", false),
			MaxInFlight: envOrDefaultInt("ENHANCE_MAX_IN_FLIGHT", 4),
		},
		Playback: PlaybackConfig{
			Enabled:         envOrDefaultBool("PLAYBACK_ENABLED", false),
			APIKey:          os.Getenv("PLAYBACK_API_KEY"),
			BaseURL:         envOrDefault("PLAYBACK_BASE_URL", "https://api.elevenlabs.io/v1"),
			VoiceID:         os.Getenv("PLAYBACK_VOICE_ID"),
			ModelID:         envOrDefault("PLAYBACK_MODEL_ID", "eleven_flash_v2_5"),
			RemoteLanguages: envOrDefaultList("PLAYBACK_REMOTE_LANGUAGES", []string{"vi-VN"}),
			DeviceCommand:   envOrDefaultFields("PLAYBACK_DEVICE_COMMAND", []string{"espeak-ng", "-v", "{voice}", "{text}"}),
			OutputDir:       envOrDefault("PLAYBACK_OUTPUT_DIR", "speech-out"),
			AutoSpeak:       envOrDefaultBool("PLAYBACK_AUTO_SPEAK", false),
		},
		History: HistoryConfig{
			Backend:       strings.ToLower(envOrDefault("HISTORY_BACKEND", "memory")),
			Capacity:      envOrDefaultInt("HISTORY_CAPACITY", 20),
			SQLitePath:    envOrDefault("HISTORY_SQLITE_PATH", "history.db"),
			MongoURI:      envOrDefault("HISTORY_MONGO_URI", "mongodb://localhost:27017"),
			MongoDatabase: envOrDefault("HISTORY_MONGO_DATABASE", "speech_sentence"),
			Key:           envOrDefault("HISTORY_KEY", "speech_history"),
		},
		Kafka: KafkaConfig{
			Enabled:       envOrDefaultBool("KAFKA_ENABLED", false),
			Brokers:       envOrDefaultList("KAFKA_BROKERS", []string{"localhost:9092"}),
			TopicSentence: envOrDefault("KAFKA_TOPIC_SENTENCE", "speech.sentence"),
			TopicSession:  envOrDefault("KAFKA_TOPIC_SESSION", "speech.session"),
			Principal:     envOrDefault("KAFKA_PRINCIPAL", principal),
		},
		Observability: ObservabilityConfig{
			LogLevel:      envOrDefault("LOG_LEVEL", "info"),
			LogFormat:     envOrDefault("LOG_FORMAT", "json"),
			LogFile:       os.Getenv("LOG_FILE"),
			LogMaxSizeMB:  envOrDefaultInt("LOG_MAX_SIZE_MB", 100),
			LogMaxBackups: envOrDefaultInt("LOG_MAX_BACKUPS", 3),
		},
		Languages: envOrDefaultList("LANGUAGES", nil),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.ApplyOverlayFile(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Ignoring config overlay")
		}
	}
	return cfg
}

// overlay is the YAML shape accepted by CONFIG_FILE. Only list-valued
// settings that are awkward in env vars live here.
type overlay struct {
	Enhancement struct {
		Models []string `yaml:"models"`
	} `yaml:"enhancement"`
	Playback struct {
		RemoteLanguages []string `yaml:"remoteLanguages"`
	} `yaml:"playback"`
	Languages []string `yaml:"languages"`
}

// ApplyOverlayFile reads a YAML overlay from path.
func (c *Config) ApplyOverlayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	return c.ApplyOverlay(f)
}

// ApplyOverlay merges non-empty overlay lists into c.
func (c *Config) ApplyOverlay(r io.Reader) error {
	var o overlay
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil && err != io.EOF {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	if len(o.Enhancement.Models) > 0 {
		c.Enhancement.Models = o.Enhancement.Models
	}
	if len(o.Playback.RemoteLanguages) > 0 {
		c.Playback.RemoteLanguages = o.Playback.RemoteLanguages
	}
	if len(o.Languages) > 0 {
		c.Languages = o.Languages
	}
	return nil
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

// envOrDefaultList splits a comma-separated value, dropping blanks.
func envOrDefaultList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// envOrDefaultFields splits on whitespace.
func envOrDefaultFields(key string, def []string) []string {
	if f := strings.Fields(os.Getenv(key)); len(f) > 0 {
		return f
	}
	return def
}
