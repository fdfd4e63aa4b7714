package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the exam-prep AI service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	Locale                   string

	AllowAnyOrigin bool

	GenerationProvider    string
	GenerationMaxAttempts int
	GenerationBaseDelay   time.Duration
	GenerationHTTPURL     string

	GeminiAPIKey    string
	GeminiTextModel string
	GeminiLiveModel string
	GeminiTTSModel  string
	GeminiTTSVoice  string

	VoiceProvider string

	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsSTTModel        string
	ElevenLabsTTSOutputFormat string

	DatabaseURL        string
	RedisURL           string
	RedisChannelPrefix string
}

var (
	generationProviders = []string{"auto", "gemini", "http", "mock"}
	voiceProviders      = []string{"auto", "gemini", "elevenlabs", "mock"}
)

// Load reads the optional YAML file named by APP_CONFIG_FILE, then
// environment variables, and applies safe defaults. Environment variables
// win over the file.
func Load() (Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:            src.envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    src.envOrDefault("APP_METRICS_NAMESPACE", "examprep"),
		Locale:              src.envOrDefault("APP_LOCALE", "en"),
		GenerationProvider:  strings.ToLower(src.envOrDefault("GENERATION_PROVIDER", "auto")),
		GenerationHTTPURL:   src.trimmed("GENERATION_HTTP_URL"),
		GeminiAPIKey:        src.trimmed("GEMINI_API_KEY"),
		GeminiTextModel:     src.envOrDefault("GEMINI_TEXT_MODEL", "gemini-2.5-flash"),
		GeminiLiveModel:     src.envOrDefault("GEMINI_LIVE_MODEL", "gemini-live-2.5-flash-preview"),
		GeminiTTSModel:      src.envOrDefault("GEMINI_TTS_MODEL", "gemini-2.5-flash-preview-tts"),
		GeminiTTSVoice:      src.envOrDefault("GEMINI_TTS_VOICE", "Kore"),
		VoiceProvider:       strings.ToLower(src.envOrDefault("VOICE_PROVIDER", "auto")),
		ElevenLabsAPIKey:    src.trimmed("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL: src.envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:  src.envOrDefault("ELEVENLABS_TTS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsTTSModel:  src.envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsSTTModel:  src.envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v2_realtime"),
		// PCM keeps the preview endpoint a plain WAV wrap.
		ElevenLabsTTSOutputFormat: src.envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_24000"),
		DatabaseURL:               src.trimmed("DATABASE_URL"),
		RedisURL:                  src.trimmed("REDIS_URL"),
		RedisChannelPrefix:        src.envOrDefault("REDIS_CHANNEL_PREFIX", "examprep:capture:"),
		GenerationMaxAttempts:     3,
		GenerationBaseDelay:       time.Second,
		ShutdownTimeout:           15 * time.Second,
		SessionInactivityTimeout:  2 * time.Minute,
	}
	cfg.ShutdownTimeout, err = src.durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = src.durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationBaseDelay, err = src.durationFromEnv("GENERATION_BASE_DELAY", cfg.GenerationBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationMaxAttempts, err = src.intFromEnv("GENERATION_MAX_ATTEMPTS", cfg.GenerationMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = src.boolFromEnv("APP_ALLOW_ANY_ORIGIN", false)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.GenerationMaxAttempts < 1 {
		return Config{}, fmt.Errorf("GENERATION_MAX_ATTEMPTS must be positive")
	}
	if cfg.GenerationBaseDelay <= 0 {
		return Config{}, fmt.Errorf("GENERATION_BASE_DELAY must be positive")
	}
	if !oneOf(cfg.GenerationProvider, generationProviders) {
		return Config{}, fmt.Errorf("GENERATION_PROVIDER must be one of %s", strings.Join(generationProviders, "|"))
	}
	if !oneOf(cfg.VoiceProvider, voiceProviders) {
		return Config{}, fmt.Errorf("VOICE_PROVIDER must be one of %s", strings.Join(voiceProviders, "|"))
	}
	if cfg.GenerationProvider == "http" && cfg.GenerationHTTPURL == "" {
		return Config{}, fmt.Errorf("GENERATION_HTTP_URL is required when GENERATION_PROVIDER=http")
	}

	return cfg, nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// source resolves a key from the environment first, then from the config
// file. File sections flatten to env names: generation.max_attempts becomes
// GENERATION_MAX_ATTEMPTS.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	src := source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return source{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	flatten("", doc, src.file)
	return src, nil
}

func flatten(prefix string, node map[string]any, out map[string]string) {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(k)
		if prefix != "" {
			name = prefix + "_" + name
		}
		switch v := node[k].(type) {
		case map[string]any:
			flatten(name, v, out)
		case nil:
		default:
			out[name] = fmt.Sprint(v)
		}
	}
}

func (s source) lookup(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(s.lookup(key))
	if v == "" {
		return fallback
	}
	return v
}

func (s source) trimmed(key string) string {
	return strings.TrimSpace(s.lookup(key))
}

func (s source) durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intFromEnv(key string, fallback int) (int, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.trimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
