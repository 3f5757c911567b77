package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the Robin voice backend.
type Config struct {
	BindAddr         string
	PublicWSBaseURL  string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	SessionIdleTimeout time.Duration
	ReaperInterval     time.Duration

	// Audio ingest. Inbound frames are PCM16LE mono at SampleRate.
	SampleRate        int
	SilenceRMS        float64
	SilenceHold       time.Duration
	MinUtterance      time.Duration
	MaxBufferedFrames int

	SpeechProvider string
	SpeechHTTPURL  string
	SpeechAPIKey   string
	SpeechVoiceID  string

	ConnectorMode     string
	GatewayMCPURL     string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScope        string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("ROBIN_BIND_ADDR", ":8000"),
		PublicWSBaseURL:  envOrDefault("ROBIN_PUBLIC_WS_BASE_URL", "ws://localhost:8000"),
		MetricsNamespace: envOrDefault("ROBIN_METRICS_NAMESPACE", "robin"),
		AllowAnyOrigin:   false,

		ShutdownTimeout:    15 * time.Second,
		SessionIdleTimeout: 10 * time.Minute,
		ReaperInterval:     5 * time.Second,

		SampleRate: 16000,
		// Defaults tuned for 16kHz 20ms frames from the mobile client.
		SilenceRMS:        0.008,
		SilenceHold:       600 * time.Millisecond,
		MinUtterance:      300 * time.Millisecond,
		MaxBufferedFrames: 1500,

		SpeechProvider: envOrDefault("SPEECH_PROVIDER", "auto"),
		SpeechHTTPURL:  trimmedEnv("SPEECH_HTTP_URL"),
		SpeechAPIKey:   trimmedEnv("SPEECH_API_KEY"),
		SpeechVoiceID:  envOrDefault("SPEECH_VOICE_ID", "tiffany"),

		ConnectorMode:     envOrDefault("CONNECTOR_MODE", "auto"),
		GatewayMCPURL:     trimmedEnv("GATEWAY_MCP_URL"),
		OAuthClientID:     trimmedEnv("OAUTH_CLIENT_ID"),
		OAuthClientSecret: trimmedEnv("OAUTH_CLIENT_SECRET"),
		OAuthTokenURL:     trimmedEnv("OAUTH_TOKEN_URL"),
		OAuthScope:        trimmedEnv("OAUTH_SCOPE"),

		RedisAddr:     trimmedEnv("REDIS_ADDR"),
		RedisPassword: trimmedEnv("REDIS_PASSWORD"),
		RedisDB:       0,

		DatabaseURL: trimmedEnv("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("ROBIN_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionIdleTimeout, err = durationFromEnv("ROBIN_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ReaperInterval, err = durationFromEnv("ROBIN_REAPER_INTERVAL", cfg.ReaperInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceHold, err = durationFromEnv("ROBIN_SILENCE_HOLD", cfg.SilenceHold)
	if err != nil {
		return Config{}, err
	}
	cfg.MinUtterance, err = durationFromEnv("ROBIN_MIN_UTTERANCE", cfg.MinUtterance)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("ROBIN_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxBufferedFrames, err = intFromEnv("ROBIN_MAX_BUFFERED_FRAMES", cfg.MaxBufferedFrames)
	if err != nil {
		return Config{}, err
	}
	cfg.SilenceRMS, err = floatFromEnv("ROBIN_SILENCE_RMS", cfg.SilenceRMS)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("ROBIN_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("ROBIN_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("ROBIN_SAMPLE_RATE must be positive")
	}
	if cfg.MaxBufferedFrames <= 0 {
		return Config{}, fmt.Errorf("ROBIN_MAX_BUFFERED_FRAMES must be positive")
	}
	if cfg.SilenceRMS <= 0 || cfg.SilenceRMS >= 1 {
		return Config{}, fmt.Errorf("ROBIN_SILENCE_RMS must be in (0, 1)")
	}
	if cfg.SilenceHold <= 0 {
		return Config{}, fmt.Errorf("ROBIN_SILENCE_HOLD must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
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
