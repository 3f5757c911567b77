package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8000" {
		t.Fatalf("BindAddr = %q, want :8000", cfg.BindAddr)
	}
	if cfg.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", cfg.SampleRate)
	}
	if cfg.SessionIdleTimeout != 10*time.Minute {
		t.Fatalf("SessionIdleTimeout = %v, want 10m", cfg.SessionIdleTimeout)
	}
	if cfg.SilenceHold != 600*time.Millisecond {
		t.Fatalf("SilenceHold = %v, want 600ms", cfg.SilenceHold)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ROBIN_SESSION_IDLE_TIMEOUT", "30s")
	t.Setenv("ROBIN_SAMPLE_RATE", "24000")
	t.Setenv("ROBIN_ALLOW_ANY_ORIGIN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SessionIdleTimeout != 30*time.Second {
		t.Fatalf("SessionIdleTimeout = %v, want 30s", cfg.SessionIdleTimeout)
	}
	if cfg.SampleRate != 24000 {
		t.Fatalf("SampleRate = %d, want 24000", cfg.SampleRate)
	}
	if !cfg.AllowAnyOrigin {
		t.Fatalf("AllowAnyOrigin = false, want true")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"ROBIN_SESSION_IDLE_TIMEOUT", "1s"},
		{"ROBIN_SESSION_IDLE_TIMEOUT", "nonsense"},
		{"ROBIN_SAMPLE_RATE", "-1"},
		{"ROBIN_SILENCE_RMS", "2.0"},
		{"ROBIN_MAX_BUFFERED_FRAMES", "0"},
		{"ROBIN_ALLOW_ANY_ORIGIN", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%s", tc.key, tc.value)
			}
		})
	}
}
