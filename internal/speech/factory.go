package speech

import (
	"errors"
	"fmt"
	"strings"
)

// Config controls bridge construction.
type Config struct {
	Provider string
	HTTPURL  string
	APIKey   string
	VoiceID  string
}

// NewBridge builds the speech bridge for the configured provider. "auto"
// uses the HTTP provider when a URL is configured and otherwise falls
// back to the mock so the backend runs without cloud credentials.
func NewBridge(cfg Config) (Bridge, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return newHTTPFromConfig(cfg), nil
		}
		return NewMockBridge(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("speech HTTP url is required for http provider")
		}
		return newHTTPFromConfig(cfg), nil
	case "mock":
		return NewMockBridge(), nil
	default:
		return nil, fmt.Errorf("unsupported speech provider %q", cfg.Provider)
	}
}

func newHTTPFromConfig(cfg Config) *HTTPBridge {
	return NewHTTPBridge(HTTPConfig{
		BaseURL: cfg.HTTPURL,
		APIKey:  cfg.APIKey,
		VoiceID: cfg.VoiceID,
	})
}
