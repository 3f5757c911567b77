package connector

import (
	"fmt"
	"strings"

	"github.com/robin-voice/robin-backend/internal/cache"
)

// Config controls dispatcher construction.
type Config struct {
	Mode         string
	MCPURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	OAuthScope   string
}

// NewDispatcher builds the dispatcher for the configured mode. "auto"
// picks the gateway when its settings are present and otherwise falls
// back to the mock, which keeps local development credential-free.
func NewDispatcher(cfg Config, c cache.Cache) (Dispatcher, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.MCPURL) != "" && strings.TrimSpace(cfg.TokenURL) != "" {
			return newGatewayFromConfig(cfg, c)
		}
		return NewMockDispatcher(), nil
	case "gateway":
		return newGatewayFromConfig(cfg, c)
	case "mock":
		return NewMockDispatcher(), nil
	default:
		return nil, fmt.Errorf("unsupported connector mode %q", cfg.Mode)
	}
}

func newGatewayFromConfig(cfg Config, c cache.Cache) (*Gateway, error) {
	return NewGateway(GatewayConfig{
		MCPURL:       cfg.MCPURL,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scope:        cfg.OAuthScope,
	}, c)
}
