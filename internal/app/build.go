package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/robin-voice/robin-backend/internal/cache"
	"github.com/robin-voice/robin-backend/internal/config"
	"github.com/robin-voice/robin-backend/internal/connector"
	"github.com/robin-voice/robin-backend/internal/history"
	"github.com/robin-voice/robin-backend/internal/httpapi"
	"github.com/robin-voice/robin-backend/internal/ingest"
	"github.com/robin-voice/robin-backend/internal/observability"
	"github.com/robin-voice/robin-backend/internal/router"
	"github.com/robin-voice/robin-backend/internal/session"
	"github.com/robin-voice/robin-backend/internal/speech"
	"github.com/robin-voice/robin-backend/internal/turn"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Loop     *turn.Loop
	Metrics  *observability.Metrics

	// Cleanup releases external resources (database, cache) on shutdown.
	Cleanup func() error
}

// Build wires the full service graph from configuration. Components with
// missing external settings degrade to their in-process fallbacks, so a
// bare environment still yields a runnable backend.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	c, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("cache init failed: %w", err)
	}

	bridge, err := speech.NewBridge(speech.Config{
		Provider: cfg.SpeechProvider,
		HTTPURL:  cfg.SpeechHTTPURL,
		APIKey:   cfg.SpeechAPIKey,
		VoiceID:  cfg.SpeechVoiceID,
	})
	if err != nil {
		_ = c.Close()
		_ = store.Close()
		return nil, fmt.Errorf("speech bridge init failed: %w", err)
	}

	dispatcher, err := connector.NewDispatcher(connector.Config{
		Mode:         cfg.ConnectorMode,
		MCPURL:       cfg.GatewayMCPURL,
		TokenURL:     cfg.OAuthTokenURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		OAuthScope:   cfg.OAuthScope,
	}, c)
	if err != nil {
		_ = c.Close()
		_ = store.Close()
		return nil, fmt.Errorf("connector init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionIdleTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	pipeline := ingest.New(sessions, ingest.Config{
		SampleRate:   cfg.SampleRate,
		SilenceRMS:   cfg.SilenceRMS,
		SilenceHold:  cfg.SilenceHold,
		MinUtterance: cfg.MinUtterance,
		MaxFrames:    cfg.MaxBufferedFrames,
	})

	loop := turn.NewLoop(
		sessions,
		pipeline,
		bridge,
		router.New(bridge, dispatcher, connector.StaticResolver{}),
		store,
		metrics,
		cfg.SampleRate,
	)

	api := httpapi.New(cfg, sessions, loop, store, c, metrics)

	cleanup := func() error {
		var errs []string
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Loop:     loop,
		Metrics:  metrics,
		Cleanup:  cleanup,
	}, nil
}
