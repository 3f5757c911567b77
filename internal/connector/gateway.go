package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/robin-voice/robin-backend/internal/cache"
	"github.com/robin-voice/robin-backend/internal/reliability"
)

const (
	oauthTokenCacheKey = "connector:gateway:oauth_token"

	// Tokens are refreshed five minutes before the issuer's expiry so an
	// in-flight dispatch never races the expiration.
	oauthExpiryBuffer = 5 * time.Minute

	// A transient token-endpoint failure is retried; this is credential
	// refresh, not tool dispatch, which stays single-attempt.
	tokenRetryAttempts = 2
	tokenRetryBase     = 100 * time.Millisecond
	tokenRetryCap      = time.Second
)

// GatewayConfig configures the MCP gateway dispatcher.
type GatewayConfig struct {
	MCPURL       string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string
}

// Gateway dispatches tool invocations to an MCP gateway over JSON-RPC,
// authenticating with OAuth client credentials. Issued tokens are cached
// so concurrent sessions share one token exchange.
type Gateway struct {
	cfg    GatewayConfig
	cache  cache.Cache
	client *http.Client
}

func NewGateway(cfg GatewayConfig, c cache.Cache) (*Gateway, error) {
	if strings.TrimSpace(cfg.MCPURL) == "" {
		return nil, fmt.Errorf("gateway MCP url is required")
	}
	if strings.TrimSpace(cfg.TokenURL) == "" || strings.TrimSpace(cfg.ClientID) == "" {
		return nil, fmt.Errorf("gateway OAuth token url and client id are required")
	}
	return &Gateway{
		cfg:   cfg,
		cache: c,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name          string            `json:"name"`
	Arguments     map[string]string `json:"arguments"`
	CredentialRef string            `json:"credential_ref,omitempty"`
}

type rpcResponse struct {
	Result *rpcResult `json:"result"`
	Error  *rpcError  `json:"error"`
}

type rpcResult struct {
	Content []rpcContent `json:"content"`
	IsError bool         `json:"isError"`
}

type rpcContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) Dispatch(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Tool == ToolNone {
		return Result{}, fmt.Errorf("%w: no tool to dispatch", ErrAction)
	}

	token, err := g.accessToken(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: authenticate: %v", ErrAction, err)
	}

	rpc := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tools/call",
		Params: rpcParams{
			Name:          string(inv.Tool),
			Arguments:     inv.Params,
			CredentialRef: inv.CredentialRef,
		},
	}
	payload, err := json.Marshal(rpc)
	if err != nil {
		return Result{}, fmt.Errorf("%w: marshal request: %v", ErrAction, err)
	}

	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.MCPURL, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("%w: create request: %v", ErrAction, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: send request: %v", ErrAction, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized {
		// Stale token; invalidate so the next dispatch re-authenticates.
		_ = g.cache.Delete(ctx, oauthTokenCacheKey)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Result{}, fmt.Errorf("%w: gateway http status %d: %s", ErrAction, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpcRes rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&rpcRes); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrAction, err)
	}
	if rpcRes.Error != nil {
		return Result{}, fmt.Errorf("%w: gateway rpc %d: %s", ErrAction, rpcRes.Error.Code, rpcRes.Error.Message)
	}
	if rpcRes.Result == nil {
		return Result{}, fmt.Errorf("%w: gateway returned no result", ErrAction)
	}
	content := joinContent(rpcRes.Result.Content)
	if rpcRes.Result.IsError {
		return Result{}, fmt.Errorf("%w: %s", ErrAction, content)
	}

	return Result{
		Content:   content,
		LatencyMS: time.Since(started).Milliseconds(),
	}, nil
}

func joinContent(parts []rpcContent) string {
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && strings.TrimSpace(p.Text) != "" {
			texts = append(texts, strings.TrimSpace(p.Text))
		}
	}
	return strings.Join(texts, "\n")
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken returns a cached OAuth token, exchanging client credentials
// when none is cached or the cached one is near expiry. Transient token
// endpoint failures are retried with capped backoff.
func (g *Gateway) accessToken(ctx context.Context) (string, error) {
	if cached, ok, err := g.cache.Get(ctx, oauthTokenCacheKey); err == nil && ok && cached != "" {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt <= tokenRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(reliability.ExponentialBackoff(attempt-1, tokenRetryBase, tokenRetryCap)):
			}
		}
		tok, retryable, err := g.exchangeToken(ctx)
		if err == nil {
			ttl := time.Duration(tok.ExpiresIn)*time.Second - oauthExpiryBuffer
			if ttl > 0 {
				_ = g.cache.Set(ctx, oauthTokenCacheKey, tok.AccessToken, ttl)
			}
			return tok.AccessToken, nil
		}
		if !retryable {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (g *Gateway) exchangeToken(ctx context.Context) (tokenResponse, bool, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", g.cfg.ClientID)
	form.Set("client_secret", g.cfg.ClientSecret)
	if g.cfg.Scope != "" {
		form.Set("scope", g.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenResponse{}, false, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := g.client.Do(req)
	if err != nil {
		return tokenResponse{}, ctx.Err() == nil, fmt.Errorf("token request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		retryable := reliability.IsRetryableHTTPStatus(res.StatusCode)
		return tokenResponse{}, retryable, fmt.Errorf("token endpoint status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok tokenResponse
	if err := json.NewDecoder(res.Body).Decode(&tok); err != nil {
		return tokenResponse{}, false, fmt.Errorf("decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return tokenResponse{}, false, fmt.Errorf("token endpoint returned an empty access_token")
	}
	return tok, false, nil
}
