// Package forestapi is the HTTP client of the control plane: scopes and permissions
// are read from it, authenticated by the environment secret.
package forestapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liana/backend/internal/domain/permission"
	"github.com/liana/backend/internal/domain/scope"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	// SecretHeader carries the environment secret on every request
	SecretHeader = "forest-secret-key"

	// maxResponseSize limits the response body size to prevent memory exhaustion
	maxResponseSize = 10 * 1024 * 1024

	defaultTimeout = 10 * time.Second
)

// Control plane paths
const (
	scopesPath                = "/liana/scopes"
	environmentPermissionPath = "/liana/v4/permissions/environment"
	usersPermissionPath       = "/liana/v4/permissions/users"
	renderingPermissionPath   = "/liana/v4/permissions/renderings/"
)

var (
	// ErrUnavailable is returned when the control plane cannot be reached
	ErrUnavailable = errors.New("forestapi: control plane unavailable")
	// ErrRequestFailed is returned when the control plane answers with an error status
	ErrRequestFailed = errors.New("forestapi: request failed")
	// ErrInvalidSecret is returned when the control plane rejects the environment secret
	ErrInvalidSecret = errors.New("forestapi: environment secret rejected")
)

// Config holds the control plane connection settings
type Config struct {
	ServerURL string
	EnvSecret string
	Timeout   time.Duration
}

// Client reads scopes and permissions from the control plane
type Client struct {
	baseURL    string
	envSecret  string
	httpClient *http.Client
	logger     *zap.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClientLogger sets the logger
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a control plane client
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("forestapi: server url is required")
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("forestapi: invalid server url: %w", err)
	}
	if cfg.EnvSecret == "" {
		return nil, fmt.Errorf("forestapi: environment secret is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		baseURL:   strings.TrimSuffix(cfg.ServerURL, "/"),
		envSecret: cfg.EnvSecret,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchScopes implements scope.Fetcher
func (c *Client) FetchScopes(ctx context.Context, renderingID string) (map[string]scope.Scope, error) {
	body, err := c.get(ctx, scopesPath, url.Values{"renderingId": {renderingID}})
	if err != nil {
		return nil, err
	}
	scopes, err := scope.DecodeScopes(body)
	if err != nil {
		return nil, fmt.Errorf("forestapi: invalid scopes payload: %w", err)
	}
	return scopes, nil
}

// EnvironmentPermissions implements permission.Source
func (c *Client) EnvironmentPermissions(ctx context.Context) (*permission.Environment, error) {
	var env permission.Environment
	if err := c.getJSON(ctx, environmentPermissionPath, nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Users implements permission.Source
func (c *Client) Users(ctx context.Context) ([]permission.User, error) {
	var users []permission.User
	if err := c.getJSON(ctx, usersPermissionPath, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// RenderingPermissions implements permission.Source
func (c *Client) RenderingPermissions(ctx context.Context, renderingID string) (*permission.Rendering, error) {
	var rendering permission.Rendering
	if err := c.getJSON(ctx, renderingPermissionPath+url.PathEscape(renderingID), nil, &rendering); err != nil {
		return nil, err
	}
	return &rendering, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("forestapi: invalid payload from %s: %w", path, err)
	}
	return nil
}

// get performs a GET request to the control plane
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("forestapi: failed to create request: %w", err)
	}
	req.Header.Set(SecretHeader, c.envSecret)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("forestapi: failed to read response: %w", err)
	}

	c.logger.Debug("Control plane request",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d on %s", ErrInvalidSecret, resp.StatusCode, path)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: HTTP %d on %s", ErrRequestFailed, resp.StatusCode, path)
	}
	return body, nil
}
