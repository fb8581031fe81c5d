// Package panel talks to the control panel's server API: config snapshots
// on the way in, socket token validation on the way out.
package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/argon-foss/krypton/internal/logger"
)

const (
	fetchTimeout    = 10 * time.Second
	validateTimeout = 5 * time.Second
	fetchAttempts   = 3
)

// Options configures a Client.
type Options struct {
	// AppURL is the panel base URL, e.g. "https://panel.example.com".
	AppURL string
	// HTTPClient overrides the default transport. Timeouts are always
	// applied per call, not on the client.
	HTTPClient *http.Client
}

// Client is the panel API client.
type Client struct {
	baseURL string
	http    *http.Client

	// backoffUnit scales the linear retry back-off. One second outside
	// of tests.
	backoffUnit time.Duration
}

// New creates a panel client.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.AppURL, "/"),
		http:        httpClient,
		backoffUnit: time.Second,
	}
}

// FetchConfig retrieves the panel's configuration snapshot for a server.
// Each attempt gets its own timeout; attempts back off linearly (one unit
// after the first failure, two after the second). Exhausting every attempt
// yields an UnavailableError.
func (c *Client) FetchConfig(ctx context.Context, serverID string) (*ServerConfig, error) {
	endpoint := fmt.Sprintf("%s/api/servers/%s/config", c.baseURL, url.PathEscape(serverID))

	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		cfg, err := c.fetchOnce(ctx, endpoint)
		if err == nil {
			return cfg, nil
		}
		lastErr = err
		logger.Warn().
			Err(err).
			Str("server", serverID).
			Int("attempt", attempt).
			Msg("Panel config fetch failed")

		if attempt == fetchAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.backoffUnit):
		case <-ctx.Done():
			return nil, &UnavailableError{Err: ctx.Err()}
		}
	}
	return nil, &UnavailableError{Err: lastErr}
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string) (*ServerConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var cfg ServerConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// ValidateToken asks the panel whether a socket token grants access to a
// server. Any failure, transport, status, or decode, is an unvalidated
// result rather than an error.
func (c *Client) ValidateToken(ctx context.Context, serverID, token string) ValidateResult {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/servers/%s/validate/%s",
		c.baseURL, url.PathEscape(serverID), url.PathEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ValidateResult{}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		logger.Debug().Err(err).Str("server", serverID).Msg("Token validation request failed")
		return ValidateResult{}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debug().Str("server", serverID).Str("status", resp.Status).Msg("Token rejected by panel")
		return ValidateResult{}
	}

	var raw struct {
		Validated bool           `json:"validated"`
		Server    map[string]any `json:"server"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		logger.Debug().Err(err).Str("server", serverID).Msg("Token validation decode failed")
		return ValidateResult{}
	}
	if !raw.Validated {
		return ValidateResult{}
	}

	// Panels disagree on numeric versus string ids, so the server object
	// is decoded weakly instead of with strict JSON types.
	result := ValidateResult{Validated: true}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &result.Server,
	})
	if err == nil {
		if err := dec.Decode(raw.Server); err != nil {
			logger.Debug().Err(err).Str("server", serverID).Msg("Validated server object malformed")
		}
	}
	return result
}
