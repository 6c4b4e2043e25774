// Package gemini implements the Gemini upstream adapter used for health
// probing and same-protocol fallback of the gemini-* pools.
package gemini

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/pool"
)

const (
	defaultBaseURL  = "https://generativelanguage.googleapis.com"
	generatePathFmt = "/v1beta/models/%s:generateContent"
)

// Gemini CLI OAuth client; public, distributed with the CLI itself.
const (
	oauthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	oauthClientSecret = "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"
)

// Client probes Gemini credentials. OAuth credentials use a refresh-token
// source; plain API keys are passed as a query parameter.
type Client struct {
	httpClient *http.Client
}

// NewClient builds the adapter with a bounded connection pool.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     constants.MaxConnsPerAdapter,
				MaxIdleConnsPerHost: constants.MaxIdleConns,
				IdleConnTimeout:     constants.IdleConnTimeout,
			},
			Timeout: constants.HealthProbeTimeout,
		},
	}
}

// tokenSource builds an oauth2 source seeded from the credential's stored
// tokens; the library refreshes transparently when the access token expires.
func (c *Client) tokenSource(ctx context.Context, cred *pool.Credential) oauth2.TokenSource {
	clientID := cred.ClientID
	clientSecret := cred.ClientSecret
	if clientID == "" {
		clientID = oauthClientID
		clientSecret = oauthClientSecret
	}
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
	access, expiresAt := cred.Token()
	seed := &oauth2.Token{
		AccessToken:  access,
		RefreshToken: cred.RefreshToken,
		Expiry:       expiresAt,
	}
	return conf.TokenSource(ctx, seed)
}

// Probe sends a minimal generateContent request. Implements pool.Adapter.
func (c *Client) Probe(ctx context.Context, cred *pool.Credential, model string) error {
	base := cred.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	url := base + fmt.Sprintf(generatePathFmt, model)

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"Hi"}]}],"generationConfig":{"maxOutputTokens":1}}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if cred.APIKey != "" {
		q := req.URL.Query()
		q.Set("key", cred.APIKey)
		req.URL.RawQuery = q.Encode()
	} else {
		token, err := c.tokenSource(ctx, cred).Token()
		if err != nil {
			return fmt.Errorf("gemini token: %w", err)
		}
		token.SetAuthHeader(req)
		// Refreshed tokens propagate back so the pool persists them.
		access, expiresAt := cred.Token()
		if token.AccessToken != access || (expiresAt.IsZero() && !token.Expiry.IsZero()) {
			cred.UpdateToken(token.AccessToken, token.RefreshToken, token.Expiry, "")
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("gemini probe: status %d", resp.StatusCode)
	}
	log.Debugf("gemini: probe %s ok in %s", model, time.Since(start).Round(time.Millisecond))
	return nil
}
