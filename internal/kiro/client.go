package kiro

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/monitoring"
	"aigateway-go/internal/pool"
)

const kiroVersion = "1.0.0"

// HealthSink is the slice of the pool manager the adapter signals into. The
// pool stays the sole authority over health state.
type HealthSink interface {
	MarkProviderUnhealthy(providerType string, cred *pool.Credential, errMsg string)
	MarkProviderUnhealthyImmediately(providerType string, cred *pool.Credential, errMsg string)
}

// ClientOptions configure the Kiro adapter.
type ClientOptions struct {
	Region     string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	Store      *CredStore
	Health     HealthSink
	NearExpiry int // minutes before expiry to refresh proactively
}

// Client executes requests against the Kiro/CodeWhisperer upstream.
type Client struct {
	region     string
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	httpClient *http.Client
	refresher  *Refresher
	health     HealthSink

	baseOverride string // tests point the adapter at a local server
}

// NewClient builds the adapter with a bounded keep-alive connection pool.
func NewClient(opts ClientOptions) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     constants.MaxConnsPerAdapter,
		MaxIdleConns:        constants.MaxConnsPerAdapter,
		MaxIdleConnsPerHost: constants.MaxIdleConns,
		IdleConnTimeout:     constants.IdleConnTimeout,
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = constants.DefaultMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = constants.DefaultBaseDelay
	}
	region := opts.Region
	if region == "" {
		region = defaultRegion
	}

	httpClient := &http.Client{Transport: transport, Timeout: timeout}
	return &Client{
		region:     region,
		timeout:    timeout,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		httpClient: httpClient,
		refresher:  NewRefresher(opts.Store, &http.Client{Transport: transport}, opts.NearExpiry),
		health:     opts.Health,
	}
}

// Refresher exposes the token refresher (the server bootstrap wires it).
func (c *Client) Refresher() *Refresher { return c.refresher }

// machineID derives the per-credential identifier embedded in user-agent
// strings so upstream anti-abuse sees each credential as a distinct client.
func machineID(cred *pool.Credential) string {
	seed := cred.UUID
	if seed == "" {
		seed = cred.ProfileArn
	}
	if seed == "" {
		seed = cred.ClientID
	}
	if seed == "" {
		seed = "KIRO_DEFAULT_MACHINE"
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func (c *Client) endpointFor(cred *pool.Credential, model string) string {
	if c.baseOverride != "" {
		return c.baseOverride
	}
	region := cred.Region
	if region == "" {
		region = c.region
	}
	if strings.HasPrefix(model, "amazonq") {
		return fmt.Sprintf(amazonQURLTemplate, region)
	}
	return fmt.Sprintf(generateURLTemplate, region)
}

func (c *Client) setHeaders(req *http.Request, cred *pool.Credential, token string) {
	mid := machineID(cred)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("amz-sdk-invocation-id", uuid.New().String())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", kiroVersion, mid))
	req.Header.Set("User-Agent", fmt.Sprintf(
		"aws-sdk-js/1.0.0 ua/2.1 os/%s lang/go md/go#%s api/codewhispererruntime#1.0.0 m/E KiroIDE-%s-%s",
		runtime.GOOS, runtime.Version(), kiroVersion, mid))
}

// Execute sends the built request body and returns the raw response stream.
// The retry ladder runs inside: 429/5xx/network errors back off
// exponentially, a 401 gets exactly one refresh-then-retry, a second 401 or a
// refresh failure marks the credential unhealthy immediately, and a 403 is
// terminal.
func (c *Client) Execute(ctx context.Context, cred *pool.Credential, model string, body []byte) (io.ReadCloser, error) {
	token, err := c.refresher.EnsureFresh(ctx, cred)
	if err != nil {
		c.markAuthFatal(cred, fmt.Sprintf("token refresh failed: %v", err))
		return nil, err
	}

	url := c.endpointFor(cred, model)
	refreshed := false

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		stream, err := c.doOnce(ctx, cred, url, token, body)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		if ue, ok := err.(*UpstreamError); ok {
			switch {
			case ue.IsAuthExpired():
				if refreshed {
					c.markAuthFatal(cred, "401 after token refresh")
					return nil, err
				}
				refreshed = true
				token, err = c.refresher.Refresh(ctx, cred)
				if err != nil {
					c.markAuthFatal(cred, fmt.Sprintf("refresh after 401 failed: %v", err))
					return nil, err
				}
				// Refresh does not consume a retry attempt.
				attempt--
				continue
			case ue.IsForbidden():
				c.markAuthFatal(cred, "403 from upstream")
				return nil, err
			case ue.IsRetryable():
				monitoring.UpstreamRetriesTotal.WithLabelValues(constants.ProviderClaudeKiro, fmt.Sprintf("http_%d", ue.StatusCode)).Inc()
			default:
				return nil, err
			}
		} else if isTransientNetErr(err) {
			monitoring.UpstreamRetriesTotal.WithLabelValues(constants.ProviderClaudeKiro, classifyNetErr(err)).Inc()
		} else {
			return nil, err
		}

		if attempt == c.maxRetries-1 {
			break
		}
		delay := time.Duration(float64(c.baseDelay) * math.Pow(2, float64(attempt)))
		log.Debugf("kiro: retrying in %s (attempt %d/%d): %v", delay, attempt+1, c.maxRetries, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if c.health != nil {
		c.health.MarkProviderUnhealthy(constants.ProviderClaudeKiro, cred, lastErr.Error())
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, cred *pool.Credential, url, token string, body []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, cred, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer func() { _ = resp.Body.Close() }()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return resp.Body, nil
}

func (c *Client) markAuthFatal(cred *pool.Credential, msg string) {
	if c.health != nil {
		c.health.MarkProviderUnhealthyImmediately(constants.ProviderClaudeKiro, cred, msg)
	}
}

// Probe sends the minimal health-check request and drains the answer. A 2xx
// means the credential serves traffic again.
func (c *Client) Probe(ctx context.Context, cred *pool.Credential, model string) error {
	req := &Request{
		Model:    model,
		Messages: []Message{{Role: "user", Content: mustJSON("Hi")}},
	}
	body, err := BuildRequestBody(req, cred)
	if err != nil {
		return err
	}

	token, err := c.refresher.EnsureFresh(ctx, cred)
	if err != nil {
		return err
	}
	stream, err := c.doOnce(ctx, cred, c.endpointFor(cred, model), token, body)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(stream, 64*1024))
	return nil
}

// UsageLimits fetches the account usage snapshot.
func (c *Client) UsageLimits(ctx context.Context, cred *pool.Credential) ([]byte, error) {
	token, err := c.refresher.EnsureFresh(ctx, cred)
	if err != nil {
		return nil, err
	}
	region := cred.Region
	if region == "" {
		region = c.region
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf(usageLimitURLTemplate, region), bytes.NewReader([]byte("{}")))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, cred, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
