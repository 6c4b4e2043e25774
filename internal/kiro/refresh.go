package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/monitoring"
	"aigateway-go/internal/pool"
)

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"` // seconds
	ExpiresAt    string `json:"expiresAt,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`
}

// Refresher keeps access tokens valid. Concurrent refreshes for the same
// credential collapse into one upstream call via singleflight.
type Refresher struct {
	store      *CredStore
	httpClient *http.Client
	nearWindow time.Duration
	group      singleflight.Group

	urlOverride string // tests point refreshes at a local server
}

// NewRefresher builds a refresher persisting through store.
func NewRefresher(store *CredStore, httpClient *http.Client, nearMinutes int) *Refresher {
	if nearMinutes <= 0 {
		nearMinutes = constants.DefaultCronNearMinutes
	}
	return &Refresher{
		store:      store,
		httpClient: httpClient,
		nearWindow: time.Duration(nearMinutes) * time.Minute,
	}
}

// EnsureFresh returns a usable access token, refreshing proactively when the
// expiry is inside the near window.
func (r *Refresher) EnsureFresh(ctx context.Context, cred *pool.Credential) (string, error) {
	token, expiresAt := cred.Token()
	if token != "" && (expiresAt.IsZero() || time.Until(expiresAt) > r.nearWindow) {
		return token, nil
	}
	return r.Refresh(ctx, cred)
}

// Refresh exchanges the refresh token for a new access token and persists the
// result. The social flow posts the refresh token to the Kiro desktop
// endpoint; the IDC flow posts client credentials to the AWS OIDC endpoint.
func (r *Refresher) Refresh(ctx context.Context, cred *pool.Credential) (string, error) {
	v, err, _ := r.group.Do(cred.UUID, func() (interface{}, error) {
		return r.refreshLocked(ctx, cred)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Refresher) refreshLocked(ctx context.Context, cred *pool.Credential) (string, error) {
	region := cred.Region
	if region == "" {
		region = defaultRegion
	}

	var refreshURL string
	payload := map[string]string{"refreshToken": cred.RefreshToken}
	if cred.AuthMethod != "" && cred.AuthMethod != "social" {
		refreshURL = fmt.Sprintf(refreshIDCURLTemplate, region)
		payload["clientId"] = cred.ClientID
		payload["clientSecret"] = cred.ClientSecret
		payload["grantType"] = "refresh_token"
	} else {
		refreshURL = fmt.Sprintf(refreshURLTemplate, region)
	}
	if r.urlOverride != "" {
		refreshURL = r.urlOverride
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, constants.RefreshTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		monitoring.TokenRefreshesTotal.WithLabelValues(constants.ProviderClaudeKiro, "error").Inc()
		return "", fmt.Errorf("token refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read refresh response: %w", err)
	}
	if resp.StatusCode >= 400 {
		monitoring.TokenRefreshesTotal.WithLabelValues(constants.ProviderClaudeKiro, "failure").Inc()
		return "", &UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var rr refreshResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return "", fmt.Errorf("parse refresh response: %w", err)
	}
	if rr.AccessToken == "" {
		return "", fmt.Errorf("refresh response carried no access token")
	}

	expiresAt := time.Time{}
	switch {
	case rr.ExpiresAt != "":
		expiresAt, _ = time.Parse(time.RFC3339, rr.ExpiresAt)
	case rr.ExpiresIn > 0:
		expiresAt = time.Now().Add(time.Duration(rr.ExpiresIn) * time.Second)
	}

	cred.UpdateToken(rr.AccessToken, rr.RefreshToken, expiresAt, rr.ProfileArn)

	if r.store != nil {
		persisted := &TokenData{
			AccessToken:  rr.AccessToken,
			RefreshToken: rr.RefreshToken,
			ProfileArn:   rr.ProfileArn,
		}
		if !expiresAt.IsZero() {
			persisted.ExpiresAt = expiresAt.UTC().Format(time.RFC3339)
		}
		if err := r.store.Persist(persisted); err != nil {
			log.WithError(err).Warn("kiro: persisting refreshed token failed")
		}
	}

	monitoring.TokenRefreshesTotal.WithLabelValues(constants.ProviderClaudeKiro, "success").Inc()
	log.Debugf("kiro: refreshed token for credential %s", cred.UUID)
	return rr.AccessToken, nil
}
