package pool

import (
	"sync"
	"time"
)

// Credential is a single upstream account: secrets plus runtime health state.
// All mutable fields are guarded by mu; cross-component references use UUID,
// never pointer identity.
type Credential struct {
	UUID         string `json:"uuid"`
	ProviderType string `json:"provider_type"`
	CustomName   string `json:"custom_name,omitempty"`

	// Secrets
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	AuthMethod   string    `json:"auth_method,omitempty"` // social | idc
	Region       string    `json:"region,omitempty"`
	ProfileArn   string    `json:"profile_arn,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	BaseURL      string    `json:"base_url,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`

	// Health lifecycle
	IsHealthy        bool      `json:"is_healthy"`
	IsDisabled       bool      `json:"is_disabled"`
	ErrorCount       int       `json:"error_count"`
	LastErrorTime    time.Time `json:"last_error_time,omitempty"`
	LastErrorMessage string    `json:"last_error_message,omitempty"`
	LastUsed         time.Time `json:"last_used,omitempty"`
	UsageCount       int64     `json:"usage_count"`

	LastHealthCheckTime  time.Time `json:"last_health_check_time,omitempty"`
	LastHealthCheckModel string    `json:"last_health_check_model,omitempty"`

	// Capability hints
	NotSupportedModels []string `json:"not_supported_models,omitempty"`
	CheckHealth        *bool    `json:"check_health,omitempty"`
	CheckModelName     string   `json:"check_model_name,omitempty"`

	mu sync.RWMutex
}

// errorCountWindow is the quiet period after which the error counter resets.
const errorCountWindow = 10 * time.Second

// NewCredential returns a healthy credential for the given provider type.
func NewCredential(uuid, providerType string) *Credential {
	return &Credential{
		UUID:         uuid,
		ProviderType: providerType,
		IsHealthy:    true,
	}
}

// Healthy reports the current health flag.
func (c *Credential) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IsHealthy
}

// Disabled reports the operator-controlled disable flag.
func (c *Credential) Disabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.IsDisabled
}

// SupportsModel reports whether the credential can serve the model.
// An empty model matches everything.
func (c *Credential) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.NotSupportedModels {
		if m == model {
			return false
		}
	}
	return true
}

// Selectable reports whether the credential may receive new traffic for model.
func (c *Credential) Selectable(model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.IsHealthy || c.IsDisabled {
		return false
	}
	if model == "" {
		return true
	}
	for _, m := range c.NotSupportedModels {
		if m == model {
			return false
		}
	}
	return true
}

// sortKey returns the LRU ordering tuple: last-used epoch millis, then usage
// count. Never-used credentials sort first with key 0.
func (c *Credential) sortKey() (int64, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ms int64
	if !c.LastUsed.IsZero() {
		ms = c.LastUsed.UnixMilli()
	}
	return ms, c.UsageCount
}

// touchUse records a selection for LRU bookkeeping.
func (c *Credential) touchUse(now time.Time) {
	c.mu.Lock()
	c.LastUsed = now
	c.UsageCount++
	c.mu.Unlock()
}

// markError applies the windowed error counter. Within errorCountWindow of the
// previous error the counter increments; after a quiet window it restarts at 1.
// Once the counter reaches maxErrorCount the credential flips unhealthy in the
// same critical section, so no reader sees an inconsistent pair. A credential
// that is already unhealthy keeps its counter at or above the threshold.
// Returns true when this call transitioned the credential to unhealthy.
func (c *Credential) markError(now time.Time, maxErrorCount int, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsHealthy {
		if c.ErrorCount < maxErrorCount {
			c.ErrorCount = maxErrorCount
		} else {
			c.ErrorCount++
		}
	} else if !c.LastErrorTime.IsZero() && now.Sub(c.LastErrorTime) <= errorCountWindow {
		c.ErrorCount++
	} else {
		c.ErrorCount = 1
	}

	c.LastErrorTime = now
	c.LastErrorMessage = msg
	// Keep a broken credential away from the front of the LRU order.
	c.LastUsed = now

	if c.IsHealthy && c.ErrorCount >= maxErrorCount {
		c.IsHealthy = false
		return true
	}
	return false
}

// markErrorImmediate forces the credential unhealthy regardless of the window.
func (c *Credential) markErrorImmediate(now time.Time, maxErrorCount int, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	transitioned := c.IsHealthy
	c.ErrorCount = maxErrorCount
	c.IsHealthy = false
	c.LastErrorTime = now
	c.LastErrorMessage = msg
	c.LastUsed = now
	return transitioned
}

// markHealthy clears error state. When resetUsage is set the usage counter is
// zeroed (post-probe recovery); otherwise usage is bumped so a just-recovered
// credential does not immediately dominate the LRU order.
func (c *Credential) markHealthy(now time.Time, resetUsage bool, healthCheckModel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.IsHealthy = true
	c.ErrorCount = 0
	c.LastErrorTime = time.Time{}
	c.LastErrorMessage = ""
	c.LastHealthCheckTime = now
	if healthCheckModel != "" {
		c.LastHealthCheckModel = healthCheckModel
	}
	if resetUsage {
		c.UsageCount = 0
	} else {
		c.UsageCount++
		c.LastUsed = now
	}
}

// recordHealthCheck stores probe metadata; called on probe failure too.
func (c *Credential) recordHealthCheck(now time.Time, model string) {
	c.mu.Lock()
	c.LastHealthCheckTime = now
	if model != "" {
		c.LastHealthCheckModel = model
	}
	c.mu.Unlock()
}

func (c *Credential) setDisabled(disabled bool) {
	c.mu.Lock()
	c.IsDisabled = disabled
	c.mu.Unlock()
}

// resetCounters clears error bookkeeping without touching health or usage.
func (c *Credential) resetCounters() {
	c.mu.Lock()
	c.ErrorCount = 0
	c.LastErrorTime = time.Time{}
	c.LastErrorMessage = ""
	c.mu.Unlock()
}

// shouldProbe reports whether active health probing is enabled for this
// credential. Unset means enabled.
func (c *Credential) shouldProbe() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CheckHealth == nil || *c.CheckHealth
}

func (c *Credential) probeModel(fallback string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.CheckModelName != "" {
		return c.CheckModelName
	}
	return fallback
}

func (c *Credential) lastErrorAge(now time.Time) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.LastErrorTime.IsZero() {
		return 0, false
	}
	return now.Sub(c.LastErrorTime), true
}

// Token returns the current access token and its expiry.
func (c *Credential) Token() (string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccessToken, c.ExpiresAt
}

// UpdateToken stores refreshed OAuth material.
func (c *Credential) UpdateToken(accessToken, refreshToken string, expiresAt time.Time, profileArn string) {
	c.mu.Lock()
	c.AccessToken = accessToken
	if refreshToken != "" {
		c.RefreshToken = refreshToken
	}
	if !expiresAt.IsZero() {
		c.ExpiresAt = expiresAt
	}
	if profileArn != "" {
		c.ProfileArn = profileArn
	}
	c.mu.Unlock()
}

// Clone returns a deep copy safe to hand across goroutines and to marshal.
func (c *Credential) Clone() *Credential {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Credential{
		UUID:                 c.UUID,
		ProviderType:         c.ProviderType,
		CustomName:           c.CustomName,
		AccessToken:          c.AccessToken,
		RefreshToken:         c.RefreshToken,
		ClientID:             c.ClientID,
		ClientSecret:         c.ClientSecret,
		AuthMethod:           c.AuthMethod,
		Region:               c.Region,
		ProfileArn:           c.ProfileArn,
		ExpiresAt:            c.ExpiresAt,
		BaseURL:              c.BaseURL,
		APIKey:               c.APIKey,
		IsHealthy:            c.IsHealthy,
		IsDisabled:           c.IsDisabled,
		ErrorCount:           c.ErrorCount,
		LastErrorTime:        c.LastErrorTime,
		LastErrorMessage:     c.LastErrorMessage,
		LastUsed:             c.LastUsed,
		UsageCount:           c.UsageCount,
		LastHealthCheckTime:  c.LastHealthCheckTime,
		LastHealthCheckModel: c.LastHealthCheckModel,
		CheckModelName:       c.CheckModelName,
	}
	if len(c.NotSupportedModels) > 0 {
		clone.NotSupportedModels = append([]string(nil), c.NotSupportedModels...)
	}
	if c.CheckHealth != nil {
		v := *c.CheckHealth
		clone.CheckHealth = &v
	}
	return clone
}
