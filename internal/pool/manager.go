package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"aigateway-go/internal/constants"
	"aigateway-go/internal/monitoring"
)

var (
	// ErrEmptyProviderType is returned when a selection names no provider type.
	ErrEmptyProviderType = errors.New("provider type is required")
	// ErrNoEligibleCredential means a single pool had no selectable credential.
	ErrNoEligibleCredential = errors.New("no eligible credential")
	// ErrPoolExhausted means the full fallback cascade found nothing.
	ErrPoolExhausted = errors.New("all provider pools exhausted")
)

// Adapter is the slice of an upstream adapter the pool needs: a minimal
// health probe. Success flips an unhealthy credential back to healthy.
type Adapter interface {
	Probe(ctx context.Context, cred *Credential, model string) error
}

// ModelTarget is a cross-protocol model redirection.
type ModelTarget struct {
	ProviderType string `yaml:"provider_type" json:"provider_type"`
	Model        string `yaml:"model" json:"model"`
}

// Options configure the pool manager.
type Options struct {
	MaxErrorCount int
	StickyEnabled bool
	Sessions      Sessions // required when StickyEnabled
	PoolFilePath  string
	SaveDebounce  time.Duration
	FallbackChain map[string][]string
	ModelFallback map[string]ModelTarget
	ProbeInterval time.Duration
}

// SelectOptions tune a single selection.
type SelectOptions struct {
	SessionID      string
	SkipUsageCount bool
	FromFallback   bool
}

// Selection is the result of the fallback cascade.
type Selection struct {
	Credential         *Credential
	ActualProviderType string
	IsFallback         bool
	ActualModel        string
}

// ProviderStats summarises one pool.
type ProviderStats struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
}

// Manager owns every credential, selects one per request, records health
// signals from adapters, and runs periodic probes. It is the sole authority
// over health state; adapters only signal.
type Manager struct {
	mu       sync.Mutex
	pools    map[string][]*Credential
	adapters map[string]Adapter

	fallbackMu    sync.RWMutex
	fallbackChain map[string][]string
	modelFallback map[string]ModelTarget

	maxErrorCount int
	stickyEnabled bool
	sessions      Sessions
	persistor     *Persistor

	probeInterval time.Duration
	probeLimiter  *rate.Limiter
	probeDone     chan struct{}
	probeWG       sync.WaitGroup
	probeStarted  bool

	destroyOnce sync.Once
}

// NewManager builds a pool manager from options.
func NewManager(opts Options) *Manager {
	maxErr := opts.MaxErrorCount
	if maxErr <= 0 {
		maxErr = constants.DefaultMaxErrorCount
	}
	m := &Manager{
		pools:         make(map[string][]*Credential),
		adapters:      make(map[string]Adapter),
		fallbackChain: opts.FallbackChain,
		modelFallback: opts.ModelFallback,
		maxErrorCount: maxErr,
		stickyEnabled: opts.StickyEnabled,
		sessions:      opts.Sessions,
		probeInterval: opts.ProbeInterval,
		probeLimiter:  rate.NewLimiter(rate.Limit(5), 5),
		probeDone:     make(chan struct{}),
	}
	if m.fallbackChain == nil {
		m.fallbackChain = make(map[string][]string)
	}
	if m.modelFallback == nil {
		m.modelFallback = make(map[string]ModelTarget)
	}
	if opts.PoolFilePath != "" {
		m.persistor = NewPersistor(opts.PoolFilePath, opts.SaveDebounce, m.snapshotTypes)
	}
	return m
}

// RegisterAdapter wires an upstream adapter for a provider type.
func (m *Manager) RegisterAdapter(providerType string, a Adapter) {
	m.mu.Lock()
	m.adapters[providerType] = a
	m.mu.Unlock()
}

// AddCredentials appends credentials to a provider pool. Credentials with no
// explicit health state default to healthy.
func (m *Manager) AddCredentials(providerType string, creds ...*Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range creds {
		if c == nil || c.UUID == "" {
			continue
		}
		c.ProviderType = providerType
		m.pools[providerType] = append(m.pools[providerType], c)
	}
	m.updateUnhealthyGaugeLocked(providerType)
}

// LoadFromFile reads a provider_pools.json file produced by the persistor.
// A missing file is not an error.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pool file: %w", err)
	}
	var raw map[string][]*Credential
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse pool file: %w", err)
	}
	for providerType, creds := range raw {
		m.AddCredentials(providerType, creds...)
	}
	log.Infof("pool: loaded %d provider pool(s) from %s", len(raw), path)
	return nil
}

// SelectProvider picks one credential for a request. Order: sticky binding,
// then deterministic LRU over healthy, enabled, model-capable credentials.
func (m *Manager) SelectProvider(providerType, model string, opts SelectOptions) (*Credential, error) {
	if providerType == "" {
		return nil, ErrEmptyProviderType
	}

	if cred := m.trySticky(providerType, model, opts); cred != nil {
		monitoring.StickyHitsTotal.Inc()
		monitoring.SelectionsTotal.WithLabelValues(providerType, "sticky").Inc()
		return cred, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var picked *Credential
	var bestMs, bestUsage int64
	for _, c := range m.pools[providerType] {
		if !c.Selectable(model) {
			continue
		}
		ms, usage := c.sortKey()
		if picked == nil || ms < bestMs || (ms == bestMs && usage < bestUsage) {
			picked, bestMs, bestUsage = c, ms, usage
		}
	}
	if picked == nil {
		monitoring.SelectionFailuresTotal.WithLabelValues(providerType).Inc()
		return nil, ErrNoEligibleCredential
	}

	if !opts.FromFallback && m.stickyEnabled && opts.SessionID != "" && m.sessions != nil {
		m.sessions.Bind(opts.SessionID, providerType, picked.UUID)
	}
	if !opts.SkipUsageCount {
		picked.touchUse(time.Now())
		m.schedulePersist(providerType)
	}

	reason := "lru"
	if opts.FromFallback {
		reason = "fallback"
	}
	monitoring.SelectionsTotal.WithLabelValues(providerType, reason).Inc()
	return picked, nil
}

// trySticky resolves a session binding. A binding whose credential no longer
// exists, is unhealthy, is disabled, or belongs to another provider type is
// dropped; a mere model-support miss keeps the binding and only bypasses
// stickiness for this call.
func (m *Manager) trySticky(providerType, model string, opts SelectOptions) *Credential {
	if !m.stickyEnabled || opts.SessionID == "" || m.sessions == nil {
		return nil
	}
	binding, ok := m.sessions.Get(opts.SessionID)
	if !ok {
		return nil
	}
	if binding.ProviderType != providerType {
		m.sessions.Drop(opts.SessionID)
		return nil
	}

	m.mu.Lock()
	cred := m.findLocked(providerType, binding.UUID)
	m.mu.Unlock()

	if cred == nil || !cred.Healthy() || cred.Disabled() {
		m.sessions.Drop(opts.SessionID)
		return nil
	}
	if !cred.SupportsModel(model) {
		return nil
	}
	if !opts.SkipUsageCount {
		cred.touchUse(time.Now())
		m.schedulePersist(providerType)
	}
	return cred
}

// SelectProviderWithFallback runs the two-tier cascade: same-protocol peers
// first, then the cross-protocol model mapping.
func (m *Manager) SelectProviderWithFallback(providerType, model string, opts SelectOptions) (*Selection, error) {
	if providerType == "" {
		return nil, ErrEmptyProviderType
	}

	tried := make(map[string]bool)

	// Tier 1: primary, then its same-protocol chain.
	if sel := m.cascade(providerType, model, opts, tried); sel != nil {
		return sel, nil
	}

	// Tier 2: cross-protocol model mapping. No recursion into a second
	// mapping lookup.
	m.fallbackMu.RLock()
	target, hasTarget := m.modelFallback[model]
	m.fallbackMu.RUnlock()
	if hasTarget && model != "" {
		if sel := m.cascade(target.ProviderType, target.Model, SelectOptions{
			SessionID:      opts.SessionID,
			SkipUsageCount: opts.SkipUsageCount,
			FromFallback:   true,
		}, tried); sel != nil {
			sel.IsFallback = true
			sel.ActualModel = target.Model
			monitoring.SelectionsTotal.WithLabelValues(target.ProviderType, "model_fallback").Inc()
			return sel, nil
		}
	}

	return nil, ErrPoolExhausted
}

// cascade tries primary then its fallback chain, honouring protocol prefix
// and model capability for non-primary candidates.
func (m *Manager) cascade(primary, model string, opts SelectOptions, tried map[string]bool) *Selection {
	m.fallbackMu.RLock()
	chain := append([]string{primary}, m.fallbackChain[primary]...)
	m.fallbackMu.RUnlock()

	prefix := constants.ProtocolPrefix(primary)
	for i, candidate := range chain {
		if candidate == "" || tried[candidate] {
			continue
		}
		tried[candidate] = true

		isPrimary := i == 0 && !opts.FromFallback
		if i > 0 {
			if constants.ProtocolPrefix(candidate) != prefix {
				log.Debugf("pool: skipping fallback %s (protocol mismatch with %s)", candidate, primary)
				continue
			}
			if model != "" && !m.typeSupportsModel(candidate, model) {
				continue
			}
		}

		callOpts := opts
		if !isPrimary {
			callOpts.FromFallback = true
		}
		cred, err := m.SelectProvider(candidate, model, callOpts)
		if err != nil {
			continue
		}
		return &Selection{
			Credential:         cred,
			ActualProviderType: candidate,
			IsFallback:         candidate != primary || opts.FromFallback,
		}
	}
	return nil
}

// typeSupportsModel reports whether any credential of the pool can serve the
// model, irrespective of its current health.
func (m *Manager) typeSupportsModel(providerType, model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.pools[providerType] {
		if c.SupportsModel(model) {
			return true
		}
	}
	return false
}

// MarkProviderUnhealthy records a windowed error against the credential.
func (m *Manager) MarkProviderUnhealthy(providerType string, cred *Credential, errMsg string) {
	if cred == nil {
		return
	}
	if cred.markError(time.Now(), m.maxErrorCount, errMsg) {
		log.Warnf("pool: credential %s (%s) marked unhealthy: %s", cred.UUID, providerType, errMsg)
		monitoring.HealthTransitionsTotal.WithLabelValues(providerType, "unhealthy").Inc()
	}
	m.afterHealthMutation(providerType)
}

// MarkProviderUnhealthyImmediately forces the credential unhealthy. Used for
// 401-after-refresh-failure and 403.
func (m *Manager) MarkProviderUnhealthyImmediately(providerType string, cred *Credential, errMsg string) {
	if cred == nil {
		return
	}
	if cred.markErrorImmediate(time.Now(), m.maxErrorCount, errMsg) {
		log.Warnf("pool: credential %s (%s) marked unhealthy immediately: %s", cred.UUID, providerType, errMsg)
		monitoring.HealthTransitionsTotal.WithLabelValues(providerType, "unhealthy").Inc()
	}
	m.afterHealthMutation(providerType)
}

// MarkProviderHealthy clears error state after a success or probe recovery.
func (m *Manager) MarkProviderHealthy(providerType string, cred *Credential, resetUsage bool, healthCheckModel string) {
	if cred == nil {
		return
	}
	wasUnhealthy := !cred.Healthy()
	cred.markHealthy(time.Now(), resetUsage, healthCheckModel)
	if wasUnhealthy {
		log.Infof("pool: credential %s (%s) recovered", cred.UUID, providerType)
		monitoring.HealthTransitionsTotal.WithLabelValues(providerType, "recovered").Inc()
	}
	m.afterHealthMutation(providerType)
}

// DisableProvider takes a credential out of rotation by operator action.
func (m *Manager) DisableProvider(providerType, uuid string) error {
	cred, err := m.credentialByUUID(providerType, uuid)
	if err != nil {
		return err
	}
	cred.setDisabled(true)
	monitoring.HealthTransitionsTotal.WithLabelValues(providerType, "disabled").Inc()
	m.afterHealthMutation(providerType)
	return nil
}

// EnableProvider returns a disabled credential to rotation; prior health is
// retained.
func (m *Manager) EnableProvider(providerType, uuid string) error {
	cred, err := m.credentialByUUID(providerType, uuid)
	if err != nil {
		return err
	}
	cred.setDisabled(false)
	monitoring.HealthTransitionsTotal.WithLabelValues(providerType, "enabled").Inc()
	m.afterHealthMutation(providerType)
	return nil
}

// ResetProviderCounters clears error bookkeeping for one credential.
func (m *Manager) ResetProviderCounters(providerType, uuid string) error {
	cred, err := m.credentialByUUID(providerType, uuid)
	if err != nil {
		return err
	}
	cred.resetCounters()
	m.schedulePersist(providerType)
	return nil
}

// GetProviderStats summarises the pool for a provider type.
func (m *Manager) GetProviderStats(providerType string) ProviderStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s ProviderStats
	for _, c := range m.pools[providerType] {
		s.Total++
		switch {
		case c.Disabled():
			s.Disabled++
		case c.Healthy():
			s.Healthy++
		default:
			s.Unhealthy++
		}
	}
	return s
}

// UpdateCredentialToken applies externally refreshed OAuth material to a
// pooled credential.
func (m *Manager) UpdateCredentialToken(providerType, uuid, accessToken, refreshToken string, expiresAt time.Time, profileArn string) error {
	cred, err := m.credentialByUUID(providerType, uuid)
	if err != nil {
		return err
	}
	cred.UpdateToken(accessToken, refreshToken, expiresAt, profileArn)
	m.schedulePersist(providerType)
	return nil
}

// ListCredentials returns clones of every credential in a pool, safe to
// marshal for management endpoints.
func (m *Manager) ListCredentials(providerType string) []*Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Credential, 0, len(m.pools[providerType]))
	for _, c := range m.pools[providerType] {
		out = append(out, c.Clone())
	}
	return out
}

// ProviderTypes lists every provider type with a pool.
func (m *Manager) ProviderTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.pools))
	for t := range m.pools {
		types = append(types, t)
	}
	return types
}

// IsAllProvidersUnhealthy reports whether no credential of the type can take
// new traffic.
func (m *Manager) IsAllProvidersUnhealthy(providerType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.pools[providerType] {
		if c.Healthy() && !c.Disabled() {
			return false
		}
	}
	return true
}

// GetFallbackChain returns the configured same-protocol peers for a type.
func (m *Manager) GetFallbackChain(providerType string) []string {
	m.fallbackMu.RLock()
	defer m.fallbackMu.RUnlock()
	return append([]string(nil), m.fallbackChain[providerType]...)
}

// SetFallbackChain replaces the same-protocol peers for a type.
func (m *Manager) SetFallbackChain(providerType string, chain []string) error {
	if providerType == "" {
		return ErrEmptyProviderType
	}
	m.fallbackMu.Lock()
	m.fallbackChain[providerType] = append([]string(nil), chain...)
	m.fallbackMu.Unlock()
	return nil
}

// Destroy cancels the probe loop, the debounced-save timer, and the sticky
// cleanup timer, and clears the session table. In-flight requests are not
// aborted.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() {
		close(m.probeDone)
		m.probeWG.Wait()
		if m.persistor != nil {
			m.persistor.Stop()
		}
		if m.sessions != nil {
			m.sessions.Close()
		}
	})
}

func (m *Manager) credentialByUUID(providerType, uuid string) (*Credential, error) {
	if providerType == "" {
		return nil, ErrEmptyProviderType
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred := m.findLocked(providerType, uuid); cred != nil {
		return cred, nil
	}
	return nil, fmt.Errorf("credential %s not found in pool %s", uuid, providerType)
}

func (m *Manager) findLocked(providerType, uuid string) *Credential {
	for _, c := range m.pools[providerType] {
		if c.UUID == uuid {
			return c
		}
	}
	return nil
}

func (m *Manager) afterHealthMutation(providerType string) {
	m.mu.Lock()
	m.updateUnhealthyGaugeLocked(providerType)
	m.mu.Unlock()
	m.schedulePersist(providerType)
}

func (m *Manager) updateUnhealthyGaugeLocked(providerType string) {
	unhealthy := 0
	for _, c := range m.pools[providerType] {
		if !c.Healthy() && !c.Disabled() {
			unhealthy++
		}
	}
	monitoring.UnhealthyCredentials.WithLabelValues(providerType).Set(float64(unhealthy))
}

func (m *Manager) schedulePersist(providerType string) {
	if m.persistor != nil {
		m.persistor.Schedule(providerType)
	}
}

// snapshotTypes feeds the persistor with cloned pools.
func (m *Manager) snapshotTypes(providerTypes []string) map[string][]*Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]*Credential, len(providerTypes))
	for _, t := range providerTypes {
		clones := make([]*Credential, 0, len(m.pools[t]))
		for _, c := range m.pools[t] {
			clones = append(clones, c.Clone())
		}
		out[t] = clones
	}
	return out
}
