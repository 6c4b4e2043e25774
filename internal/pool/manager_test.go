package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, sticky bool) *Manager {
	t.Helper()
	var sessions Sessions
	if sticky {
		sessions = NewMemorySessions(StickyOptions{
			TTL:             time.Minute,
			CleanupInterval: time.Minute,
			MaxSessions:     100,
		})
	}
	m := NewManager(Options{
		MaxErrorCount: 3,
		StickyEnabled: sticky,
		Sessions:      sessions,
	})
	t.Cleanup(m.Destroy)
	return m
}

func TestSelectProviderLRU(t *testing.T) {
	m := newTestManager(t, false)
	a := NewCredential("a", "claude-kiro-oauth")
	b := NewCredential("b", "claude-kiro-oauth")
	m.AddCredentials("claude-kiro-oauth", a, b)

	first, err := m.SelectProvider("claude-kiro-oauth", "", SelectOptions{})
	require.NoError(t, err)
	second, err := m.SelectProvider("claude-kiro-oauth", "", SelectOptions{})
	require.NoError(t, err)
	require.NotEqual(t, first.UUID, second.UUID, "LRU must alternate over untouched credentials")

	// After both were used once, the least recently used comes back first.
	third, err := m.SelectProvider("claude-kiro-oauth", "", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, first.UUID, third.UUID)
}

func TestSelectProviderSkipsUnhealthyAndDisabled(t *testing.T) {
	m := newTestManager(t, false)
	a := NewCredential("a", "claude-kiro-oauth")
	b := NewCredential("b", "claude-kiro-oauth")
	m.AddCredentials("claude-kiro-oauth", a, b)

	m.MarkProviderUnhealthyImmediately("claude-kiro-oauth", a, "dead")
	require.NoError(t, m.DisableProvider("claude-kiro-oauth", "b"))

	_, err := m.SelectProvider("claude-kiro-oauth", "", SelectOptions{})
	require.ErrorIs(t, err, ErrNoEligibleCredential)
	require.True(t, m.IsAllProvidersUnhealthy("claude-kiro-oauth"))

	require.NoError(t, m.EnableProvider("claude-kiro-oauth", "b"))
	got, err := m.SelectProvider("claude-kiro-oauth", "", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, "b", got.UUID)
}

func TestSelectProviderEmptyType(t *testing.T) {
	m := newTestManager(t, false)
	_, err := m.SelectProvider("", "", SelectOptions{})
	require.ErrorIs(t, err, ErrEmptyProviderType)
}

func TestStickySessionPinsCredential(t *testing.T) {
	m := newTestManager(t, true)
	a := NewCredential("a", "claude-kiro-oauth")
	b := NewCredential("b", "claude-kiro-oauth")
	m.AddCredentials("claude-kiro-oauth", a, b)

	opts := SelectOptions{SessionID: "s1"}
	first, err := m.SelectProvider("claude-kiro-oauth", "", opts)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		got, err := m.SelectProvider("claude-kiro-oauth", "", opts)
		require.NoError(t, err)
		require.Equal(t, first.UUID, got.UUID)
	}
}

func TestStickyDroppedWhenCredentialUnhealthy(t *testing.T) {
	m := newTestManager(t, true)
	a := NewCredential("a", "claude-kiro-oauth")
	b := NewCredential("b", "claude-kiro-oauth")
	m.AddCredentials("claude-kiro-oauth", a, b)

	opts := SelectOptions{SessionID: "s1"}
	first, err := m.SelectProvider("claude-kiro-oauth", "", opts)
	require.NoError(t, err)

	m.MarkProviderUnhealthyImmediately("claude-kiro-oauth", first, "dead")
	got, err := m.SelectProvider("claude-kiro-oauth", "", opts)
	require.NoError(t, err)
	require.NotEqual(t, first.UUID, got.UUID)
	require.True(t, got.Healthy())
}

func TestStickyModelMissOnlyBypasses(t *testing.T) {
	m := newTestManager(t, true)
	a := NewCredential("a", "claude-kiro-oauth")
	b := NewCredential("b", "claude-kiro-oauth")
	a.NotSupportedModels = []string{"claude-opus-4-5"}
	m.AddCredentials("claude-kiro-oauth", a, b)

	// Pin the session to a.
	m.sessions.Bind("s1", "claude-kiro-oauth", "a")

	got, err := m.SelectProvider("claude-kiro-oauth", "claude-opus-4-5", SelectOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "b", got.UUID)

	// Binding survives: a model a supports still goes to a.
	got, err = m.SelectProvider("claude-kiro-oauth", "claude-sonnet-4-5", SelectOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "a", got.UUID)
}

func TestFallbackChainSameProtocolOnly(t *testing.T) {
	m := newTestManager(t, false)
	m.AddCredentials("claude-kiro-oauth", func() *Credential {
		c := NewCredential("dead", "claude-kiro-oauth")
		c.markErrorImmediate(time.Now(), 3, "down")
		return c
	}())
	m.AddCredentials("claude-custom", NewCredential("peer", "claude-custom"))
	m.AddCredentials("openai-custom", NewCredential("other", "openai-custom"))

	require.NoError(t, m.SetFallbackChain("claude-kiro-oauth", []string{"openai-custom", "claude-custom"}))

	sel, err := m.SelectProviderWithFallback("claude-kiro-oauth", "", SelectOptions{})
	require.NoError(t, err)
	require.Equal(t, "claude-custom", sel.ActualProviderType, "cross-protocol peers must be skipped")
	require.True(t, sel.IsFallback)
	require.Equal(t, "peer", sel.Credential.UUID)
}

func TestModelFallbackMapping(t *testing.T) {
	m := NewManager(Options{
		MaxErrorCount: 3,
		ModelFallback: map[string]ModelTarget{
			"claude-opus-4-5": {ProviderType: "openai-custom", Model: "gpt-4o"},
		},
	})
	t.Cleanup(m.Destroy)

	m.AddCredentials("openai-custom", NewCredential("o1", "openai-custom"))

	sel, err := m.SelectProviderWithFallback("claude-kiro-oauth", "claude-opus-4-5", SelectOptions{})
	require.NoError(t, err)
	require.True(t, sel.IsFallback)
	require.Equal(t, "openai-custom", sel.ActualProviderType)
	require.Equal(t, "gpt-4o", sel.ActualModel)
}

func TestFallbackExhausted(t *testing.T) {
	m := newTestManager(t, false)
	_, err := m.SelectProviderWithFallback("claude-kiro-oauth", "claude-sonnet-4-5", SelectOptions{})
	require.ErrorIs(t, err, ErrPoolExhausted)
}

func TestFallbackSelectionDoesNotBindSticky(t *testing.T) {
	m := newTestManager(t, true)
	dead := NewCredential("dead", "claude-kiro-oauth")
	dead.markErrorImmediate(time.Now(), 3, "down")
	m.AddCredentials("claude-kiro-oauth", dead)
	m.AddCredentials("claude-custom", NewCredential("peer", "claude-custom"))
	require.NoError(t, m.SetFallbackChain("claude-kiro-oauth", []string{"claude-custom"}))

	sel, err := m.SelectProviderWithFallback("claude-kiro-oauth", "", SelectOptions{SessionID: "s1"})
	require.NoError(t, err)
	require.True(t, sel.IsFallback)
	_, bound := m.sessions.Get("s1")
	require.False(t, bound, "fallback selections must not create sticky bindings")
}

func TestUpdateCredentialToken(t *testing.T) {
	m := newTestManager(t, false)
	c := NewCredential("a", "claude-kiro-oauth")
	m.AddCredentials("claude-kiro-oauth", c)

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, m.UpdateCredentialToken("claude-kiro-oauth", "a", "at", "rt", expiry, "arn"))
	token, exp := c.Token()
	require.Equal(t, "at", token)
	require.Equal(t, expiry, exp)

	require.Error(t, m.UpdateCredentialToken("claude-kiro-oauth", "missing", "at", "rt", expiry, ""))
}
