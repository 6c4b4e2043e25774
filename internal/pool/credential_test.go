package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarkErrorWindowedThreshold(t *testing.T) {
	c := NewCredential("u1", "claude-kiro-oauth")
	now := time.Now()

	require.False(t, c.markError(now, 3, "boom 1"))
	require.True(t, c.Healthy())
	require.Equal(t, 1, c.ErrorCount)

	require.False(t, c.markError(now.Add(2*time.Second), 3, "boom 2"))
	require.True(t, c.Healthy())

	require.True(t, c.markError(now.Add(4*time.Second), 3, "boom 3"))
	require.False(t, c.Healthy())
	require.Equal(t, "boom 3", c.LastErrorMessage)
}

func TestMarkErrorQuietWindowResets(t *testing.T) {
	c := NewCredential("u1", "claude-kiro-oauth")
	now := time.Now()

	c.markError(now, 3, "a")
	c.markError(now.Add(time.Second), 3, "b")
	require.Equal(t, 2, c.ErrorCount)

	// Outside the 10s window the counter restarts at 1.
	c.markError(now.Add(20*time.Second), 3, "c")
	require.Equal(t, 1, c.ErrorCount)
	require.True(t, c.Healthy())
}

func TestUnhealthyNeverObservedBelowThreshold(t *testing.T) {
	c := NewCredential("u1", "claude-kiro-oauth")
	now := time.Now()

	require.True(t, c.markErrorImmediate(now, 3, "fatal"))
	require.False(t, c.Healthy())
	require.GreaterOrEqual(t, c.ErrorCount, 3)

	// A later windowed error on an already-unhealthy credential must not
	// shrink the counter below the threshold.
	c.markError(now.Add(time.Minute), 3, "still broken")
	require.False(t, c.Healthy())
	require.GreaterOrEqual(t, c.ErrorCount, 3)
}

func TestMarkHealthyResetUsage(t *testing.T) {
	c := NewCredential("u1", "claude-kiro-oauth")
	c.touchUse(time.Now())
	c.touchUse(time.Now())
	c.markErrorImmediate(time.Now(), 3, "down")

	c.markHealthy(time.Now(), true, "claude-haiku-4-5")
	require.True(t, c.Healthy())
	require.Zero(t, c.ErrorCount)
	require.Zero(t, c.UsageCount)
	require.Equal(t, "claude-haiku-4-5", c.LastHealthCheckModel)
	require.Empty(t, c.LastErrorMessage)
}

func TestSelectableRespectsModelAndFlags(t *testing.T) {
	c := NewCredential("u1", "claude-kiro-oauth")
	c.NotSupportedModels = []string{"claude-opus-4-5"}

	require.True(t, c.Selectable(""))
	require.True(t, c.Selectable("claude-sonnet-4-5"))
	require.False(t, c.Selectable("claude-opus-4-5"))

	c.setDisabled(true)
	require.False(t, c.Selectable("claude-sonnet-4-5"))
	c.setDisabled(false)
	c.markErrorImmediate(time.Now(), 3, "down")
	require.False(t, c.Selectable("claude-sonnet-4-5"))
}

func TestCloneIsDeep(t *testing.T) {
	enabled := true
	c := NewCredential("u1", "claude-kiro-oauth")
	c.NotSupportedModels = []string{"m1"}
	c.CheckHealth = &enabled

	clone := c.Clone()
	clone.NotSupportedModels[0] = "changed"
	*clone.CheckHealth = false

	require.Equal(t, "m1", c.NotSupportedModels[0])
	require.True(t, *c.CheckHealth)
}
