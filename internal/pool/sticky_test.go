package pool

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSessions(t *testing.T, maxSessions int) Sessions {
	t.Helper()
	s := NewMemorySessions(StickyOptions{
		TTL:             time.Minute,
		CleanupInterval: time.Hour,
		MaxSessions:     maxSessions,
	})
	t.Cleanup(s.Close)
	return s
}

func TestMemorySessionsBindGetDrop(t *testing.T) {
	s := newTestSessions(t, 10)

	s.Bind("s1", "claude-kiro-oauth", "u1")
	binding, ok := s.Get("s1")
	require.True(t, ok)
	require.Equal(t, "u1", binding.UUID)
	require.Equal(t, "claude-kiro-oauth", binding.ProviderType)
	require.Equal(t, 2, binding.RequestCount) // Bind counts one, Get another

	s.Drop("s1")
	_, ok = s.Get("s1")
	require.False(t, ok)
	require.Zero(t, s.Len())
}

func TestMemorySessionsTTLExpiry(t *testing.T) {
	s := NewMemorySessions(StickyOptions{
		TTL:             10 * time.Millisecond,
		CleanupInterval: time.Hour,
		MaxSessions:     10,
	})
	t.Cleanup(s.Close)

	s.Bind("s1", "claude-kiro-oauth", "u1")
	time.Sleep(30 * time.Millisecond)
	_, ok := s.Get("s1")
	require.False(t, ok, "expired binding must not resolve")
}

func TestMemorySessionsGetRefreshesTTL(t *testing.T) {
	s := NewMemorySessions(StickyOptions{
		TTL:             50 * time.Millisecond,
		CleanupInterval: time.Hour,
		MaxSessions:     10,
	})
	t.Cleanup(s.Close)

	s.Bind("s1", "claude-kiro-oauth", "u1")
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		_, ok := s.Get("s1")
		require.True(t, ok, "access within TTL must keep the binding alive")
	}
}

func TestMemorySessionsEvictionBatch(t *testing.T) {
	const cap = 50
	s := newTestSessions(t, cap)

	for i := 0; i < cap; i++ {
		s.Bind(fmt.Sprintf("s%03d", i), "claude-kiro-oauth", "u")
		time.Sleep(time.Millisecond) // distinct LastAccessedAt ordering
	}
	require.Equal(t, cap, s.Len())

	// One more binding triggers a 10% batch eviction of the oldest entries.
	s.Bind("overflow", "claude-kiro-oauth", "u")
	require.Equal(t, cap-cap/10+1, s.Len())

	// The oldest entries are the evicted ones.
	for i := 0; i < cap/10; i++ {
		_, ok := s.Get(fmt.Sprintf("s%03d", i))
		require.False(t, ok, "oldest binding s%03d should be evicted", i)
	}
	_, ok := s.Get("overflow")
	require.True(t, ok)
}
