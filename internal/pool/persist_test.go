package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSnapshot(creds map[string][]*Credential) func([]string) map[string][]*Credential {
	return func(types []string) map[string][]*Credential {
		out := make(map[string][]*Credential)
		for _, t := range types {
			out[t] = creds[t]
		}
		return out
	}
}

func readPoolFile(t *testing.T, path string) map[string]json.RawMessage {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestPersistorFlushCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "configs", "provider_pools.json")
	p := NewPersistor(path, time.Second, testSnapshot(map[string][]*Credential{
		"claude-kiro-oauth": {NewCredential("u1", "claude-kiro-oauth")},
	}))
	t.Cleanup(p.Stop)

	p.Schedule("claude-kiro-oauth")
	require.NoError(t, p.Flush())

	out := readPoolFile(t, path)
	require.Contains(t, out, "claude-kiro-oauth")
}

func TestPersistorPreservesForeignTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider_pools.json")
	seed := []byte(`{"openai-custom":[{"uuid":"foreign","provider_type":"openai-custom","is_healthy":true}]}`)
	require.NoError(t, os.WriteFile(path, seed, 0o600))

	p := NewPersistor(path, time.Second, testSnapshot(map[string][]*Credential{
		"claude-kiro-oauth": {NewCredential("mine", "claude-kiro-oauth")},
	}))
	t.Cleanup(p.Stop)

	p.Schedule("claude-kiro-oauth")
	require.NoError(t, p.Flush())

	out := readPoolFile(t, path)
	require.Contains(t, out, "openai-custom", "unmanaged provider types must survive a rewrite")
	require.Contains(t, out, "claude-kiro-oauth")

	var foreign []*Credential
	require.NoError(t, json.Unmarshal(out["openai-custom"], &foreign))
	require.Len(t, foreign, 1)
	require.Equal(t, "foreign", foreign[0].UUID)
}

func TestPersistorDebounceCoalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider_pools.json")
	p := NewPersistor(path, 20*time.Millisecond, testSnapshot(map[string][]*Credential{
		"claude-kiro-oauth": {NewCredential("u1", "claude-kiro-oauth")},
		"claude-custom":     {NewCredential("u2", "claude-custom")},
	}))
	t.Cleanup(p.Stop)

	// Many mutations inside the window produce a single write with both types.
	for i := 0; i < 10; i++ {
		p.Schedule("claude-kiro-oauth")
		p.Schedule("claude-custom")
	}
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	out := readPoolFile(t, path)
	require.Len(t, out, 2)
}

func TestPersistorStopCancelsTimer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provider_pools.json")
	p := NewPersistor(path, 20*time.Millisecond, testSnapshot(nil))

	p.Schedule("claude-kiro-oauth")
	p.Stop()

	time.Sleep(60 * time.Millisecond)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "stopped persistor must not write")
}
