package kiro

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func writeJSON(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestCredStoreLoadPrimaryOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	writeJSON(t, path, `{"accessToken":"at","refreshToken":"rt","authMethod":"social","expiresAt":"2026-01-02T15:04:05Z"}`)

	token, err := NewCredStore(path).Load("")
	require.NoError(t, err)
	require.Equal(t, "at", token.AccessToken)
	require.Equal(t, "rt", token.RefreshToken)
	require.Equal(t, "social", token.AuthMethod)
	require.Equal(t, defaultRegion, token.Region, "missing region falls back to the default")
	require.Equal(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC), token.ExpiresAtTime())
}

func TestCredStoreMergesSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	writeJSON(t, path, `{"accessToken":"at","refreshToken":"rt","authMethod":"idc"}`)
	// Split layouts keep the client registration in a separate file.
	writeJSON(t, filepath.Join(dir, "client-registration.json"), `{"clientId":"cid","clientSecret":"cs"}`)

	token, err := NewCredStore(path).Load("")
	require.NoError(t, err)
	require.Equal(t, "cid", token.ClientID)
	require.Equal(t, "cs", token.ClientSecret)
	require.Equal(t, "at", token.AccessToken)
}

func TestCredStoreExpiryComesFromPrimary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	writeJSON(t, path, `{"accessToken":"at","expiresAt":"2026-01-02T15:04:05Z"}`)
	writeJSON(t, filepath.Join(dir, "stale.json"), `{"expiresAt":"2020-01-01T00:00:00Z","clientId":"cid"}`)

	token, err := NewCredStore(path).Load("")
	require.NoError(t, err)
	require.Equal(t, "2026-01-02T15:04:05Z", token.ExpiresAt, "sibling files must not override the primary expiry")
	require.Equal(t, "cid", token.ClientID)
}

func TestCredStoreLoadsBase64Bundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	bundle := base64.StdEncoding.EncodeToString([]byte(`{"accessToken":"bundled","refreshToken":"rt"}`))

	token, err := NewCredStore(path).Load(bundle)
	require.NoError(t, err)
	require.Equal(t, "bundled", token.AccessToken)
}

func TestCredStoreFileOverridesBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	writeJSON(t, path, `{"accessToken":"from-file"}`)
	bundle := base64.StdEncoding.EncodeToString([]byte(`{"accessToken":"from-bundle","refreshToken":"rt"}`))

	token, err := NewCredStore(path).Load(bundle)
	require.NoError(t, err)
	require.Equal(t, "from-file", token.AccessToken)
	require.Equal(t, "rt", token.RefreshToken, "bundle keys absent from the file survive")
}

func TestCredStoreLoadEmptyFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiro-auth-token.json")
	_, err := NewCredStore(path).Load("")
	require.Error(t, err)
}

func TestCredStorePersistMergesNonEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiro-auth-token.json")
	writeJSON(t, path, `{"accessToken":"old","refreshToken":"rt","clientId":"cid","authMethod":"idc"}`)

	s := NewCredStore(path)
	require.NoError(t, s.Persist(&TokenData{AccessToken: "new", ExpiresAt: "2026-06-01T00:00:00Z"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", gjson.GetBytes(data, "accessToken").String())
	require.Equal(t, "2026-06-01T00:00:00Z", gjson.GetBytes(data, "expiresAt").String())
	// Fields the update left empty keep their on-disk values.
	require.Equal(t, "rt", gjson.GetBytes(data, "refreshToken").String())
	require.Equal(t, "cid", gjson.GetBytes(data, "clientId").String())
	require.Equal(t, "idc", gjson.GetBytes(data, "authMethod").String())
}

func TestCredStorePersistCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kiro-auth-token.json")
	s := NewCredStore(path)
	require.NoError(t, s.Persist(&TokenData{AccessToken: "at", RefreshToken: "rt"}))

	token, err := s.Load("")
	require.NoError(t, err)
	require.Equal(t, "at", token.AccessToken)
}

func TestCredentialIDStableForSameRefreshToken(t *testing.T) {
	a := CredentialID(&TokenData{RefreshToken: "rt-1"})
	require.Equal(t, a, CredentialID(&TokenData{RefreshToken: "rt-1"}))
	require.NotEqual(t, a, CredentialID(&TokenData{RefreshToken: "rt-2"}))
	require.NotEqual(t, CredentialID(nil), CredentialID(nil), "no refresh token means a random identity")
}
