package kiro

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// CredentialID derives a stable identifier from the refresh token so reloads
// of the same credential file do not multiply pool entries.
func CredentialID(t *TokenData) string {
	if t == nil || t.RefreshToken == "" {
		return uuid.New().String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.RefreshToken)).String()
}

// TokenData is the on-disk credential shape (kiro-auth-token.json).
type TokenData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"` // social | idc
	ProfileArn   string `json:"profileArn,omitempty"`
	Region       string `json:"region,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"` // ISO-8601
}

// ExpiresAtTime parses the ISO-8601 expiry; zero when absent or unparseable.
func (t *TokenData) ExpiresAtTime() time.Time {
	if t.ExpiresAt == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// CredStore owns one credential file. Reads merge the base64 bundle, the
// primary file, and every sibling JSON in the directory; writes are
// read-merge-write under an advisory file lock so concurrent refreshes across
// processes cannot tear the file or lose the split client-id layout.
type CredStore struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewCredStore builds a store for the given credential file path.
func NewCredStore(path string) *CredStore {
	return &CredStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the primary credential file path.
func (s *CredStore) Path() string { return s.path }

// Load merges credential material: bundle first, then the primary file, then
// sibling JSON files (their keys win, except expiresAt which must come from
// the primary file). Missing files are not fatal; a fully empty result is.
func (s *CredStore) Load(base64Bundle string) (*TokenData, error) {
	merged := make(map[string]json.RawMessage)

	if base64Bundle != "" {
		raw, err := base64.StdEncoding.DecodeString(base64Bundle)
		if err != nil {
			return nil, fmt.Errorf("decode credential bundle: %w", err)
		}
		if err := mergeJSON(merged, raw, nil); err != nil {
			return nil, fmt.Errorf("parse credential bundle: %w", err)
		}
	}

	var primaryExpires json.RawMessage
	if data, err := os.ReadFile(s.path); err == nil {
		if err := mergeJSON(merged, data, nil); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
		primaryExpires = merged["expiresAt"]
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	s.mergeSiblings(merged)
	if primaryExpires != nil {
		merged["expiresAt"] = primaryExpires
	}

	if len(merged) == 0 {
		return nil, fmt.Errorf("no credential material at %s", s.path)
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var token TokenData
	if err := json.Unmarshal(out, &token); err != nil {
		return nil, fmt.Errorf("credential shape invalid: %w", err)
	}
	if token.Region == "" {
		token.Region = defaultRegion
	}
	return &token, nil
}

// mergeSiblings overlays every other .json file in the credential directory.
// Split layouts keep clientId/clientSecret in a separate file.
func (s *CredStore) mergeSiblings(merged map[string]json.RawMessage) {
	dir := filepath.Dir(s.path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	primary := filepath.Base(s.path)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == primary || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if err := mergeJSON(merged, data, []string{"expiresAt"}); err != nil {
			log.Debugf("kiro credstore: skipping unparseable sibling %s", name)
		}
	}
}

func mergeJSON(dst map[string]json.RawMessage, data []byte, skipKeys []string) error {
	var src map[string]json.RawMessage
	if err := json.Unmarshal(data, &src); err != nil {
		return err
	}
next:
	for k, v := range src {
		for _, skip := range skipKeys {
			if k == skip {
				continue next
			}
		}
		dst[k] = v
	}
	return nil
}

// Persist merges the update into the credential file under the advisory
// lock. Only non-empty fields of update overwrite; the client-id JSON merged
// in by earlier loads is never dropped by a partial refresh response.
func (s *CredStore) Persist(update *TokenData) error {
	if update == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock credential file: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			log.WithError(err).Warn("kiro credstore: unlock failed")
		}
	}()

	current := make(map[string]json.RawMessage)
	if data, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(data, &current); err != nil {
			log.WithError(err).Warnf("kiro credstore: %s corrupt, rewriting", s.path)
			current = make(map[string]json.RawMessage)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	setString := func(key, val string) {
		if val != "" {
			raw, _ := json.Marshal(val)
			current[key] = raw
		}
	}
	setString("accessToken", update.AccessToken)
	setString("refreshToken", update.RefreshToken)
	setString("expiresAt", update.ExpiresAt)
	setString("profileArn", update.ProfileArn)
	setString("region", update.Region)
	setString("authMethod", update.AuthMethod)

	out, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
