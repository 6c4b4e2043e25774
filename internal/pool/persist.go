package pool

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/monitoring"
)

// Persistor coalesces pool mutations into one debounced file write. It owns
// the pool file; provider types it does not manage are preserved verbatim on
// rewrite.
type Persistor struct {
	path     string
	debounce time.Duration
	snapshot func(providerTypes []string) map[string][]*Credential

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	stopped bool
}

// NewPersistor creates a persistor writing to path. snapshot must return
// cloned credentials for the requested provider types.
func NewPersistor(path string, debounce time.Duration, snapshot func([]string) map[string][]*Credential) *Persistor {
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Persistor{
		path:     path,
		debounce: debounce,
		snapshot: snapshot,
		pending:  make(map[string]struct{}),
	}
}

// Schedule queues a provider type for the next flush and (re)arms the timer.
func (p *Persistor) Schedule(providerType string) {
	if providerType == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.pending[providerType] = struct{}{}
	if p.timer == nil {
		p.timer = time.AfterFunc(p.debounce, p.flushTimer)
	} else {
		p.timer.Reset(p.debounce)
	}
}

func (p *Persistor) flushTimer() {
	if err := p.Flush(); err != nil {
		log.WithError(err).Warn("pool persistor: flush failed")
	}
}

// Flush writes all pending provider types immediately. Safe to call from
// tests and shutdown paths.
func (p *Persistor) Flush() error {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	types := make([]string, 0, len(p.pending))
	for t := range p.pending {
		types = append(types, t)
	}
	p.pending = make(map[string]struct{})
	p.mu.Unlock()

	snap := p.snapshot(types)

	// Read-merge-write: keep provider types owned by other deployments.
	existing := make(map[string]json.RawMessage)
	if data, err := os.ReadFile(p.path); err == nil {
		if err := json.Unmarshal(data, &existing); err != nil {
			log.WithError(err).Warnf("pool persistor: existing %s unreadable, rewriting", p.path)
			existing = make(map[string]json.RawMessage)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	for _, t := range types {
		raw, err := json.Marshal(snap[t])
		if err != nil {
			return err
		}
		existing[t] = raw
	}

	out, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o700); err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return err
	}
	monitoring.PoolPersistsTotal.Inc()
	log.Debugf("pool persistor: wrote %d provider type(s) to %s", len(types), p.path)
	return nil
}

// Stop cancels the debounce timer. Pending mutations are dropped; persistence
// is best effort by contract.
func (p *Persistor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
