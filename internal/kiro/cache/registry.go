package cache

import (
	"sync"
	"time"

	"aigateway-go/internal/constants"
)

type accountEntry struct {
	cache    *accountCache
	lastUsed time.Time
}

// Registry holds one estimator per account, itself LRU-bounded so a gateway
// fronting many credentials cannot grow without limit.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	accounts map[string]*accountEntry
}

// NewRegistry builds a registry; opts apply to every account estimator.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		accounts: make(map[string]*accountEntry),
	}
}

// Estimate computes the prompt-cache split for the raw request body under the
// given account. The three return values always sum to the estimated total
// input tokens.
func (r *Registry) Estimate(accountID string, rawRequest []byte) (cacheRead, cacheCreation, uncached int) {
	total := TotalInputTokens(rawRequest)
	return r.account(accountID).estimate(rawRequest, total)
}

func (r *Registry) account(accountID string) *accountCache {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.accounts[accountID]
	if ok && time.Since(entry.lastUsed) <= constants.AccountCacheTTL {
		entry.lastUsed = time.Now()
		return entry.cache
	}

	entry = &accountEntry{cache: newAccountCache(r.opts), lastUsed: time.Now()}
	r.accounts[accountID] = entry
	r.evictLocked()
	return entry.cache
}

func (r *Registry) evictLocked() {
	if len(r.accounts) <= constants.AccountCacheMax {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, e := range r.accounts {
		if time.Since(e.lastUsed) > constants.AccountCacheTTL {
			delete(r.accounts, k)
			continue
		}
		if oldestKey == "" || e.lastUsed.Before(oldest) {
			oldestKey, oldest = k, e.lastUsed
		}
	}
	if len(r.accounts) > constants.AccountCacheMax && oldestKey != "" {
		delete(r.accounts, oldestKey)
	}
}
