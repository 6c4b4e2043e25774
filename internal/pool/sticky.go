package pool

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"aigateway-go/internal/monitoring"
)

// SessionBinding pins a client session to one credential.
type SessionBinding struct {
	ProviderType   string    `json:"provider_type"`
	UUID           string    `json:"uuid"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	RequestCount   int       `json:"request_count"`
}

// Sessions is the sticky-session table. Implementations must be safe for
// concurrent use. Get refreshes the binding's TTL on hit.
type Sessions interface {
	Get(sessionID string) (SessionBinding, bool)
	Bind(sessionID, providerType, uuid string)
	Drop(sessionID string)
	Len() int
	Close()
}

// StickyOptions configure the in-memory session table.
type StickyOptions struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	MaxSessions     int
}

type memorySessions struct {
	mu          sync.Mutex
	entries     map[string]*SessionBinding
	ttl         time.Duration
	maxSessions int

	done    chan struct{}
	closeMu sync.Once
}

// NewMemorySessions returns the default in-process sticky table with TTL
// expiry and LRU batch eviction on overflow.
func NewMemorySessions(opts StickyOptions) Sessions {
	s := &memorySessions{
		entries:     make(map[string]*SessionBinding),
		ttl:         opts.TTL,
		maxSessions: opts.MaxSessions,
		done:        make(chan struct{}),
	}
	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go s.cleanupLoop(interval)
	return s
}

func (s *memorySessions) Get(sessionID string) (SessionBinding, bool) {
	if sessionID == "" {
		return SessionBinding{}, false
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return SessionBinding{}, false
	}
	if s.ttl > 0 && now.Sub(e.LastAccessedAt) > s.ttl {
		delete(s.entries, sessionID)
		monitoring.StickySessions.Set(float64(len(s.entries)))
		return SessionBinding{}, false
	}
	e.LastAccessedAt = now
	e.RequestCount++
	return *e, true
}

func (s *memorySessions) Bind(sessionID, providerType, uuid string) {
	if sessionID == "" || uuid == "" {
		return
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[sessionID]; !exists && s.maxSessions > 0 && len(s.entries) >= s.maxSessions {
		s.evictLRULocked()
	}
	s.entries[sessionID] = &SessionBinding{
		ProviderType:   providerType,
		UUID:           uuid,
		CreatedAt:      now,
		LastAccessedAt: now,
		RequestCount:   1,
	}
	monitoring.StickySessions.Set(float64(len(s.entries)))
}

func (s *memorySessions) Drop(sessionID string) {
	s.mu.Lock()
	delete(s.entries, sessionID)
	sz := len(s.entries)
	s.mu.Unlock()
	monitoring.StickySessions.Set(float64(sz))
}

func (s *memorySessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memorySessions) Close() {
	s.closeMu.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.entries = make(map[string]*SessionBinding)
		s.mu.Unlock()
		monitoring.StickySessions.Set(0)
	})
}

// evictLRULocked removes the least-recently-accessed tail: one tenth of the
// configured capacity per batch, at least one entry.
func (s *memorySessions) evictLRULocked() {
	batch := int(float64(s.maxSessions) * 0.1)
	if batch < 1 {
		batch = 1
	}

	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(s.entries))
	for id, e := range s.entries {
		all = append(all, aged{id: id, at: e.LastAccessedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	if batch > len(all) {
		batch = len(all)
	}
	for _, a := range all[:batch] {
		delete(s.entries, a.id)
	}
	log.Debugf("sticky sessions: evicted %d LRU bindings (cap %d)", batch, s.maxSessions)
}

func (s *memorySessions) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *memorySessions) expire() {
	if s.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.ttl)
	s.mu.Lock()
	removed := 0
	for id, e := range s.entries {
		if e.LastAccessedAt.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	sz := len(s.entries)
	s.mu.Unlock()
	if removed > 0 {
		monitoring.StickySessions.Set(float64(sz))
		log.Debugf("sticky sessions: expired %d bindings", removed)
	}
}
