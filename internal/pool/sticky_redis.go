package pool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	redisStickyPrefix = "aigw:sticky:"
	redisStickyIndex  = "aigw:sticky_index"
	redisStickyOpTTL  = 2 * time.Second
)

// redisSessions stores sticky bindings in Redis so several gateway replicas
// can share them. TTL expiry is native; LRU overflow trims a sorted set scored
// by last access.
type redisSessions struct {
	client      *redis.Client
	ttl         time.Duration
	maxSessions int
}

// NewRedisSessions returns a Sessions implementation backed by the given
// Redis client.
func NewRedisSessions(client *redis.Client, opts StickyOptions) Sessions {
	return &redisSessions{
		client:      client,
		ttl:         opts.TTL,
		maxSessions: opts.MaxSessions,
	}
}

func (s *redisSessions) Get(sessionID string) (SessionBinding, bool) {
	if sessionID == "" {
		return SessionBinding{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisStickyOpTTL)
	defer cancel()

	data, err := s.client.Get(ctx, redisStickyPrefix+sessionID).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.WithError(err).Debug("sticky sessions: redis get failed")
		}
		return SessionBinding{}, false
	}
	var b SessionBinding
	if err := json.Unmarshal(data, &b); err != nil {
		log.WithError(err).Warn("sticky sessions: corrupt redis binding dropped")
		s.client.Del(ctx, redisStickyPrefix+sessionID)
		return SessionBinding{}, false
	}

	b.LastAccessedAt = time.Now()
	b.RequestCount++
	s.store(ctx, sessionID, &b)
	return b, true
}

func (s *redisSessions) Bind(sessionID, providerType, uuid string) {
	if sessionID == "" || uuid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisStickyOpTTL)
	defer cancel()

	now := time.Now()
	b := &SessionBinding{
		ProviderType:   providerType,
		UUID:           uuid,
		CreatedAt:      now,
		LastAccessedAt: now,
		RequestCount:   1,
	}
	s.store(ctx, sessionID, b)

	if s.maxSessions > 0 {
		if card, err := s.client.ZCard(ctx, redisStickyIndex).Result(); err == nil && card > int64(s.maxSessions) {
			s.trim(ctx, int(card))
		}
	}
}

func (s *redisSessions) store(ctx context.Context, sessionID string, b *SessionBinding) {
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, redisStickyPrefix+sessionID, data, s.ttl)
	pipe.ZAdd(ctx, redisStickyIndex, redis.Z{
		Score:  float64(b.LastAccessedAt.UnixMilli()),
		Member: sessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).Debug("sticky sessions: redis store failed")
	}
}

func (s *redisSessions) trim(ctx context.Context, card int) {
	batch := int(float64(s.maxSessions) * 0.1)
	if batch < 1 {
		batch = 1
	}
	over := card - s.maxSessions
	if over > batch {
		batch = over
	}
	ids, err := s.client.ZRange(ctx, redisStickyIndex, 0, int64(batch-1)).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, redisStickyPrefix+id)
		pipe.ZRem(ctx, redisStickyIndex, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.WithError(err).Debug("sticky sessions: redis trim failed")
	}
}

func (s *redisSessions) Drop(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisStickyOpTTL)
	defer cancel()
	pipe := s.client.Pipeline()
	pipe.Del(ctx, redisStickyPrefix+sessionID)
	pipe.ZRem(ctx, redisStickyIndex, sessionID)
	_, _ = pipe.Exec(ctx)
}

func (s *redisSessions) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisStickyOpTTL)
	defer cancel()
	card, err := s.client.ZCard(ctx, redisStickyIndex).Result()
	if err != nil {
		return 0
	}
	return int(card)
}

func (s *redisSessions) Close() {}
