package authorityapi

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const noncePrefix = "authority-nonce"

// NonceStore remembers signature nonces for as long as their signature
// could still verify: MaxClockSkew either side of iat.
type NonceStore interface {
	// Seen records the nonce and reports whether it was already recorded.
	Seen(ctx context.Context, keyID, nonce string) (bool, error)
}

// RedisNonceStore shares seen nonces between server instances.
type RedisNonceStore struct {
	rdb goredis.UniversalClient
	ttl time.Duration
}

// NewRedisNonceStore creates a nonce store on rdb.
func NewRedisNonceStore(rdb goredis.UniversalClient) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb, ttl: 2 * MaxClockSkew}
}

func (s *RedisNonceStore) Seen(ctx context.Context, keyID, nonce string) (bool, error) {
	stored, err := s.rdb.SetNX(ctx, fmt.Sprintf("%s:%s:%s", noncePrefix, keyID, nonce), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return !stored, nil
}

// MemoryNonceStore is a single-process NonceStore.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryNonceStore creates an empty in-process nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

func (s *MemoryNonceStore) Seen(_ context.Context, keyID, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, at := range s.seen {
		if now.Sub(at) > 2*MaxClockSkew {
			delete(s.seen, k)
		}
	}
	key := keyID + ":" + nonce
	if _, ok := s.seen[key]; ok {
		return true, nil
	}
	s.seen[key] = now
	return false, nil
}
