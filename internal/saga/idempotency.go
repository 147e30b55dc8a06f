package saga

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SidU/durable-support-agent/model"
)

// IdempotencyStore deduplicates case creation.
// The key format is "idem:cases:{key}".
//
// A key moves from absent to reserved to completed. Reserve is atomic, so of
// concurrent requests under one key exactly one proceeds.
type IdempotencyStore interface {
	// Reserve claims key for the request with requestHash, holding it for
	// pendingTTL. It returns the cached result when the key has completed,
	// nil when the caller now owns the key, and a CONFLICT when the key
	// belongs to a different request or is still being processed.
	Reserve(ctx context.Context, key, requestHash string, pendingTTL time.Duration) (*CreateCaseResult, error)

	// Store completes the reservation with result, kept for ttl.
	Store(ctx context.Context, key, requestHash string, result CreateCaseResult, ttl time.Duration) error

	// Release drops an uncompleted reservation held for requestHash so the
	// client may retry. Completed entries are left in place.
	Release(ctx context.Context, key, requestHash string) error
}

// idempotencyEntry is pending while Result is nil.
type idempotencyEntry struct {
	RequestHash string            `json:"request_hash"`
	Result      *CreateCaseResult `json:"result,omitempty"`
}

// resolve maps an existing entry onto the Reserve outcome.
func (e idempotencyEntry) resolve(key, requestHash string) (*CreateCaseResult, error) {
	if e.RequestHash != requestHash {
		return nil, keyReused(key)
	}
	if e.Result == nil {
		return nil, keyInFlight(key)
	}
	result := *e.Result
	return &result, nil
}

func keyReused(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("idempotency key %q already used with a different request", key),
	)
}

func keyInFlight(key string) error {
	return model.NewConflictError(
		fmt.Sprintf("request with idempotency key %q is still in progress", key),
	)
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Reserve claims key under the store lock.
func (s *MemoryIdempotencyStore) Reserve(_ context.Context, key, requestHash string, pendingTTL time.Duration) (*CreateCaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.entries[key]; ok {
		if now.Before(entry.expiresAt) {
			return entry.data.resolve(key, requestHash)
		}
		delete(s.entries, key)
	}
	s.entries[key] = &memEntry{
		data:      idempotencyEntry{RequestHash: requestHash},
		expiresAt: now.Add(pendingTTL),
	}
	return nil, nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, requestHash string, result CreateCaseResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{RequestHash: requestHash, Result: &result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release removes the pending entry for requestHash, if any.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key, requestHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[key]; ok && entry.data.Result == nil && entry.data.RequestHash == requestHash {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of entries, expired ones included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// Deletes KEYS[1] only while it still holds the pending marker ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// reserveAttempts bounds the SETNX/GET loop when the competing entry expires
// between the two calls.
const reserveAttempts = 3

// RedisIdempotencyStore is a Redis-backed IdempotencyStore with TTL. The
// reservation is a SETNX of a pending marker, shared by every replica.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

func pendingMarker(requestHash string) ([]byte, error) {
	data, err := json.Marshal(idempotencyEntry{RequestHash: requestHash})
	if err != nil {
		return nil, fmt.Errorf("marshal idempotency entry: %w", err)
	}
	return data, nil
}

// Reserve claims key with SETNX, falling back to reading the holder.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, key, requestHash string, pendingTTL time.Duration) (*CreateCaseResult, error) {
	marker, err := pendingMarker(requestHash)
	if err != nil {
		return nil, err
	}

	for range reserveAttempts {
		ok, err := s.client.SetNX(ctx, key, marker, pendingTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %q: %w", key, err)
		}
		var entry idempotencyEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return entry.resolve(key, requestHash)
	}
	return nil, keyInFlight(key)
}

// Store saves a result in Redis with TTL, replacing the pending marker.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, requestHash string, result CreateCaseResult, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{RequestHash: requestHash, Result: &result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes the key only while it holds this request's pending marker.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key, requestHash string) error {
	marker, err := pendingMarker(requestHash)
	if err != nil {
		return err
	}
	if err := releaseScript.Run(ctx, s.client, []string{key}, marker).Err(); err != nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatIdempotencyKey builds the storage key for a client key.
func FormatIdempotencyKey(key string) string {
	return "idem:cases:" + key
}

// hashRequest produces a deterministic hash of a request for idempotency
// comparison.
func hashRequest(req NewCaseRequest) string {
	data, _ := json.Marshal(req)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
