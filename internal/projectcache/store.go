package projectcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/codereview/backend/internal/upstream"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "codereview:project:"

var errInvalidKey = errors.New("projectcache: invalid key")

// Key identifies a cached project payload. Payloads differ per viewer, so the user is
// part of the key.
type Key struct {
	UserID    int64
	ProjectID int64
}

func (k Key) String() string {
	return strconv.FormatInt(k.UserID, 10) + ":" + strconv.FormatInt(k.ProjectID, 10)
}

func parseKey(raw string) (Key, error) {
	userPart, projectPart, ok := strings.Cut(raw, ":")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", errInvalidKey, raw)
	}
	userID, err := strconv.ParseInt(userPart, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", errInvalidKey, raw)
	}
	projectID, err := strconv.ParseInt(projectPart, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %q", errInvalidKey, raw)
	}
	return Key{UserID: userID, ProjectID: projectID}, nil
}

// Entry is a cached payload and the time it was fetched.
type Entry struct {
	Project   upstream.Project `json:"project"`
	FetchedAt time.Time        `json:"fetched_at"`
}

// Store persists cache entries.
type Store interface {
	Load(ctx context.Context, key Key) (Entry, bool, error)
	Save(ctx context.Context, key Key, entry Entry) error
	Delete(ctx context.Context, key Key) error
	// DeleteOlderThan removes entries fetched before cutoff and returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]Entry)}
}

func (s *MemoryStore) Load(_ context.Context, key Key) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, key Key, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if entry.FetchedAt.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// RedisStore shares entries between API replicas. Values are JSON and expire after ttl.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix, ttl: ttl}
}

func (s *RedisStore) key(key Key) string {
	return s.prefix + key.String()
}

func (s *RedisStore) Load(ctx context.Context, key Key) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load project cache entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode project cache entry: %w", err)
	}
	return entry, true, nil
}

func (s *RedisStore) Save(ctx context.Context, key Key, entry Entry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode project cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("save project cache entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete project cache entry: %w", err)
	}
	return nil
}

// DeleteOlderThan scans the key space under the store prefix. Redis expiry normally
// removes entries first; the scan covers entries written with a longer ttl.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		key, err := parseKey(strings.TrimPrefix(redisKey, s.prefix))
		if err != nil {
			continue
		}
		entry, ok, err := s.Load(ctx, key)
		if err != nil || !ok {
			continue
		}
		if !entry.FetchedAt.Before(cutoff) {
			continue
		}
		if err := s.client.Del(ctx, redisKey).Err(); err != nil {
			return removed, fmt.Errorf("delete project cache entry: %w", err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan project cache: %w", err)
	}
	return removed, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks that Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
