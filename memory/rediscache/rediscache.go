// Package rediscache implements memory.CacheBackend on top of Redis,
// storing each result as a JSON string value under its own key. Search is a
// plain substring match: it SCANs the package's keys in Redis and checks
// each stored text; Redis offers no full-text index here.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/corvid-ai/agentruntime/memory"
)

const defaultKeyPrefix = "agentruntime:memory:"

// Store implements memory.CacheBackend backed by a Redis client.
type Store struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// Options configures the cache tier.
type Options struct {
	// KeyPrefix namespaces all keys this Store writes. Defaults to
	// "agentruntime:memory:".
	KeyPrefix string
	// TTL expires stored entries. Zero means no expiration.
	TTL time.Duration
}

// New builds a Store over an existing Redis client.
func New(rdb *redis.Client, opts Options) *Store {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, ttl: opts.TTL}
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Put writes result under id, overwriting any existing value.
func (s *Store) Put(ctx context.Context, id string, result memory.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("rediscache: marshal result %q: %w", id, err)
	}
	if err := s.rdb.Set(ctx, s.key(id), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("rediscache: set %q: %w", id, err)
	}
	return nil
}

// Get fetches the result for id.
func (s *Store) Get(ctx context.Context, id string) (memory.Result, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return memory.Result{}, memory.ErrNotFound
		}
		return memory.Result{}, fmt.Errorf("rediscache: get %q: %w", id, err)
	}
	var result memory.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return memory.Result{}, fmt.Errorf("rediscache: unmarshal %q: %w", id, err)
	}
	return result, nil
}

// Search scans keys under this Store's prefix and returns those whose text
// contains query (case-insensitive) and whose metadata matches filter. This
// is a best-effort, process-local approximation appropriate for the cache
// tier; exhaustive search belongs to memory/mongostore.
func (s *Store) Search(ctx context.Context, query string, limit int, filter map[string]string) ([]memory.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	lowerQuery := strings.ToLower(query)

	var (
		results []memory.Result
		cursor  uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("rediscache: scan: %w", err)
		}
		for _, k := range keys {
			raw, err := s.rdb.Get(ctx, k).Bytes()
			if err != nil {
				continue
			}
			var result memory.Result
			if err := json.Unmarshal(raw, &result); err != nil {
				continue
			}
			if query != "" && !strings.Contains(strings.ToLower(result.Text), lowerQuery) {
				continue
			}
			if !matchesFilter(result.Metadata, filter) {
				continue
			}
			results = append(results, result)
			if len(results) >= limit {
				return results, nil
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return results, nil
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
