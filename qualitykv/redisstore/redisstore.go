// Package redisstore implements qualitykv.Store on Redis. It is an optional
// backend for deployments where the scheduler and episode processes cannot
// share a filesystem; semantics match the file store: single writer,
// many readers, per-key FetchedAt monotonicity.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/quantslab/clmmlab/qualitykv"
)

// DefaultPrefix namespaces cache keys in a shared Redis instance.
const DefaultPrefix = "clmmlab:intel:"

// Store persists envelopes as JSON strings under prefixed keys. Writes are
// serialized with a process-local mutex; the design assumes a single writer
// process (the scheduler), matching the reference deployment.
type Store struct {
	mu     sync.Mutex
	client redis.UniversalClient
	prefix string
}

var _ qualitykv.Store = (*Store)(nil)

// New wraps an existing Redis client. An empty prefix falls back to
// DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Get returns the envelope stored under key.
func (s *Store) Get(ctx context.Context, key string) (qualitykv.Envelope, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return qualitykv.Envelope{}, false, nil
	}
	if err != nil {
		return qualitykv.Envelope{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var env qualitykv.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return qualitykv.Envelope{}, false, fmt.Errorf("decode envelope %s: %w", key, err)
	}
	return env, true, nil
}

// Set stores env under key, dropping writes older than the stored envelope.
func (s *Store) Set(ctx context.Context, key string, env qualitykv.Envelope) error {
	return s.SetMany(ctx, map[string]qualitykv.Envelope{key: env})
}

// SetMany stores a batch of envelopes in one pipeline.
func (s *Store) SetMany(ctx context.Context, items map[string]qualitykv.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pipe := s.client.Pipeline()
	queued := 0
	for key, env := range items {
		cur, ok, err := s.Get(ctx, key)
		if err != nil {
			return err
		}
		if ok && env.FetchedAt.Before(cur.FetchedAt) {
			continue
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode envelope %s: %w", key, err)
		}
		pipe.Set(ctx, s.prefix+key, raw, 0)
		queued++
	}
	if queued == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Keys returns all stored cache keys with the prefix stripped.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(s.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return out, nil
}
