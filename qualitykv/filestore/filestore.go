// Package filestore implements qualitykv.Store as a single JSON file with
// copy-on-write persistence. The whole key space is marshaled and atomically
// replaced on every write, so readers never observe a half-written file. The
// file is exclusively owned by the scheduler process; reader processes open
// their own store and call Reload to pick up newer snapshots.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/quantslab/clmmlab/qualitykv"
)

// Store holds the envelope map in memory and persists it to a single file.
// All operations are thread-safe; persistence uses tmp-file-plus-rename in
// the file's own directory.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries map[string]qualitykv.Envelope
}

var _ qualitykv.Store = (*Store)(nil)

// Open loads the store at path, creating parent directories as needed. A
// missing file yields an empty store; a corrupt file is an error so the
// owner does not silently clobber data it could not read.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	s := &Store{path: path, entries: make(map[string]qualitykv.Envelope)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	entries := make(map[string]qualitykv.Envelope)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse cache file %s: %w", s.path, err)
	}
	s.entries = entries
	return nil
}

// Reload re-reads the backing file, replacing the in-memory view. Reader
// processes call this to observe writes made by the scheduler. A missing
// file leaves the current view untouched.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Get returns the envelope stored under key.
func (s *Store) Get(_ context.Context, key string) (qualitykv.Envelope, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.entries[key]
	return env, ok, nil
}

// Set stores env under key and persists the snapshot. Writes that would move
// the key backwards in FetchedAt are dropped.
func (s *Store) Set(ctx context.Context, key string, env qualitykv.Envelope) error {
	return s.SetMany(ctx, map[string]qualitykv.Envelope{key: env})
}

// SetMany stores a batch of envelopes and persists once.
func (s *Store) SetMany(_ context.Context, items map[string]qualitykv.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for key, env := range items {
		if cur, ok := s.entries[key]; ok && env.FetchedAt.Before(cur.FetchedAt) {
			continue
		}
		s.entries[key] = env
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}

// Keys returns all stored keys sorted.
func (s *Store) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored envelopes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create cache tmp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache tmp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync cache tmp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache tmp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}
