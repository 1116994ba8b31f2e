// Package cache implements the atomic, JSON-file-backed key/value store
// used to persist login-to-user-id resolutions across restarts, with an
// in-memory LRU layer for hot reads.
package cache

import (
	"container/list"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// ErrorOp tags which operation a CacheError occurred during.
type ErrorOp string

const (
	OpLoad ErrorOp = "load_cache"
	OpSave ErrorOp = "save_cache"
)

// CacheError is a non-corruption I/O failure surfaced to callers.
type CacheError struct {
	Op  ErrorOp
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }

type lruEntry struct {
	key   string
	value string
}

// Store is a single-file JSON map with atomic writes and an in-memory
// LRU cache bounding hot-path lookups. A single mutex serializes all
// file I/O; the LRU is only touched while that mutex is held.
type Store struct {
	path        string
	maxEntries  int
	logger      zerolog.Logger

	mu       sync.Mutex
	lru      *list.List
	index    map[string]*list.Element
}

// New creates a Store backed by the JSON file at path.
func New(path string, maxEntries int, logger zerolog.Logger) *Store {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Store{
		path:       path,
		maxEntries: maxEntries,
		logger:     logger.With().Str("component", "cache_store").Str("path", path).Logger(),
		lru:        list.New(),
		index:      make(map[string]*list.Element),
	}
}

// Get consults the in-memory LRU first; on miss it loads the file under
// the lock and warms the LRU on hit.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.getFromMemoryLocked(key); ok {
		return v, true, nil
	}

	data, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	v, ok := data[key]
	if ok {
		s.putInMemoryLocked(key, v)
	}
	return v, ok, nil
}

// Set writes key/value under the lock: read-modify-write the file
// atomically, then update the LRU.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	data[key] = value
	if err := s.saveLocked(data); err != nil {
		return err
	}
	s.putInMemoryLocked(key, value)
	return nil
}

// Delete removes key from both the file and the LRU.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	delete(data, key)
	if err := s.saveLocked(data); err != nil {
		return err
	}
	s.invalidateMemoryLocked(key)
	return nil
}

// Clear empties the cache file and the in-memory LRU.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveLocked(map[string]string{}); err != nil {
		return err
	}
	s.lru.Init()
	s.index = make(map[string]*list.Element)
	return nil
}

// Contains reports whether key exists, in memory or on disk.
func (s *Store) Contains(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getFromMemoryLocked(key); ok {
		return true, nil
	}
	data, err := s.loadLocked()
	if err != nil {
		return false, err
	}
	v, ok := data[key]
	if ok {
		s.putInMemoryLocked(key, v)
	}
	return ok, nil
}

func (s *Store) getFromMemoryLocked(key string) (string, bool) {
	el, ok := s.index[key]
	if !ok {
		return "", false
	}
	s.lru.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (s *Store) putInMemoryLocked(key, value string) {
	if el, ok := s.index[key]; ok {
		el.Value.(*lruEntry).value = value
		s.lru.MoveToFront(el)
		return
	}
	if s.lru.Len() >= s.maxEntries {
		tail := s.lru.Back()
		if tail != nil {
			s.lru.Remove(tail)
			delete(s.index, tail.Value.(*lruEntry).key)
		}
	}
	el := s.lru.PushFront(&lruEntry{key: key, value: value})
	s.index[key] = el
}

func (s *Store) invalidateMemoryLocked(key string) {
	if el, ok := s.index[key]; ok {
		s.lru.Remove(el)
		delete(s.index, key)
	}
}

// loadLocked reads and parses the cache file. A missing file is treated
// as an empty map; a corrupt file is quarantined (renamed to
// "<path>.corrupted") and replaced with an empty map — never raised.
// Any other I/O failure surfaces as a CacheError tagged "load_cache".
func (s *Store) loadLocked() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, &CacheError{Op: OpLoad, Err: err}
	}

	if len(raw) == 0 {
		return map[string]string{}, nil
	}

	var data map[string]string
	if err := json.Unmarshal(raw, &data); err != nil {
		s.logger.Warn().Err(err).Msg("corrupted cache file, quarantining and starting empty")
		quarantinePath := s.path + ".corrupted"
		if renameErr := os.Rename(s.path, quarantinePath); renameErr != nil {
			s.logger.Warn().Err(renameErr).Msg("failed to quarantine corrupted cache file")
		} else {
			s.logger.Info().Str("quarantine_path", quarantinePath).Msg("quarantined corrupted cache file")
		}
		return map[string]string{}, nil
	}
	return data, nil
}

// saveLocked writes data to the cache file atomically: encode to a
// temp file in the same directory, then rename over the target.
func (s *Store) saveLocked(data map[string]string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &CacheError{Op: OpSave, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return &CacheError{Op: OpSave, Err: err}
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		tmp.Close()
		return &CacheError{Op: OpSave, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &CacheError{Op: OpSave, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &CacheError{Op: OpSave, Err: err}
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return &CacheError{Op: OpSave, Err: err}
	}
	return nil
}

// Keys returns every key currently in the file.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	return keys, nil
}
