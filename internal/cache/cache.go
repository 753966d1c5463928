// Package cache implements the content cache used by both prebuild passes and
// by request-time rendering: named, argument-keyed memoization of values and
// of whole rendered subtrees, with persistence across process runs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rogers-f/prerender/internal/domain"
	"github.com/rogers-f/prerender/internal/logging"
	"github.com/rogers-f/prerender/internal/rendermode"
	"github.com/rogers-f/prerender/internal/signal"
)

// Persister stores and loads the full cache mapping.
type Persister interface {
	SaveCache(ctx context.Context, entries []domain.CacheEntry) error
	LoadCache(ctx context.Context) ([]domain.CacheEntry, error)
}

// Stats is a diagnostic view of the cache.
type Stats struct {
	Count           int      `json:"count"`
	Keys            []string `json:"keys"`
	Bytes           int      `json:"bytes"`
	Hits            int64    `json:"hits"`
	Misses          int64    `json:"misses"`
	FinalPassMisses int64    `json:"final_pass_misses"`
}

// Store maps keys to JSON-encoded values. Values are kept encoded so that an
// entry restored from disk behaves exactly like one computed in-process.
type Store struct {
	mu        sync.RWMutex
	entries   map[Key]json.RawMessage
	signal    *signal.Signal
	persister Persister
	flight    singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	finalMisses atomic.Int64
}

// New creates an empty store. sig may be nil when no pass is being tracked
// (request time); p may be nil when persistence is not needed.
func New(sig *signal.Signal, p Persister) *Store {
	return &Store{
		entries:   make(map[Key]json.RawMessage),
		signal:    sig,
		persister: p,
	}
}

// Get is a pure lookup.
func (s *Store) Get(key Key) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok
}

// Set stores value under key, overwriting any previous value.
func (s *Store) Set(key Key, value any) error {
	raw, err := encode(value)
	if err != nil {
		return err
	}
	s.put(key, raw)
	return nil
}

func (s *Store) put(key Key, raw json.RawMessage) {
	s.mu.Lock()
	s.entries[key] = raw
	s.mu.Unlock()
}

// Clear empties the in-memory mapping. The persisted copy is untouched until
// the next Persist.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[Key]json.RawMessage)
	s.mu.Unlock()
	s.hits.Store(0)
	s.misses.Store(0)
	s.finalMisses.Store(0)
}

// Snapshot returns every entry ordered by name, then arguments.
func (s *Store) Snapshot() []domain.CacheEntry {
	s.mu.RLock()
	out := make([]domain.CacheEntry, 0, len(s.entries))
	for k, v := range s.entries {
		out = append(out, domain.CacheEntry{Name: k.Name, Args: k.Args, Value: v})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Args < out[j].Args
	})
	return out
}

// Load replaces the in-memory mapping with entries.
func (s *Store) Load(entries []domain.CacheEntry) {
	m := make(map[Key]json.RawMessage, len(entries))
	for _, e := range entries {
		m[Key{Name: e.Name, Args: e.Args}] = e.Value
	}
	s.mu.Lock()
	s.entries = m
	s.mu.Unlock()
}

// Persist writes the full mapping through the configured Persister.
func (s *Store) Persist(ctx context.Context) error {
	if s.persister == nil {
		return errors.New("cache: no persister configured")
	}
	snap := s.Snapshot()
	if err := s.persister.SaveCache(ctx, snap); err != nil {
		return fmt.Errorf("persist cache: %w", err)
	}
	logging.FromContext(ctx).Debug("cache persisted", zap.Int("entries", len(snap)))
	return nil
}

// Restore replaces the in-memory mapping with the persisted one.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return errors.New("cache: no persister configured")
	}
	entries, err := s.persister.LoadCache(ctx)
	if err != nil {
		return fmt.Errorf("restore cache: %w", err)
	}
	s.Load(entries)
	logging.FromContext(ctx).Debug("cache restored", zap.Int("entries", len(entries)))
	return nil
}

// Stats reports entry count, sorted key strings and hit counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{Count: len(s.entries), Keys: make([]string, 0, len(s.entries))}
	for k, v := range s.entries {
		st.Keys = append(st.Keys, k.String())
		st.Bytes += len(v)
	}
	s.mu.RUnlock()

	sort.Strings(st.Keys)
	st.Hits = s.hits.Load()
	st.Misses = s.misses.Load()
	st.FinalPassMisses = s.finalMisses.Load()
	return st
}

func (s *Store) noteMiss(ctx context.Context, key Key) {
	s.misses.Add(1)
	p, ok := rendermode.PrebuildFrom(ctx)
	if !ok || p.Pass != domain.PassFinal {
		return
	}
	// The prospective pass should have warmed this key.
	s.finalMisses.Add(1)
	logging.FromContext(ctx).Warn("cache miss during final pass; computing cold",
		zap.String("key", key.String()),
		zap.Int("code", domain.ErrFinalPassCacheMiss.Code),
	)
}

func (s *Store) beginRead() func() {
	if s.signal == nil {
		return func() {}
	}
	tok := s.signal.BeginRead()
	return func() { s.signal.EndRead(tok) }
}

func encode(value any) (json.RawMessage, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, domain.ErrCacheEncode.Wrap(err)
	}
	return b, nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, domain.ErrCacheDecode.Wrap(err)
	}
	return v, nil
}
