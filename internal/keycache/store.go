package keycache

import (
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Entry owns one broker's cached key set together with its freshness
// bookkeeping. Entries are replaced wholesale on refresh; a reader never
// observes a partially updated key set.
type Entry struct {
	Keys      []jose.JSONWebKey
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Key returns the key matching kid. Exactly one key must match; zero or
// multiple matches report absence, so a broker publishing duplicate kids
// cannot steer key selection.
func (e Entry) Key(kid string) (jose.JSONWebKey, bool) {
	var found jose.JSONWebKey
	n := 0
	for _, k := range e.Keys {
		if k.KeyID == kid {
			found = k
			n++
		}
	}
	if n != 1 {
		return jose.JSONWebKey{}, false
	}
	return found, true
}

// Store maps broker origins to cache entries. It is a pure data
// structure: no network awareness, no expiry decisions. Reads are
// concurrent; writes replace entries atomically.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

func (s *Store) Get(origin string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[origin]
	return e, ok
}

func (s *Store) Put(origin string, e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[origin] = e
}

func (s *Store) Invalidate(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, origin)
}
