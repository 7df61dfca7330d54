// Package keycache coordinates broker key retrieval: it owns the key
// store, decides when a cached key set is stale, and guarantees that at
// most one refresh per broker origin is in flight at a time. Concurrent
// callers that miss the cache share the result of a single underlying
// fetch.
package keycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/portier/portier-go/internal/discovery"
)

// ErrUnknownKey indicates the requested kid is absent from the broker's
// key set even after a fresh fetch. The lookup is not retried further.
var ErrUnknownKey = errors.New("keycache: unknown key id")

// Config tunes a Manager. Zero values select the defaults noted per
// field.
type Config struct {
	// FallbackTTL is the cache lifetime used when a fetched document
	// carries no cache metadata, and the floor applied when it does.
	// Defaults to 60 seconds.
	FallbackTTL time.Duration
	// StaleGrace bounds how far past expiry an entry may still serve as
	// a fallback when a refresh fails. Defaults to 1 hour.
	StaleGrace time.Duration
	// Logger receives debug-level refresh events. Nil disables logging.
	Logger *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager serves broker key sets and discovery endpoints out of a local
// cache, refreshing through the discovery client as needed. A Manager
// owns its store exclusively; independent Managers share nothing.
type Manager struct {
	disc  *discovery.Client
	store *Store
	ttl   time.Duration
	grace time.Duration
	log   *slog.Logger
	now   func() time.Time

	mu        sync.Mutex
	inflight  map[string]*refresh
	docFlight map[string]*docRefresh
	docs      map[string]docEntry
}

// refresh is a single in-flight key-set fetch shared by all waiters for
// one origin. Fields other than done are written once before done is
// closed.
type refresh struct {
	done  chan struct{}
	entry Entry
	err   error
}

type docRefresh struct {
	done chan struct{}
	eps  discovery.Endpoints
	err  error
}

type docEntry struct {
	eps       discovery.Endpoints
	expiresAt time.Time
}

func NewManager(disc *discovery.Client, cfg Config) *Manager {
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = 60 * time.Second
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		disc:      disc,
		store:     NewStore(),
		ttl:       cfg.FallbackTTL,
		grace:     cfg.StaleGrace,
		log:       cfg.Logger,
		now:       cfg.Now,
		inflight:  make(map[string]*refresh),
		docFlight: make(map[string]*docRefresh),
		docs:      make(map[string]docEntry),
	}
}

// Invalidate drops any cached key set for origin.
func (m *Manager) Invalidate(origin string) {
	m.store.Invalidate(origin)
}

// KeySet returns the current key set for origin, refreshing if the
// cached entry is missing or expired. On refresh failure a stale entry
// within the grace window is returned instead.
func (m *Manager) KeySet(ctx context.Context, origin string) ([]jose.JSONWebKey, error) {
	if e, ok := m.store.Get(origin); ok && m.fresh(e) {
		return e.Keys, nil
	}
	e, err := m.refreshKeys(ctx, origin)
	if err != nil {
		if prev, ok := m.store.Get(origin); ok && m.withinGrace(prev) {
			return prev.Keys, nil
		}
		return nil, err
	}
	return e.Keys, nil
}

// ResolveKey returns the public key for kid published by origin.
//
// A fresh cached entry containing kid is served directly. Otherwise one
// refresh runs (shared with any concurrent callers for the same origin);
// if the kid is still absent afterwards the lookup fails with
// ErrUnknownKey rather than refreshing again. A failed refresh may fall
// back to a stale entry within the grace window, but only for a kid that
// entry already knows.
func (m *Manager) ResolveKey(ctx context.Context, origin, kid string) (jose.JSONWebKey, error) {
	if e, ok := m.store.Get(origin); ok && m.fresh(e) {
		if k, ok := e.Key(kid); ok {
			return k, nil
		}
	}

	e, err := m.refreshKeys(ctx, origin)
	if err != nil {
		if prev, ok := m.store.Get(origin); ok && m.withinGrace(prev) {
			if k, ok := prev.Key(kid); ok {
				return k, nil
			}
		}
		return jose.JSONWebKey{}, err
	}

	if k, ok := e.Key(kid); ok {
		return k, nil
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: %q not published by %s", ErrUnknownKey, kid, origin)
}

// Endpoints returns origin's discovery endpoints, cached with the same
// freshness rules as key sets. The login request builder uses this to
// learn the authorization endpoint without touching the key cache.
func (m *Manager) Endpoints(ctx context.Context, origin string) (discovery.Endpoints, error) {
	m.mu.Lock()
	if d, ok := m.docs[origin]; ok && m.now().Before(d.expiresAt) {
		m.mu.Unlock()
		return d.eps, nil
	}
	if r, ok := m.docFlight[origin]; ok {
		m.mu.Unlock()
		return m.awaitDoc(ctx, r)
	}
	r := &docRefresh{done: make(chan struct{})}
	m.docFlight[origin] = r
	m.mu.Unlock()

	// The fetch must outlive any individual waiter: a caller abandoning
	// its request must not cancel the shared refresh.
	go m.fetchDoc(context.WithoutCancel(ctx), origin, r)

	return m.awaitDoc(ctx, r)
}

func (m *Manager) awaitDoc(ctx context.Context, r *docRefresh) (discovery.Endpoints, error) {
	select {
	case <-r.done:
		return r.eps, r.err
	case <-ctx.Done():
		return discovery.Endpoints{}, ctx.Err()
	}
}

func (m *Manager) fetchDoc(ctx context.Context, origin string, r *docRefresh) {
	eps, err := m.disc.Discover(ctx, origin)

	m.mu.Lock()
	if err == nil {
		m.docs[origin] = docEntry{eps: eps, expiresAt: m.now().Add(m.lifetime(eps.MaxAge))}
	} else if d, ok := m.docs[origin]; ok && m.now().Before(d.expiresAt.Add(m.grace)) {
		// Stale endpoints beat no endpoints while the broker is down.
		eps, err = d.eps, nil
	}
	delete(m.docFlight, origin)
	m.mu.Unlock()

	r.eps, r.err = eps, err
	close(r.done)

	if m.log != nil {
		m.log.DebugContext(ctx, "portier.discovery.refresh",
			slog.String("origin", origin), slog.Bool("ok", err == nil))
	}
}

// refreshKeys runs, or joins, the single in-flight key-set refresh for
// origin and returns its result.
func (m *Manager) refreshKeys(ctx context.Context, origin string) (Entry, error) {
	m.mu.Lock()
	if r, ok := m.inflight[origin]; ok {
		m.mu.Unlock()
		return m.await(ctx, r)
	}
	r := &refresh{done: make(chan struct{})}
	m.inflight[origin] = r
	m.mu.Unlock()

	go m.fetchKeys(context.WithoutCancel(ctx), origin, r)

	return m.await(ctx, r)
}

func (m *Manager) await(ctx context.Context, r *refresh) (Entry, error) {
	select {
	case <-r.done:
		return r.entry, r.err
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

func (m *Manager) fetchKeys(ctx context.Context, origin string, r *refresh) {
	var entry Entry
	eps, err := m.Endpoints(ctx, origin)
	if err == nil {
		var ks discovery.KeySet
		ks, err = m.disc.KeysAt(ctx, eps.JWKSURI)
		if err == nil {
			now := m.now()
			entry = Entry{
				Keys:      ks.Keys,
				FetchedAt: now,
				ExpiresAt: now.Add(m.lifetime(ks.MaxAge)),
			}
			m.store.Put(origin, entry)
		}
	}

	m.mu.Lock()
	delete(m.inflight, origin)
	m.mu.Unlock()

	r.entry, r.err = entry, err
	close(r.done)

	if m.log != nil {
		m.log.DebugContext(ctx, "portier.keys.refresh",
			slog.String("origin", origin),
			slog.Int("keys", len(entry.Keys)),
			slog.Bool("ok", err == nil))
	}
}

// lifetime applies the fallback TTL as a floor on advertised max-age.
func (m *Manager) lifetime(maxAge time.Duration) time.Duration {
	if maxAge > m.ttl {
		return maxAge
	}
	return m.ttl
}

func (m *Manager) fresh(e Entry) bool {
	return m.now().Before(e.ExpiresAt)
}

func (m *Manager) withinGrace(e Entry) bool {
	return m.now().Before(e.ExpiresAt.Add(m.grace))
}
