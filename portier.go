package portier

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/portier/portier-go/fetch"
	"github.com/portier/portier-go/internal/discovery"
	"github.com/portier/portier-go/internal/keycache"
	"github.com/portier/portier-go/store"
)

// DefaultBroker is the public Portier broker used when no broker or IdP
// is configured.
const DefaultBroker = "https://broker.portier.io"

// ResponseMode specifies how the broker instructs the user agent to
// deliver the response to the redirect URI.
type ResponseMode string

const (
	// ResponseModeFormPost delivers the response as a POST request with
	// an application/x-www-form-urlencoded body. The default.
	ResponseModeFormPost ResponseMode = "form_post"
	// ResponseModeFragment delivers the response in the URL fragment.
	// Requires client-side JavaScript, because fragments never reach the
	// server.
	ResponseModeFragment ResponseMode = "fragment"
)

// Client performs Portier authentication for one relying party. A Client
// is safe for concurrent use; all cached broker data is owned by the
// Client instance, so independent Clients share nothing unless given the
// same nonce store.
type Client struct {
	broker       string // normalized origin, the expected issuer
	trusted      bool
	redirectURI  *url.URL
	clientID     string // origin of the redirect URI, the expected audience
	responseMode ResponseMode
	leeway       time.Duration
	allowed      []jose.SignatureAlgorithm
	nonces       store.Store
	manager      *keycache.Manager
	now          func() time.Time
}

type options struct {
	broker       string
	trusted      bool
	fetcher      fetch.Fetcher
	cacheTTL     time.Duration
	staleGrace   time.Duration
	leeway       time.Duration
	allowed      []jose.SignatureAlgorithm
	responseMode ResponseMode
	nonces       store.Store
	log          *slog.Logger
}

// Option configures a Client.
type Option func(*options)

// WithBroker overrides the default broker. The URL must be an origin
// only: scheme, host, and optionally port.
func WithBroker(origin string) Option {
	return func(o *options) { o.broker = origin; o.trusted = true }
}

// WithIdP configures an untrusted identity provider instead of a broker.
// This is usually only used when implementing a broker: the provider is
// not trusted to change the email address it was asked to confirm, and
// tokens reporting a different address are rejected.
func WithIdP(origin string) Option {
	return func(o *options) { o.broker = origin; o.trusted = false }
}

// WithFetcher replaces the fetch capability used for all broker
// requests. The default is an HTTPFetcher with a 30 second timeout.
func WithFetcher(f fetch.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithCacheTTL sets the cache lifetime used for fetched broker documents
// that carry no cache metadata, and the floor applied when they do.
// Default 60 seconds.
func WithCacheTTL(d time.Duration) Option {
	return func(o *options) { o.cacheTTL = d }
}

// WithStaleGrace bounds how far past expiry a cached key set may still
// serve as a fallback when a refresh fails. Default 1 hour.
func WithStaleGrace(d time.Duration) Option {
	return func(o *options) { o.staleGrace = d }
}

// WithLeeway sets the clock-skew tolerance for token timestamps. The
// default is 3 minutes.
func WithLeeway(d time.Duration) Option {
	return func(o *options) { o.leeway = d }
}

// WithAllowedAlgorithms restricts the accepted token signature
// algorithms. Only asymmetric algorithms are permitted; the default set
// is RS256 and EdDSA, the algorithms Portier brokers sign with.
func WithAllowedAlgorithms(algs ...jose.SignatureAlgorithm) Option {
	return func(o *options) { o.allowed = append([]jose.SignatureAlgorithm(nil), algs...) }
}

// WithResponseMode sets how the broker returns the response. The default
// is ResponseModeFormPost.
func WithResponseMode(mode ResponseMode) Option {
	return func(o *options) { o.responseMode = mode }
}

// WithStore replaces the nonce store used by StartAuth and Verify. The
// default is an in-memory store, which only works for single-process
// applications.
func WithStore(s store.Store) Option {
	return func(o *options) { o.nonces = s }
}

// WithLogger enables debug-level logging of cache refresh events. Claim
// contents, tokens, and key material are never logged.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// New builds a Client for the given redirect URI.
func New(redirectURI string, opts ...Option) (*Client, error) {
	o := &options{
		broker:       DefaultBroker,
		trusted:      true,
		responseMode: ResponseModeFormPost,
		leeway:       3 * time.Minute,
		allowed:      []jose.SignatureAlgorithm{jose.RS256, jose.EdDSA},
	}
	for _, opt := range opts {
		opt(o)
	}

	redirect, err := url.Parse(redirectURI)
	if err != nil || redirect.Scheme == "" || redirect.Host == "" {
		return nil, errors.New("portier: redirect URI must be an absolute URL")
	}
	clientID, err := originOf(redirect)
	if err != nil {
		return nil, fmt.Errorf("portier: invalid redirect URI: %w", err)
	}

	broker, err := normalizeOrigin(o.broker)
	if err != nil {
		return nil, fmt.Errorf("portier: invalid broker URL: %w", err)
	}

	if len(o.allowed) == 0 {
		return nil, errors.New("portier: at least one allowed algorithm is required")
	}
	for _, alg := range o.allowed {
		if !asymmetric(alg) {
			return nil, fmt.Errorf("portier: algorithm %q is not an accepted asymmetric signature algorithm", alg)
		}
	}

	switch o.responseMode {
	case ResponseModeFormPost, ResponseModeFragment:
	default:
		return nil, fmt.Errorf("portier: unsupported response mode %q", o.responseMode)
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = fetch.NewHTTPFetcher()
	}
	nonces := o.nonces
	if nonces == nil {
		nonces = store.NewMemory()
	}

	manager := keycache.NewManager(discovery.New(fetcher), keycache.Config{
		FallbackTTL: o.cacheTTL,
		StaleGrace:  o.staleGrace,
		Logger:      o.log,
	})

	return &Client{
		broker:       broker,
		trusted:      o.trusted,
		redirectURI:  redirect,
		clientID:     clientID,
		responseMode: o.responseMode,
		leeway:       o.leeway,
		allowed:      o.allowed,
		nonces:       nonces,
		manager:      manager,
		now:          time.Now,
	}, nil
}

// asymmetric reports whether alg is an acceptable asymmetric signature
// algorithm. Symmetric algorithms are never accepted for broker tokens:
// the relying party shares no secret with the broker, so an HMAC proves
// nothing.
func asymmetric(alg jose.SignatureAlgorithm) bool {
	switch alg {
	case jose.RS256, jose.RS384, jose.RS512,
		jose.PS256, jose.PS384, jose.PS512,
		jose.ES256, jose.ES384, jose.ES512,
		jose.EdDSA:
		return true
	}
	return false
}

// normalizeOrigin validates that raw is an origin-only URL and returns
// its canonical serialization, which doubles as the cache key and the
// expected issuer.
func normalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", fmt.Errorf("%q is not an origin (contains additional components)", raw)
	}
	return originOf(u)
}

// originOf serializes the origin of u: lowercased scheme and host, with
// default ports dropped.
func originOf(u *url.URL) (string, error) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("missing host")
	}
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}
