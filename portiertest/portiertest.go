// Package portiertest provides offline test fixtures for the portier
// client: a programmable fetch capability with call counting, and a fake
// broker that publishes discovery and key-set documents and signs
// tokens.
package portiertest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/portier/portier-go/fetch"
)

// Fetcher is an in-memory fetch.Fetcher. Documents and errors are
// registered per URL; every fetch is counted, so tests can assert how
// many network round trips an operation caused.
type Fetcher struct {
	// Delay is applied to every fetch, to widen race windows in
	// concurrency tests.
	Delay time.Duration

	mu    sync.Mutex
	docs  map[string]fetch.Document
	errs  map[string]error
	calls map[string]int
}

var _ fetch.Fetcher = (*Fetcher)(nil)

func NewFetcher() *Fetcher {
	return &Fetcher{
		docs:  make(map[string]fetch.Document),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

// SetDocument registers the body served for url.
func (f *Fetcher) SetDocument(url string, body []byte, maxAge time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[url] = fetch.Document{Body: body, MaxAge: maxAge}
	delete(f.errs, url)
}

// SetJSON registers the JSON encoding of v as the document for url.
func (f *Fetcher) SetJSON(t testing.TB, url string, v any, maxAge time.Duration) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal document for %s: %v", url, err)
	}
	f.SetDocument(url, b, maxAge)
}

// SetError makes every fetch of url fail with err.
func (f *Fetcher) SetError(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
	delete(f.docs, url)
}

// Calls reports how many times url has been fetched.
func (f *Fetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// TotalCalls reports the number of fetches across all URLs.
func (f *Fetcher) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *Fetcher) Fetch(ctx context.Context, url string) (fetch.Document, error) {
	f.mu.Lock()
	f.calls[url]++
	doc, okDoc := f.docs[url]
	err, okErr := f.errs[url]
	delay := f.Delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fetch.Document{}, ctx.Err()
		}
	}
	if okErr {
		return fetch.Document{}, err
	}
	if !okDoc {
		return fetch.Document{}, fmt.Errorf("portiertest: no document registered for %s", url)
	}
	return doc, nil
}

// Broker is a fake identity broker: it owns RSA and Ed25519 signing
// keys, publishes its discovery and key-set documents through a Fetcher,
// and signs tokens. Rotating replaces the published key set wholesale.
type Broker struct {
	Origin  string
	Fetcher *Fetcher

	RSAKey *rsa.PrivateKey
	RSAKid string
	EdKey  ed25519.PrivateKey
	EdKid  string

	generation int
}

// NewBroker creates a broker at origin with fresh keys and publishes its
// documents on f with no cache metadata.
func NewBroker(t testing.TB, origin string, f *Fetcher) *Broker {
	t.Helper()
	b := &Broker{Origin: origin, Fetcher: f}
	b.generateKeys(t)
	b.Publish(t, 0)
	return b
}

func (b *Broker) generateKeys(t testing.TB) {
	t.Helper()
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	_, edPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 key: %v", err)
	}
	b.RSAKey = rsaKey
	b.EdKey = edPriv
	b.RSAKid = fmt.Sprintf("rsa-%d", b.generation)
	b.EdKid = fmt.Sprintf("ed-%d", b.generation)
	b.generation++
}

// ConfigURL returns the URL of the broker configuration document.
func (b *Broker) ConfigURL() string {
	return b.Origin + "/.well-known/openid-configuration"
}

// JWKSURL returns the URL of the broker key-set document.
func (b *Broker) JWKSURL() string { return b.Origin + "/keys" }

// AuthURL returns the broker authorization endpoint.
func (b *Broker) AuthURL() string { return b.Origin + "/auth" }

// Publish writes the discovery and key-set documents for the current
// keys to the fetcher.
func (b *Broker) Publish(t testing.TB, maxAge time.Duration) {
	t.Helper()
	b.Fetcher.SetJSON(t, b.ConfigURL(), map[string]any{
		"authorization_endpoint": b.AuthURL(),
		"jwks_uri":               b.JWKSURL(),
	}, maxAge)
	b.Fetcher.SetJSON(t, b.JWKSURL(), jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{
			{Key: &b.RSAKey.PublicKey, KeyID: b.RSAKid, Algorithm: "RS256", Use: "sig"},
			{Key: b.EdKey.Public(), KeyID: b.EdKid, Algorithm: "EdDSA", Use: "sig"},
		},
	}, maxAge)
}

// Rotate replaces all broker keys and republishes the key set, changing
// every kid.
func (b *Broker) Rotate(t testing.TB, maxAge time.Duration) {
	t.Helper()
	b.generateKeys(t)
	b.Publish(t, maxAge)
}

// Claims builds a valid claim set for a token confirming email to
// audience, expiring in an hour.
func (b *Broker) Claims(audience, email, nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   b.Origin,
		"aud":   audience,
		"sub":   email,
		"email": email,
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"nonce": nonce,
	}
}

// Sign signs claims with the broker's current RSA key.
func (b *Broker) Sign(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return b.SignWith(t, jwt.SigningMethodRS256, b.RSAKey, b.RSAKid, claims)
}

// SignEd signs claims with the broker's current Ed25519 key.
func (b *Broker) SignEd(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	return b.SignWith(t, jwt.SigningMethodEdDSA, b.EdKey, b.EdKid, claims)
}

// SignWith signs claims with an arbitrary method, key, and kid. Useful
// for tokens signed by keys the broker no longer publishes.
func (b *Broker) SignWith(t testing.TB, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}
