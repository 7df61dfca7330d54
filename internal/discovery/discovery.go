// Package discovery fetches and parses a broker's configuration document
// and its published key set through the injected fetch capability. It
// performs no caching; freshness bookkeeping belongs to the key cache
// manager.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/portier/portier-go/fetch"
)

// WellKnownPath is the location of the broker configuration document
// relative to the broker origin.
const WellKnownPath = "/.well-known/openid-configuration"

var (
	// ErrDiscovery indicates the broker configuration document was
	// malformed or missing required endpoints.
	ErrDiscovery = errors.New("discovery: invalid broker configuration")
	// ErrKeyFormat indicates a key-set entry could not be parsed into a
	// usable public key.
	ErrKeyFormat = errors.New("discovery: unparseable key entry")
)

// Endpoints are the broker endpoints extracted from the configuration
// document. MaxAge reflects the document's advertised cache lifetime.
type Endpoints struct {
	AuthorizationEndpoint string
	JWKSURI               string
	MaxAge                time.Duration
}

// KeySet is one atomically fetched set of broker public keys. It always
// replaces any previous set wholesale.
type KeySet struct {
	Keys   []jose.JSONWebKey
	MaxAge time.Duration
}

// Client fetches broker metadata. Safe for concurrent use.
type Client struct {
	fetcher fetch.Fetcher
}

func New(f fetch.Fetcher) *Client {
	return &Client{fetcher: f}
}

// Discover retrieves the configuration document under origin and
// extracts the endpoints this library needs.
func (c *Client) Discover(ctx context.Context, origin string) (Endpoints, error) {
	doc, err := c.fetcher.Fetch(ctx, origin+WellKnownPath)
	if err != nil {
		return Endpoints{}, fmt.Errorf("fetching broker configuration: %w", err)
	}

	var meta struct {
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		JWKSURI               string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(doc.Body, &meta); err != nil {
		return Endpoints{}, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	var missing []string
	if meta.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if meta.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return Endpoints{}, fmt.Errorf("%w: missing %s", ErrDiscovery, strings.Join(missing, ", "))
	}

	return Endpoints{
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		JWKSURI:               meta.JWKSURI,
		MaxAge:                doc.MaxAge,
	}, nil
}

// KeysAt retrieves and parses the key-set document at jwksURI.
//
// Entries marked for encryption use are skipped, as are entries without
// a kid (they can never be selected by a token header). An entry that
// fails to parse or carries invalid key material fails the whole fetch:
// a key set is taken or rejected as one unit.
func (c *Client) KeysAt(ctx context.Context, jwksURI string) (KeySet, error) {
	doc, err := c.fetcher.Fetch(ctx, jwksURI)
	if err != nil {
		return KeySet{}, fmt.Errorf("fetching key set: %w", err)
	}

	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(doc.Body, &raw); err != nil {
		return KeySet{}, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	keys := make([]jose.JSONWebKey, 0, len(raw.Keys))
	for i, entry := range raw.Keys {
		var k jose.JSONWebKey
		if err := k.UnmarshalJSON(entry); err != nil {
			return KeySet{}, fmt.Errorf("%w: entry %d: %v", ErrKeyFormat, i, err)
		}
		if k.Use == "enc" || k.KeyID == "" {
			continue
		}
		if !k.Valid() {
			return KeySet{}, fmt.Errorf("%w: entry %d (kid %q): invalid key material", ErrKeyFormat, i, k.KeyID)
		}
		keys = append(keys, k)
	}

	return KeySet{Keys: keys, MaxAge: doc.MaxAge}, nil
}
