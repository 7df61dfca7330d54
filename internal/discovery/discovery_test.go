package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/portier/portier-go/portiertest"
)

const origin = "https://broker.test"

func TestDiscover(t *testing.T) {
	f := portiertest.NewFetcher()
	b := portiertest.NewBroker(t, origin, f)
	c := New(f)

	eps, err := c.Discover(context.Background(), origin)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if eps.AuthorizationEndpoint != b.AuthURL() {
		t.Errorf("authorization endpoint = %q, want %q", eps.AuthorizationEndpoint, b.AuthURL())
	}
	if eps.JWKSURI != b.JWKSURL() {
		t.Errorf("jwks uri = %q, want %q", eps.JWKSURI, b.JWKSURL())
	}
}

func TestDiscoverFailures(t *testing.T) {
	wellKnown := origin + WellKnownPath

	for _, tc := range []struct {
		name string
		body string
	}{
		{"not JSON", "<html>"},
		{"missing jwks_uri", `{"authorization_endpoint":"https://broker.test/auth"}`},
		{"missing authorization_endpoint", `{"jwks_uri":"https://broker.test/keys"}`},
		{"empty object", `{}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := portiertest.NewFetcher()
			f.SetDocument(wellKnown, []byte(tc.body), 0)
			_, err := New(f).Discover(context.Background(), origin)
			if !errors.Is(err, ErrDiscovery) {
				t.Fatalf("want ErrDiscovery, got %v", err)
			}
		})
	}

	t.Run("fetch error propagates", func(t *testing.T) {
		f := portiertest.NewFetcher()
		sentinel := errors.New("boom")
		f.SetError(wellKnown, sentinel)
		_, err := New(f).Discover(context.Background(), origin)
		if !errors.Is(err, sentinel) {
			t.Fatalf("want underlying fetch error, got %v", err)
		}
	})
}

func TestKeysAt(t *testing.T) {
	f := portiertest.NewFetcher()
	b := portiertest.NewBroker(t, origin, f)
	c := New(f)

	ks, err := c.KeysAt(context.Background(), b.JWKSURL())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(ks.Keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(ks.Keys))
	}
	kids := map[string]bool{}
	for _, k := range ks.Keys {
		kids[k.KeyID] = true
	}
	if !kids[b.RSAKid] || !kids[b.EdKid] {
		t.Errorf("kids = %v, want %q and %q", kids, b.RSAKid, b.EdKid)
	}
}

func TestKeysAtSkipsUnusableEntries(t *testing.T) {
	f := portiertest.NewFetcher()
	url := origin + "/keys"
	// One encryption key and one kid-less key around a usable entry.
	f.SetDocument(url, []byte(`{"keys":[
		{"kty":"RSA","use":"enc","kid":"enc-key","alg":"RSA-OAEP","n":"AQAB","e":"AQAB"},
		{"kty":"EC","crv":"P-256","x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4","y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFyM"},
		{"kty":"EC","kid":"good","alg":"ES256","crv":"P-256","x":"MKBCTNIcKUSDii11ySs3526iDZ8AiTo7Tu6KPAqv7D4","y":"4Etl6SRW2YiLUrN5vfvVHuhp7x8PxltmWWlbbM4IFyM"}
	]}`), 0)

	ks, err := New(f).KeysAt(context.Background(), url)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(ks.Keys) != 1 || ks.Keys[0].KeyID != "good" {
		t.Fatalf("keys = %v, want only kid \"good\"", ks.Keys)
	}
}

func TestKeysAtFailures(t *testing.T) {
	url := origin + "/keys"

	t.Run("not JSON", func(t *testing.T) {
		f := portiertest.NewFetcher()
		f.SetDocument(url, []byte("<html>"), 0)
		_, err := New(f).KeysAt(context.Background(), url)
		if !errors.Is(err, ErrDiscovery) {
			t.Fatalf("want ErrDiscovery, got %v", err)
		}
	})

	t.Run("bad key material", func(t *testing.T) {
		f := portiertest.NewFetcher()
		f.SetDocument(url, []byte(`{"keys":[{"kty":"RSA","kid":"k","alg":"RS256","n":"!!not-base64!!","e":"AQAB"}]}`), 0)
		_, err := New(f).KeysAt(context.Background(), url)
		if !errors.Is(err, ErrKeyFormat) {
			t.Fatalf("want ErrKeyFormat, got %v", err)
		}
	})
}
