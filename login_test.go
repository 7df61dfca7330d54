package portier

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/portier/portier-go/portiertest"
)

func TestStartAuthURL(t *testing.T) {
	f := portiertest.NewFetcher()
	b := portiertest.NewBroker(t, testBrokerOrigin, f)
	c := newTestClient(t, f)

	req, err := c.StartAuth(context.Background(), testEmail)
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}

	if got := req.URL.Scheme + "://" + req.URL.Host + req.URL.Path; got != b.AuthURL() {
		t.Errorf("auth URL = %q, want %q", got, b.AuthURL())
	}

	q := req.URL.Query()
	for param, want := range map[string]string{
		"login_hint":    testEmail,
		"scope":         "openid email",
		"response_type": "id_token",
		"response_mode": "form_post",
		"client_id":     testAudience,
		"redirect_uri":  testRedirectURI,
		"nonce":         req.Nonce,
		"state":         req.State,
	} {
		if got := q.Get(param); got != want {
			t.Errorf("param %s = %q, want %q", param, got, want)
		}
	}

	// 128 bits of base64url, no padding.
	if len(req.Nonce) != 22 {
		t.Errorf("nonce length = %d, want 22", len(req.Nonce))
	}
	if _, err := uuid.Parse(req.State); err != nil {
		t.Errorf("state is not a UUID: %v", err)
	}
	if req.Broker != testBrokerOrigin {
		t.Errorf("broker = %q, want %q", req.Broker, testBrokerOrigin)
	}
}

func TestStartAuthFragmentMode(t *testing.T) {
	f := portiertest.NewFetcher()
	portiertest.NewBroker(t, testBrokerOrigin, f)
	c := newTestClient(t, f, WithResponseMode(ResponseModeFragment))

	req, err := c.StartAuth(context.Background(), testEmail)
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}
	if got := req.URL.Query().Get("response_mode"); got != "fragment" {
		t.Errorf("response_mode = %q, want fragment", got)
	}
}

func TestStartAuthNonceUnique(t *testing.T) {
	f := portiertest.NewFetcher()
	portiertest.NewBroker(t, testBrokerOrigin, f)
	c := newTestClient(t, f)
	ctx := context.Background()

	a, err := c.StartAuth(ctx, testEmail)
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}
	b, err := c.StartAuth(ctx, testEmail)
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}
	if a.Nonce == b.Nonce {
		t.Fatal("two logins produced the same nonce")
	}
}

// A generated nonce round-trips: a token carrying it verifies against
// it, and fails against a nonce from a different login.
func TestStartAuthNonceRoundTrip(t *testing.T) {
	f := portiertest.NewFetcher()
	b := portiertest.NewBroker(t, testBrokerOrigin, f)
	c := newTestClient(t, f)
	ctx := context.Background()

	first, err := c.StartAuth(ctx, testEmail)
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}
	second, err := c.StartAuth(ctx, testEmail)
	if err != nil {
		t.Fatalf("start auth: %v", err)
	}

	tok := b.Sign(t, b.Claims(testAudience, testEmail, first.Nonce))
	if _, err := c.VerifyWithNonce(ctx, tok, first.Nonce); err != nil {
		t.Fatalf("round trip: %v", err)
	}

	_, err = c.VerifyWithNonce(ctx, tok, second.Nonce)
	var ce *ClaimError
	if !errors.As(err, &ce) || ce.Claim != ClaimNonce {
		t.Fatalf("want nonce ClaimError with regenerated nonce, got %v", err)
	}
}

func TestStartAuthDiscoveryFailure(t *testing.T) {
	f := portiertest.NewFetcher()
	f.SetDocument(testBrokerOrigin+"/.well-known/openid-configuration", []byte(`{"jwks_uri":"x"}`), 0)
	c := newTestClient(t, f)

	_, err := c.StartAuth(context.Background(), testEmail)
	if !errors.Is(err, ErrDiscovery) {
		t.Fatalf("want ErrDiscovery, got %v", err)
	}
}

func TestStartAuthRequiresEmail(t *testing.T) {
	f := portiertest.NewFetcher()
	portiertest.NewBroker(t, testBrokerOrigin, f)
	c := newTestClient(t, f)

	if _, err := c.StartAuth(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty email")
	}
	if n := f.TotalCalls(); n != 0 {
		t.Errorf("empty email caused %d fetches, want 0", n)
	}
}
