package portier

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// LoginRequest is a prepared login. The caller owns it once returned:
// persist Nonce (and State, if checking it) against the user's session,
// then redirect the user agent to URL.
type LoginRequest struct {
	// URL is the broker authorization URL to send the user agent to. A
	// 303 redirect with a Location header is the recommended method.
	URL *url.URL
	// Email the login was started for.
	Email string
	// Nonce binds the eventual assertion to this login. 128 bits of
	// secure random data, base64url encoded.
	Nonce string
	// State is a random value echoed back verbatim by the broker, for
	// CSRF binding of the return request.
	State string
	// Broker is the normalized origin the login was started against.
	Broker string
}

// StartAuth creates a login session for email and returns the URL to
// redirect the user agent to.
//
// The broker's authorization endpoint comes from its cached discovery
// document; no other network access happens. The generated nonce is
// recorded in the configured nonce store so Verify can consume it;
// applications doing their own nonce tracking persist req.Nonce and use
// VerifyWithNonce instead.
func (c *Client) StartAuth(ctx context.Context, email string) (*LoginRequest, error) {
	if email == "" {
		return nil, errors.New("portier: email is required")
	}

	eps, err := c.manager.Endpoints(ctx, c.broker)
	if err != nil {
		return nil, errors.Join(ErrDiscovery, err)
	}
	authURL, err := url.Parse(eps.AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid authorization endpoint: %v", ErrDiscovery, err)
	}

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	state := uuid.NewString()

	if err := c.nonces.SaveNonce(ctx, nonce, email); err != nil {
		return nil, errors.Join(ErrStore, err)
	}

	q := authURL.Query()
	q.Set("login_hint", email)
	q.Set("scope", "openid email")
	q.Set("nonce", nonce)
	q.Set("response_type", "id_token")
	q.Set("response_mode", string(c.responseMode))
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI.String())
	q.Set("state", state)
	authURL.RawQuery = q.Encode()

	return &LoginRequest{
		URL:    authURL,
		Email:  email,
		Nonce:  nonce,
		State:  state,
		Broker: c.broker,
	}, nil
}

// newNonce returns 128 bits of secure random data, base64url encoded
// without padding.
func newNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("portier: nonce generation failed: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
