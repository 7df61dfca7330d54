package portier

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/portier/portier-go/internal/discovery"
	"github.com/portier/portier-go/internal/jws"
	"github.com/portier/portier-go/internal/keycache"
)

// VerifiedIdentity is the result of successful assertion verification:
// the confirmed email address and the broker origin that vouched for it.
type VerifiedIdentity struct {
	Email  string
	Origin string
}

// audienceClaim accepts the aud claim as either a string or an array of
// strings.
type audienceClaim []string

func (a *audienceClaim) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = audienceClaim{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*a = audienceClaim(list)
	return nil
}

func (a audienceClaim) contains(want string) bool {
	for _, s := range a {
		if s == want {
			return true
		}
	}
	return false
}

// unixTime accepts a numeric timestamp claim, tolerating the fractional
// form some issuers emit.
type unixTime int64

func (u *unixTime) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	f, err := n.Float64()
	if err != nil {
		return err
	}
	*u = unixTime(f)
	return nil
}

func (u unixTime) time() time.Time { return time.Unix(int64(u), 0) }

type tokenClaims struct {
	Iss           string        `json:"iss"`
	Aud           audienceClaim `json:"aud"`
	Sub           string        `json:"sub"`
	Email         string        `json:"email"`
	EmailOriginal string        `json:"email_original"`
	Exp           unixTime      `json:"exp"`
	Iat           unixTime      `json:"iat"`
	Nonce         string        `json:"nonce"`
}

// VerifyWithNonce verifies token against the client's broker and
// audience, requiring the token's nonce to equal expectedNonce exactly.
// The nonce comparison is an equality check only: ensuring each nonce is
// accepted at most once is the calling application's responsibility.
func (c *Client) VerifyWithNonce(ctx context.Context, token, expectedNonce string) (*VerifiedIdentity, error) {
	id, claims, err := c.verifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if expectedNonce == "" || claims.Nonce != expectedNonce {
		return nil, claimErr(ClaimNonce)
	}
	return id, nil
}

// Verify verifies token and consumes its nonce from the client's nonce
// store, making each login single-use. The pair looked up is (nonce,
// email as originally submitted to StartAuth); a missing pair fails with
// a nonce ClaimError.
func (c *Client) Verify(ctx context.Context, token string) (*VerifiedIdentity, error) {
	id, claims, err := c.verifyToken(ctx, token)
	if err != nil {
		return nil, err
	}

	// The broker may normalize the address; email_original carries what
	// the user actually typed, which is what StartAuth recorded.
	original := claims.EmailOriginal
	if original == "" {
		original = id.Email
	}
	ok, err := c.nonces.ConsumeNonce(ctx, claims.Nonce, original)
	if err != nil {
		return nil, errors.Join(ErrStore, err)
	}
	if !ok {
		return nil, claimErr(ClaimNonce)
	}
	return id, nil
}

// verifyToken runs every verification step except the nonce check:
// structural parse, algorithm policy, key resolution, signature
// verification, then claim validation in a fixed order. The payload is
// only decoded after its signature has been verified.
func (c *Client) verifyToken(ctx context.Context, token string) (*VerifiedIdentity, *tokenClaims, error) {
	tok, err := jws.Parse(token)
	if err != nil {
		return nil, nil, errors.Join(ErrMalformedToken, err)
	}

	if !allowedAlg(c.allowed, tok.Algorithm) {
		return nil, nil, errors.Join(ErrUnsupportedAlgorithm, errors.New("portier: algorithm "+tok.Algorithm))
	}

	key, err := c.manager.ResolveKey(ctx, c.broker, tok.KeyID)
	if err != nil {
		return nil, nil, adaptResolveErr(err)
	}

	payload, err := tok.Verify(key, c.allowed)
	if err != nil {
		if errors.Is(err, jws.ErrMalformed) {
			return nil, nil, errors.Join(ErrMalformedToken, err)
		}
		return nil, nil, errors.Join(ErrSignature, err)
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, nil, errors.Join(ErrMalformedToken, err)
	}

	if claims.Iss != c.broker {
		return nil, nil, claimErr(ClaimIssuer)
	}
	if !claims.Aud.contains(c.clientID) {
		return nil, nil, claimErr(ClaimAudience)
	}

	now := c.now()
	if now.After(claims.Exp.time().Add(c.leeway)) {
		return nil, nil, claimErr(ClaimExpiry)
	}
	if claims.Iat.time().Add(-c.leeway).After(now) {
		return nil, nil, claimErr(ClaimIssuedAt)
	}

	email := claims.Sub
	if email == "" {
		email = claims.Email
	}
	if email == "" {
		return nil, nil, claimErr(ClaimSubject)
	}

	// An identity provider confirms addresses, it does not get to change
	// them. Brokers are trusted to normalize; raw IdPs are not.
	if !c.trusted && claims.EmailOriginal != "" && claims.EmailOriginal != email {
		return nil, nil, claimErr(ClaimEmailOriginal)
	}

	return &VerifiedIdentity{Email: email, Origin: c.broker}, &claims, nil
}

func allowedAlg(allowed []jose.SignatureAlgorithm, alg string) bool {
	for _, a := range allowed {
		if string(a) == alg {
			return true
		}
	}
	return false
}

// adaptResolveErr maps key-resolution failures onto the public error
// taxonomy while keeping the specific underlying kind reachable via
// errors.Is.
func adaptResolveErr(err error) error {
	switch {
	case errors.Is(err, keycache.ErrUnknownKey):
		return errors.Join(ErrUnknownKey, err)
	case errors.Is(err, discovery.ErrKeyFormat):
		return errors.Join(ErrKeyResolution, ErrKeyFormat, err)
	case errors.Is(err, discovery.ErrDiscovery):
		return errors.Join(ErrKeyResolution, ErrDiscovery, err)
	default:
		return errors.Join(ErrKeyResolution, err)
	}
}
