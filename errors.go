package portier

import (
	"errors"

	"github.com/portier/portier-go/fetch"
)

var (
	// ErrDiscovery indicates the broker's configuration document was
	// unreachable, malformed, or missing required endpoints.
	ErrDiscovery = errors.New("portier: broker discovery failed")

	// ErrKeyFormat indicates broker key material could not be parsed.
	ErrKeyFormat = errors.New("portier: unparseable broker key")

	// ErrUnknownKey indicates the token's kid is absent from the
	// broker's key set even after one refresh.
	ErrUnknownKey = errors.New("portier: unknown signing key")

	// ErrMalformedToken indicates the token is not a structurally valid
	// compact JWS, or its payload is not valid JSON.
	ErrMalformedToken = errors.New("portier: malformed token")

	// ErrUnsupportedAlgorithm indicates the token's signature algorithm
	// is not in the allowed set. "none" and all symmetric algorithms are
	// rejected unconditionally.
	ErrUnsupportedAlgorithm = errors.New("portier: unsupported signature algorithm")

	// ErrSignature indicates the token signature did not validate
	// against the broker's key.
	ErrSignature = errors.New("portier: invalid token signature")

	// ErrKeyResolution indicates the signing key could not be resolved;
	// the underlying discovery, key-format, or transport error is joined
	// in.
	ErrKeyResolution = errors.New("portier: could not resolve signing key")

	// ErrClaims is the common kind joined into every *ClaimError, so
	// callers can match all claim failures with a single errors.Is.
	ErrClaims = errors.New("portier: claim validation failed")

	// ErrStore indicates the configured nonce store failed.
	ErrStore = errors.New("portier: nonce store failure")
)

// ErrTransport indicates the fetch capability failed at the transport
// level. It aliases fetch.ErrTransport so fetcher implementations and
// callers agree on one sentinel.
var ErrTransport = fetch.ErrTransport

// Claim identifies which claim failed validation.
type Claim string

const (
	ClaimIssuer   Claim = "iss"
	ClaimAudience Claim = "aud"
	ClaimExpiry   Claim = "exp"
	ClaimIssuedAt Claim = "iat"
	ClaimNonce    Claim = "nonce"
	ClaimSubject  Claim = "sub"
	// ClaimEmailOriginal fails when an untrusted identity provider
	// reports a different address than it was asked to confirm.
	ClaimEmailOriginal Claim = "email_original"
)

// ClaimError reports a single failed claim check. It never carries claim
// contents, only which check failed.
type ClaimError struct {
	Claim Claim
}

func (e *ClaimError) Error() string {
	return "portier: invalid claim: " + string(e.Claim)
}

// Unwrap lets errors.Is(err, ErrClaims) match any claim failure.
func (e *ClaimError) Unwrap() error { return ErrClaims }

func claimErr(c Claim) error { return &ClaimError{Claim: c} }
