// Package jws handles the compact JSON Web Signature serialization used
// for broker assertions: structural parsing of the three-segment form,
// header extraction, and signature verification against a resolved
// public key.
package jws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	// ErrMalformed indicates the token is not a structurally valid
	// compact JWS (wrong segment count, bad base64url, invalid header
	// JSON, or a missing kid).
	ErrMalformed = errors.New("jws: malformed compact token")
	// ErrSignature indicates the signature did not validate against the
	// provided key.
	ErrSignature = errors.New("jws: signature verification failed")
)

// Token is a structurally parsed compact JWS. The payload is not exposed
// here; it only becomes available through Verify, so unauthenticated
// claim bytes never reach claim validation.
type Token struct {
	raw string

	// Algorithm is the header alg value. Policy checks happen in the
	// caller before any key is resolved.
	Algorithm string
	// KeyID is the header kid selecting the broker key that signed the
	// token. Always non-empty.
	KeyID string
}

type header struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
}

// Parse splits and decodes a compact token far enough to expose the
// header's alg and kid. All three segments must decode as base64url, but
// neither the payload nor the signature is interpreted here.
func Parse(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformed, len(parts))
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header segment: %v", ErrMalformed, err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[1]); err != nil {
		return nil, fmt.Errorf("%w: payload segment: %v", ErrMalformed, err)
	}
	if _, err := base64.RawURLEncoding.DecodeString(parts[2]); err != nil {
		return nil, fmt.Errorf("%w: signature segment: %v", ErrMalformed, err)
	}

	var h header
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, fmt.Errorf("%w: header JSON: %v", ErrMalformed, err)
	}
	if h.Alg == "" {
		return nil, fmt.Errorf("%w: header missing alg", ErrMalformed)
	}
	if h.Kid == "" {
		return nil, fmt.Errorf("%w: header missing kid", ErrMalformed)
	}

	return &Token{raw: raw, Algorithm: h.Alg, KeyID: h.Kid}, nil
}

// Verify checks the token signature against key and returns the payload
// bytes. The signature is computed over the exact signed input of the
// compact serialization; go-jose performs the cryptographic check.
func (t *Token) Verify(key jose.JSONWebKey, allowed []jose.SignatureAlgorithm) ([]byte, error) {
	sig, err := jose.ParseSigned(t.raw, allowed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	payload, err := sig.Verify(key)
	if err != nil {
		return nil, fmt.Errorf("%w: kid %q", ErrSignature, t.KeyID)
	}
	return payload, nil
}
