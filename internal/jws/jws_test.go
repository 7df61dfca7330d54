package jws

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "a@b.c"})
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParse(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tok, err := Parse(signed(t, key, "kid-1"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tok.Algorithm != "RS256" {
		t.Errorf("alg = %q, want RS256", tok.Algorithm)
	}
	if tok.KeyID != "kid-1" {
		t.Errorf("kid = %q, want kid-1", tok.KeyID)
	}
}

func TestParseMalformed(t *testing.T) {
	b64 := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	for _, tc := range []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"one segment", "abc"},
		{"two segments", "abc.def"},
		{"four segments", "a.b.c.d"},
		{"header not base64", "%%%." + b64("{}") + "." + b64("sig")},
		{"payload not base64", b64(`{"alg":"RS256","kid":"k"}`) + ".%%%." + b64("sig")},
		{"signature not base64", b64(`{"alg":"RS256","kid":"k"}`) + "." + b64("{}") + ".%%%"},
		{"header not JSON", b64("not json") + "." + b64("{}") + "." + b64("sig")},
		{"missing alg", b64(`{"kid":"k"}`) + "." + b64("{}") + "." + b64("sig")},
		{"missing kid", b64(`{"alg":"RS256"}`) + "." + b64("{}") + "." + b64("sig")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.raw); !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	allowed := []jose.SignatureAlgorithm{jose.RS256}

	tok, err := Parse(signed(t, key, "kid-1"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	payload, err := tok.Verify(jose.JSONWebKey{Key: &key.PublicKey, KeyID: "kid-1", Algorithm: "RS256"}, allowed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(payload) == 0 {
		t.Fatal("verify returned empty payload")
	}

	_, err = tok.Verify(jose.JSONWebKey{Key: &other.PublicKey, KeyID: "kid-1", Algorithm: "RS256"}, allowed)
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("want ErrSignature with wrong key, got %v", err)
	}
}
