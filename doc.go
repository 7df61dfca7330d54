// Package portier is a relying-party client for the Portier
// authentication protocol: broker-mediated, passwordless login that
// proves control of an email address.
//
// A relying application redirects the user to an identity broker, the
// broker emails the user a confirmation link, and on confirmation the
// broker redirects back with a signed assertion. This package builds the
// outbound authorization URL and verifies the returned assertion:
// discovering broker endpoints, caching the broker's public keys, and
// checking the token's signature and claims against the original
// request.
//
// Construct a Client with New, giving it your redirect URI:
//
//	client, err := portier.New("https://app.example/callback")
//	if err != nil { log.Fatal(err) }
//
//	// Begin a login. Persist req.Nonce against the user's session.
//	req, err := client.StartAuth(ctx, "user@example.com")
//	// redirect the browser to req.URL
//
//	// Later, in the redirect_uri handler:
//	identity, err := client.VerifyWithNonce(ctx, idToken, persistedNonce)
//
// VerifyWithNonce treats the nonce as an equality check only; making the
// nonce single-use is the application's responsibility. Applications
// that prefer the client to manage that can rely on the default
// in-memory nonce store and call Verify instead, or supply a shared
// store (see the store and store/redisstore packages) when running
// multiple workers.
//
// # Failure kinds
//
// Every failure is a distinct, enumerable kind (ErrMalformedToken,
// ErrSignature, ErrUnknownKey, a *ClaimError naming the failed claim,
// and so on), so applications can distinguish an expired token from a
// wrong audience or a bad signature in their own logging without being
// handed attacker-controlled detail strings. The signature is always
// verified before any claim is trusted.
//
// # Fetch capability
//
// All network access goes through a fetch.Fetcher supplied via
// WithFetcher. The default uses net/http; tests can substitute a fake
// (see portiertest) for fully offline, deterministic verification.
package portier
