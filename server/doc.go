// Package server implements the authorization server core.
//
// It covers the authorization code flow with PKCE, client credentials and
// refresh token rotation, plus the OpenID Connect pieces that sit on top
// (ID tokens, userinfo claims, sessions and consent). HTTP handling is left
// to the root package; every operation here takes a context and returns a
// *Error whose Code and Status map directly onto an OAuth error response.
//
// The Server type delegates to specialized pieces:
//   - ClientRegistry: cached client lookup and constant-cost authentication
//   - Codes: single-use authorization codes, consumed atomically by the store
//   - Tokens: opaque or EdDSA JWT access tokens, rotating refresh tokens
//   - Grants: one variant per grant_type, dispatched by Exchange
//   - Sessions and consent: gate whether Authorize can issue a code
//   - Revocation and introspection: RFC 7009 / RFC 7662 semantics
//
// State transitions that must happen exactly once (code redemption, refresh
// rotation, revocation) are conditional updates inside the store. Store calls
// run under Config.StoreTimeout; reads are retried on transient failures,
// writes are not.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	keys, _ := signing.NewKeyRing(24 * time.Hour)
//
//	srv, err := server.New(store, keys, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	grant, err := server.ParseGrant(r.PostForm.Get("grant_type"), r.PostForm)
//	tokens, err := srv.Exchange(ctx, server.ClientAuth{ClientID: id, ClientSecret: secret}, grant)
package server
