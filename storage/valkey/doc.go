// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a key-value store that is wire-compatible with Redis. The Store
// type implements every storage interface, so several server instances can
// share clients, codes, tokens, sessions and consent.
//
// # Key Schema
//
// All keys use a configurable prefix (default "authserver:"):
//
//	{prefix}client:{clientID}             -> JSON(Client)
//	{prefix}code:{fingerprint}            -> HASH data=JSON used compromised
//	{prefix}token:{tokenID}               -> HASH data=JSON revoked revoked_at
//	{prefix}idx:grant:{grantID}           -> SET of tokenIDs
//	{prefix}idx:parent:{tokenID}          -> SET of tokenIDs
//	{prefix}idx:session:{sessionID}       -> SET of tokenIDs
//	{prefix}idx:subject:{subjectID}       -> SET of tokenIDs
//	{prefix}session:{sessionID}           -> JSON(Session)
//	{prefix}consent:{subjectID}:{client}  -> HASH scope granted_at
//
// Codes, tokens and sessions carry a TTL of their own lifetime plus
// Config.ExpiredRetention, so a replayed code or rotated refresh token is
// still recognised for a while after it expires.
//
// # Atomic Operations
//
// Marking a code used, revoking a token and merging consent scopes each run as
// a single Lua script. The scripts only touch the small state fields of a
// hash; the JSON record itself never changes after it is written, which lets
// the PKCE and client checks run in Go before the state transition.
//
// The scripts touch more than one key when saving tokens (record plus index
// sets), so Valkey Cluster deployments are not supported.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "authserver:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// Only fingerprints of codes and opaque tokens are stored, never the values
// handed to clients.
package valkey
