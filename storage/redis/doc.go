// Package redis provides a Redis-backed SessionStore and ConsentStore.
//
// Browser sessions and consent records are the only state that must be shared
// between replicas serving the login pages; clients, codes and tokens can live in
// another backend. Combine them with storage.Composite.
//
// Key schema (all keys carry the configured prefix):
//
//	session:{id}                JSON session, expires with the session
//	consent:{subject}:{client}  hash with "scope" and "granted_at"
//
// Consent grants are merged by a Lua script so two concurrent grants for the
// same subject and client never lose scopes.
package redis
