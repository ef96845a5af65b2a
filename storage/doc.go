// Package storage provides the persistence contracts of the authorization server.
//
// The interfaces are:
//   - ClientStore: registered OAuth clients
//   - CodeStore: single-use authorization codes with atomic consume
//   - TokenStore: access and refresh token records with compare-and-set revocation
//   - SessionStore: authenticated end-user sessions
//   - ConsentStore: scopes granted per subject and client
//
// Every state transition that guards against replay (consuming a code, rotating a
// refresh token, revoking a token) is a single conditional update inside the
// backend. Implementations never read, decide and write in separate steps.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development, tests and single instances
//   - storage/valkey: Valkey storage, atomic paths implemented as Lua scripts
//   - storage/postgres: PostgreSQL storage via pgx, atomic paths as conditional UPDATEs
//   - storage/redis: Redis session and consent storage via go-redis
//   - storage/mock: wrappers that inject failures for tests
package storage
