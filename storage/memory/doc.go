// Package memory provides an in-memory implementation of every storage interface.
//
// All state lives in maps guarded by a single sync.RWMutex, so each
// conditional transition (code consume, refresh rotation, revocation) is one
// critical section. It is suitable for development, testing and
// single-instance deployments where persistence is not required.
//
// Features:
//   - Automatic cleanup of expired codes, tokens and sessions
//   - Configurable cleanup intervals
//   - OpenTelemetry spans and storage size gauges via SetInstrumentation
//
// For multi-instance deployments use storage/valkey or storage/postgres.
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, cfg, logger)
package memory
