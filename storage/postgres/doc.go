// Package postgres provides a PostgreSQL storage backend built on pgx.
//
// Store implements every storage interface and identity.UserStore, so a
// single database can hold clients, codes, tokens, sessions, consent and
// end users. Conditional transitions (code consume, refresh rotation, consent
// merge) lock the affected row with SELECT ... FOR UPDATE inside a
// transaction; bulk revocation is a single UPDATE.
//
// Usage:
//
//	store, err := postgres.New(ctx, postgres.Config{DSN: os.Getenv("AUTHSERVER_POSTGRES_DSN")})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//	if err := store.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Expired rows are not removed automatically; call DeleteExpired periodically.
package postgres
