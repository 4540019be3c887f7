package ports

import "context"

// TokenProvider supplies a currently-valid bearer token for an account,
// refreshing on demand. Implementations must be safe for concurrent use:
// overlapping refresh triggers for the same account must collapse into one
// in-flight refresh.
//
// Callers must fetch immediately before every connection attempt rather than
// caching across attempts; a stale token surfaces as a 404/401 at the
// transport layer that is otherwise indistinguishable from a missing
// endpoint.
type TokenProvider interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}
