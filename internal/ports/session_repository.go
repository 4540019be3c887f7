package ports

import (
	"context"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

// SessionRepository is the persisted session record store. It is the single
// source of truth for session metadata; channel objects are never persisted.
type SessionRepository interface {
	GetByID(ctx context.Context, id string) (domain.Session, error)
	List(ctx context.Context) ([]domain.Session, error)
	Save(ctx context.Context, session domain.Session) error
	// Replace swaps the full record set in one write, so multi-record
	// updates (active-flag flips, stale sweeps) are never observable
	// half-applied.
	Replace(ctx context.Context, sessions []domain.Session) error
	Remove(ctx context.Context, id string) error
}
