package application

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
	"github.com/landonking-gif/lecoder-cgpu/internal/ports"
)

// prefixMatchMinLength is the shortest identifier accepted for prefix
// lookup; anything shorter must match a full id exactly.
const prefixMatchMinLength = 4

// SessionService is the registry: persisted session bookkeeping, tier
// limits, staleness sweeps and active-session selection. It never holds
// network connections.
//
// mu serializes the read-modify-write sequences (list then replace or
// save); the repository lock only covers single calls, so without it two
// concurrent creates could both pass the tier check.
type SessionService struct {
	repo  ports.SessionRepository
	clock ports.Clock
	tier  domain.Tier
	mu    sync.Mutex
}

func NewSessionService(repo ports.SessionRepository, clock ports.Clock, tier domain.Tier) *SessionService {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &SessionService{repo: repo, clock: clock, tier: tier}
}

func (s *SessionService) Tier() domain.Tier { return s.tier }

// Create persists a new session record, enforcing the tier ceiling.
func (s *SessionService) Create(ctx context.Context, session domain.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("validate session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(existing) >= s.tier.MaxSessions() {
		return domain.NewClassified(domain.CategoryResource, domain.CodeSessionLimit,
			fmt.Sprintf("session limit reached (%d/%d for %s tier)", len(existing), s.tier.MaxSessions(), s.tier),
			domain.ErrSessionLimit)
	}

	if err := s.repo.Save(ctx, session); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SessionService) Get(ctx context.Context, id string) (domain.Session, error) {
	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// Find resolves an identifier to exactly one session. Full ids always match
// exactly; otherwise the identifier is tried as a label, and identifiers of
// at least four characters additionally as id prefixes. An identifier
// matching several records is an error naming every candidate rather than a
// silent pick.
func (s *SessionService) Find(ctx context.Context, identifier string) (domain.Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return domain.Session{}, domain.NewClassified(domain.CategoryNotFound, 0,
			"session identifier is empty", domain.ErrSessionNotFound)
	}

	sessions, err := s.repo.List(ctx)
	if err != nil {
		return domain.Session{}, fmt.Errorf("list sessions: %w", err)
	}

	for _, session := range sessions {
		if session.ID == identifier {
			return session, nil
		}
	}

	var matches []domain.Session
	for _, session := range sessions {
		if session.Label != "" && session.Label == identifier {
			matches = append(matches, session)
			continue
		}
		if len(identifier) >= prefixMatchMinLength && strings.HasPrefix(session.ID, identifier) {
			matches = append(matches, session)
		}
	}

	switch len(matches) {
	case 0:
		return domain.Session{}, s.notFound(identifier)
	case 1:
		return matches[0], nil
	default:
		shortIDs := make([]string, 0, len(matches))
		for _, match := range matches {
			shortIDs = append(shortIDs, match.ShortID())
		}
		sort.Strings(shortIDs)
		return domain.Session{}, domain.NewClassified(domain.CategoryAmbiguous, 0,
			fmt.Sprintf("identifier %q matches multiple sessions: %s", identifier, strings.Join(shortIDs, ", ")),
			domain.ErrAmbiguousSession)
	}
}

func (s *SessionService) notFound(identifier string) error {
	return domain.NewClassified(domain.CategoryNotFound, 0,
		fmt.Sprintf("no session matches %q", identifier), domain.ErrSessionNotFound)
}

// SessionView is a record enriched with its computed display status.
type SessionView struct {
	domain.Session
	Status domain.SessionStatus
}

func (s *SessionService) List(ctx context.Context) ([]SessionView, error) {
	sessions, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := s.clock.Now()
	views := make([]SessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, SessionView{Session: session, Status: domain.ComputeStatus(session, now)})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].CreatedAt.Before(views[j].CreatedAt) })
	return views, nil
}

// SetActive makes the target session the single active one. The flip is one
// repository write, so it is never observable half-applied.
func (s *SessionService) SetActive(ctx context.Context, id string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.Find(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}

	sessions, err := s.repo.List(ctx)
	if err != nil {
		return domain.Session{}, fmt.Errorf("list sessions: %w", err)
	}

	now := s.clock.Now()
	var switched domain.Session
	for i := range sessions {
		active := sessions[i].ID == target.ID
		sessions[i].IsActive = active
		if active {
			sessions[i].LastUsedAt = now
			switched = sessions[i]
		}
	}

	if err := s.repo.Replace(ctx, sessions); err != nil {
		return domain.Session{}, fmt.Errorf("persist active flag: %w", err)
	}
	return switched, nil
}

// Active returns the currently selected session, if any.
func (s *SessionService) Active(ctx context.Context) (domain.Session, bool, error) {
	sessions, err := s.repo.List(ctx)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("list sessions: %w", err)
	}
	for _, session := range sessions {
		if session.IsActive {
			return session, true, nil
		}
	}
	return domain.Session{}, false, nil
}

// RecordOutcome refreshes the persisted kernel state and lastUsedAt after an
// execution attempt. Failed attempts still count: they occurred.
func (s *SessionService) RecordOutcome(ctx context.Context, id string, state domain.KernelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	session.KernelState = state
	session.LastUsedAt = s.clock.Now()
	if err := s.repo.Save(ctx, session); err != nil {
		return fmt.Errorf("save session outcome: %w", err)
	}
	return nil
}

func (s *SessionService) Rename(ctx context.Context, id, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.Find(ctx, id)
	if err != nil {
		return err
	}
	session.Label = label
	if err := s.repo.Save(ctx, session); err != nil {
		return fmt.Errorf("save session label: %w", err)
	}
	return nil
}

func (s *SessionService) Remove(ctx context.Context, id string) error {
	return s.repo.Remove(ctx, id)
}

// Stats aggregates counts by computed status. Pure over stored records and
// the clock; no network calls.
type Stats struct {
	Total       int `json:"total"`
	Connected   int `json:"connected"`
	Active      int `json:"active"`
	Stale       int `json:"stale"`
	Unknown     int `json:"unknown"`
	MaxSessions int `json:"max_sessions"`
}

func (s *SessionService) Stats(ctx context.Context) (Stats, error) {
	views, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Total: len(views), MaxSessions: s.tier.MaxSessions()}
	for _, view := range views {
		switch view.Status {
		case domain.StatusConnected:
			stats.Connected++
		case domain.StatusActive:
			stats.Active++
		case domain.StatusStale:
			stats.Stale++
		default:
			stats.Unknown++
		}
	}
	return stats, nil
}

// CleanStale removes every record whose computed status is stale and returns
// exactly the removed set. Residual and cleaned sets never overlap: the
// partition and the write happen against one snapshot.
func (s *SessionService) CleanStale(ctx context.Context) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	now := s.clock.Now()
	var cleaned []domain.Session
	remaining := make([]domain.Session, 0, len(sessions))
	for _, session := range sessions {
		if domain.ComputeStatus(session, now) == domain.StatusStale {
			cleaned = append(cleaned, session)
			continue
		}
		remaining = append(remaining, session)
	}

	if len(cleaned) == 0 {
		return nil, nil
	}
	if err := s.repo.Replace(ctx, remaining); err != nil {
		return nil, fmt.Errorf("persist stale sweep: %w", err)
	}
	return cleaned, nil
}
