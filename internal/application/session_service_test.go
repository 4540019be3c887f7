package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

type memRepo struct {
	mu       sync.Mutex
	sessions []domain.Session
}

func (r *memRepo) GetByID(_ context.Context, id string) (domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, session := range r.sessions {
		if session.ID == id {
			return session, nil
		}
	}
	return domain.Session{}, domain.ErrSessionNotFound
}

func (r *memRepo) List(_ context.Context) ([]domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Session, len(r.sessions))
	copy(out, r.sessions)
	return out, nil
}

func (r *memRepo) Save(_ context.Context, session domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sessions {
		if r.sessions[i].ID == session.ID {
			r.sessions[i] = session
			return nil
		}
	}
	r.sessions = append(r.sessions, session)
	return nil
}

func (r *memRepo) Replace(_ context.Context, sessions []domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make([]domain.Session, len(sessions))
	copy(r.sessions, sessions)
	return nil
}

func (r *memRepo) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sessions {
		if r.sessions[i].ID == id {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return nil
		}
	}
	return domain.ErrSessionNotFound
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testSession(id string) domain.Session {
	return domain.Session{
		ID:          id,
		Label:       "test",
		Variant:     domain.VariantGPU,
		Runtime:     domain.Runtime{ID: "rt-" + id, Accelerator: "T4", Endpoint: "wss://kernel.example/" + id},
		KernelState: domain.KernelIdle,
		CreatedAt:   time.Now(),
		LastUsedAt:  time.Now(),
	}
}

func TestCreateEnforcesTierLimit(t *testing.T) {
	t.Parallel()

	repo := &memRepo{}
	svc := NewSessionService(repo, nil, domain.TierPro)

	require.NoError(t, svc.Create(context.Background(), testSession("aaaa1111-0000-4000-8000-000000000001")))
	require.NoError(t, svc.Create(context.Background(), testSession("aaaa1111-0000-4000-8000-000000000002")))

	err := svc.Create(context.Background(), testSession("aaaa1111-0000-4000-8000-000000000003"))
	require.Error(t, err)
	classified, ok := domain.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryResource, classified.Category)
	assert.Equal(t, domain.CodeSessionLimit, classified.Code)
	assert.ErrorIs(t, err, domain.ErrSessionLimit)
}

func TestConcurrentCreatesRespectTierLimit(t *testing.T) {
	t.Parallel()

	repo := &memRepo{}
	svc := NewSessionService(repo, nil, domain.TierPremium)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("aaaa1111-0000-4000-8000-%012d", i)
			errs[i] = svc.Create(context.Background(), testSession(id))
		}()
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrSessionLimit)
	}
	assert.Equal(t, domain.TierPremium.MaxSessions(), created)

	stored, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, stored, domain.TierPremium.MaxSessions())
}

func TestFindPrefixMatching(t *testing.T) {
	t.Parallel()

	repo := &memRepo{sessions: []domain.Session{
		testSession("abcd1234-0000-4000-8000-000000000001"),
		testSession("abcd5678-0000-4000-8000-000000000002"),
		testSession("ffff0000-0000-4000-8000-000000000003"),
	}}
	svc := NewSessionService(repo, nil, domain.TierPremium)

	tests := []struct {
		name         string
		identifier   string
		wantID       string
		wantCategory domain.ErrorCategory
	}{
		{name: "exact match", identifier: "ffff0000-0000-4000-8000-000000000003", wantID: "ffff0000-0000-4000-8000-000000000003"},
		{name: "unique prefix", identifier: "abcd1234", wantID: "abcd1234-0000-4000-8000-000000000001"},
		{name: "ambiguous prefix", identifier: "abcd", wantCategory: domain.CategoryAmbiguous},
		{name: "short identifier never prefix-matches", identifier: "fff", wantCategory: domain.CategoryNotFound},
		{name: "unknown prefix", identifier: "dead9999", wantCategory: domain.CategoryNotFound},
		{name: "empty identifier", identifier: "  ", wantCategory: domain.CategoryNotFound},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			session, err := svc.Find(context.Background(), tc.identifier)
			if tc.wantCategory == "" {
				require.NoError(t, err)
				assert.Equal(t, tc.wantID, session.ID)
				return
			}
			require.Error(t, err)
			classified, ok := domain.AsClassified(err)
			require.True(t, ok)
			assert.Equal(t, tc.wantCategory, classified.Category)
		})
	}
}

func TestFindResolvesLabels(t *testing.T) {
	t.Parallel()

	training := testSession("abcd1234-0000-4000-8000-000000000001")
	training.Label = "training"
	scratch := testSession("ffff0000-0000-4000-8000-000000000002")
	scratch.Label = "ml"
	unlabeled := testSession("dddd0000-0000-4000-8000-000000000003")
	unlabeled.Label = ""
	repo := &memRepo{sessions: []domain.Session{training, scratch, unlabeled}}
	svc := NewSessionService(repo, nil, domain.TierPremium)

	session, err := svc.Find(context.Background(), "training")
	require.NoError(t, err)
	assert.Equal(t, training.ID, session.ID)

	// Labels match even below the id-prefix minimum length.
	session, err = svc.Find(context.Background(), "ml")
	require.NoError(t, err)
	assert.Equal(t, scratch.ID, session.ID)

	// An empty identifier never resolves the unlabeled session.
	_, err = svc.Find(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestFindDuplicateLabelIsAmbiguous(t *testing.T) {
	t.Parallel()

	first := testSession("abcd1234-0000-4000-8000-000000000001")
	first.Label = "batch"
	second := testSession("ffff0000-0000-4000-8000-000000000002")
	second.Label = "batch"
	repo := &memRepo{sessions: []domain.Session{first, second}}
	svc := NewSessionService(repo, nil, domain.TierPremium)

	_, err := svc.Find(context.Background(), "batch")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAmbiguousSession)
	assert.ErrorContains(t, err, "abcd1234")
	assert.ErrorContains(t, err, "ffff0000")
}

func TestFindAmbiguousNamesAllMatches(t *testing.T) {
	t.Parallel()

	repo := &memRepo{sessions: []domain.Session{
		testSession("abcd1234-0000-4000-8000-000000000001"),
		testSession("abcd5678-0000-4000-8000-000000000002"),
	}}
	svc := NewSessionService(repo, nil, domain.TierPremium)

	_, err := svc.Find(context.Background(), "abcd")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAmbiguousSession)
	assert.ErrorContains(t, err, "abcd1234")
	assert.ErrorContains(t, err, "abcd5678")
}

func TestSetActiveIsExclusive(t *testing.T) {
	t.Parallel()

	first := testSession("aaaa0000-0000-4000-8000-000000000001")
	first.IsActive = true
	second := testSession("bbbb0000-0000-4000-8000-000000000002")
	repo := &memRepo{sessions: []domain.Session{first, second}}
	svc := NewSessionService(repo, nil, domain.TierPremium)

	switched, err := svc.SetActive(context.Background(), "bbbb0000")
	require.NoError(t, err)
	assert.Equal(t, second.ID, switched.ID)

	views, err := svc.List(context.Background())
	require.NoError(t, err)
	activeCount := 0
	for _, view := range views {
		if view.IsActive {
			activeCount++
			assert.Equal(t, second.ID, view.ID)
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestConcurrentSwitchesLeaveExactlyOneActive(t *testing.T) {
	t.Parallel()

	ids := []string{
		"aaaa0000-0000-4000-8000-000000000001",
		"bbbb0000-0000-4000-8000-000000000002",
		"cccc0000-0000-4000-8000-000000000003",
	}
	repo := &memRepo{}
	for _, id := range ids {
		repo.sessions = append(repo.sessions, testSession(id))
	}
	svc := NewSessionService(repo, nil, domain.TierPremium)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = svc.SetActive(context.Background(), ids[i%len(ids)])
		}(i)
	}
	wg.Wait()

	views, err := svc.List(context.Background())
	require.NoError(t, err)
	activeCount := 0
	for _, view := range views {
		if view.IsActive {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestCleanStaleThenStatsReportsZeroStale(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)

	healthy := testSession("aaaa0000-0000-4000-8000-000000000001")
	healthy.LastUsedAt = now.Add(-time.Minute)

	dead := testSession("bbbb0000-0000-4000-8000-000000000002")
	dead.KernelState = domain.KernelDead

	expired := testSession("cccc0000-0000-4000-8000-000000000003")
	expired.Runtime.ExpiresAt = now.Add(-time.Hour)

	repo := &memRepo{sessions: []domain.Session{healthy, dead, expired}}
	svc := NewSessionService(repo, fixedClock{now: now}, domain.TierPremium)

	cleaned, err := svc.CleanStale(context.Background())
	require.NoError(t, err)

	cleanedIDs := make([]string, 0, len(cleaned))
	for _, session := range cleaned {
		cleanedIDs = append(cleanedIDs, session.ID)
	}
	assert.ElementsMatch(t, []string{dead.ID, expired.ID}, cleanedIDs)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Stale)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 3, stats.MaxSessions)

	// Nothing cleaned may remain behind.
	views, err := svc.List(context.Background())
	require.NoError(t, err)
	for _, view := range views {
		assert.NotContains(t, cleanedIDs, view.ID)
	}
}

func TestRecordOutcomeUpdatesLastUsedAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	session := testSession("aaaa0000-0000-4000-8000-000000000001")
	session.LastUsedAt = now.Add(-time.Hour)
	repo := &memRepo{sessions: []domain.Session{session}}
	svc := NewSessionService(repo, fixedClock{now: now}, domain.TierFree)

	require.NoError(t, svc.RecordOutcome(context.Background(), session.ID, domain.KernelDisconnected))

	got, err := svc.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KernelDisconnected, got.KernelState)
	assert.Equal(t, now, got.LastUsedAt)
}

func TestStatsCountsByComputedStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)

	sessions := make([]domain.Session, 0, 3)
	active := testSession("aaaa0000-0000-4000-8000-000000000001")
	active.IsActive = true
	active.LastUsedAt = now
	sessions = append(sessions, active)

	connected := testSession("bbbb0000-0000-4000-8000-000000000002")
	connected.LastUsedAt = now
	sessions = append(sessions, connected)

	stale := testSession("cccc0000-0000-4000-8000-000000000003")
	stale.KernelState = domain.KernelInitFailed
	sessions = append(sessions, stale)

	repo := &memRepo{sessions: sessions}
	svc := NewSessionService(repo, fixedClock{now: now}, domain.TierPremium)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Connected: 1, Active: 1, Stale: 1, MaxSessions: 3}, stats)
}

func TestWarnCacheWarnsOncePerKey(t *testing.T) {
	t.Parallel()

	cache := NewWarnCache(2)
	now := time.Now()

	assert.True(t, cache.ShouldWarn("a", now))
	assert.False(t, cache.ShouldWarn("a", now))
	assert.True(t, cache.ShouldWarn("b", now.Add(time.Second)))

	// Bounded: inserting past capacity evicts the oldest key, which may then
	// warn again.
	assert.True(t, cache.ShouldWarn("c", now.Add(2*time.Second)))
	assert.True(t, cache.ShouldWarn("a", now.Add(3*time.Second)))
}

func fmtID(i int) string {
	return fmt.Sprintf("%04d0000-0000-4000-8000-000000000000", i)
}

func TestCreateAllowsUpToLimitExactly(t *testing.T) {
	t.Parallel()

	repo := &memRepo{}
	svc := NewSessionService(repo, nil, domain.TierPremium)

	for i := 1; i <= domain.TierPremium.MaxSessions(); i++ {
		require.NoError(t, svc.Create(context.Background(), testSession(fmtID(i))))
	}
	err := svc.Create(context.Background(), testSession(fmtID(99)))
	assert.ErrorIs(t, err, domain.ErrSessionLimit)
}
