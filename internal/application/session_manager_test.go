package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
	"github.com/landonking-gif/lecoder-cgpu/internal/kernel"
)

type fakeChannel struct {
	mu          sync.Mutex
	state       kernel.State
	kernelState domain.KernelState
	connectErr  error
	execErr     error
	result      domain.ExecutionResult
	execDelay   time.Duration

	connects  atomic.Int32
	executes  atomic.Int32
	closed    atomic.Bool
	inFlight  atomic.Int32
	overlapped atomic.Bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		state:       kernel.StateIdle,
		kernelState: domain.KernelIdle,
		result:      domain.ExecutionResult{Success: true},
	}
}

func (f *fakeChannel) Connect(context.Context) error {
	f.connects.Add(1)
	return f.connectErr
}

func (f *fakeChannel) Execute(_ context.Context, _ domain.ExecutionRequest) (domain.ExecutionResult, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlapped.Store(true)
	}
	defer f.inFlight.Add(-1)
	f.executes.Add(1)
	if f.execDelay > 0 {
		time.Sleep(f.execDelay)
	}
	return f.result, f.execErr
}

func (f *fakeChannel) Close() error {
	f.closed.Store(true)
	f.mu.Lock()
	f.state = kernel.StateDisconnected
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) State() kernel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) KernelState() domain.KernelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kernelState
}

type fakeProvisioner struct {
	assigns  atomic.Int32
	releases []string
	mu       sync.Mutex
	err      error
}

func (p *fakeProvisioner) Assign(_ context.Context, variant domain.Variant, accelerator string) (domain.Runtime, error) {
	if p.err != nil {
		return domain.Runtime{}, p.err
	}
	n := p.assigns.Add(1)
	if accelerator == "" {
		accelerator = "T4"
	}
	return domain.Runtime{
		ID:          "rt-" + string(variant) + "-" + string(rune('0'+n)),
		Accelerator: accelerator,
		Endpoint:    "wss://kernel.example/rt",
		ExpiresAt:   time.Now().Add(12 * time.Hour),
	}, nil
}

func (p *fakeProvisioner) Release(_ context.Context, runtimeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases = append(p.releases, runtimeID)
	return nil
}

func newTestManager(t *testing.T, repo *memRepo, tier domain.Tier, channels map[string]*fakeChannel, fallback *fakeChannel) (*SessionManager, *fakeProvisioner) {
	t.Helper()

	provisioner := &fakeProvisioner{}
	manager := NewSessionManager(ManagerConfig{
		Sessions:    NewSessionService(repo, nil, tier),
		Provisioner: provisioner,
		Retry:       domain.DefaultRetryPolicy(),
		NewChannel: func(session domain.Session) execChannel {
			if ch, ok := channels[session.ID]; ok {
				return ch
			}
			return fallback
		},
	})
	return manager, provisioner
}

func TestCreateSessionPersistsAndConnects(t *testing.T) {
	t.Parallel()

	repo := &memRepo{}
	fallback := newFakeChannel()
	manager, _ := newTestManager(t, repo, domain.TierFree, nil, fallback)

	view, err := manager.CreateSession(context.Background(), "train", domain.VariantGPU, "A100")
	require.NoError(t, err)
	assert.Equal(t, "train", view.Label)
	assert.Equal(t, domain.VariantGPU, view.Variant)
	assert.True(t, view.IsActive, "first session becomes active")
	assert.Equal(t, int32(1), fallback.connects.Load())

	stored, err := repo.GetByID(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.KernelIdle, stored.KernelState)
}

func TestCreateSessionReleasesRuntimeWhenTierFull(t *testing.T) {
	t.Parallel()

	repo := &memRepo{sessions: []domain.Session{testSession("aaaa0000-0000-4000-8000-000000000001")}}
	fallback := newFakeChannel()
	manager, provisioner := newTestManager(t, repo, domain.TierFree, nil, fallback)

	_, err := manager.CreateSession(context.Background(), "", domain.VariantGPU, "")
	require.ErrorIs(t, err, domain.ErrSessionLimit)

	provisioner.mu.Lock()
	defer provisioner.mu.Unlock()
	assert.Len(t, provisioner.releases, 1, "orphaned runtime must be released")
}

func TestRunOnUpdatesLastUsedAtEvenOnFailure(t *testing.T) {
	t.Parallel()

	session := testSession("aaaa0000-0000-4000-8000-000000000001")
	session.LastUsedAt = time.Now().Add(-time.Hour)
	repo := &memRepo{sessions: []domain.Session{session}}

	channel := newFakeChannel()
	channel.execErr = domain.NewClassified(domain.CategoryTransient, domain.CodeConnectionTimeout, "execution timed out", nil)
	channel.kernelState = domain.KernelIdle

	manager, _ := newTestManager(t, repo, domain.TierFree, map[string]*fakeChannel{session.ID: channel}, nil)

	before := time.Now()
	_, err := manager.RunOn(context.Background(), session.ID, domain.ExecutionRequest{Code: "1"})
	require.Error(t, err)

	stored, err := repo.GetByID(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, stored.LastUsedAt.Before(before), "failed attempt still bumps lastUsedAt")
}

func TestRunOnSerializesPerSession(t *testing.T) {
	t.Parallel()

	session := testSession("aaaa0000-0000-4000-8000-000000000001")
	repo := &memRepo{sessions: []domain.Session{session}}

	channel := newFakeChannel()
	channel.execDelay = 20 * time.Millisecond
	manager, _ := newTestManager(t, repo, domain.TierFree, map[string]*fakeChannel{session.ID: channel}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = manager.RunOn(context.Background(), session.ID, domain.ExecutionRequest{Code: "1"})
		}()
	}
	wg.Wait()

	assert.False(t, channel.overlapped.Load(), "executions against one session must never interleave")
	assert.Equal(t, int32(8), channel.executes.Load())
}

func TestRunOnResolvesActiveSessionWhenUnnamed(t *testing.T) {
	t.Parallel()

	session := testSession("aaaa0000-0000-4000-8000-000000000001")
	session.IsActive = true
	repo := &memRepo{sessions: []domain.Session{session}}
	channel := newFakeChannel()
	channel.result = domain.ExecutionResult{Success: true, Value: "ok"}
	manager, _ := newTestManager(t, repo, domain.TierFree, map[string]*fakeChannel{session.ID: channel}, nil)

	result, err := manager.RunOn(context.Background(), "", domain.ExecutionRequest{Code: "1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Value)
}

func TestRunOnWithoutActiveSessionIsNotFound(t *testing.T) {
	t.Parallel()

	manager, _ := newTestManager(t, &memRepo{}, domain.TierFree, nil, newFakeChannel())

	_, err := manager.RunOn(context.Background(), "", domain.ExecutionRequest{Code: "1"})
	require.Error(t, err)
	classified, ok := domain.AsClassified(err)
	require.True(t, ok)
	assert.Equal(t, domain.CategoryNotFound, classified.Category)
}

func TestRunOnReconnectsDisconnectedChannel(t *testing.T) {
	t.Parallel()

	session := testSession("aaaa0000-0000-4000-8000-000000000001")
	repo := &memRepo{sessions: []domain.Session{session}}
	channel := newFakeChannel()
	manager, _ := newTestManager(t, repo, domain.TierFree, map[string]*fakeChannel{session.ID: channel}, nil)

	_, err := manager.RunOn(context.Background(), session.ID, domain.ExecutionRequest{Code: "1"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), channel.connects.Load())

	// Simulate an ambient drop: next run must transparently redial rather
	// than surfacing a reconnect-required error.
	channel.mu.Lock()
	channel.state = kernel.StateDisconnected
	channel.mu.Unlock()

	_, err = manager.RunOn(context.Background(), session.ID, domain.ExecutionRequest{Code: "2"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), channel.connects.Load())
}

func TestDeleteSessionReleasesChannelButNotRuntime(t *testing.T) {
	t.Parallel()

	session := testSession("aaaa0000-0000-4000-8000-000000000001")
	repo := &memRepo{sessions: []domain.Session{session}}
	channel := newFakeChannel()
	manager, provisioner := newTestManager(t, repo, domain.TierFree, map[string]*fakeChannel{session.ID: channel}, nil)

	_, err := manager.RunOn(context.Background(), session.ID, domain.ExecutionRequest{Code: "1"})
	require.NoError(t, err)

	deleted, err := manager.DeleteSession(context.Background(), "aaaa0000")
	require.NoError(t, err)
	assert.Equal(t, session.ID, deleted.ID)
	assert.True(t, channel.closed.Load())

	provisioner.mu.Lock()
	defer provisioner.mu.Unlock()
	assert.Empty(t, provisioner.releases, "delete is local-only; remote teardown is Disconnect's job")

	_, err = repo.GetByID(context.Background(), session.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestDisconnectReleasesRuntime(t *testing.T) {
	t.Parallel()

	session := testSession("aaaa0000-0000-4000-8000-000000000001")
	repo := &memRepo{sessions: []domain.Session{session}}
	manager, provisioner := newTestManager(t, repo, domain.TierFree, nil, newFakeChannel())

	_, err := manager.Disconnect(context.Background(), session.ID)
	require.NoError(t, err)

	provisioner.mu.Lock()
	defer provisioner.mu.Unlock()
	assert.Equal(t, []string{session.Runtime.ID}, provisioner.releases)
}

func TestCleanStaleSessionsDropsChannels(t *testing.T) {
	t.Parallel()

	now := time.Now()
	stale := testSession("aaaa0000-0000-4000-8000-000000000001")
	stale.KernelState = domain.KernelDead
	healthy := testSession("bbbb0000-0000-4000-8000-000000000002")
	healthy.LastUsedAt = now

	repo := &memRepo{sessions: []domain.Session{stale, healthy}}
	staleChannel := newFakeChannel()
	healthyChannel := newFakeChannel()
	manager, _ := newTestManager(t, repo, domain.TierPro, map[string]*fakeChannel{
		stale.ID:   staleChannel,
		healthy.ID: healthyChannel,
	}, nil)

	// Warm both channels into the cache.
	_, err := manager.RunOn(context.Background(), healthy.ID, domain.ExecutionRequest{Code: "1"})
	require.NoError(t, err)

	cleaned, err := manager.CleanStaleSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, cleaned, 1)
	assert.Equal(t, stale.ID, cleaned[0].ID)
	assert.False(t, healthyChannel.closed.Load())

	stats, err := manager.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Stale)
}

func TestCreateSessionWarnsOnceForIgnoredAccelerator(t *testing.T) {
	t.Parallel()

	repo := &memRepo{}
	warnings := NewWarnCache(8)
	provisioner := &fakeProvisioner{}
	fallback := newFakeChannel()
	manager := NewSessionManager(ManagerConfig{
		Sessions:    NewSessionService(repo, nil, domain.TierPremium),
		Provisioner: provisioner,
		Warnings:    warnings,
		NewChannel:  func(domain.Session) execChannel { return fallback },
	})

	_, err := manager.CreateSession(context.Background(), "a", domain.VariantTPU, "A100")
	require.NoError(t, err)
	assert.False(t, warnings.ShouldWarn("accelerator-ignored:tpu:A100", time.Now()),
		"the combination must already be marked warned")
}
