package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
	"github.com/landonking-gif/lecoder-cgpu/internal/kernel"
	"github.com/landonking-gif/lecoder-cgpu/internal/ports"
)

// execChannel is the slice of kernel.Channel the manager depends on; tests
// substitute fakes.
type execChannel interface {
	Connect(ctx context.Context) error
	Execute(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error)
	Close() error
	State() kernel.State
	KernelState() domain.KernelState
}

// ChannelFactory builds a channel for a session's runtime endpoint.
type ChannelFactory func(session domain.Session) execChannel

type ManagerConfig struct {
	Sessions    *SessionService
	Tokens      ports.TokenProvider
	Provisioner ports.RuntimeProvisioner
	Retry       domain.RetryPolicy
	Clock       ports.Clock
	AccountID   string
	Logger      *slog.Logger
	Warnings    *WarnCache

	// NewChannel overrides channel construction, used by tests.
	NewChannel ChannelFactory
}

// SessionManager orchestrates the registry and the kernel channels. Channels
// are a volatile in-memory cache keyed by session id; a process restart
// starts with zero open channels and reconnects lazily on first use.
type SessionManager struct {
	sessions    *SessionService
	provisioner ports.RuntimeProvisioner
	clock       ports.Clock
	logger      *slog.Logger
	warnings    *WarnCache
	newChannel  ChannelFactory

	mu       sync.Mutex
	channels map[string]execChannel
	locks    map[string]*sync.Mutex
}

func NewSessionManager(cfg ManagerConfig) *SessionManager {
	if cfg.Clock == nil {
		cfg.Clock = ports.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Warnings == nil {
		cfg.Warnings = NewWarnCache(64)
	}

	m := &SessionManager{
		sessions:    cfg.Sessions,
		provisioner: cfg.Provisioner,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("component", "session.manager"),
		warnings:    cfg.Warnings,
		newChannel:  cfg.NewChannel,
		channels:    make(map[string]execChannel),
		locks:       make(map[string]*sync.Mutex),
	}
	if m.newChannel == nil {
		m.newChannel = func(session domain.Session) execChannel {
			return kernel.NewChannel(kernel.Config{
				SessionID: session.ID,
				AccountID: cfg.AccountID,
				Endpoint:  session.Runtime.Endpoint,
				Tokens:    cfg.Tokens,
				Retry:     cfg.Retry,
				Logger:    cfg.Logger,
			})
		}
	}
	return m
}

// CreateSession provisions a runtime, persists the record and opens its
// channel. The record survives a failed first connect with an init_failed
// kernel state, so a later reconnect can revive it instead of forcing a
// delete/recreate cycle.
func (m *SessionManager) CreateSession(ctx context.Context, label string, variant domain.Variant, accelerator string) (SessionView, error) {
	if accelerator != "" && variant != domain.VariantGPU {
		key := fmt.Sprintf("accelerator-ignored:%s:%s", variant, accelerator)
		if m.warnings.ShouldWarn(key, m.clock.Now()) {
			m.logger.Warn("accelerator selection ignored for non-gpu variant",
				"variant", variant, "accelerator", accelerator)
		}
		accelerator = ""
	}

	runtime, err := m.provisioner.Assign(ctx, variant, accelerator)
	if err != nil {
		return SessionView{}, fmt.Errorf("assign runtime: %w", err)
	}

	now := m.clock.Now()
	if label == "" {
		label = fmt.Sprintf("%s-%s", variant, runtime.Accelerator)
	}
	session := domain.Session{
		ID:          uuid.NewString(),
		Label:       label,
		Variant:     variant,
		Runtime:     runtime,
		KernelState: domain.KernelStarting,
		CreatedAt:   now,
		LastUsedAt:  now,
	}

	if _, active, err := m.sessions.Active(ctx); err == nil && !active {
		session.IsActive = true
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		if releaseErr := m.provisioner.Release(ctx, runtime.ID); releaseErr != nil {
			m.logger.Warn("release runtime after failed create", "runtime", runtime.ID, "error", releaseErr)
		}
		return SessionView{}, err
	}

	channel := m.newChannel(session)
	if err := channel.Connect(ctx); err != nil {
		_ = m.sessions.RecordOutcome(ctx, session.ID, domain.KernelInitFailed)
		return SessionView{}, fmt.Errorf("connect session %s: %w", session.ShortID(), err)
	}

	m.mu.Lock()
	m.channels[session.ID] = channel
	m.mu.Unlock()

	if err := m.sessions.RecordOutcome(ctx, session.ID, channel.KernelState()); err != nil {
		m.logger.Warn("record session state", "session", session.ShortID(), "error", err)
	}

	session.KernelState = channel.KernelState()
	return SessionView{Session: session, Status: domain.ComputeStatus(session, m.clock.Now())}, nil
}

// RunOn executes a request against the identified session, or the active one
// when identifier is empty. Executions on one session are serialized;
// distinct sessions run concurrently. If the cached channel is missing or
// disconnected the manager reconnects transparently, drawing on the same
// retry ceiling the connection attempt would have had; it never surfaces a
// bare "please reconnect" error.
func (m *SessionManager) RunOn(ctx context.Context, identifier string, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	session, err := m.resolve(ctx, identifier)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	lock := m.lockFor(session.ID)
	lock.Lock()
	defer lock.Unlock()

	channel, err := m.channelFor(ctx, session)
	if err != nil {
		state := domain.KernelDisconnected
		if session.KernelState == domain.KernelStarting {
			state = domain.KernelInitFailed
		}
		if recordErr := m.sessions.RecordOutcome(ctx, session.ID, state); recordErr != nil {
			m.logger.Warn("record failed connect", "session", session.ShortID(), "error", recordErr)
		}
		return domain.ExecutionResult{}, err
	}

	if req.Setup != "" {
		setupResult, err := channel.Execute(ctx, domain.ExecutionRequest{Code: req.Setup, Timeout: req.Timeout})
		if err != nil || setupResult.Error != nil {
			m.recordOutcome(ctx, session, channel)
			return setupResult, err
		}
	}

	result, err := channel.Execute(ctx, domain.ExecutionRequest{Code: req.Code, Timeout: req.Timeout})

	if req.Cleanup != "" {
		if _, cleanupErr := channel.Execute(ctx, domain.ExecutionRequest{Code: req.Cleanup, Timeout: req.Timeout}); cleanupErr != nil {
			m.logger.Warn("cleanup stage failed", "session", session.ShortID(), "error", cleanupErr)
		}
	}

	// The attempt occurred whether or not it succeeded; lastUsedAt and the
	// observed kernel state are updated either way.
	m.recordOutcome(ctx, session, channel)
	return result, err
}

func (m *SessionManager) recordOutcome(ctx context.Context, session domain.Session, channel execChannel) {
	if err := m.sessions.RecordOutcome(ctx, session.ID, channel.KernelState()); err != nil {
		m.logger.Warn("record execution outcome", "session", session.ShortID(), "error", err)
	}
}

// SwitchSession atomically makes the target the single active session.
func (m *SessionManager) SwitchSession(ctx context.Context, identifier string) (domain.Session, error) {
	return m.sessions.SetActive(ctx, identifier)
}

// DeleteSession removes the local record and releases any cached channel.
// It does not tear down the remote runtime; Disconnect does that.
func (m *SessionManager) DeleteSession(ctx context.Context, identifier string) (domain.Session, error) {
	session, err := m.sessions.Find(ctx, identifier)
	if err != nil {
		return domain.Session{}, err
	}
	if err := m.sessions.Remove(ctx, session.ID); err != nil {
		return domain.Session{}, fmt.Errorf("remove session: %w", err)
	}
	m.releaseChannel(session.ID)
	return session, nil
}

// Disconnect is the remote-teardown collaborator: it releases the backing
// runtime, then removes the local record.
func (m *SessionManager) Disconnect(ctx context.Context, identifier string) (domain.Session, error) {
	session, err := m.sessions.Find(ctx, identifier)
	if err != nil {
		return domain.Session{}, err
	}
	m.releaseChannel(session.ID)
	if err := m.provisioner.Release(ctx, session.Runtime.ID); err != nil {
		return domain.Session{}, fmt.Errorf("release runtime: %w", err)
	}
	if err := m.sessions.Remove(ctx, session.ID); err != nil {
		return domain.Session{}, fmt.Errorf("remove session: %w", err)
	}
	return session, nil
}

// CleanStaleSessions sweeps stale records and drops their cached channels.
func (m *SessionManager) CleanStaleSessions(ctx context.Context) ([]domain.Session, error) {
	cleaned, err := m.sessions.CleanStale(ctx)
	if err != nil {
		return nil, err
	}
	for _, session := range cleaned {
		m.releaseChannel(session.ID)
	}
	return cleaned, nil
}

func (m *SessionManager) ListSessions(ctx context.Context) ([]SessionView, error) {
	return m.sessions.List(ctx)
}

func (m *SessionManager) GetStats(ctx context.Context) (Stats, error) {
	return m.sessions.Stats(ctx)
}

func (m *SessionManager) ActiveSession(ctx context.Context) (domain.Session, bool, error) {
	return m.sessions.Active(ctx)
}

func (m *SessionManager) resolve(ctx context.Context, identifier string) (domain.Session, error) {
	if identifier != "" {
		return m.sessions.Find(ctx, identifier)
	}
	session, ok, err := m.sessions.Active(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if !ok {
		return domain.Session{}, domain.NewClassified(domain.CategoryNotFound, 0,
			"no active session; connect first or name a session", domain.ErrSessionNotFound)
	}
	return session, nil
}

// channelFor returns the cached channel or dials a fresh one. The caller
// holds the per-session lock, so at most one connect per session runs.
func (m *SessionManager) channelFor(ctx context.Context, session domain.Session) (execChannel, error) {
	m.mu.Lock()
	channel, ok := m.channels[session.ID]
	m.mu.Unlock()

	if ok && channel.State() != kernel.StateDisconnected {
		return channel, nil
	}

	channel = m.newChannel(session)
	if err := channel.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.channels[session.ID] = channel
	m.mu.Unlock()
	return channel, nil
}

// releaseChannel closes and forgets a cached channel. Close failures are
// logged, never surfaced: the record removal already happened or is about
// to, and a half-closed socket must not fail the operation.
func (m *SessionManager) releaseChannel(id string) {
	m.mu.Lock()
	channel, ok := m.channels[id]
	delete(m.channels, id)
	m.mu.Unlock()

	if !ok {
		return
	}
	if err := channel.Close(); err != nil {
		m.logger.Warn("close channel", "session", domain.ShortID(id), "error", err)
	}
}

func (m *SessionManager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[id] = lock
	}
	return lock
}
