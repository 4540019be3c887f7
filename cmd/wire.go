package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/landonking-gif/lecoder-cgpu/internal/adapters/auth"
	sessionsrender "github.com/landonking-gif/lecoder-cgpu/internal/adapters/render/sessions"
	tomlrepo "github.com/landonking-gif/lecoder-cgpu/internal/adapters/repo/toml"
	runtimeadapter "github.com/landonking-gif/lecoder-cgpu/internal/adapters/runtime"
	"github.com/landonking-gif/lecoder-cgpu/internal/application"
	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
	"github.com/landonking-gif/lecoder-cgpu/internal/ports"
)

type app struct {
	manager  *application.SessionManager
	sessions *application.SessionService

	listRenderer   func([]application.SessionView, sessionsrender.RenderOptions) (string, error)
	detailRenderer func(application.SessionView, sessionsrender.RenderOptions) (string, error)
	statsRenderer  func(application.Stats) (string, error)

	logger *slog.Logger
	now    func() time.Time
}

func wireApp() (*app, error) {
	cfg := viper.New()

	repo, err := tomlrepo.NewRepository(cfg)
	if err != nil {
		return nil, fmt.Errorf("wire session repository: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	tokens, err := auth.NewTokenProvider(auth.Config{
		CredentialsPath: envOrDefault("LECODER_CREDENTIALS", filepath.Join(homeDir, ".lecoder", "credentials.json")),
		TokenEndpoint:   envOrDefault("LECODER_TOKEN_ENDPOINT", "https://oauth2.googleapis.com/token"),
		ClientID:        os.Getenv("LECODER_CLIENT_ID"),
	})
	if err != nil {
		return nil, fmt.Errorf("wire token provider: %w", err)
	}

	accountID := envOrDefault("LECODER_ACCOUNT", cfg.GetString("account.id"))
	if accountID == "" {
		accountID = "default"
	}

	provisioner, err := runtimeadapter.NewProvisioner(runtimeadapter.Config{
		BaseURL:   envOrDefault("LECODER_API_BASE_URL", "https://colab.research.google.com/api"),
		AccountID: accountID,
		Tokens:    tokens,
	})
	if err != nil {
		return nil, fmt.Errorf("wire runtime provisioner: %w", err)
	}

	tier := domain.ParseTier(envOrDefault("LECODER_TIER", cfg.GetString("account.tier")))
	logger := newLogger()

	service := application.NewSessionService(repo, ports.SystemClock{}, tier)
	manager := application.NewSessionManager(application.ManagerConfig{
		Sessions:    service,
		Tokens:      tokens,
		Provisioner: provisioner,
		Retry:       domain.DefaultRetryPolicy(),
		Clock:       ports.SystemClock{},
		AccountID:   accountID,
		Logger:      logger,
	})

	return &app{
		manager:        manager,
		sessions:       service,
		listRenderer:   sessionsrender.RenderList,
		detailRenderer: sessionsrender.RenderDetail,
		statsRenderer:  sessionsrender.RenderStats,
		logger:         logger,
		now:            time.Now,
	}, nil
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("LECODER_LOG") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
