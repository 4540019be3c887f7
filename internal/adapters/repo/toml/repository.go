package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
	"github.com/landonking-gif/lecoder-cgpu/internal/ports"
)

const (
	configName       = "config"
	configType       = "toml"
	sessionsPathKey  = "sessions.path"
	sessionsFileMode = 0o600
	sessionsDirMode  = 0o700
	configDirName    = ".lecoder"
	sessionsFileName = "sessions.toml"
	tempFilePattern  = ".sessions-*.toml.tmp"
)

// Repository persists session records in a TOML file with restrictive
// permissions. A missing or corrupt file reads as "no sessions", never as a
// fatal error.
type Repository struct {
	sessionsPath string
	mu           *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.SessionRepository = (*Repository)(nil)

func NewRepository(cfg *viper.Viper) (*Repository, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	defaultPath := filepath.Join(homeDir, configDirName, sessionsFileName)

	cfg.SetConfigName(configName)
	cfg.SetConfigType(configType)
	cfg.AddConfigPath(filepath.Join(homeDir, configDirName))
	cfg.SetDefault(sessionsPathKey, defaultPath)

	if err := cfg.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	sessionsPath := cfg.GetString(sessionsPathKey)
	if sessionsPath == "" {
		return nil, errors.New("sessions path is empty")
	}
	sessionsPath, err = normalizePath(sessionsPath)
	if err != nil {
		return nil, err
	}

	return &Repository{sessionsPath: sessionsPath, mu: lockForPath(sessionsPath)}, nil
}

// NewRepositoryAt bypasses config resolution, used by tests and wiring that
// already knows the path.
func NewRepositoryAt(path string) (*Repository, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	return &Repository{sessionsPath: normalized, mu: lockForPath(normalized)}, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return domain.Session{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file := r.readSchema()
	for _, entry := range file.Sessions {
		if entry.ID == id {
			return fromSchema(entry), nil
		}
	}
	return domain.Session{}, domain.ErrSessionNotFound
}

func (r *Repository) List(ctx context.Context) ([]domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file := r.readSchema()
	sessions := make([]domain.Session, 0, len(file.Sessions))
	for _, entry := range file.Sessions {
		sessions = append(sessions, fromSchema(entry))
	}
	return sessions, nil
}

func (r *Repository) Save(ctx context.Context, session domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file := r.readSchema()
	encoded := toSchema(session)
	updated := false
	for i := range file.Sessions {
		if file.Sessions[i].ID == encoded.ID {
			file.Sessions[i] = encoded
			updated = true
			break
		}
	}
	if !updated {
		file.Sessions = append(file.Sessions, encoded)
	}

	return r.writeSchema(file)
}

func (r *Repository) Replace(ctx context.Context, sessions []domain.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file := fileSchema{Version: currentSchemaVersion}
	for _, session := range sessions {
		file.Sessions = append(file.Sessions, toSchema(session))
	}
	return r.writeSchema(file)
}

func (r *Repository) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file := r.readSchema()
	for i := range file.Sessions {
		if file.Sessions[i].ID == id {
			file.Sessions = append(file.Sessions[:i], file.Sessions[i+1:]...)
			return r.writeSchema(file)
		}
	}
	return domain.ErrSessionNotFound
}

// readSchema tolerates a missing, corrupt or future-versioned file by
// treating it as empty: losing local bookkeeping must never brick the CLI.
func (r *Repository) readSchema() fileSchema {
	data, err := os.ReadFile(r.sessionsPath)
	if err != nil {
		return fileSchema{Version: currentSchemaVersion}
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{Version: currentSchemaVersion}
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{Version: currentSchemaVersion}
	}
	file.applyDefaults()
	return file
}

func (r *Repository) writeSchema(file fileSchema) error {
	file.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(r.sessionsPath), sessionsDirMode); err != nil {
		return fmt.Errorf("create sessions directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode sessions file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(r.sessionsPath), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp sessions file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp sessions file: %w", err)
	}
	if err := tempFile.Chmod(sessionsFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp sessions file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp sessions file: %w", err)
	}

	if err := os.Rename(tempName, r.sessionsPath); err != nil {
		return fmt.Errorf("replace sessions file: %w", err)
	}
	cleanup = false

	if err := os.Chmod(r.sessionsPath, sessionsFileMode); err != nil {
		return fmt.Errorf("chmod sessions file: %w", err)
	}
	return nil
}

func normalizePath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve sessions path: %w", err)
	}
	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}
	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}
