package toml

import (
	"fmt"
	"time"

	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

const currentSchemaVersion = 1

type fileSchema struct {
	Version  int             `toml:"version"`
	Sessions []sessionSchema `toml:"sessions"`
}

func (s *fileSchema) applyDefaults() {
	if s.Version == 0 {
		s.Version = currentSchemaVersion
	}
}

func (s fileSchema) validateVersion() error {
	if s.Version > currentSchemaVersion {
		return fmt.Errorf("unsupported sessions schema version %d (current %d)", s.Version, currentSchemaVersion)
	}
	return nil
}

type sessionSchema struct {
	ID          string        `toml:"id"`
	Label       string        `toml:"label"`
	Variant     string        `toml:"variant"`
	Runtime     runtimeSchema `toml:"runtime"`
	KernelState string        `toml:"kernel_state"`
	IsActive    bool          `toml:"is_active"`
	CreatedAt   string        `toml:"created_at"`
	LastUsedAt  string        `toml:"last_used_at,omitempty"`
}

type runtimeSchema struct {
	ID          string `toml:"id"`
	Accelerator string `toml:"accelerator"`
	Endpoint    string `toml:"endpoint"`
	ExpiresAt   string `toml:"expires_at,omitempty"`
}

func toSchema(session domain.Session) sessionSchema {
	return sessionSchema{
		ID:      session.ID,
		Label:   session.Label,
		Variant: string(session.Variant),
		Runtime: runtimeSchema{
			ID:          session.Runtime.ID,
			Accelerator: session.Runtime.Accelerator,
			Endpoint:    session.Runtime.Endpoint,
			ExpiresAt:   formatTime(session.Runtime.ExpiresAt),
		},
		KernelState: string(session.KernelState),
		IsActive:    session.IsActive,
		CreatedAt:   formatTime(session.CreatedAt),
		LastUsedAt:  formatTime(session.LastUsedAt),
	}
}

func fromSchema(session sessionSchema) domain.Session {
	kernelState := domain.KernelState(session.KernelState)
	if kernelState == "" {
		kernelState = domain.KernelUnknown
	}
	return domain.Session{
		ID:      session.ID,
		Label:   session.Label,
		Variant: domain.Variant(session.Variant),
		Runtime: domain.Runtime{
			ID:          session.Runtime.ID,
			Accelerator: session.Runtime.Accelerator,
			Endpoint:    session.Runtime.Endpoint,
			ExpiresAt:   parseTime(session.Runtime.ExpiresAt),
		},
		KernelState: kernelState,
		IsActive:    session.IsActive,
		CreatedAt:   parseTime(session.CreatedAt),
		LastUsedAt:  parseTime(session.LastUsedAt),
	}
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}
