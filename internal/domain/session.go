package domain

import (
	"fmt"
	"strings"
	"time"
)

type Variant string

const (
	VariantGPU Variant = "gpu"
	VariantTPU Variant = "tpu"
	VariantCPU Variant = "cpu"
)

func ParseVariant(raw string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(raw))) {
	case VariantGPU:
		return VariantGPU, nil
	case VariantTPU:
		return VariantTPU, nil
	case VariantCPU:
		return VariantCPU, nil
	default:
		return "", fmt.Errorf("unsupported variant %q (expected gpu, tpu or cpu)", raw)
	}
}

// KernelState is the protocol-level state last observed for a session's
// kernel. It is persisted as-is and refreshed on each interaction.
type KernelState string

const (
	KernelUnknown      KernelState = "unknown"
	KernelStarting     KernelState = "starting"
	KernelIdle         KernelState = "idle"
	KernelBusy         KernelState = "busy"
	KernelDisconnected KernelState = "disconnected"
	KernelInitFailed   KernelState = "init_failed"
	KernelDead         KernelState = "dead"
)

// Runtime describes the remote accelerated environment backing a session.
type Runtime struct {
	ID          string
	Accelerator string
	Endpoint    string
	ExpiresAt   time.Time
}

func (r Runtime) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// Session is a named binding to a remote runtime. ID, Variant and Runtime
// are immutable after creation; Label, KernelState, IsActive and LastUsedAt
// are mutated over the session's life.
type Session struct {
	ID          string
	Label       string
	Variant     Variant
	Runtime     Runtime
	KernelState KernelState
	IsActive    bool
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if _, err := ParseVariant(string(s.Variant)); err != nil {
		return err
	}
	if strings.TrimSpace(s.Runtime.Endpoint) == "" {
		return fmt.Errorf("runtime endpoint is required")
	}
	return nil
}

// ShortID is the truncated display form used in listings and
// ambiguous-identifier errors.
func (s Session) ShortID() string {
	return ShortID(s.ID)
}

func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
