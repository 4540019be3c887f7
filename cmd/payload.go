package cmd

import (
	"time"

	"github.com/landonking-gif/lecoder-cgpu/internal/application"
	"github.com/landonking-gif/lecoder-cgpu/internal/domain"
)

// sessionPayload is the stable JSON shape for a session, decoupled from the
// domain struct so field renames never break scripted callers.
type sessionPayload struct {
	ID          string     `json:"id"`
	ShortID     string     `json:"short_id"`
	Label       string     `json:"label,omitempty"`
	Variant     string     `json:"variant"`
	Accelerator string     `json:"accelerator,omitempty"`
	Endpoint    string     `json:"endpoint"`
	RuntimeID   string     `json:"runtime_id"`
	KernelState string     `json:"kernel_state"`
	Status      string     `json:"status,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"runtime_expires_at,omitempty"`
}

func sessionJSON(session domain.Session, status domain.SessionStatus) sessionPayload {
	payload := sessionPayload{
		ID:          session.ID,
		ShortID:     session.ShortID(),
		Label:       session.Label,
		Variant:     string(session.Variant),
		Accelerator: session.Runtime.Accelerator,
		Endpoint:    session.Runtime.Endpoint,
		RuntimeID:   session.Runtime.ID,
		KernelState: string(session.KernelState),
		Status:      string(status),
		IsActive:    session.IsActive,
		CreatedAt:   session.CreatedAt,
	}
	if !session.LastUsedAt.IsZero() {
		lastUsed := session.LastUsedAt
		payload.LastUsedAt = &lastUsed
	}
	if !session.Runtime.ExpiresAt.IsZero() {
		expires := session.Runtime.ExpiresAt
		payload.ExpiresAt = &expires
	}
	return payload
}

func sessionViewJSON(view application.SessionView) sessionPayload {
	return sessionJSON(view.Session, view.Status)
}

type executionPayload struct {
	Success    bool       `json:"success"`
	Value      string     `json:"value,omitempty"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	Error      *jsonError `json:"error,omitempty"`
	ErrorName  string     `json:"error_name,omitempty"`
	Traceback  []string   `json:"traceback,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	Attempts   int        `json:"attempts"`
}

func executionJSON(result domain.ExecutionResult) executionPayload {
	payload := executionPayload{
		Success:    result.Success,
		Value:      result.Value,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ErrorName:  result.ErrorName,
		Traceback:  result.Traceback,
		DurationMS: result.Duration.Milliseconds(),
		Attempts:   result.Attempts,
	}
	if result.Error != nil {
		payload.Error = &jsonError{
			Category: string(result.Error.Category),
			Code:     result.Error.Code,
			Message:  result.Error.Message,
		}
	}
	return payload
}
