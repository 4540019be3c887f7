package domain

import "time"

// SessionStatus is the derived display state of a session. It is never
// persisted; it is recomputed from the stored record and the clock.
type SessionStatus string

const (
	StatusConnected SessionStatus = "connected"
	StatusActive    SessionStatus = "active"
	StatusStale     SessionStatus = "stale"
	StatusUnknown   SessionStatus = "unknown"
)

// DisconnectGraceWindow is how long a disconnected session stays non-stale.
// A kernel can drop its socket and reconnect on next use; beyond this window
// the runtime is presumed gone.
const DisconnectGraceWindow = 30 * time.Minute

// ComputeStatus classifies a session from stored state alone. It must never
// require a network call: staleness is a pure function of the record and now.
func ComputeStatus(s Session, now time.Time) SessionStatus {
	if s.Runtime.Expired(now) {
		return StatusStale
	}

	switch s.KernelState {
	case KernelInitFailed, KernelDead:
		return StatusStale
	case KernelDisconnected:
		if s.LastUsedAt.IsZero() || now.Sub(s.LastUsedAt) > DisconnectGraceWindow {
			return StatusStale
		}
		return StatusUnknown
	case KernelStarting, KernelIdle, KernelBusy:
		if s.IsActive {
			return StatusActive
		}
		return StatusConnected
	case KernelUnknown:
		return StatusUnknown
	default:
		return StatusUnknown
	}
}
