package application

import (
	"sync"
	"time"
)

// WarnCache de-duplicates warnings by key so each distinct condition is
// reported once. It is an explicit dependency of whichever component emits
// the warning, never ambient global state, and it is bounded: when full, the
// oldest entry is evicted.
type WarnCache struct {
	mu   sync.Mutex
	max  int
	seen map[string]time.Time
}

func NewWarnCache(max int) *WarnCache {
	if max <= 0 {
		max = 64
	}
	return &WarnCache{max: max, seen: make(map[string]time.Time, max)}
}

// ShouldWarn reports whether key has not been warned about yet, recording it
// as warned when so.
func (w *WarnCache) ShouldWarn(key string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[key]; ok {
		return false
	}

	if len(w.seen) >= w.max {
		var oldestKey string
		var oldest time.Time
		for k, at := range w.seen {
			if oldestKey == "" || at.Before(oldest) {
				oldestKey, oldest = k, at
			}
		}
		delete(w.seen, oldestKey)
	}

	w.seen[key] = now
	return true
}
