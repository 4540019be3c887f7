package kernel

import "strings"

// DefaultStreamCap bounds how much of each output stream is retained.
const DefaultStreamCap = 1 << 20 // 1 MiB per stream

const truncationMarker = "\n[output truncated]"

// capturedStream accumulates one output stream up to a byte ceiling. Once the
// ceiling is reached further bytes are discarded and the truncation marker is
// recorded exactly once.
type capturedStream struct {
	builder   strings.Builder
	max       int
	truncated bool
}

func newCapturedStream(max int) *capturedStream {
	if max <= 0 {
		max = DefaultStreamCap
	}
	return &capturedStream{max: max}
}

func (s *capturedStream) Append(text string) {
	if s.truncated {
		return
	}
	remaining := s.max - s.builder.Len()
	if remaining <= 0 {
		s.truncated = true
		return
	}
	if len(text) > remaining {
		text = text[:remaining]
		s.truncated = true
	}
	s.builder.WriteString(text)
}

func (s *capturedStream) Truncated() bool { return s.truncated }

func (s *capturedStream) String() string {
	if s.truncated {
		return s.builder.String() + truncationMarker
	}
	return s.builder.String()
}
