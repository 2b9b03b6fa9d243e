package agentpty

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// Spool is the per-conversation append-only normalized byte stream that
// wait_for consumes. Line endings are LF; byte offsets are stable and the
// length is monotonic non-decreasing. Single writer (the session), many
// readers.
type Spool struct {
	mu   sync.Mutex
	path string
	f    *os.File
	size int64

	// changed is closed and replaced on every growth, prompt, or eof so
	// waiters can select on it.
	changed chan struct{}

	// promptPositions records the spool offset at each prompt sentinel.
	promptPositions []int64
	eof             bool
}

// OpenSpool opens (creating if needed) the spool file and positions the
// write offset at its current end.
func OpenSpool(path string) (*Spool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Spool{
		path:    path,
		f:       f,
		size:    info.Size(),
		changed: make(chan struct{}),
	}, nil
}

// NormalizeNewlines rewrites CRLF and bare CR to LF.
func NormalizeNewlines(data []byte) []byte {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
}

// Append writes already-normalized bytes and wakes waiters.
func (s *Spool) Append(data []byte) (int64, error) {
	if len(data) == 0 {
		return s.Size(), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.f.Write(data)
	s.size += int64(n)
	if err != nil {
		return s.size, fmt.Errorf("failed to append spool: %w", err)
	}
	s.wakeLocked()
	return s.size, nil
}

// Size returns the current spool length in bytes.
func (s *Spool) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// MarkPrompt records a prompt sentinel at the current spool offset.
func (s *Spool) MarkPrompt() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := s.size
	s.promptPositions = append(s.promptPositions, pos)
	s.wakeLocked()
	return pos
}

// MarkEOF flags the stream as terminated and wakes waiters.
func (s *Spool) MarkEOF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
	s.wakeLocked()
}

// EOF reports whether the stream has terminated.
func (s *Spool) EOF() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof
}

// PromptSince returns the first recorded prompt position at or past from,
// or -1 when none exists.
func (s *Spool) PromptSince(from int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.promptPositions {
		if p >= from {
			return p
		}
	}
	return -1
}

// Changed returns a channel closed on the next state change.
func (s *Spool) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Spool) wakeLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// ReadAt returns up to max bytes starting at from. A zero max means no
// bound. Reads past the end return an empty slice.
func (s *Spool) ReadAt(from, max int64) ([]byte, error) {
	size := s.Size()
	if from < 0 {
		from = 0
	}
	if from >= size {
		return []byte{}, nil
	}
	length := size - from
	if max > 0 && length > max {
		length = max
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool for read: %w", err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, from)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Close closes the spool's write handle.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
