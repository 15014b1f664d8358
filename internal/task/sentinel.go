package task

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Sentinel is the touch-file shared by the producer and the anonymous
// dispatcher. Writing it wakes every process watching it.
type Sentinel struct {
	path string
	mu   sync.Mutex
}

// NewSentinel returns a Sentinel for path.
func NewSentinel(path string) *Sentinel {
	return &Sentinel{path: filepath.Clean(path)}
}

// Path returns the cleaned sentinel path.
func (s *Sentinel) Path() string {
	return s.path
}

// Ensure creates the sentinel and its directory if missing.
func (s *Sentinel) Ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create sentinel directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create sentinel file: %w", err)
	}
	return f.Close()
}

// Touch rewrites the sentinel with the current time.
func (s *Sentinel) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(s.path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("failed to touch sentinel file: %w", err)
	}
	return nil
}
