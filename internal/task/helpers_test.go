package task

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// call is one recorded handler invocation
type call struct {
	Type    string
	Target  string
	Payload string
}

// recorder collects handler invocations across goroutines
type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recorder) Calls() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]call, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// recordingHandler returns a handler that records every call.
func recordingHandler(rec *recorder, taskType string, strategy OptimizeStrategy) Handler {
	return Handler{
		Type:     taskType,
		Optimize: strategy,
		Execute: func(_ context.Context, target, payload string, _ *LazyBinary) error {
			rec.add(call{Type: taskType, Target: target, Payload: payload})
			return nil
		},
	}
}

// newTestRegistry registers "Touch" (merged), "Write" and "Memory" (memory
// only) plus the system "UpdateLicense" type, all recording into rec.
func newTestRegistry(rec *recorder) *TypeRegistry {
	r := NewTypeRegistry()
	r.MustRegister(recordingHandler(rec, "Touch", OptimizeGroupAndMerge))
	r.MustRegister(recordingHandler(rec, "Write", OptimizeNone))

	memory := recordingHandler(rec, "Memory", OptimizeNone)
	memory.MemoryOnly = true
	r.MustRegister(memory)

	r.MustRegister(recordingHandler(rec, TypeUpdateLicense, OptimizeNone))
	return r
}

var testEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// countingSignal counts sentinel touches
type countingSignal struct {
	mu      sync.Mutex
	touches int
	err     error
}

func (s *countingSignal) Touch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	return s.err
}

func (s *countingSignal) Touches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches
}
