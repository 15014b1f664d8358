package worker

import (
	"context"
	"errors"
	"time"
)

// ErrStop may be returned from Process or Maintenance to ask the runner to
// stop itself after the current iteration. It is not logged as a failure.
var ErrStop = errors.New("worker requested stop")

// Worker is the unit of periodic work driven by a Runner.
type Worker interface {
	// Process runs one scheduling tick.
	Process(ctx context.Context) error
}

// Maintainer is implemented by workers that need a lower-frequency
// housekeeping pass alongside Process.
type Maintainer interface {
	Maintenance(ctx context.Context) error
}

// Finisher is implemented by workers that need a final hook when the runner
// shuts down. Finish runs at most once per runner.
type Finisher interface {
	Finish(ctx context.Context) error
}

// Initializer is implemented by workers that must prepare resources before the
// loop starts. A failed Init leaves the runner startable again.
type Initializer interface {
	Init(ctx context.Context) error
}

// State describes where a Runner is in its lifecycle.
type State int32

// Runner lifecycle states.
const (
	StateNotStarted State = iota
	StateRunning
	StateStopRequested
	StateFinishing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	case StateFinishing:
		return "finishing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config controls the schedule of a Runner.
type Config struct {
	// Interval is the target period between the starts of two ticks.
	Interval time.Duration

	// MaintenanceInterval is the period between maintenance passes.
	// Zero disables maintenance even if the worker implements Maintainer.
	MaintenanceInterval time.Duration

	// Identity is the execution identity applied to every step.
	Identity string
}

// DefaultConfig returns a Config with a one second tick and no maintenance.
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		Identity: SystemIdentity,
	}
}

// SystemIdentity is the execution identity used for farm work when none is
// configured.
const SystemIdentity = "farm-system"

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying the execution identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the execution identity attached by the runner,
// or an empty string when the context carries none.
func IdentityFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(identityKey{}).(string); ok {
		return id
	}
	return ""
}
