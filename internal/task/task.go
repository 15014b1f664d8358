package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Separator joins the targets and payloads of sub-tasks merged into one row.
const Separator = "|"

// Common errors returned by the task package
var (
	// ErrSegmentMismatch is returned when a merged row's target and payload
	// split into a different number of segments.
	ErrSegmentMismatch = errors.New("target and payload segment counts differ")

	// ErrUnknownTaskType is returned when no handler is registered for a type.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidHandler is returned when registering an incomplete handler.
	ErrInvalidHandler = errors.New("invalid task handler")
)

// Task is the durable unit of replicated work.
type Task struct {
	// ID is assigned by the store on persist.
	ID int64

	// Type selects the handler in the registry.
	Type string

	// Target is a secondary parameter such as a cache key or file path.
	Target string

	TextPayload   string
	BinaryPayload []byte

	// IsAnonymous marks tasks created while no farm servers were registered.
	IsAnonymous bool

	// IsMemoryOnly marks tasks that only affect in-process state.
	IsMemoryOnly bool

	CreatedAt     time.Time
	OriginMachine string
	ErrorMessage  string
}

// Row is one pending unit of work returned by a poll. The binary payload is
// not loaded; HasBinary tells whether there is one to load.
type Row struct {
	Task

	HasBinary bool

	// ServerID is the destination of the binding, empty for anonymous rows.
	ServerID string
}

// Batch identifies the rows persisted by one producer flush.
type Batch struct {
	ID    uuid.UUID
	Count int
}

// OptimizeStrategy tells the producer how tasks of one type may be combined.
type OptimizeStrategy int

// Optimize strategies.
const (
	OptimizeNone OptimizeStrategy = iota
	OptimizeGroupAndMerge
)

func (s OptimizeStrategy) String() string {
	if s == OptimizeGroupAndMerge {
		return "group_and_merge"
	}
	return "none"
}

// Store persists tasks and their per-server delivery bindings.
type Store interface {
	// BulkInsert persists tasks in one operation, assigning IDs in order and
	// tagging the rows with a fresh batch identifier.
	BulkInsert(ctx context.Context, tasks []*Task) (Batch, error)

	// InsertServerBindings binds every task of batch to every enabled server
	// except currentServerID, which originated the batch.
	InsertServerBindings(ctx context.Context, batch Batch, currentServerID string) error

	// HasPendingForServer cheaply reports whether an error-free binding exists.
	HasPendingForServer(ctx context.Context, serverID string) (bool, error)

	// QueryPendingForServer returns up to limit error-free bindings for the
	// server, oldest first. A non-empty types restricts the task types returned.
	QueryPendingForServer(ctx context.Context, serverID string, limit int, types []string) ([]Row, error)

	// QueryPendingAnonymous returns up to limit error-free anonymous tasks.
	QueryPendingAnonymous(ctx context.Context, limit int) ([]Row, error)

	LoadBinaryPayload(ctx context.Context, taskID int64) ([]byte, error)

	DeleteBindings(ctx context.Context, serverID string, taskIDs []int64) error
	DeleteAnonymousTasks(ctx context.Context, taskIDs []int64) error

	MarkBindingError(ctx context.Context, taskID int64, serverID, message string) error
	MarkAnonymousTaskError(ctx context.Context, taskID int64, message string) error

	// DeleteOrphaned removes non-anonymous tasks created before the cutoff that
	// no longer have any binding.
	DeleteOrphaned(ctx context.Context, before time.Time) (int64, error)

	// DeleteStaleMemoryTasks removes memory-only work created before the
	// cutoff: the server's bindings, or anonymous tasks when serverID is empty.
	DeleteStaleMemoryTasks(ctx context.Context, serverID string, before time.Time) (int64, error)
}

// ServerDirectory exposes the registered farm members.
type ServerDirectory interface {
	// EnabledServerIDs returns every enabled server, including this one.
	EnabledServerIDs(ctx context.Context) ([]string, error)

	// TouchServer records a heartbeat for the server.
	TouchServer(ctx context.Context, serverID string) error
}

// LicenseGate reports whether the farm feature is licensed.
type LicenseGate interface {
	IsFarmLicenseValid(ctx context.Context) bool
}

// LicenseGateFunc adapts a function to LicenseGate.
type LicenseGateFunc func(ctx context.Context) bool

// IsFarmLicenseValid calls f.
func (f LicenseGateFunc) IsFarmLicenseValid(ctx context.Context) bool {
	return f(ctx)
}

// Signaler wakes the anonymous dispatcher after anonymous tasks are persisted.
type Signaler interface {
	Touch() error
}

// LazyBinary loads a binary payload on first use only.
type LazyBinary struct {
	once sync.Once
	load func(ctx context.Context) ([]byte, error)
	data []byte
	err  error
	used atomic.Bool
}

// NewLazyBinary returns an accessor that calls load at most once.
func NewLazyBinary(load func(ctx context.Context) ([]byte, error)) *LazyBinary {
	return &LazyBinary{load: load}
}

// StaticBinary returns an accessor over already available data.
func StaticBinary(data []byte) *LazyBinary {
	return &LazyBinary{
		load: func(context.Context) ([]byte, error) { return data, nil },
	}
}

// Bytes returns the payload, loading it on the first call.
func (b *LazyBinary) Bytes(ctx context.Context) ([]byte, error) {
	b.once.Do(func() {
		b.used.Store(true)
		if b.load != nil {
			b.data, b.err = b.load(ctx)
		}
	})
	return b.data, b.err
}

// Loaded reports whether Bytes has been called.
func (b *LazyBinary) Loaded() bool {
	return b.used.Load()
}
