package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps task types to their executors and creation rules.
type Registry interface {
	// Execute runs one (target, payload) pair of a task of the given type.
	Execute(ctx context.Context, taskType, target, payload string, binary *LazyBinary) error

	OptimizeStrategy(taskType string) OptimizeStrategy

	// CanCreate reports whether the task should be created at all.
	CanCreate(t *Task) bool

	IsMemoryTask(taskType string) bool
}

// System task types remain executable while the farm license is invalid.
const (
	TypeRestartApplication  = "RestartApplication"
	TypeUpdateServer        = "UpdateServer"
	TypeDeleteServer        = "DeleteServer"
	TypeUpdateLicense       = "UpdateLicense"
	TypeDeleteLicense       = "DeleteLicense"
	TypeUpdateSite          = "UpdateSite"
	TypeDeleteSite          = "DeleteSite"
	TypeTouchSystemCacheKey = "TouchSystemCacheKey"
)

var systemTaskTypes = []string{
	TypeRestartApplication,
	TypeUpdateServer,
	TypeDeleteServer,
	TypeUpdateLicense,
	TypeDeleteLicense,
	TypeUpdateSite,
	TypeDeleteSite,
	TypeTouchSystemCacheKey,
}

// SystemTaskTypes returns a copy of the system allow-list.
func SystemTaskTypes() []string {
	out := make([]string, len(systemTaskTypes))
	copy(out, systemTaskTypes)
	return out
}

// IsSystemTaskType reports whether taskType is on the system allow-list.
func IsSystemTaskType(taskType string) bool {
	for _, t := range systemTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// ExecuteFunc applies one sub-task to local state.
type ExecuteFunc func(ctx context.Context, target, payload string, binary *LazyBinary) error

// Handler describes one task type.
type Handler struct {
	Type     string
	Execute  ExecuteFunc
	Optimize OptimizeStrategy

	// MemoryOnly tasks are dropped by the startup cleaner when stale.
	MemoryOnly bool

	// CanCreate may veto creation, for example to reject empty targets.
	// Nil allows every task.
	CanCreate func(t *Task) bool
}

// TypeRegistry is a map-backed Registry.
type TypeRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewTypeRegistry creates an empty TypeRegistry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler. Registering a type twice replaces the earlier one.
func (r *TypeRegistry) Register(h Handler) error {
	if h.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidHandler)
	}
	if h.Execute == nil {
		return fmt.Errorf("%w: %s has no execute function", ErrInvalidHandler, h.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type] = h
	return nil
}

// MustRegister is like Register but panics on an invalid handler.
func (r *TypeRegistry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		// ALLOW-PANIC: handlers are registered at startup
		panic(err)
	}
}

func (r *TypeRegistry) handler(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Execute runs the handler registered for taskType.
func (r *TypeRegistry) Execute(
	ctx context.Context,
	taskType, target, payload string,
	binary *LazyBinary,
) error {
	h, ok := r.handler(taskType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	return h.Execute(ctx, target, payload, binary)
}

// OptimizeStrategy returns the strategy declared for taskType.
func (r *TypeRegistry) OptimizeStrategy(taskType string) OptimizeStrategy {
	h, _ := r.handler(taskType)
	return h.Optimize
}

// CanCreate rejects unknown types and applies the handler's own rule.
func (r *TypeRegistry) CanCreate(t *Task) bool {
	h, ok := r.handler(t.Type)
	if !ok {
		return false
	}
	if h.CanCreate == nil {
		return true
	}
	return h.CanCreate(t)
}

// IsMemoryTask reports whether taskType only touches in-process state.
func (r *TypeRegistry) IsMemoryTask(taskType string) bool {
	h, _ := r.handler(taskType)
	return h.MemoryOnly
}

// Types returns the registered task types in sorted order.
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// RequireTarget is a CanCreate rule rejecting tasks without a target.
func RequireTarget(t *Task) bool {
	return t.Target != ""
}
