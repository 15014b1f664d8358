package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type mockBinding struct {
	taskID   int64
	serverID string
	errMsg   string
}

type mockTask struct {
	Task
	batchID uuid.UUID
}

// MockStore is an in-memory Store and ServerDirectory for tests. Any Fn field
// that is set replaces the default in-memory behavior of that method.
type MockStore struct {
	mu       sync.Mutex
	nextID   int64
	tasks    map[int64]*mockTask
	bindings []*mockBinding
	servers  map[string]bool
	touched  map[string]int

	BinaryLoads int

	BulkInsertFn           func(ctx context.Context, tasks []*Task) (Batch, error)
	InsertServerBindingsFn func(ctx context.Context, batch Batch, currentServerID string) error
	HasPendingForServerFn  func(ctx context.Context, serverID string) (bool, error)
	QueryPendingForServerFn func(
		ctx context.Context,
		serverID string,
		limit int,
		types []string,
	) ([]Row, error)
	QueryPendingAnonymousFn  func(ctx context.Context, limit int) ([]Row, error)
	DeleteBindingsFn         func(ctx context.Context, serverID string, taskIDs []int64) error
	MarkBindingErrorFn       func(ctx context.Context, taskID int64, serverID, message string) error
	MarkAnonymousTaskErrorFn func(ctx context.Context, taskID int64, message string) error
	DeleteStaleMemoryTasksFn func(ctx context.Context, serverID string, before time.Time) (int64, error)
	EnabledServerIDsFn       func(ctx context.Context) ([]string, error)
}

// NewMockStore creates an empty MockStore with the given enabled servers.
func NewMockStore(servers ...string) *MockStore {
	m := &MockStore{
		tasks:   make(map[int64]*mockTask),
		servers: make(map[string]bool),
		touched: make(map[string]int),
	}
	for _, s := range servers {
		m.servers[s] = true
	}
	return m
}

// SetServer registers or updates a server.
func (m *MockStore) SetServer(id string, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.servers[id] = enabled
}

// BulkInsert persists tasks with sequential IDs.
func (m *MockStore) BulkInsert(ctx context.Context, tasks []*Task) (Batch, error) {
	if m.BulkInsertFn != nil {
		return m.BulkInsertFn(ctx, tasks)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	batch := Batch{ID: uuid.New(), Count: len(tasks)}
	for _, t := range tasks {
		m.nextID++
		t.ID = m.nextID
		m.tasks[t.ID] = &mockTask{Task: *t, batchID: batch.ID}
	}
	return batch, nil
}

// InsertServerBindings binds the batch to every enabled server but the current one.
func (m *MockStore) InsertServerBindings(ctx context.Context, batch Batch, currentServerID string) error {
	if m.InsertServerBindingsFn != nil {
		return m.InsertServerBindingsFn(ctx, batch, currentServerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.sortedTaskIDs() {
		if m.tasks[id].batchID != batch.ID {
			continue
		}
		for server, enabled := range m.servers {
			if enabled && server != currentServerID {
				m.bindings = append(m.bindings, &mockBinding{taskID: id, serverID: server})
			}
		}
	}
	return nil
}

// HasPendingForServer reports whether an error-free binding exists.
func (m *MockStore) HasPendingForServer(ctx context.Context, serverID string) (bool, error) {
	if m.HasPendingForServerFn != nil {
		return m.HasPendingForServerFn(ctx, serverID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if b.serverID == serverID && b.errMsg == "" {
			return true, nil
		}
	}
	return false, nil
}

// QueryPendingForServer returns error-free bindings ordered by task ID.
func (m *MockStore) QueryPendingForServer(
	ctx context.Context,
	serverID string,
	limit int,
	types []string,
) ([]Row, error) {
	if m.QueryPendingForServerFn != nil {
		return m.QueryPendingForServerFn(ctx, serverID, limit, types)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := make(map[string]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}

	var rows []Row
	for _, id := range m.sortedTaskIDs() {
		t := m.tasks[id]
		if len(allowed) > 0 && !allowed[t.Type] {
			continue
		}
		for _, b := range m.bindings {
			if b.taskID == id && b.serverID == serverID && b.errMsg == "" {
				rows = append(rows, m.row(t, serverID))
			}
		}
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// QueryPendingAnonymous returns error-free anonymous tasks ordered by ID.
func (m *MockStore) QueryPendingAnonymous(ctx context.Context, limit int) ([]Row, error) {
	if m.QueryPendingAnonymousFn != nil {
		return m.QueryPendingAnonymousFn(ctx, limit)
	}
	return m.DefaultQueryPendingAnonymous(limit)
}

// DefaultQueryPendingAnonymous is the in-memory behavior of
// QueryPendingAnonymous, for Fn overrides that wrap it.
func (m *MockStore) DefaultQueryPendingAnonymous(limit int) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rows []Row
	for _, id := range m.sortedTaskIDs() {
		t := m.tasks[id]
		if !t.IsAnonymous || t.ErrorMessage != "" {
			continue
		}
		rows = append(rows, m.row(t, ""))
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

func (m *MockStore) row(t *mockTask, serverID string) Row {
	r := Row{Task: t.Task, HasBinary: len(t.BinaryPayload) > 0, ServerID: serverID}
	r.BinaryPayload = nil
	return r
}

// LoadBinaryPayload returns the stored binary payload and counts the load.
func (m *MockStore) LoadBinaryPayload(ctx context.Context, taskID int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.BinaryLoads++
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, nil
	}
	return t.BinaryPayload, nil
}

// DeleteBindings removes the server's bindings for taskIDs.
func (m *MockStore) DeleteBindings(ctx context.Context, serverID string, taskIDs []int64) error {
	if m.DeleteBindingsFn != nil {
		return m.DeleteBindingsFn(ctx, serverID, taskIDs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := idSet(taskIDs)
	kept := m.bindings[:0]
	for _, b := range m.bindings {
		if b.serverID == serverID && ids[b.taskID] {
			continue
		}
		kept = append(kept, b)
	}
	m.bindings = kept
	return nil
}

// DeleteAnonymousTasks removes anonymous tasks.
func (m *MockStore) DeleteAnonymousTasks(ctx context.Context, taskIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range taskIDs {
		if t, ok := m.tasks[id]; ok && t.IsAnonymous {
			delete(m.tasks, id)
		}
	}
	return nil
}

// MarkBindingError records message on the binding.
func (m *MockStore) MarkBindingError(ctx context.Context, taskID int64, serverID, message string) error {
	if m.MarkBindingErrorFn != nil {
		return m.MarkBindingErrorFn(ctx, taskID, serverID, message)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bindings {
		if b.taskID == taskID && b.serverID == serverID {
			b.errMsg = message
		}
	}
	return nil
}

// MarkAnonymousTaskError records message on the task.
func (m *MockStore) MarkAnonymousTaskError(ctx context.Context, taskID int64, message string) error {
	if m.MarkAnonymousTaskErrorFn != nil {
		return m.MarkAnonymousTaskErrorFn(ctx, taskID, message)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[taskID]; ok {
		t.ErrorMessage = message
	}
	return nil
}

// DeleteOrphaned removes non-anonymous tasks without bindings.
func (m *MockStore) DeleteOrphaned(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bound := make(map[int64]bool)
	for _, b := range m.bindings {
		bound[b.taskID] = true
	}

	var removed int64
	for id, t := range m.tasks {
		if t.IsAnonymous || bound[id] || !t.CreatedAt.Before(before) {
			continue
		}
		delete(m.tasks, id)
		removed++
	}
	return removed, nil
}

// DeleteStaleMemoryTasks removes memory-only work created before the cutoff.
func (m *MockStore) DeleteStaleMemoryTasks(ctx context.Context, serverID string, before time.Time) (int64, error) {
	if m.DeleteStaleMemoryTasksFn != nil {
		return m.DeleteStaleMemoryTasksFn(ctx, serverID, before)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stale := func(t *mockTask) bool {
		return t != nil && t.IsMemoryOnly && t.CreatedAt.Before(before)
	}

	var removed int64
	if serverID == "" {
		for id, t := range m.tasks {
			if t.IsAnonymous && stale(t) {
				delete(m.tasks, id)
				removed++
			}
		}
		return removed, nil
	}

	kept := m.bindings[:0]
	for _, b := range m.bindings {
		if b.serverID == serverID && stale(m.tasks[b.taskID]) {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	m.bindings = kept
	return removed, nil
}

// EnabledServerIDs returns the enabled servers in sorted order.
func (m *MockStore) EnabledServerIDs(ctx context.Context) ([]string, error) {
	if m.EnabledServerIDsFn != nil {
		return m.EnabledServerIDsFn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, enabled := range m.servers {
		if enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// TouchServer counts heartbeats per server.
func (m *MockStore) TouchServer(ctx context.Context, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[serverID]++
	return nil
}

// Touches returns the number of heartbeats recorded for serverID.
func (m *MockStore) Touches(serverID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched[serverID]
}

// Tasks returns a copy of every stored task ordered by ID.
func (m *MockStore) Tasks() []Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Task, 0, len(m.tasks))
	for _, id := range m.sortedTaskIDs() {
		out = append(out, m.tasks[id].Task)
	}
	return out
}

// Bindings returns the task IDs bound to serverID, including failed ones.
func (m *MockStore) Bindings(serverID string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []int64
	for _, b := range m.bindings {
		if b.serverID == serverID {
			ids = append(ids, b.taskID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// BindingError returns the error recorded on a binding.
func (m *MockStore) BindingError(taskID int64, serverID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.bindings {
		if b.taskID == taskID && b.serverID == serverID {
			return b.errMsg
		}
	}
	return ""
}

func (m *MockStore) sortedTaskIDs() []int64 {
	ids := make([]int64, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

var (
	_ Store           = (*MockStore)(nil)
	_ ServerDirectory = (*MockStore)(nil)
)
