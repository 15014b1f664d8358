package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds at most one Runner per worker kind.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	logger  *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		runners: make(map[string]*Runner),
		logger:  logger,
	}
}

// Runner returns the runner registered for kind, constructing it with build
// on first use. build is called at most once per kind.
func (g *Registry) Runner(kind string, build func() (Worker, Config)) *Runner {
	g.mu.RLock()
	r, ok := g.runners[kind]
	g.mu.RUnlock()
	if ok {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.runners[kind]; ok {
		return r
	}

	w, config := build()
	r = NewRunner(kind, w, config, g.logger)
	g.runners[kind] = r
	return r
}

// Lookup returns the runner for kind if one has been constructed.
func (g *Registry) Lookup(kind string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[kind]
	return r, ok
}

// Status is a point-in-time view of one runner.
type Status struct {
	Kind   string `json:"kind"`
	State  string `json:"state"`
	Paused bool   `json:"paused"`
}

// Statuses reports every registered runner ordered by kind.
func (g *Registry) Statuses() []Status {
	g.mu.RLock()
	defer g.mu.RUnlock()

	statuses := make([]Status, 0, len(g.runners))
	for _, r := range g.runners {
		statuses = append(statuses, Status{
			Kind:   r.Kind(),
			State:  r.State().String(),
			Paused: r.Paused(),
		})
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Kind < statuses[j].Kind
	})
	return statuses
}

// Shutdown delivers the shutdown notification to every runner and waits for
// them to finish or for ctx to expire.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.RLock()
	runners := make([]*Runner, 0, len(g.runners))
	for _, r := range g.runners {
		runners = append(runners, r)
	}
	g.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, r := range runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			if err := r.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(r)
	}
	wg.Wait()

	return errors.Join(errs...)
}
