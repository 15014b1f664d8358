package store

import (
	"context"
	"time"
)

// Server is one registered farm member.
type Server struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Enabled      bool      `json:"enabled"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// ServerStore manages farm membership.
type ServerStore interface {
	// RegisterServer adds a server, or renames and re-enables an existing one.
	RegisterServer(ctx context.Context, id, name string) error

	// SetServerEnabled toggles membership without losing the row.
	// Returns ErrServerNotFound if the server is not registered.
	SetServerEnabled(ctx context.Context, id string, enabled bool) error

	// ListServers returns every registered server ordered by ID.
	ListServers(ctx context.Context) ([]Server, error)

	// EnabledServerIDs returns the IDs of enabled servers ordered by ID.
	EnabledServerIDs(ctx context.Context) ([]string, error)

	// TouchServer records a heartbeat.
	TouchServer(ctx context.Context, id string) error
}

// PendingCount is the number of deliverable and failed work items for one
// destination. ServerID is empty for anonymous tasks.
type PendingCount struct {
	ServerID string `json:"server_id"`
	Pending  int64  `json:"pending"`
	Failed   int64  `json:"failed"`
}

// StatusReader reports queue depth for the status endpoint.
type StatusReader interface {
	PendingCounts(ctx context.Context) ([]PendingCount, error)
}
