package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/phrazzld/farmsync/internal/store"
)

// RegisterServer adds a server, or renames and re-enables an existing one.
func (s *Store) RegisterServer(ctx context.Context, id, name string) error {
	if id == "" {
		return fmt.Errorf("%w: server id is required", store.ErrInvalidEntity)
	}
	now := s.now().UTC()

	_, err := s.exec(ctx, s.db, `
		INSERT INTO farm_servers (id, name, enabled, registered_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, enabled = excluded.enabled`,
		id, name, true, now, now,
	)
	if err != nil {
		return store.NewStoreError("farm_server", "register", "failed to register server", err)
	}

	s.logger.Info("farm server registered", "server_id", id, "name", name)
	return nil
}

// SetServerEnabled toggles a server's farm membership.
func (s *Store) SetServerEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.exec(ctx, s.db, `UPDATE farm_servers SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return store.NewStoreError("farm_server", "update", "failed to update server", err)
	}
	if err := checkRowsAffected(res, id); err != nil {
		return err
	}

	s.logger.Info("farm server membership changed", "server_id", id, "enabled", enabled)
	return nil
}

// ListServers returns every registered server ordered by ID.
func (s *Store) ListServers(ctx context.Context) ([]store.Server, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, name, enabled, registered_at, last_seen_at
		FROM farm_servers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []store.Server
	for rows.Next() {
		var srv store.Server
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.Enabled, &srv.RegisteredAt, &srv.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", s.dialect.mapError(err))
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// EnabledServerIDs returns the IDs of enabled servers ordered by ID.
func (s *Store) EnabledServerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, s.db, `SELECT id FROM farm_servers WHERE enabled = ? ORDER BY id`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan server id: %w", s.dialect.mapError(err))
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TouchServer records a heartbeat.
func (s *Store) TouchServer(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `UPDATE farm_servers SET last_seen_at = ? WHERE id = ?`, s.now().UTC(), id)
	if err != nil {
		return store.NewStoreError("farm_server", "update", "failed to record heartbeat", err)
	}
	return checkRowsAffected(res, id)
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrServerNotFound, id)
	}
	return nil
}

// PendingCounts reports deliverable and failed work per destination, with
// anonymous tasks under an empty server ID.
func (s *Store) PendingCounts(ctx context.Context) ([]store.PendingCount, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT server_id,
			COUNT(*) FILTER (WHERE error_message IS NULL),
			COUNT(*) FILTER (WHERE error_message IS NOT NULL)
		FROM farm_task_servers
		GROUP BY server_id
		UNION ALL
		SELECT '',
			COUNT(*) FILTER (WHERE error_message IS NULL),
			COUNT(*) FILTER (WHERE error_message IS NOT NULL)
		FROM farm_tasks
		WHERE is_anonymous = ?
		ORDER BY 1`,
		true,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var counts []store.PendingCount
	for rows.Next() {
		var c store.PendingCount
		if err := rows.Scan(&c.ServerID, &c.Pending, &c.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan pending count: %w", s.dialect.mapError(err))
		}
		if c.ServerID == "" && c.Pending == 0 && c.Failed == 0 {
			continue
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}
