// Package postgres is the PostgreSQL backend of the farm task store. It opens
// connections through the pgx stdlib driver, embeds the goose migrations for
// the farm tables, and maps PostgreSQL error codes onto the sentinel errors of
// the internal/store package. Query logic itself is shared with the SQLite
// backend in internal/platform/sqlstore.
package postgres
