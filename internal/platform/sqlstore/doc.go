// Package sqlstore implements the farm task store and server directory over
// database/sql. The queries are written once with "?" placeholders and
// rebound per Dialect, so the PostgreSQL and SQLite backends share them.
package sqlstore
