// Package testdb opens migrated task stores for tests. SQLite stores live in
// the test's temporary directory; PostgreSQL stores are only available when
// FARMSYNC_TEST_DATABASE_URL points at a disposable database.
package testdb
