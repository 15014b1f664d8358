// Package store holds the persistence primitives shared by the SQL backends:
// the DBTX abstraction over *sql.DB and *sql.Tx, transaction handling, the
// farm server directory contract and the error values every backend maps its
// driver errors onto.
package store
