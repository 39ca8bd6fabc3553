// Package db provides the journal storage of the shim.
//
// It implements the repository interfaces of the domain package on top of SQLite
// (modernc.org/sqlite through sqlx), converting between domain structs and
// database rows, and applies the embedded goose migrations on open.
package db
