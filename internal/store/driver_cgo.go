//go:build cgo_sqlite

package store

// CGO SQLite. FTS5 must be compiled in:
//
//	CGO_ENABLED=1 go build -tags "cgo_sqlite,sqlite_fts5" ./...

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverName is the database/sql driver used by every SQLite-backed store.
	DriverName = "sqlite3"

	// BuildMode describes the SQLite build configuration.
	BuildMode = "cgo"
)
