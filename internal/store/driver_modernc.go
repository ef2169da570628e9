//go:build !cgo_sqlite

package store

// Pure Go SQLite, FTS5 included. This is the default build.
//
//	CGO_ENABLED=0 go build ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver used by every SQLite-backed store.
	DriverName = "sqlite"

	// BuildMode describes the SQLite build configuration.
	BuildMode = "purego"
)
