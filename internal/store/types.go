// Package store provides the persistence layer for indexed code: a relational
// SQLite store for repositories, files and symbols, BM25 full-text indexes
// (SQLite FTS5 or Bleve), a shared embedding cache and a sharded HNSW vector
// store.
package store

import (
	"context"
	"time"
)

// SymbolKind classifies an extracted code entity.
type SymbolKind string

const (
	SymbolKindFunction  SymbolKind = "function"
	SymbolKindMethod    SymbolKind = "method"
	SymbolKindClass     SymbolKind = "class"
	SymbolKindInterface SymbolKind = "interface"
	SymbolKindType      SymbolKind = "type"
	SymbolKindVariable  SymbolKind = "variable"
	SymbolKindConstant  SymbolKind = "constant"
	SymbolKindModule    SymbolKind = "module"
	SymbolKindKey       SymbolKind = "key"
)

// Symbol is a named code entity extracted from a file. Value type: plugins
// produce symbols in source order and nothing mutates them afterwards.
type Symbol struct {
	Name      string     `json:"name"`
	Kind      SymbolKind `json:"kind"`
	FilePath  string     `json:"file_path"`
	StartLine int        `json:"start_line"` // 1-indexed
	EndLine   int        `json:"end_line"`   // inclusive
	Signature string     `json:"signature,omitempty"`
	Doc       string     `json:"doc,omitempty"`
}

// Repository is an indexed root directory.
type Repository struct {
	ID        int64
	Name      string
	RootPath  string // absolute
	CreatedAt time.Time
	IndexedAt time.Time
}

// File is a tracked file within a repository.
type File struct {
	ID           int64
	RepositoryID int64
	Path         string // relative to the repository root when known
	Language     string
	Size         int64
	Hash         string // sha256 of content, hex
	IndexedAt    time.Time
}

// Statistics summarizes the relational store.
type Statistics struct {
	Repositories int            `json:"repositories"`
	Files        int            `json:"files"`
	Symbols      int            `json:"symbols"`
	Languages    map[string]int `json:"languages"`    // files per language
	SymbolKinds  map[string]int `json:"symbol_kinds"` // symbols per kind
}

// Storage is the relational store shared by the plugin manager, the indexing
// engine and the dispatcher. Each call is its own transaction.
type Storage interface {
	// CreateRepository returns the repository rooted at rootPath, creating it if needed.
	CreateRepository(ctx context.Context, rootPath, name string) (*Repository, error)
	GetRepository(ctx context.Context, rootPath string) (*Repository, error)

	// StoreFile upserts a file by (repository, path). changed is false when a
	// row with the same content hash already existed.
	StoreFile(ctx context.Context, file *File) (stored *File, changed bool, err error)
	GetFileByPath(ctx context.Context, repositoryID int64, path string) (*File, error)
	DeleteFile(ctx context.Context, repositoryID int64, path string) error

	// StoreSymbols replaces every symbol of a file.
	StoreSymbols(ctx context.Context, fileID int64, symbols []Symbol) error
	GetSymbolsByFile(ctx context.Context, fileID int64) ([]Symbol, error)
	FindSymbols(ctx context.Context, name string, limit int) ([]Symbol, error)

	Statistics(ctx context.Context) (*Statistics, error)

	// Key-value state for runtime bookkeeping.
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error

	Close() error
}
