package watcher

import (
	"time"
)

// Operation is what happened to a path.
type Operation int

const (
	// OpCreate is a new file, or a file in a new directory.
	OpCreate Operation = iota
	// OpModify is a write to an existing file, or a file replaced in place.
	OpModify
	// OpDelete is a removed file or directory. Renames report the old name
	// as deleted and the new one as created.
	OpDelete
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent is one change to an absolute path.
type FileEvent struct {
	Path      string
	Operation Operation
	IsDir     bool
	Timestamp time.Time
}

// IgnoreFunc reports whether an absolute path is not watched.
type IgnoreFunc func(path string, isDir bool) bool

// Options configures a Watcher.
type Options struct {
	// DebounceWindow is how long a path stays quiet before its event is
	// emitted. Default: 200ms
	DebounceWindow time.Duration

	// EventBufferSize is the number of batches Events buffers. Default: 100
	EventBufferSize int

	// SkipHidden ignores dot files and dot directories.
	SkipHidden bool

	// Ignore is consulted after SkipHidden. Nil ignores nothing.
	Ignore IgnoreFunc
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  200 * time.Millisecond,
		EventBufferSize: 100,
		SkipHidden:      true,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	return o
}
