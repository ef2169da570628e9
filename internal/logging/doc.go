// Package logging configures structured slog output for codeindex.
// Logs are JSON lines written to a size-rotated file under ~/.codeindex/logs/
// and, by default, mirrored to stderr.
package logging
