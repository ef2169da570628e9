package errors

import (
	"errors"
	"fmt"
)

// CodedError is the structured error type shared by every codeindex package.
// Callers compare with errors.Is against the sentinels below; comparison is by code.
type CodedError struct {
	// Code is the unique error code (e.g., "ERR_201_PLUGIN_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable hint for the operator.
	Suggestion string
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// Is matches by code so sentinels work with errors.Is.
func (e *CodedError) Is(target error) bool {
	if t, ok := target.(*CodedError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *CodedError) WithDetail(key, value string) *CodedError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion.
func (e *CodedError) WithSuggestion(suggestion string) *CodedError {
	e.Suggestion = suggestion
	return e
}

// New creates a CodedError. Category, severity and the retryable flag are
// derived from the code.
func New(code string, message string, cause error) *CodedError {
	return &CodedError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a CodedError from an existing error, reusing its message.
func Wrap(code string, err error) *CodedError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrPluginNotFound   = &CodedError{Code: ErrCodePluginNotFound}
	ErrPluginLoad       = &CodedError{Code: ErrCodePluginLoad}
	ErrPluginInit       = &CodedError{Code: ErrCodePluginInit}
	ErrPluginState      = &CodedError{Code: ErrCodePluginState}
	ErrExtraction       = &CodedError{Code: ErrCodeExtractionFailed}
	ErrPathInaccessible = &CodedError{Code: ErrCodePathInaccessible}
	ErrProvider         = &CodedError{Code: ErrCodeProviderFailed}
	ErrInvalidDimension = &CodedError{Code: ErrCodeInvalidDimension}
	ErrInvalidInput     = &CodedError{Code: ErrCodeInvalidInput}
	ErrConfigInvalid    = &CodedError{Code: ErrCodeConfigInvalid}
)

// PluginNotFound reports a lookup by an unknown plugin name. Always a caller bug.
func PluginNotFound(name string) *CodedError {
	return New(ErrCodePluginNotFound, fmt.Sprintf("plugin %q not found", name), nil).
		WithDetail("plugin", name)
}

// PluginLoad reports a plugin that could not be resolved or failed its
// capability check. Never retried.
func PluginLoad(name string, cause error) *CodedError {
	return New(ErrCodePluginLoad, fmt.Sprintf("failed to load plugin %q", name), cause).
		WithDetail("plugin", name)
}

// PluginInit reports a construction or start failure. The plugin stays in
// the error state until it is reloaded.
func PluginInit(name string, cause error) *CodedError {
	return New(ErrCodePluginInit, fmt.Sprintf("failed to initialize plugin %q", name), cause).
		WithDetail("plugin", name).
		WithSuggestion("reload the plugin after fixing the cause")
}

// Extraction reports a per-file extraction failure.
func Extraction(path string, cause error) *CodedError {
	return New(ErrCodeExtractionFailed, fmt.Sprintf("failed to extract symbols from %s", path), cause).
		WithDetail("path", path)
}

// Provider reports an embedding provider or vector store failure.
func Provider(op string, cause error) *CodedError {
	code := ErrCodeProviderFailed
	var ce *CodedError
	if errors.As(cause, &ce) && ce.Category == CategoryProvider {
		code = ce.Code
	}
	return New(code, fmt.Sprintf("provider %s failed", op), cause).WithDetail("operation", op)
}

// InvalidDimension reports an embedding dimension outside the supported set.
func InvalidDimension(dim int, supported []int) *CodedError {
	return New(ErrCodeInvalidDimension, fmt.Sprintf("dimension %d is not one of %v", dim, supported), nil)
}

// IsRetryable reports whether any CodedError in the chain is retryable.
func IsRetryable(err error) bool {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCode extracts the first error code in the chain, or "".
func GetCode(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// GetCategory extracts the category of the first CodedError in the chain.
func GetCategory(err error) Category {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}
