// Package errors provides structured error handling for codeindex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Plugin system errors
//   - 3XX: Indexing and IO errors
//   - 4XX: Embedding provider and vector store errors
//   - 5XX: Validation and internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	CategoryConfig   Category = "CONFIG"
	CategoryPlugin   Category = "PLUGIN"
	CategoryIndex    Category = "INDEX"
	CategoryProvider Category = "PROVIDER"
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Plugin errors (200-299)
	ErrCodePluginNotFound = "ERR_201_PLUGIN_NOT_FOUND"
	ErrCodePluginLoad     = "ERR_202_PLUGIN_LOAD"
	ErrCodePluginInit     = "ERR_203_PLUGIN_INIT"
	ErrCodePluginState    = "ERR_204_PLUGIN_STATE"

	// Indexing errors (300-399)
	ErrCodeExtractionFailed = "ERR_301_EXTRACTION_FAILED"
	ErrCodePathInaccessible = "ERR_302_PATH_INACCESSIBLE"
	ErrCodeFileTooLarge     = "ERR_303_FILE_TOO_LARGE"

	// Provider errors (400-499)
	ErrCodeProviderFailed      = "ERR_401_PROVIDER_FAILED"
	ErrCodeProviderTimeout     = "ERR_402_PROVIDER_TIMEOUT"
	ErrCodeProviderRateLimited = "ERR_403_PROVIDER_RATE_LIMITED"

	// Validation and internal errors (500-599)
	ErrCodeInvalidDimension = "ERR_501_INVALID_DIMENSION"
	ErrCodeInvalidInput     = "ERR_502_INVALID_INPUT"
	ErrCodeStorage          = "ERR_503_STORAGE"
	ErrCodeInternal         = "ERR_504_INTERNAL"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "101" from "ERR_101_CONFIG_NOT_FOUND"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryPlugin
	case '3':
		return CategoryIndex
	case '4':
		return CategoryProvider
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeConfigInvalid, ErrCodeInvalidDimension, ErrCodePathInaccessible:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Contract violations (plugin load, invalid dimension) never are.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeProviderTimeout, ErrCodeProviderRateLimited:
		return true
	default:
		return false
	}
}
