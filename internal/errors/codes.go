// Package errors provides structured error handling for semfold.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Folder and scan errors
//   - 3XX: Model lifecycle errors
//   - 4XX: Scheduling and preemption errors
//   - 5XX: Internal and storage errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryFolder indicates folder scanning and lifecycle errors.
	CategoryFolder Category = "FOLDER"
	// CategoryModel indicates embedding model lifecycle errors.
	CategoryModel Category = "MODEL"
	// CategoryScheduling indicates scheduler and preemption errors.
	CategoryScheduling Category = "SCHEDULING"
	// CategoryInternal indicates unexpected internal errors.
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
	ErrCodeFolderExists   = "ERR_103_FOLDER_ALREADY_REGISTERED"
	ErrCodeFolderUnknown  = "ERR_104_FOLDER_NOT_REGISTERED"

	// Folder errors (200-299)
	ErrCodeScanFailed    = "ERR_201_SCAN_FAILED"
	ErrCodeFolderMissing = "ERR_202_FOLDER_MISSING"
	ErrCodeBadTransition = "ERR_203_ILLEGAL_TRANSITION"

	// Model errors (300-399)
	ErrCodeModelUnknown        = "ERR_301_MODEL_UNKNOWN"
	ErrCodeModelDownloadFailed = "ERR_302_MODEL_DOWNLOAD_FAILED"
	ErrCodeModelLoadTimeout    = "ERR_303_MODEL_LOAD_TIMEOUT"
	ErrCodeModelLoadError      = "ERR_304_MODEL_LOAD_ERROR"
	ErrCodeModelNotReady       = "ERR_305_MODEL_NOT_READY"
	ErrCodeEmbeddingFailed     = "ERR_306_EMBEDDING_FAILED"

	// Scheduling errors (400-499)
	ErrCodePreemptionTimeout = "ERR_401_PREEMPTION_TIMEOUT"
	ErrCodeDriveRevoked      = "ERR_402_DRIVE_REVOKED"

	// Internal errors (500-599)
	ErrCodeInternal      = "ERR_501_INTERNAL"
	ErrCodeStorageFailed = "ERR_502_STORAGE_FAILED"
	ErrCodeSearchFailed  = "ERR_503_SEARCH_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract leading digit of the numeric portion (e.g., "2" from "ERR_201_SCAN_FAILED")
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryFolder
	case '3':
		return CategoryModel
	case '4':
		return CategoryScheduling
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeBadTransition, ErrCodeInternal:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeModelDownloadFailed, ErrCodeEmbeddingFailed:
		return true
	default:
		return false
	}
}
