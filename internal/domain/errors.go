package domain

import (
	"errors"
	"fmt"
)

// Base error types (sentinel errors).
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnsupported  = errors.New("unsupported operation")
	ErrInternal     = errors.New("internal error")
	ErrUnavailable  = errors.New("service unavailable")
	ErrConflict     = errors.New("conflict")
)

// Specific errors.
var (
	ErrUnknownCoverage        = fmt.Errorf("coverage: %w", ErrNotFound)
	ErrDuplicateCoverage      = fmt.Errorf("coverage already exists: %w", ErrConflict)
	ErrEmptyCatalog           = fmt.Errorf("catalog has no granules: %w", ErrNotFound)
	ErrCatalogDisposed        = fmt.Errorf("catalog disposed: %w", ErrUnavailable)
	ErrReaderDisposed         = fmt.Errorf("mosaic reader disposed: %w", ErrUnavailable)
	ErrInvalidFilterAttribute = fmt.Errorf("filter attribute: %w", ErrInvalidInput)
	ErrTooManyGranules        = fmt.Errorf("too many granules: %w", ErrInvalidInput)
	ErrAmbiguousCoverage      = fmt.Errorf("coverage name required, mosaic has several: %w", ErrInvalidInput)
	ErrUnsupportedFormat      = fmt.Errorf("raster format: %w", ErrUnsupported)
	ErrIncompatibleGranule    = fmt.Errorf("granule incompatible with coverage: %w", ErrUnsupported)
	ErrIndexingCancelled      = errors.New("indexing cancelled")
	ErrNotReady               = fmt.Errorf("service not ready: %w", ErrUnavailable)
	ErrStorageUnavailable     = fmt.Errorf("storage: %w", ErrUnavailable)
)

// ValidationError represents a detailed validation error.
type ValidationError struct {
	Field      string      // Field that failed validation
	Value      interface{} // The invalid value
	Constraint string      // The constraint that was violated
	Message    string      // Human-readable message
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s (value: %v, constraint: %s)",
		e.Field, e.Message, e.Value, e.Constraint)
}

// Unwrap returns the underlying error type.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// CatalogError represents a failed catalog operation.
type CatalogError struct {
	Coverage string // Coverage name, empty for catalog-wide operations
	Op       string // Operation that failed (insert, query, commit, ...)
	Err      error  // Underlying error
}

// Error implements the error interface.
func (e *CatalogError) Error() string {
	if e.Coverage != "" {
		return fmt.Sprintf("catalog %s failed for coverage %s: %v", e.Op, e.Coverage, e.Err)
	}
	return fmt.Sprintf("catalog %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *CatalogError) Unwrap() error {
	return e.Err
}

// FilterError reports a filter that references an attribute it may not touch.
type FilterError struct {
	Attribute string // Offending attribute
	Owner     string // Dimension or coverage the filter was evaluated against
	Err       error  // Underlying error, usually ErrInvalidFilterAttribute
}

// Error implements the error interface.
func (e *FilterError) Error() string {
	return fmt.Sprintf("filter on %s references attribute %q: %v", e.Owner, e.Attribute, e.Err)
}

// Unwrap returns the underlying error.
func (e *FilterError) Unwrap() error {
	return e.Err
}

// GranuleError describes why a single source file was skipped or failed.
type GranuleError struct {
	Path   string // Source file
	Reason string // Short machine-friendly reason (crs_mismatch, unreadable, ...)
	Err    error  // Underlying error
}

// Error implements the error interface.
func (e *GranuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("granule %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("granule %s: %s", e.Path, e.Reason)
}

// Unwrap returns the underlying error.
func (e *GranuleError) Unwrap() error {
	return e.Err
}

// StorageError represents a failed granule source operation.
type StorageError struct {
	Operation string // list, download, ...
	Key       string // Object key
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s failed for %s: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// TooManyGranulesError is returned when a read resolves more granules than allowed.
type TooManyGranulesError struct {
	Coverage string
	Count    int64
	Max      int
}

// Error implements the error interface.
func (e *TooManyGranulesError) Error() string {
	return fmt.Sprintf("read on coverage %s resolves %d granules, limit is %d", e.Coverage, e.Count, e.Max)
}

// Unwrap returns ErrTooManyGranules.
func (e *TooManyGranulesError) Unwrap() error {
	return ErrTooManyGranules
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field   string // Configuration field
	Message string // Error message
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error for %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error type.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidInput
}
