package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the Drawing Analysis Worker
 *
 * Four classes matter to the pipeline: collaborator failures are absorbed per
 * tile and track, quality failures trigger a fallback step, geometry failures
 * are fatal, and tier exhaustion is terminal.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Pipeline errors
	ErrorGeometryFailed     ErrorCode = "GEOMETRY_FAILED"
	ErrorCollaboratorFailed ErrorCode = "COLLABORATOR_FAILED"
	ErrorQualityFailed      ErrorCode = "QUALITY_FAILED"
	ErrorTierTimeout        ErrorCode = "TIER_TIMEOUT"
	ErrorTiersExhausted     ErrorCode = "TIERS_EXHAUSTED"

	// Input errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Storage errors
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"

	// Network errors
	ErrorAPICallFailed ErrorCode = "API_CALL_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewGeometryError(jobID string, message string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorGeometryFailed,
		Message:   message,
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewCollaboratorError(collaborator, tileID string, attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorCollaboratorFailed,
		Message:   fmt.Sprintf("%s call failed for tile %s after %d attempt(s)", collaborator, tileID, attempts),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"collaborator": collaborator,
			"tile_id":      tileID,
			"attempts":     attempts,
		},
		Cause: cause,
	}
}

func NewQualityError(tier string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorQualityFailed,
		Message:   fmt.Sprintf("quality gate rejected %s: %s", tier, reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"tier":   tier,
			"reason": reason,
		},
	}
}

func NewTierTimeoutError(tier string, timeout time.Duration) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorTierTimeout,
		Message:   fmt.Sprintf("%s timed out after %v", tier, timeout),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"tier":             tier,
			"timeout_duration": timeout.String(),
		},
	}
}

func NewTiersExhaustedError(jobID string, reason string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorTiersExhausted,
		Message:   "all recognition tiers failed",
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"fallback_reason": reason,
		},
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(jobID string, mimeType string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported file format: %s", mimeType),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store analysis results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsGeometry reports whether err is a fatal geometry failure.
func IsGeometry(err error) bool {
	return CodeOf(err) == ErrorGeometryFailed
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
