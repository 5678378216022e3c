package pattern

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound indicates the pattern is absent from the system of record.
	ErrNotFound = errors.New("pattern not found in system of record")

	// ErrStoreUnavailable indicates a store did not answer within its timeout.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrTimeout indicates an aggregate deadline expired before all stores answered.
	ErrTimeout = errors.New("validation deadline exceeded")

	// ErrUnknownPatternType indicates a pattern type outside the known set.
	ErrUnknownPatternType = errors.New("unknown pattern type")

	// ErrUnknownStore indicates a store kind outside the known set.
	ErrUnknownStore = errors.New("unknown store")

	// ErrUnknownDiscrepancy indicates a recovery was requested for a discrepancy never flagged.
	ErrUnknownDiscrepancy = errors.New("discrepancy was never flagged")

	// ErrDiscrepancyResolved indicates a recovery was requested for an already resolved discrepancy.
	ErrDiscrepancyResolved = errors.New("discrepancy already resolved")

	// ErrTransientDiscrepancy indicates a timeout discrepancy, which is retried rather than repaired.
	ErrTransientDiscrepancy = errors.New("transient discrepancy cannot be repaired")

	// ErrRecoveryFailed indicates a repair did not restore agreement with the system of record.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrQueueFull indicates a best-effort request was dropped under backpressure.
	ErrQueueFull = errors.New("validation queue full")

	// ErrValidationPanicked indicates a validation job panicked and was recovered.
	ErrValidationPanicked = errors.New("validation panicked")

	// ErrClosed indicates the engine has been shut down.
	ErrClosed = errors.New("engine closed")
)

// Error type constants for classification
const (
	ErrTypeTimeout      = "timeout"
	ErrTypeUnavailable  = "unavailable"
	ErrTypeNotFound     = "not_found"
	ErrTypeValidation   = "validation"
	ErrTypeDatabase     = "database"
	ErrTypeRecovery     = "recovery"
	ErrTypeBackpressure = "backpressure"
	ErrTypeUnknown      = "unknown"
)

// ClassifyError inspects an error and returns its type classification.
// The result is used as a metric label and in trace records, so it never
// contains identifiers or payload content.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return ErrTypeNotFound
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrTypeTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return ErrTypeUnavailable
	case errors.Is(err, ErrQueueFull):
		return ErrTypeBackpressure
	case errors.Is(err, ErrRecoveryFailed):
		return ErrTypeRecovery
	case errors.Is(err, ErrUnknownPatternType),
		errors.Is(err, ErrUnknownStore),
		errors.Is(err, ErrUnknownDiscrepancy),
		errors.Is(err, ErrDiscrepancyResolved),
		errors.Is(err, ErrTransientDiscrepancy):
		return ErrTypeValidation
	}

	errStrLower := strings.ToLower(err.Error())

	if strings.Contains(errStrLower, "timeout") || strings.Contains(errStrLower, "deadline exceeded") {
		return ErrTypeTimeout
	}

	if strings.Contains(errStrLower, "connection refused") ||
		strings.Contains(errStrLower, "connection reset") ||
		strings.Contains(errStrLower, "no such host") ||
		strings.Contains(errStrLower, "unavailable") {
		return ErrTypeUnavailable
	}

	if strings.Contains(errStrLower, "sql") ||
		strings.Contains(errStrLower, "database") ||
		strings.Contains(errStrLower, "constraint") {
		return ErrTypeDatabase
	}

	if strings.Contains(errStrLower, "invalid") ||
		strings.Contains(errStrLower, "required") ||
		strings.Contains(errStrLower, "cannot be empty") ||
		strings.Contains(errStrLower, "must be") {
		return ErrTypeValidation
	}

	return ErrTypeUnknown
}
