package services

import (
	"errors"
	"fmt"
)

// ReasonCode is the stable machine-readable code surfaced to callers.
// Internal details (scores, thresholds) are never exposed through it.
type ReasonCode string

const (
	ReasonValidation         ReasonCode = "VALIDATION_ERROR"
	ReasonSecurityBlocked    ReasonCode = "SECURITY_BLOCKED"
	ReasonComplianceBlocked  ReasonCode = "COMPLIANCE_BLOCKED"
	ReasonNoRoute            ReasonCode = "NO_ROUTE_AVAILABLE"
	ReasonIntegrityViolation ReasonCode = "INTEGRITY_VIOLATION"
	ReasonRailFailure        ReasonCode = "RAIL_FAILURE"
)

// PipelineError is a terminal, non-retryable pipeline outcome.
type PipelineError struct {
	Code    ReasonCode
	Message string
	cause   error
}

func (e *PipelineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.cause }

func newPipelineError(code ReasonCode, message string, cause error) *PipelineError {
	return &PipelineError{Code: code, Message: message, cause: cause}
}

// ValidationError builds a user-correctable intake error.
func ValidationError(message string) *PipelineError {
	return newPipelineError(ReasonValidation, message, nil)
}

// RailError is a failure reported by (or on the way to) an external rail.
// Transient failures are eligible for retry; permanent ones are not.
type RailError struct {
	Transient bool
	Reason    string
}

func (e *RailError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("rail failure (%s): %s", kind, e.Reason)
}

// IsTransient reports whether err is a retryable rail failure.
func IsTransient(err error) bool {
	var re *RailError
	return errors.As(err, &re) && re.Transient
}

// CodeOf extracts the reason code from a pipeline error, or empty.
func CodeOf(err error) ReasonCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
