// Package errors provides the error taxonomy shared by all streamd packages.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
//
// Categories follow what a connection does when it sees the error:
// protocol and resolution errors disable the connection, replication and
// storage anomalies are logged and the connection keeps going.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Protocol violations
	ErrProtocol        = errors.New("protocol violation")
	ErrUnknownKeyword  = errors.New("unknown keyword")
	ErrMissingParam    = errors.New("missing parameters")
	ErrInvalidNumber   = errors.New("invalid number")
	ErrNoHostScope     = errors.New("no host in scope")
	ErrNoChartScope    = errors.New("no chart in scope")
	ErrNotCollecting   = errors.New("no collection cycle open")
	ErrNestedCycle     = errors.New("collection cycle already open")
	ErrChartBusy       = errors.New("chart is being collected by another connection")
	ErrNotAllowed      = errors.New("keyword not allowed on this connection")
	ErrLineTooLong     = errors.New("line too long")
	ErrInvalidHostGUID = errors.New("invalid machine guid")

	// Resolution failures
	ErrNotFound      = errors.New("not found")
	ErrHostNotFound  = errors.New("host not found")
	ErrChartNotFound = errors.New("chart not found")
	ErrDimNotFound   = errors.New("dimension not found")
	ErrInvalidSlot   = errors.New("invalid slot")
	ErrObsolete      = errors.New("obsolete")

	// Replication anomalies
	ErrReplicationAnomaly = errors.New("replication anomaly")
	ErrReplayWindow       = errors.New("replay window inconsistent with child retention")
	ErrNotReplicating     = errors.New("chart is not replicating")

	// Storage anomalies
	ErrOutOfOrder = errors.New("point out of order")
	ErrNoTier     = errors.New("no such tier")
	ErrClosed     = errors.New("closed")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Stream links
	ErrHandshake    = errors.New("stream handshake failed")
	ErrDenied       = errors.New("stream denied")
	ErrNotConnected = errors.New("not connected")
	ErrQueueFull    = errors.New("queue full")

	// Connection control. These are not failures.
	ErrDisabled = errors.New("connection disabled")
	ErrStop     = errors.New("connection stopped")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsProtocol returns true if err is a protocol violation.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrUnknownKeyword) ||
		errors.Is(err, ErrMissingParam) ||
		errors.Is(err, ErrInvalidNumber) ||
		errors.Is(err, ErrNoHostScope) ||
		errors.Is(err, ErrNoChartScope) ||
		errors.Is(err, ErrNotCollecting) ||
		errors.Is(err, ErrNestedCycle) ||
		errors.Is(err, ErrChartBusy) ||
		errors.Is(err, ErrNotAllowed) ||
		errors.Is(err, ErrLineTooLong) ||
		errors.Is(err, ErrInvalidHostGUID)
}

// IsNotFound returns true if err is a resolution failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrHostNotFound) ||
		errors.Is(err, ErrChartNotFound) ||
		errors.Is(err, ErrDimNotFound) ||
		errors.Is(err, ErrInvalidSlot) ||
		errors.Is(err, ErrObsolete)
}

// IsReplicationAnomaly returns true if err is a recoverable replication problem.
func IsReplicationAnomaly(err error) bool {
	return errors.Is(err, ErrReplicationAnomaly) ||
		errors.Is(err, ErrReplayWindow) ||
		errors.Is(err, ErrNotReplicating)
}

// IsStorageAnomaly returns true if err is a recoverable storage problem.
func IsStorageAnomaly(err error) bool {
	return errors.Is(err, ErrOutOfOrder)
}

// IsFatalForConnection reports whether a handler error ends the connection.
// Protocol violations and resolution failures do. Anomalies and samples
// for obsolete charts or dimensions do not.
func IsFatalForConnection(err error) bool {
	if err == nil {
		return false
	}
	if IsReplicationAnomaly(err) || IsStorageAnomaly(err) || errors.Is(err, ErrObsolete) {
		return false
	}
	return true
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewProtocol creates a protocol error naming the offending keyword.
func NewProtocol(keyword string, cause error, detail string) error {
	if detail == "" {
		return fmt.Errorf("%s: %w", keyword, cause)
	}
	return fmt.Errorf("%s: %w: %s", keyword, cause, detail)
}

// NewNotFound creates a resolution error for a named entity.
func NewNotFound(kind error, name string) error {
	return fmt.Errorf("%w: %s", kind, name)
}

// ============================================================================
// Validation errors
// ============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// ValidationErrors represents multiple validation errors.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Add adds a validation error.
func (e *ValidationErrors) Add(field, message string) {
	*e = append(*e, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ErrOrNil returns nil if there are no errors, otherwise returns e.
func (e ValidationErrors) ErrOrNil() error {
	if len(e) == 0 {
		return nil
	}
	return e
}
