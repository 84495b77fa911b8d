// Copyright (C) 2025 memwatch contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package errors provides standardized error handling for the memwatch agent.
// Every error carries a stable code, a category from the agent taxonomy, a
// timestamp, and optional structured details.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error categories for structured error handling
const (
	CategoryConfiguration = "configuration"
	CategoryMonitoring    = "monitoring"
	CategoryDetection     = "detection"
	CategoryAnalysis      = "analysis"
	CategoryProfiling     = "profiling"
	CategoryReporting     = "reporting"
	CategoryResource      = "resource"
	CategoryState         = "state"
	CategorySecurity      = "security"
	CategoryPerformance   = "performance"
)

// Stable error codes surfaced through the public API and events
const (
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeSamplerFailed      = "SAMPLER_FAILED"
	CodeBaselineNotReady   = "BASELINE_NOT_READY"
	CodeSnapshotFailed     = "SNAPSHOT_FAILED"
	CodeProfilingFailed    = "PROFILING_FAILED"
	CodeSinkFailed         = "SINK_FAILED"
	CodeCircuitOpen        = "CIRCUIT_OPEN"
	CodeQueueTimeout       = "QUEUE_TIMEOUT"
	CodeQueueOverflow      = "QUEUE_OVERFLOW"
	CodeMemoryExhaustion   = "MEMORY_EXHAUSTION"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeSecurityViolation  = "SECURITY_VIOLATION"
	CodeShutdownInProgress = "SHUTDOWN_IN_PROGRESS"
	CodeNotFound           = "NOT_FOUND"
	CodeStreamRejected     = "STREAM_REJECTED"
)

// AgentError represents a structured error with code, category and context
type AgentError struct {
	Code      string
	Category  string
	Op        string // Operation that failed
	Message   string // Human-readable message
	Details   map[string]interface{}
	Timestamp time.Time
	Err       error // Underlying error
}

// Error implements the error interface
func (e *AgentError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Category, e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Op, e.Err)
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Category, e.Op, e.Message)
	}
}

// Unwrap returns the underlying error
func (e *AgentError) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is
func (e *AgentError) Is(target error) bool {
	t, ok := target.(*AgentError)
	if !ok {
		return false
	}
	if t.Code != "" && e.Code != t.Code {
		return false
	}
	if t.Category != "" && e.Category != t.Category {
		return false
	}
	return t.Op == "" || e.Op == t.Op
}

// WithDetails attaches structured details to the error
func (e *AgentError) WithDetails(details map[string]interface{}) *AgentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// New creates a new AgentError without wrapping an existing error
func New(code, category, op, message string) *AgentError {
	return &AgentError{
		Code:      code,
		Category:  category,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Newf creates a new AgentError with a formatted message
func Newf(code, category, op, format string, args ...interface{}) *AgentError {
	return New(code, category, op, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with code, category and operation context
func Wrap(err error, code, category, op, message string) *AgentError {
	if err == nil {
		return nil
	}
	return &AgentError{
		Code:      code,
		Category:  category,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Wrapf wraps an error with a formatted message
func Wrapf(err error, code, category, op, format string, args ...interface{}) *AgentError {
	return Wrap(err, code, category, op, fmt.Sprintf(format, args...))
}

// GetCode extracts the code from an error, empty string if not an AgentError
func GetCode(err error) string {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Code
	}
	return ""
}

// GetCategory extracts the category from an error
func GetCategory(err error) string {
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr.Category
	}
	return ""
}

// IsCategory checks if an error belongs to a specific category
func IsCategory(err error, category string) bool {
	return GetCategory(err) == category
}

// IsCode checks if an error carries a specific code
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// IsCritical reports whether an error must be surfaced to the host as a
// critical-error instead of being swallowed by the owning subsystem loop.
func IsCritical(err error) bool {
	switch GetCode(err) {
	case CodeSnapshotFailed, CodeSecurityViolation, CodeMemoryExhaustion:
		return true
	}
	switch GetCategory(err) {
	case CategorySecurity:
		return true
	}
	return false
}

// retryableMessageFragments are matched case-insensitively against error text
// when no explicit retryable code is present.
var retryableMessageFragments = []string{
	"timeout",
	"connection",
	"network",
	"temporarily",
}

// IsRetryable determines if an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Validation and configuration failures never self-heal
	if IsCategory(err, CategoryConfiguration) || IsCategory(err, CategoryState) {
		return false
	}

	switch GetCode(err) {
	case CodeSinkFailed, CodeSamplerFailed:
		return true
	case CodeCircuitOpen, CodeShutdownInProgress:
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableMessageFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// Common error constructors for frequently used patterns

// ConfigError creates a configuration error
func ConfigError(op, message string) *AgentError {
	return New(CodeInvalidConfig, CategoryConfiguration, op, message)
}

// ConfigErrorf creates a configuration error with formatting
func ConfigErrorf(op, format string, args ...interface{}) *AgentError {
	return Newf(CodeInvalidConfig, CategoryConfiguration, op, format, args...)
}

// MonitoringError wraps a sampler/probe failure
func MonitoringError(op string, err error) *AgentError {
	return Wrap(err, CodeSamplerFailed, CategoryMonitoring, op, "")
}

// DetectionError wraps a leak-detection failure
func DetectionError(op string, err error) *AgentError {
	return Wrap(err, CodeBaselineNotReady, CategoryDetection, op, "")
}

// ReportingError wraps a sink/notification failure
func ReportingError(op string, err error) *AgentError {
	return Wrap(err, CodeSinkFailed, CategoryReporting, op, "")
}

// StateError creates an invalid-transition error
func StateError(op, message string) *AgentError {
	return New(CodeInvalidTransition, CategoryState, op, message)
}

// SecurityError creates a security-violation error
func SecurityError(op, message string) *AgentError {
	return New(CodeSecurityViolation, CategorySecurity, op, message)
}

// ResourceError creates a resource-exhaustion error
func ResourceError(op, message string) *AgentError {
	return New(CodeMemoryExhaustion, CategoryResource, op, message)
}

// ShutdownError creates the error handed to pending work rejected at shutdown
func ShutdownError(op string) *AgentError {
	return New(CodeShutdownInProgress, CategoryState, op, "agent is shutting down")
}
