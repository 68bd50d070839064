// Error taxonomy for the analog probe host driver
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Wire encoding errors: malformed or out-of-range field values
	ErrProtocol ErrorCode = "PROTOCOL"

	// Command channel errors
	ErrNotConfigured ErrorCode = "CHANNEL_NOT_CONFIGURED"
	ErrTimeout       ErrorCode = "CHANNEL_TIMEOUT"
	ErrClosed        ErrorCode = "CHANNEL_CLOSED"

	// Probe activation moved the toolhead
	ErrActivation ErrorCode = "PROBE_ACTIVATION"

	// Durable log write failures
	ErrFlush ErrorCode = "LOG_FLUSH"

	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrConfigType       ErrorCode = "CONFIG_TYPE"

	// User command errors
	ErrCommandUnknown ErrorCode = "COMMAND_UNKNOWN"
	ErrCommandParam   ErrorCode = "COMMAND_PARAM"

	// Runtime errors
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Section and Option locate config errors
	Section string
	Option  string

	// Err wraps the underlying error
	Err error

	// Context provides additional key/value detail
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match on the code alone, so a bare
// New(ErrTimeout, "") works as a sentinel.
func (e *HostError) Is(target error) bool {
	t, ok := target.(*HostError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// SetSection sets the config section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Newf creates a new HostError with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) *HostError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code and message
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// Sentinels for errors.Is. They match any HostError with the same code.
var (
	Protocol      = New(ErrProtocol, "")
	NotConfigured = New(ErrNotConfigured, "")
	Timeout       = New(ErrTimeout, "")
	Closed        = New(ErrClosed, "")
	Activation    = New(ErrActivation, "")
	Flush         = New(ErrFlush, "")
)

// ProtocolError reports a field that cannot be encoded or decoded.
func ProtocolError(field string, format string, args ...interface{}) *HostError {
	return Newf(ErrProtocol, "field '%s': %s", field, fmt.Sprintf(format, args...)).
		SetContext("field", field)
}

// NotConfiguredError reports use of the channel before setup completed.
func NotConfiguredError(op string) *HostError {
	return Newf(ErrNotConfigured, "%s issued before channel configuration", op)
}

// TimeoutError reports a query that got no correlated response.
func TimeoutError(command string, after interface{}) *HostError {
	return Newf(ErrTimeout, "no response to '%s' after %v", command, after).
		SetContext("command", command)
}

// ActivationError reports toolhead motion during a probe activation script.
func ActivationError(action string, before, after []float64) *HostError {
	return Newf(ErrActivation, "toolhead moved during probe %s", action).
		SetContext("before", before).
		SetContext("after", after)
}

// FlushError reports a failed durable write of a log session.
func FlushError(target string, err error) *HostError {
	return Wrap(err, ErrFlush, fmt.Sprintf("write of '%s' failed", target))
}

// ConfigSectionError creates an error for missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for missing config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option string, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// ConfigTypeError creates an error for config type conversion failure
func ConfigTypeError(section, option, value string, targetType string, err error) *HostError {
	return Wrap(err, ErrConfigType, fmt.Sprintf("option '%s' in section '%s': failed to parse '%s' as %s", option, section, value, targetType)).
		SetSection(section).
		SetOption(option)
}

// UnknownCommandError creates an error for an unregistered user command
func UnknownCommandError(command string) *HostError {
	return New(ErrCommandUnknown, fmt.Sprintf("unknown command: %s", command))
}

// InvalidParameterError creates an error for a rejected command argument
func InvalidParameterError(command, param, value string, reason string) *HostError {
	return New(ErrCommandParam, fmt.Sprintf("%s: invalid parameter '%s=%s' (%s)", command, param, value, reason))
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// RecoverPanic converts a recovered panic value to an error.
// Call as `defer func() { err = errors.RecoverPanic(recover()) }()`.
func RecoverPanic(r interface{}) error {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case runtime.Error:
		return RuntimeError(x.Error())
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in the chain carries the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if stderrors.As(err, &hostErr) {
			if hostErr.Code == code {
				return true
			}
			err = hostErr.Err
			continue
		}
		return false
	}
	return false
}

// IsConfig checks if error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation) ||
		Is(err, ErrConfigType)
}

// IsFatal reports errors that must abort the current operation
// rather than be retried.
func IsFatal(err error) bool {
	return Is(err, ErrNotConfigured) || Is(err, ErrActivation)
}
