package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// APIError describes a non-2xx answer from the remote service
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e APIError) Error() string {
	msg := fmt.Sprintf("%s returned HTTP %d", e.Operation, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// StageError reports the workflow stage a rotation run halted at
type StageError struct {
	Stage string
	Err   error
}

func (e StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rotation halted at stage %s", e.Stage)
	}
	return fmt.Sprintf("rotation halted at stage %s: %v", e.Stage, e.Err)
}

func (e StageError) Unwrap() error {
	return e.Err
}

// Suggest returns a hint for an operator looking at a failed run
func Suggest(err error) string {
	if err == nil {
		return ""
	}

	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return "Check that the username and key in the environment are valid and belong to an administrator"
		case apiErr.StatusCode == 404:
			return "Verify the API domain and that the service account still exists"
		case apiErr.StatusCode >= 500:
			return "The remote service reported an internal error. Check its health and re-run"
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout"):
		return "The operation timed out. Check your network connection and try again"
	case strings.Contains(errStr, "connection refused"), strings.Contains(errStr, "no such host"):
		return "Unable to connect. Check the --api-domain value and cluster DNS"
	case strings.Contains(errStr, "forbidden"):
		return "Check the service account RBAC permissions for get/update on secrets"
	}

	return ""
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	var userErr UserError
	var cfgErr ConfigError
	if errors.As(err, &userErr) || errors.As(err, &cfgErr) {
		return err
	}

	errStr := err.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if suggestion := Suggest(err); suggestion != "" {
		return UserError{
			Message:    errStr,
			Suggestion: suggestion,
			Err:        err,
		}
	}

	return err
}
