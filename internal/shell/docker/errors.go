package docker

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// Container errors
	ErrContainerNotFound = errors.New("container not found")
	ErrImageNotFound     = errors.New("image not found")

	// Command errors
	ErrExecutionFailed  = errors.New("runtime command failed")
	ErrValidation       = errors.New("runtime request rejected")
	ErrRetriesExhausted = errors.New("runtime retries exhausted")

	// Connection errors
	ErrConnectionFailed = errors.New("docker connection failed")
	ErrTimeout          = errors.New("operation timed out")
)

// DockerError wraps errors with additional context.
type DockerError struct {
	Op      string // Operation that failed
	Entity  string // Entity type (container, image, host)
	ID      string // Entity ID if applicable
	Message string
	Err     error
}

func (e *DockerError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Op, e.Entity, e.ID, e.Message)
	}
	if e.Entity != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Entity, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *DockerError) Unwrap() error {
	return e.Err
}

// NewDockerError creates a new DockerError.
func NewDockerError(op, entity, id, message string, err error) *DockerError {
	return &DockerError{
		Op:      op,
		Entity:  entity,
		ID:      id,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Command Errors
// =============================================================================

// CommandTimeoutError is returned when a runtime command outlives its timeout.
type CommandTimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

// Is matches ErrTimeout.
func (e *CommandTimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// CommandExecutionError is returned when a runtime command exits non-zero or
// its outcome could not be verified.
type CommandExecutionError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandExecutionError) Error() string {
	msg := e.Stderr
	if msg == "" {
		msg = e.Stdout
	}
	return fmt.Sprintf("command %q failed with exit code %d: %s", e.Command, e.ExitCode, msg)
}

// Is matches ErrExecutionFailed.
func (e *CommandExecutionError) Is(target error) bool {
	return target == ErrExecutionFailed
}

// ValidationError is returned when a request is refused before any command
// is issued.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConnectivityError reports which diagnostic tier failed for a host.
type ConnectivityError struct {
	Host string
	Tier string // icmp, tcp, runtime
	Err  error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("host %s unreachable at %s tier: %v", e.Host, e.Tier, e.Err)
	}
	return fmt.Sprintf("host %s unreachable at %s tier", e.Host, e.Tier)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// Is matches ErrConnectionFailed.
func (e *ConnectivityError) Is(target error) bool {
	return target == ErrConnectionFailed
}

// IsNotFound reports whether err means the container does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrContainerNotFound)
}
