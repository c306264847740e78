package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucasnoah/devflow/internal/iteration"
	"github.com/lucasnoah/devflow/internal/policy"
)

var (
	// ErrConfiguration marks invalid policy or engine configuration. It is
	// fatal and never retried.
	ErrConfiguration = policy.ErrConfiguration
	// ErrInstanceActive means another live process holds the instance lease.
	ErrInstanceActive = errors.New("instance is active in another process")
	// ErrLostOwnership means a concurrent writer moved the instance past the
	// step this machine was applying.
	ErrLostOwnership = errors.New("lost ownership of instance")
)

// PlatformErrorKind classifies hosting-platform failures.
type PlatformErrorKind string

const (
	PlatformRateLimited PlatformErrorKind = "rate_limited"
	PlatformAuth        PlatformErrorKind = "auth"
	PlatformNotFound    PlatformErrorKind = "not_found"
	PlatformConflict    PlatformErrorKind = "conflict"
	// PlatformUnavailable covers transport failures and anything the adapter
	// could not classify.
	PlatformUnavailable PlatformErrorKind = "unavailable"
)

// PlatformError is returned by PlatformAdapter implementations.
type PlatformError struct {
	Kind PlatformErrorKind
	Op   string
	Err  error
}

func (e *PlatformError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("platform %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("platform %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// AgentErrorKind classifies agent failures.
type AgentErrorKind string

const (
	AgentTimeout         AgentErrorKind = "timeout"
	AgentRefused         AgentErrorKind = "refused"
	AgentMalformedOutput AgentErrorKind = "malformed_output"
	// AgentUnavailable covers the agent process failing to start or exiting
	// without a usable response.
	AgentUnavailable AgentErrorKind = "unavailable"
)

// AgentError is returned by AgentProvider implementations.
type AgentError struct {
	Kind AgentErrorKind
	Op   string
	Err  error
}

func (e *AgentError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("agent %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("agent %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AgentError) Unwrap() error { return e.Err }

// failureKind maps a collaborator error to an iteration failure kind.
func failureKind(err error) string {
	var pe *PlatformError
	var ae *AgentError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return iteration.FailureTimeout
	case errors.As(err, &ae) && ae.Kind == AgentTimeout:
		return iteration.FailureTimeout
	case errors.As(err, &pe):
		return iteration.FailurePlatform
	case errors.As(err, &ae):
		return iteration.FailureAgent
	}
	return iteration.FailureAgent
}
