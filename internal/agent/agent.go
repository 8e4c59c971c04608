// Package agent spawns the external autonomous agent and classifies the
// terminal outcome of each invocation from its event stream.
package agent

import (
	"context"
	"time"
)

// OutcomeKind classifies how an invocation ended.
type OutcomeKind int

const (
	// OutcomeSuccess means the process exited zero with no pending
	// human-input request.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeFailure means the process exited non-zero.
	OutcomeFailure

	// OutcomeIntervention means the agent asked a human question. It
	// pre-empts the exit-code check regardless of how the process exited.
	OutcomeIntervention

	// OutcomeRateLimited means the agent hit a usage limit and reported
	// when it resets.
	OutcomeRateLimited
)

// String returns the outcome kind label.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeIntervention:
		return "intervention"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Usage holds token counts reported by the agent for one model.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// Outcome is the result of one agent invocation.
type Outcome struct {
	Kind OutcomeKind

	// Output is the accumulated main content text.
	Output string

	// Question carries the human-input request, set for OutcomeIntervention.
	Question string

	// ResetAt is the rate-limit reset time, set for OutcomeRateLimited.
	ResetAt time.Time

	// ExitCode is the process exit code.
	ExitCode int

	// Usage is the per-model token accounting summed across the
	// invocation's events.
	Usage map[string]Usage

	// Duration is the wall-clock time of the invocation.
	Duration time.Duration

	// LogPath is the main log file for diagnosis, empty when logging
	// was disabled.
	LogPath string
}

// Request describes one invocation.
type Request struct {
	// Prompt is the fully assembled prompt string.
	Prompt string

	// Dir is the working directory for the agent process.
	Dir string

	// Model optionally overrides the agent's default model.
	Model string

	// Logs receives the main and reasoning streams. Nil discards them.
	Logs *Logs
}

// Invoker runs the external agent.
type Invoker interface {
	// Name returns the agent's display name.
	Name() string

	// Available checks if the agent's CLI is installed and accessible.
	Available() bool

	// Invoke runs the agent to completion and classifies the outcome.
	// An error is returned only for spawn-level problems; a non-zero
	// exit is an OutcomeFailure, not an error.
	Invoke(ctx context.Context, req Request) (*Outcome, error)
}
