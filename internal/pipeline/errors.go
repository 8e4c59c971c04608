package pipeline

import (
	"fmt"
	"time"
)

// AgentFailure means the agent process exited non-zero. Process
// failures are not retried; the log file has the diagnosis.
type AgentFailure struct {
	Step     string
	ExitCode int
	LogPath  string
}

func (e *AgentFailure) Error() string {
	if e.LogPath != "" {
		return fmt.Sprintf("step %s: agent exited with code %d (log: %s)", e.Step, e.ExitCode, e.LogPath)
	}
	return fmt.Sprintf("step %s: agent exited with code %d", e.Step, e.ExitCode)
}

// CheckFailedError means a step's checks still failed after the retry
// budget was spent.
type CheckFailedError struct {
	Step      string
	CheckName string
	Output    string
	Attempts  int
}

func (e *CheckFailedError) Error() string {
	return fmt.Sprintf("step %s: check %s failed after %d attempt(s)", e.Step, e.CheckName, e.Attempts)
}

// RateLimitError surfaces an agent usage limit when the engine is
// configured not to wait for the reset.
type RateLimitError struct {
	Step    string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("step %s: agent rate limited until %s", e.Step, e.ResetAt.Format(time.RFC3339))
}
