package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ClaudeAgent implements Invoker for the Claude Code CLI.
type ClaudeAgent struct {
	// Command is the path to the claude binary. Defaults to "claude".
	Command string
}

// NewClaudeAgent creates a Claude Code agent. An empty command uses
// "claude" from PATH.
func NewClaudeAgent(command string) *ClaudeAgent {
	if command == "" {
		command = "claude"
	}
	return &ClaudeAgent{Command: command}
}

// Name returns "claude".
func (a *ClaudeAgent) Name() string {
	return "claude"
}

// Available checks if the claude CLI is installed and accessible.
func (a *ClaudeAgent) Available() bool {
	_, err := exec.LookPath(a.command())
	return err == nil
}

// Invoke runs claude with the given prompt and parses its stream-json
// output incrementally.
// Uses --dangerously-skip-permissions for autonomous operation.
func (a *ClaudeAgent) Invoke(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()

	args := []string{
		"--dangerously-skip-permissions",
		"--print",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, a.command(), args...)
	cmd.Dir = req.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	req.Logs.Header(a.command()+" "+strings.Join(args[:len(args)-1], " "), req.Dir, start)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", a.command(), err)
	}

	parser := NewStreamParser(req.Logs)
	parseErr := parser.Parse(stdout)

	waitErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("wait for %s: %w", a.command(), waitErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if parseErr != nil {
		return nil, fmt.Errorf("read %s output: %w", a.command(), parseErr)
	}

	usage := parser.Usage()
	req.Logs.Trailer(time.Now(), duration, exitCode, usage)

	outcome := &Outcome{
		Output:   parser.Output(),
		ExitCode: exitCode,
		Usage:    usage,
		Duration: duration,
		LogPath:  req.Logs.MainPath(),
	}

	// Classification order matters: an intervention request pre-empts
	// the exit-code check, and a rate-limit signal is its own kind.
	switch {
	case parser.Question() != "":
		outcome.Kind = OutcomeIntervention
		outcome.Question = parser.Question()
	case !parser.RateLimitReset().IsZero():
		outcome.Kind = OutcomeRateLimited
		outcome.ResetAt = parser.RateLimitReset()
	case exitCode != 0:
		outcome.Kind = OutcomeFailure
		if tail := strings.TrimSpace(stderr.String()); tail != "" {
			req.Logs.Main("\nstderr: " + tail + "\n")
		}
	default:
		outcome.Kind = OutcomeSuccess
	}

	return outcome, nil
}

// command returns the claude binary path.
func (a *ClaudeAgent) command() string {
	if a.Command != "" {
		return a.Command
	}
	return "claude"
}
