package pipeline

import (
	"context"
	"fmt"
	"time"

	"pipewright/internal/agent"
	"pipewright/internal/check"
	"pipewright/internal/config"
	"pipewright/internal/interaction"
	"pipewright/internal/state"
	"pipewright/internal/task"
)

// Executor runs one pipeline step to completion: invoke the agent,
// handle interventions and rate limits, validate with checks, retry
// with feedback, checkpoint on success.
//
// Retry accounting: only check failures consume the retry budget.
// Interventions and rate-limit waits re-invoke the agent without
// spending an attempt, and an agent process failure ends the step
// immediately.
type Executor struct {
	Store       *state.Store
	Agent       agent.Invoker
	Git         Checkpointer
	Coordinator *interaction.Coordinator
	Prompts     *PromptBuilder
	Dir         string
	Output      *Printer

	// WaitOnRateLimit makes the executor sleep until the reported reset
	// time instead of surfacing a RateLimitError.
	WaitOnRateLimit bool

	// Sleep overrides the rate-limit wait, for tests. Nil uses a real timer.
	Sleep func(d time.Duration)

	// Now is overridable in tests.
	Now func() time.Time
}

// Checkpointer commits the working tree after a successful step.
type Checkpointer interface {
	Checkpoint(stepName string) error
}

// Run executes one step. On return the step phase is done, failed, or
// left resumable (pending question preserved, or pending again after an
// interrupt).
func (e *Executor) Run(ctx context.Context, t *task.Task, step config.StepDef) error {
	maxAttempts := step.Retry + 1

	st, _ := e.Store.LoadTask(t.ID)

	// A run that was interrupted while parked on a question resumes at
	// the question itself, without re-invoking the agent first.
	if st.Phase == state.PhaseWaitingForInput && st.PendingQuestion != nil && st.CurrentStep == step.Name {
		e.Output.Question(step.Name, st.PendingQuestion.Question)
		pauseStart := e.now()
		if _, err := e.Coordinator.AwaitAnswer(ctx, t.ID, st.PendingQuestion.Question); err != nil {
			return err
		}
		e.addPause(t.ID, e.now().Sub(pauseStart))
	}

	if _, err := e.Store.UpdateTask(t.ID, func(st *state.TaskStatus) {
		st.Phase = state.PhaseRunning
		st.CurrentStep = step.Name
		st.SetStep(step.Name, state.StepRunning)
	}); err != nil {
		return err
	}

	invocation := 0
	feedback := ""
	for attempt := 1; ; attempt++ {
		e.Output.StepStart(step.Name, attempt)
		stepStart := e.now()

	invoke:
		for {
			st, _ := e.Store.LoadTask(t.ID)
			prompt, err := e.Prompts.Build(step, t, st, feedback)
			if err != nil {
				return e.fail(ctx, t.ID, step.Name, err)
			}

			invocation++
			logs, err := agent.OpenLogs(e.Store.LogDir(t.ID), step.Name, invocation)
			if err != nil {
				return e.fail(ctx, t.ID, step.Name, fmt.Errorf("open logs: %w", err))
			}
			outcome, err := e.Agent.Invoke(ctx, agent.Request{
				Prompt: prompt,
				Dir:    e.Dir,
				Model:  step.Model,
				Logs:   logs,
			})
			logs.Close()
			if err != nil {
				return e.fail(ctx, t.ID, step.Name, fmt.Errorf("step %s: %w", step.Name, err))
			}

			e.recordUsage(t.ID, outcome.Usage)

			switch outcome.Kind {
			case agent.OutcomeIntervention:
				if err := e.awaitAnswer(ctx, t.ID, step.Name, outcome.Question); err != nil {
					return err
				}
				continue

			case agent.OutcomeRateLimited:
				if err := e.waitForReset(ctx, t.ID, step.Name, outcome.ResetAt); err != nil {
					return err
				}
				continue

			case agent.OutcomeFailure:
				return e.fail(ctx, t.ID, step.Name, &AgentFailure{
					Step:     step.Name,
					ExitCode: outcome.ExitCode,
					LogPath:  outcome.LogPath,
				})
			}
			break invoke
		}

		result := check.Run(ctx, e.Dir, step.Check)
		if result.Passed {
			if e.Git != nil {
				if err := e.Git.Checkpoint(step.Name); err != nil {
					return e.fail(ctx, t.ID, step.Name, err)
				}
			}
			if _, err := e.Store.UpdateTask(t.ID, func(st *state.TaskStatus) {
				st.SetStep(step.Name, state.StepDone)
				st.CurrentStep = ""
			}); err != nil {
				return err
			}
			e.Output.StepDone(step.Name, e.now().Sub(stepStart))
			return nil
		}

		if attempt >= maxAttempts {
			return e.fail(ctx, t.ID, step.Name, &CheckFailedError{
				Step:      step.Name,
				CheckName: result.Check.Name(),
				Output:    result.Output,
				Attempts:  attempt,
			})
		}
		e.Output.CheckFailed(step.Name, result.Check.Name())
		feedback = fmt.Sprintf("Check %s failed:\n%s", result.Check.Name(), result.Output)
	}
}

// awaitAnswer parks the task on the question and blocks for the answer.
// An interrupted wait leaves the task parked and is returned unchanged.
func (e *Executor) awaitAnswer(ctx context.Context, taskID, stepName, question string) error {
	pauseStart := e.now()
	if _, err := e.Store.UpdateTask(taskID, func(st *state.TaskStatus) {
		st.Phase = state.PhaseWaitingForInput
		st.PendingQuestion = &state.PendingQuestion{Question: question, Timestamp: pauseStart}
	}); err != nil {
		return err
	}
	e.Output.Question(stepName, question)

	if _, err := e.Coordinator.AwaitAnswer(ctx, taskID, question); err != nil {
		return err
	}
	e.addPause(taskID, e.now().Sub(pauseStart))
	return nil
}

// waitForReset handles a rate-limited invocation per policy: either
// sleep until the reset and resume, or surface a RateLimitError with
// the task parked in waiting_for_reset.
func (e *Executor) waitForReset(ctx context.Context, taskID, stepName string, resetAt time.Time) error {
	e.Output.RateLimited(stepName, resetAt)
	if _, err := e.Store.UpdateTask(taskID, func(st *state.TaskStatus) {
		st.Phase = state.PhaseWaitingForReset
	}); err != nil {
		return err
	}
	if !e.WaitOnRateLimit {
		return &RateLimitError{Step: stepName, ResetAt: resetAt}
	}

	pauseStart := e.now()
	if d := resetAt.Sub(pauseStart); d > 0 {
		if err := e.sleep(ctx, d); err != nil {
			return err
		}
	}
	if _, err := e.Store.UpdateTask(taskID, func(st *state.TaskStatus) {
		st.Phase = state.PhaseRunning
	}); err != nil {
		return err
	}
	e.addPause(taskID, e.now().Sub(pauseStart))
	return nil
}

// fail marks the step and task failed and returns err. A cancelled
// context is an interrupt instead: the step goes back to pending so a
// later run redoes it from scratch.
func (e *Executor) fail(ctx context.Context, taskID, stepName string, err error) error {
	stepPhase, taskPhase := state.StepFailed, state.PhaseFailed
	if ctx.Err() != nil {
		stepPhase, taskPhase = state.StepPending, state.PhaseInterrupted
	}
	e.Store.UpdateTask(taskID, func(st *state.TaskStatus) {
		st.SetStep(stepName, stepPhase)
		st.Phase = taskPhase
	})
	return err
}

func (e *Executor) recordUsage(taskID string, usage map[string]agent.Usage) {
	if len(usage) == 0 {
		return
	}
	conv := make(map[string]state.TokenUsage, len(usage))
	for model, u := range usage {
		conv[model] = state.TokenUsage{
			InputTokens:              u.InputTokens,
			OutputTokens:             u.OutputTokens,
			CacheCreationInputTokens: u.CacheCreationInputTokens,
			CacheReadInputTokens:     u.CacheReadInputTokens,
		}
	}
	e.Store.UpdateTask(taskID, func(st *state.TaskStatus) {
		st.TokenUsage = state.MergeUsage(st.TokenUsage, conv)
	})
}

func (e *Executor) addPause(taskID string, d time.Duration) {
	e.Store.UpdateTask(taskID, func(st *state.TaskStatus) {
		if st.Stats == nil {
			st.Stats = &state.Stats{}
		}
		st.Stats.TotalPauseTime += d.Milliseconds()
	})
}

func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		e.Sleep(d)
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
