// Package pipeline executes a task through its pipeline: step by step,
// checkpointed, resumable after interrupts, failures and questions.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pipewright/internal/agent"
	"pipewright/internal/config"
	"pipewright/internal/interaction"
	"pipewright/internal/state"
	"pipewright/internal/task"
)

// Git abstracts the branch lifecycle so runner tests don't need a real
// repository.
type Git interface {
	Ensure(taskPath string) (string, error)
	Checkpoint(stepName string) error
}

// Runner executes one task file through its resolved pipeline.
type Runner struct {
	Store       *state.Store
	Config      *config.Config
	Agent       agent.Invoker
	Git         Git
	Coordinator *interaction.Coordinator
	Dir         string
	Output      *Printer

	// Pipeline overrides pipeline resolution, from the --pipeline flag.
	Pipeline string

	// Branch, when set, is the pre-created branch to record instead of
	// ensuring one per task. Sequences use this to keep every task of a
	// folder on one continuous branch.
	Branch string

	// ParentSequenceID links the task's status record to the sequence
	// that spawned it.
	ParentSequenceID string

	// WaitOnRateLimit and Sleep are passed through to the step executor.
	WaitOnRateLimit bool
	Sleep           func(d time.Duration)

	// Now is overridable in tests.
	Now func() time.Time
}

// Run executes the task at taskPath. Steps already done from a previous
// run are skipped; the first failure stops the pipeline. The returned
// status reflects the final persisted record even when err is non-nil.
func (r *Runner) Run(ctx context.Context, taskPath string) (*state.TaskStatus, error) {
	t, err := task.Load(taskPath)
	if err != nil {
		return nil, err
	}

	p, err := r.Config.ResolvePipeline(r.Pipeline, t.Pipeline)
	if err != nil {
		return nil, err
	}

	if !r.Agent.Available() {
		return nil, fmt.Errorf("agent %q is not available on PATH", r.Agent.Name())
	}

	branch := r.Branch
	if branch == "" && r.Git != nil {
		branch, err = r.Git.Ensure(taskPath)
		if err != nil {
			return nil, err
		}
	}

	st, err := r.Store.UpdateTask(t.ID, func(st *state.TaskStatus) {
		st.Branch = branch
		st.PipelineName = p.Name
		if r.ParentSequenceID != "" {
			st.ParentSequenceID = r.ParentSequenceID
		}
		if st.StartTime.IsZero() {
			st.StartTime = r.now()
		}
		if st.Phase == state.PhasePending || st.Phase == state.PhaseFailed ||
			st.Phase == state.PhaseInterrupted || st.Phase == state.PhaseWaitingForReset {
			st.Phase = state.PhaseRunning
		}
	})
	if err != nil {
		return nil, err
	}
	r.Output.TaskStart(t.ID, p.Name, branch)

	exec := &Executor{
		Store:           r.Store,
		Agent:           r.Agent,
		Git:             r.gitCheckpointer(),
		Coordinator:     r.Coordinator,
		Prompts:         NewPromptBuilder(r.Config, r.Dir),
		Dir:             r.Dir,
		Output:          r.Output,
		WaitOnRateLimit: r.WaitOnRateLimit,
		Sleep:           r.Sleep,
		Now:             r.Now,
	}

	for _, stepDef := range p.Steps {
		if st.StepPhaseOf(stepDef.Name) == state.StepDone {
			r.Output.StepSkipped(stepDef.Name)
			continue
		}
		if err := exec.Run(ctx, t, stepDef); err != nil {
			final, _ := r.Store.LoadTask(t.ID)
			if !errors.Is(err, interaction.ErrInterrupted) && ctx.Err() == nil {
				var rateErr *RateLimitError
				if !errors.As(err, &rateErr) {
					r.Output.TaskFailed(t.ID, err)
				}
			}
			return final, err
		}
	}

	st, err = r.Store.UpdateTask(t.ID, func(st *state.TaskStatus) {
		st.Phase = state.PhaseDone
		st.CurrentStep = ""
		if st.Stats == nil {
			st.Stats = &state.Stats{}
		}
		total := r.now().Sub(st.StartTime).Milliseconds()
		st.Stats.TotalDuration = total
		st.Stats.TotalDurationExcludingPauses = total - st.Stats.TotalPauseTime
	})
	if err != nil {
		return nil, err
	}
	r.Output.TaskDone(t.ID, st.Stats, st.TokenUsage)
	return st, nil
}

func (r *Runner) gitCheckpointer() Checkpointer {
	if r.Git == nil {
		return nil
	}
	return r.Git
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
