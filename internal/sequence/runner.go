// Package sequence runs every task file in a folder, in lexicographic
// order, on one continuous branch. The folder is re-scanned after each
// completed task so tasks that create follow-up task files are picked
// up in the same run.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pipewright/internal/agent"
	"pipewright/internal/config"
	"pipewright/internal/interaction"
	"pipewright/internal/pipeline"
	"pipewright/internal/state"
	"pipewright/internal/task"
)

// Runner executes a task folder as a sequence.
type Runner struct {
	Store       *state.Store
	Config      *config.Config
	Agent       agent.Invoker
	Git         pipeline.Git
	Coordinator *interaction.Coordinator
	Dir         string
	Output      *pipeline.Printer

	// Pipeline overrides pipeline resolution for every task in the folder.
	Pipeline string

	// WaitOnRateLimit and Sleep are passed through to each task run.
	WaitOnRateLimit bool
	Sleep           func(d time.Duration)

	// Now is overridable in tests.
	Now func() time.Time
}

var idPattern = regexp.MustCompile(`[^a-z0-9]+`)

// ID derives the stable sequence identifier for a folder: the slugged
// folder name plus a name-based UUID fragment of the full path, so an
// interrupted sequence resumes its own record.
func ID(folder string) string {
	base := idPattern.ReplaceAllString(strings.ToLower(filepath.Base(folder)), "-")
	base = strings.Trim(base, "-")
	u := uuid.NewSHA1(uuid.NameSpaceURL, []byte(folder))
	return base + "-" + u.String()[:8]
}

// Run executes all task files in folder. The first task failure halts
// the sequence; already-completed tasks are skipped on resume.
func (r *Runner) Run(ctx context.Context, folder string) (*state.SequenceStatus, error) {
	tasks, err := scan(folder)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no task files in %s", folder)
	}

	seqID := ID(folder)

	branch := ""
	if r.Git != nil {
		branch, err = r.Git.Ensure(folder)
		if err != nil {
			return nil, err
		}
	}

	seq, err := r.Store.UpdateSequence(seqID, func(s *state.SequenceStatus) {
		s.Phase = state.PhaseRunning
		s.Branch = branch
		if s.StartTime.IsZero() {
			s.StartTime = r.now()
		}
	})
	if err != nil {
		return nil, err
	}

	for {
		next := ""
		for _, path := range tasks {
			if !seq.Completed(path) {
				next = path
				break
			}
		}
		if next == "" {
			break
		}

		if _, err := r.Store.UpdateSequence(seqID, func(s *state.SequenceStatus) {
			s.CurrentTaskPath = next
		}); err != nil {
			return seq, err
		}

		tr := &pipeline.Runner{
			Store:            r.Store,
			Config:           r.Config,
			Agent:            r.Agent,
			Git:              r.Git,
			Coordinator:      r.Coordinator,
			Dir:              r.Dir,
			Output:           r.Output,
			Pipeline:         r.Pipeline,
			Branch:           branch,
			ParentSequenceID: seqID,
			WaitOnRateLimit:  r.WaitOnRateLimit,
			Sleep:            r.Sleep,
			Now:              r.Now,
		}
		st, err := tr.Run(ctx, next)
		if err != nil {
			seq, _ = r.Store.UpdateSequence(seqID, func(s *state.SequenceStatus) {
				s.Phase = haltPhase(st, err)
			})
			return seq, err
		}

		seq, err = r.Store.UpdateSequence(seqID, func(s *state.SequenceStatus) {
			if !s.Completed(next) {
				s.CompletedTasks = append(s.CompletedTasks, next)
			}
			s.CurrentTaskPath = ""
			s.Stats = r.rollup(s.CompletedTasks)
		})
		if err != nil {
			return seq, err
		}

		// A completed task may have created new task files.
		tasks, err = scan(folder)
		if err != nil {
			return seq, err
		}
	}

	seq, err = r.Store.UpdateSequence(seqID, func(s *state.SequenceStatus) {
		s.Phase = state.PhaseDone
	})
	return seq, err
}

// haltPhase mirrors the halted task's phase onto the sequence where the
// task is merely paused, and marks the sequence failed otherwise.
func haltPhase(st *state.TaskStatus, err error) state.Phase {
	if errors.Is(err, interaction.ErrInterrupted) {
		return state.PhaseInterrupted
	}
	if st != nil {
		switch st.Phase {
		case state.PhaseWaitingForInput, state.PhaseWaitingForReset, state.PhaseInterrupted:
			return st.Phase
		}
	}
	return state.PhaseFailed
}

// rollup recomputes sequence totals from the completed tasks' records.
// Recomputing instead of accumulating keeps the totals correct when a
// resumed run completes a task a second time.
func (r *Runner) rollup(completed []string) *state.SequenceStats {
	stats := &state.SequenceStats{}
	for _, path := range completed {
		st, err := r.Store.LoadTask(task.ID(path))
		if err != nil {
			continue
		}
		if st.Stats != nil {
			stats.TotalDuration += st.Stats.TotalDuration
			stats.TotalDurationExcludingPauses += st.Stats.TotalDurationExcludingPauses
			stats.TotalPauseTime += st.Stats.TotalPauseTime
		}
		for model, u := range st.TokenUsage {
			if u == nil {
				continue
			}
			if stats.TotalTokenUsage == nil {
				stats.TotalTokenUsage = make(map[string]*state.TokenUsage)
			}
			if stats.TotalTokenUsage[model] == nil {
				stats.TotalTokenUsage[model] = &state.TokenUsage{}
			}
			stats.TotalTokenUsage[model].Add(*u)
		}
	}
	return stats
}

// scan lists the folder's task files in lexicographic order.
func scan(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("read task folder: %w", err)
	}
	var tasks []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		tasks = append(tasks, filepath.Join(folder, e.Name()))
	}
	sort.Strings(tasks)
	return tasks, nil
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
