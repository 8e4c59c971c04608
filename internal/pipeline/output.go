package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"pipewright/internal/state"
)

// Printer reports run progress on a writer, either as human-readable
// lines or as one JSON object per line for machine consumers.
type Printer struct {
	w     io.Writer
	jsonl bool
}

// NewPrinter creates a printer. A nil writer defaults to stdout.
func NewPrinter(w io.Writer, jsonl bool) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{w: w, jsonl: jsonl}
}

func (p *Printer) emit(event string, fields map[string]any, human string) {
	if p == nil {
		return
	}
	if p.jsonl {
		if fields == nil {
			fields = map[string]any{}
		}
		fields["event"] = event
		fields["time"] = time.Now().Format(time.RFC3339)
		data, err := json.Marshal(fields)
		if err != nil {
			return
		}
		fmt.Fprintf(p.w, "%s\n", data)
		return
	}
	fmt.Fprintln(p.w, human)
}

// TaskStart announces the beginning of a task run.
func (p *Printer) TaskStart(taskID, pipeline, branch string) {
	p.emit("task_start",
		map[string]any{"taskId": taskID, "pipeline": pipeline, "branch": branch},
		fmt.Sprintf("▶ task %s (pipeline %s, branch %s)", taskID, pipeline, branch))
}

// StepStart announces a step attempt.
func (p *Printer) StepStart(step string, attempt int) {
	if attempt > 1 {
		p.emit("step_start",
			map[string]any{"step": step, "attempt": attempt},
			fmt.Sprintf("  → %s (attempt %d)", step, attempt))
		return
	}
	p.emit("step_start",
		map[string]any{"step": step, "attempt": attempt},
		fmt.Sprintf("  → %s", step))
}

// StepSkipped reports a step already completed by a previous run.
func (p *Printer) StepSkipped(step string) {
	p.emit("step_skipped",
		map[string]any{"step": step},
		fmt.Sprintf("  ✓ %s (already done)", step))
}

// StepDone reports a completed step.
func (p *Printer) StepDone(step string, d time.Duration) {
	p.emit("step_done",
		map[string]any{"step": step, "durationMs": d.Milliseconds()},
		fmt.Sprintf("  ✓ %s (%s)", step, d.Round(time.Second)))
}

// CheckFailed reports a failed validation that will be retried.
func (p *Printer) CheckFailed(step, checkName string) {
	p.emit("check_failed",
		map[string]any{"step": step, "check": checkName},
		fmt.Sprintf("  ✗ %s: check %s failed, retrying with feedback", step, checkName))
}

// Question reports that the run is paused on a human question.
func (p *Printer) Question(step, question string) {
	p.emit("waiting_for_input",
		map[string]any{"step": step, "question": question},
		fmt.Sprintf("  ? %s: waiting for input", step))
}

// RateLimited reports a pause until the agent's usage limit resets.
func (p *Printer) RateLimited(step string, resetAt time.Time) {
	p.emit("waiting_for_reset",
		map[string]any{"step": step, "resetAt": resetAt.Format(time.RFC3339)},
		fmt.Sprintf("  ⏲ %s: rate limited, waiting until %s", step, resetAt.Format(time.Kitchen)))
}

// TaskDone reports a finished task with its accounting.
func (p *Printer) TaskDone(taskID string, stats *state.Stats, usage map[string]*state.TokenUsage) {
	fields := map[string]any{"taskId": taskID}
	if stats != nil {
		fields["durationMs"] = stats.TotalDuration
		fields["pauseMs"] = stats.TotalPauseTime
	}
	if len(usage) > 0 {
		fields["tokenUsage"] = usage
	}
	human := fmt.Sprintf("✔ task %s done", taskID)
	if stats != nil {
		human = fmt.Sprintf("✔ task %s done in %s (%s active)", taskID,
			time.Duration(stats.TotalDuration)*time.Millisecond,
			time.Duration(stats.TotalDurationExcludingPauses)*time.Millisecond)
	}
	p.emit("task_done", fields, human)
}

// TaskFailed reports a task failure.
func (p *Printer) TaskFailed(taskID string, err error) {
	p.emit("task_failed",
		map[string]any{"taskId": taskID, "error": err.Error()},
		fmt.Sprintf("✖ task %s failed: %v", taskID, err))
}

// Warn reports a non-fatal condition.
func (p *Printer) Warn(msg string) {
	p.emit("warning", map[string]any{"message": msg}, "! "+msg)
}
