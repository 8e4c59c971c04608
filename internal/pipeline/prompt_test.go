package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pipewright/internal/config"
	"pipewright/internal/state"
	"pipewright/internal/task"
)

func promptEnv(t *testing.T) (*PromptBuilder, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		PlanArtifact: "PLAN.md",
		Commands: map[string]config.Command{
			"work":      {Prompt: "Task:\n{{.Task}}"},
			"with-plan": {Prompt: "Task:\n{{.Task}}\nPlan:\n{{.Plan}}"},
			"broken":    {Prompt: "{{.Task"},
		},
	}
	return NewPromptBuilder(cfg, dir), dir
}

func testTask() *task.Task {
	return &task.Task{ID: "t1", Path: "tasks/t1.md", Body: "Build the widget.\n"}
}

func TestPromptBuilder_RendersTaskBody(t *testing.T) {
	b, _ := promptEnv(t)
	got, err := b.Build(config.StepDef{Name: "implement", Command: "work"}, testTask(), &state.TaskStatus{}, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(got, "Build the widget.") {
		t.Errorf("prompt = %q, missing task body", got)
	}
	if strings.Contains(got, "Answered questions") || strings.Contains(got, "Previous attempt failed") {
		t.Errorf("prompt has sections that should be absent:\n%s", got)
	}
}

func TestPromptBuilder_PlanArtifactOnlyAfterPlanStep(t *testing.T) {
	b, dir := promptEnv(t)
	if err := os.WriteFile(filepath.Join(dir, "PLAN.md"), []byte("1. do the thing"), 0644); err != nil {
		t.Fatal(err)
	}
	step := config.StepDef{Name: "implement", Command: "with-plan"}

	st := &state.TaskStatus{}
	got, err := b.Build(step, testTask(), st, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if strings.Contains(got, "do the thing") {
		t.Error("plan injected before the plan step completed")
	}

	st.SetStep("plan", state.StepDone)
	got, err = b.Build(step, testTask(), st, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(got, "1. do the thing") {
		t.Errorf("prompt = %q, missing plan artifact", got)
	}
}

func TestPromptBuilder_AppendsHistoryAndFeedback(t *testing.T) {
	b, _ := promptEnv(t)
	st := &state.TaskStatus{
		InteractionHistory: []state.Interaction{
			{Question: "Which DB?", Answer: "postgres", Timestamp: time.Now()},
		},
	}

	got, err := b.Build(config.StepDef{Name: "implement", Command: "work"}, testTask(), st, "tests failed:\nwant 2, got 3")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(got, "Q: Which DB?") || !strings.Contains(got, "A: postgres") {
		t.Errorf("prompt missing interaction history:\n%s", got)
	}
	if !strings.Contains(got, "want 2, got 3") {
		t.Errorf("prompt missing feedback:\n%s", got)
	}
	// Feedback comes after the history so it reads as the latest state.
	if strings.Index(got, "want 2, got 3") < strings.Index(got, "A: postgres") {
		t.Error("feedback should follow the interaction history")
	}
}

func TestPromptBuilder_BadTemplate(t *testing.T) {
	b, _ := promptEnv(t)
	if _, err := b.Build(config.StepDef{Name: "implement", Command: "broken"}, testTask(), &state.TaskStatus{}, ""); err == nil {
		t.Fatal("Build() error = nil, want template parse error")
	}
}
