package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"pipewright/internal/config"
	"pipewright/internal/state"
	"pipewright/internal/task"
)

// promptData is the namespace available to command prompt templates.
type promptData struct {
	// Task is the task file body.
	Task string

	// Plan is the plan artifact content, populated once a step named
	// "plan" has completed.
	Plan string

	// Step and Pipeline identify the current position.
	Step     string
	Pipeline string
}

// PromptBuilder assembles the full prompt for one agent invocation:
// the rendered command template, then the answered-question history,
// then any feedback from a failed previous attempt.
type PromptBuilder struct {
	cfg *config.Config
	dir string
}

// NewPromptBuilder creates a builder for the project at dir.
func NewPromptBuilder(cfg *config.Config, dir string) *PromptBuilder {
	return &PromptBuilder{cfg: cfg, dir: dir}
}

// Build renders the prompt for a step attempt. feedback is empty on the
// first attempt and carries the failing check's output on retries.
func (b *PromptBuilder) Build(step config.StepDef, t *task.Task, st *state.TaskStatus, feedback string) (string, error) {
	text, err := b.cfg.CommandPrompt(step.Command)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(step.Command).Parse(text)
	if err != nil {
		return "", fmt.Errorf("command %q: parse template: %w", step.Command, err)
	}

	var sb strings.Builder
	data := promptData{
		Task:     t.Body,
		Plan:     b.planArtifact(st),
		Step:     step.Name,
		Pipeline: st.PipelineName,
	}
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("command %q: render template: %w", step.Command, err)
	}

	if len(st.InteractionHistory) > 0 {
		sb.WriteString("\n\n## Answered questions\n")
		sb.WriteString("You previously asked questions about this task and received these answers. Follow them.\n")
		for _, ia := range st.InteractionHistory {
			fmt.Fprintf(&sb, "\nQ: %s\nA: %s\n", ia.Question, ia.Answer)
		}
	}

	if feedback != "" {
		sb.WriteString("\n\n## Previous attempt failed\n")
		sb.WriteString("Your previous attempt at this step did not pass validation. Fix the problem below and complete the step.\n\n")
		sb.WriteString(feedback)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

// planArtifact reads the plan file once a "plan" step has finished.
// A done plan step with a missing artifact is treated as no plan; the
// step's own checks are responsible for requiring the file.
func (b *PromptBuilder) planArtifact(st *state.TaskStatus) string {
	if st.StepPhaseOf("plan") != state.StepDone {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(b.dir, b.cfg.PlanArtifact))
	if err != nil {
		return ""
	}
	return string(data)
}
