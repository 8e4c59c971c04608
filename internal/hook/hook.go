// Package hook implements the pre-write guardrail invoked by the agent
// before file modifications. It reads the tool call from stdin, looks
// up the currently running step's file-access rules in the state
// directory, and decides allow or deny.
package hook

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"pipewright/internal/config"
	"pipewright/internal/state"
)

// Decision is the hook's verdict on one write.
type Decision struct {
	Allowed bool

	// Reason explains a denial for the agent to read.
	Reason string
}

// input mirrors the tool-call JSON the agent pipes to hooks. The file
// path appears either at the top level or nested under tool_input,
// depending on the hook event.
type input struct {
	FilePath  string `json:"file_path"`
	ToolInput struct {
		FilePath string `json:"file_path"`
	} `json:"tool_input"`
}

// Evaluate reads one tool call from r and decides it against cfg. The
// zero-restriction cases all allow: no running task, no current step,
// no fileAccess rules on the step, or no file path in the payload.
func Evaluate(r io.Reader, cfg *config.Config, store *state.Store, projectDir string) (Decision, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Decision{}, fmt.Errorf("read hook input: %w", err)
	}
	var in input
	if err := json.Unmarshal(data, &in); err != nil {
		return Decision{}, fmt.Errorf("parse hook input: %w", err)
	}
	path := in.FilePath
	if path == "" {
		path = in.ToolInput.FilePath
	}
	if path == "" {
		return Decision{Allowed: true}, nil
	}

	st, err := store.LatestTask()
	if err != nil {
		return Decision{}, err
	}
	if st == nil || st.CurrentStep == "" {
		return Decision{Allowed: true}, nil
	}

	step, ok := findStep(cfg, st.PipelineName, st.CurrentStep)
	if !ok || step.FileAccess == nil || len(step.FileAccess.AllowWrite) == 0 {
		return Decision{Allowed: true}, nil
	}

	rel := relativize(path, projectDir)
	for _, pattern := range step.FileAccess.AllowWrite {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return Decision{Allowed: true}, nil
		}
	}
	return Decision{
		Allowed: false,
		Reason: fmt.Sprintf("step %q may only write files matching %s, not %s",
			st.CurrentStep, strings.Join(step.FileAccess.AllowWrite, ", "), rel),
	}, nil
}

func findStep(cfg *config.Config, pipelineName, stepName string) (config.StepDef, bool) {
	p, ok := cfg.Pipeline(pipelineName)
	if !ok {
		return config.StepDef{}, false
	}
	return p.Step(stepName)
}

// relativize maps an absolute path inside the project to its relative
// form, since allowWrite patterns are project-relative.
func relativize(path, projectDir string) string {
	if projectDir == "" || !filepath.IsAbs(path) {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(projectDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
