package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pipewright/internal/check"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipewright.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
defaultPipeline: dev
commands:
  plan:
    prompt: "Write a plan for: {{.Task}}"
  implement:
    prompt: "Implement the plan."
pipelines:
  - name: dev
    steps:
      - name: plan
        command: plan
        check:
          type: fileExists
          path: PLAN.md
      - name: implement
        command: implement
        retry: 2
        check:
          - type: shell
            command: go test ./...
          - type: fileExists
            path: done.txt
        fileAccess:
          allowWrite:
            - "src/**"
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DefaultPipeline != "dev" {
		t.Errorf("DefaultPipeline = %q, want %q", cfg.DefaultPipeline, "dev")
	}
	if cfg.StateDir != ".pipewright" {
		t.Errorf("StateDir = %q, want default %q", cfg.StateDir, ".pipewright")
	}
	if cfg.Git.MainBranch != "main" {
		t.Errorf("Git.MainBranch = %q, want default %q", cfg.Git.MainBranch, "main")
	}
	if !cfg.Git.ManageBranches() {
		t.Error("ManageBranches() = false, want true by default")
	}

	p, ok := cfg.Pipeline("dev")
	if !ok {
		t.Fatal("pipeline dev not found")
	}
	if len(p.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(p.Steps))
	}

	// Single check mapping becomes a one-element list.
	if len(p.Steps[0].Check) != 1 {
		t.Fatalf("plan checks = %d, want 1", len(p.Steps[0].Check))
	}
	if p.Steps[0].Check[0].Kind != check.KindFileExists {
		t.Errorf("plan check kind = %q, want %q", p.Steps[0].Check[0].Kind, check.KindFileExists)
	}

	// Check sequences keep their order.
	impl := p.Steps[1]
	if len(impl.Check) != 2 {
		t.Fatalf("implement checks = %d, want 2", len(impl.Check))
	}
	if impl.Check[0].Kind != check.KindShell || impl.Check[1].Kind != check.KindFileExists {
		t.Errorf("check order = %q, %q", impl.Check[0].Kind, impl.Check[1].Kind)
	}
	if impl.Retry != 2 {
		t.Errorf("retry = %d, want 2", impl.Retry)
	}
	if impl.FileAccess == nil || len(impl.FileAccess.AllowWrite) != 1 {
		t.Fatal("fileAccess.allowWrite not parsed")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "no pipelines",
			content: "commands:\n  a:\n    prompt: x\n",
			wantMsg: "no pipelines",
		},
		{
			name: "duplicate step names",
			content: `
commands:
  a: {prompt: x}
pipelines:
  - name: p
    steps:
      - {name: s, command: a}
      - {name: s, command: a}
`,
			wantMsg: "duplicate step",
		},
		{
			name: "unknown command",
			content: `
commands:
  a: {prompt: x}
pipelines:
  - name: p
    steps:
      - {name: s, command: missing}
`,
			wantMsg: "unknown command",
		},
		{
			name: "negative retry",
			content: `
commands:
  a: {prompt: x}
pipelines:
  - name: p
    steps:
      - {name: s, command: a, retry: -1}
`,
			wantMsg: "negative retry",
		},
		{
			name: "unknown check type",
			content: `
commands:
  a: {prompt: x}
pipelines:
  - name: p
    steps:
      - name: s
        command: a
        check: {type: banana}
`,
			wantMsg: "check",
		},
		{
			name: "default pipeline undefined",
			content: `
defaultPipeline: nope
commands:
  a: {prompt: x}
pipelines:
  - name: p
    steps:
      - {name: s, command: a}
`,
			wantMsg: "default pipeline",
		},
		{
			name: "command with both prompt and file",
			content: `
commands:
  a: {prompt: x, file: y.md}
pipelines:
  - name: p
    steps:
      - {name: s, command: a}
`,
			wantMsg: "exactly one",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want substring %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want read error")
	}
	if errors.Is(err, ErrInvalid) {
		t.Error("missing file should not be a validation error")
	}
}

func TestResolvePipeline(t *testing.T) {
	cfg := &Config{
		DefaultPipeline: "dev",
		Pipelines: []Pipeline{
			{Name: "dev"},
			{Name: "docs"},
		},
	}

	tests := []struct {
		name           string
		option         string
		taskPreference string
		want           string
		wantErr        bool
	}{
		{name: "option wins", option: "docs", taskPreference: "dev", want: "docs"},
		{name: "task preference next", taskPreference: "docs", want: "docs"},
		{name: "default last", want: "dev"},
		{name: "unknown option fails", option: "nope", wantErr: true},
		{name: "unknown task preference fails", taskPreference: "nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := cfg.ResolvePipeline(tt.option, tt.taskPreference)
			if tt.wantErr {
				if err == nil {
					t.Fatal("ResolvePipeline() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePipeline() error = %v", err)
			}
			if p.Name != tt.want {
				t.Errorf("pipeline = %q, want %q", p.Name, tt.want)
			}
		})
	}
}

func TestResolvePipeline_FirstWhenNothingSet(t *testing.T) {
	cfg := &Config{Pipelines: []Pipeline{{Name: "only"}}}
	p, err := cfg.ResolvePipeline("", "")
	if err != nil {
		t.Fatalf("ResolvePipeline() error = %v", err)
	}
	if p.Name != "only" {
		t.Errorf("pipeline = %q, want %q", p.Name, "only")
	}
}

func TestCommandPrompt_FromFile(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "plan.md")
	if err := os.WriteFile(promptPath, []byte("Plan: {{.Task}}"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{Commands: map[string]Command{
		"plan":   {File: promptPath},
		"inline": {Prompt: "inline prompt"},
	}}

	got, err := cfg.CommandPrompt("plan")
	if err != nil {
		t.Fatalf("CommandPrompt() error = %v", err)
	}
	if got != "Plan: {{.Task}}" {
		t.Errorf("prompt = %q", got)
	}

	got, err = cfg.CommandPrompt("inline")
	if err != nil {
		t.Fatalf("CommandPrompt() error = %v", err)
	}
	if got != "inline prompt" {
		t.Errorf("prompt = %q", got)
	}

	if _, err := cfg.CommandPrompt("missing"); !errors.Is(err, ErrInvalid) {
		t.Errorf("CommandPrompt(missing) error = %v, want ErrInvalid", err)
	}
}

func TestGitConfig_ManageDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
git:
  manage: false
commands:
  a: {prompt: x}
pipelines:
  - name: p
    steps:
      - {name: s, command: a}
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Git.ManageBranches() {
		t.Error("ManageBranches() = true, want false")
	}
}
