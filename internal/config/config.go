// Package config loads and validates the engine configuration:
// pipelines, the step command table, git settings and run policy.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"pipewright/internal/check"
	"pipewright/internal/state"
)

// DefaultPath is where the configuration is looked up, relative to the
// project root.
const DefaultPath = "pipewright.yaml"

// ErrInvalid wraps every configuration validation failure. Invalid
// definitions are fatal before any step runs.
var ErrInvalid = errors.New("invalid configuration")

// CheckList accepts either a single check mapping or a sequence of
// them, preserving order.
type CheckList []check.Spec

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *CheckList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var one check.Spec
		if err := node.Decode(&one); err != nil {
			return err
		}
		*c = CheckList{one}
		return nil
	case yaml.SequenceNode:
		var many []check.Spec
		if err := node.Decode(&many); err != nil {
			return err
		}
		*c = CheckList(many)
		return nil
	default:
		return fmt.Errorf("check must be a mapping or a sequence, got %v", node.Kind)
	}
}

// FileAccess restricts which paths a step's agent may write, enforced
// by the guardrail hook. No patterns means unrestricted.
type FileAccess struct {
	AllowWrite []string `yaml:"allowWrite"`
}

// StepDef defines one pipeline step. Definitions are read-only input
// and never mutated at runtime.
type StepDef struct {
	Name       string      `yaml:"name"`
	Command    string      `yaml:"command"`
	Check      CheckList   `yaml:"check"`
	Retry      int         `yaml:"retry"`
	Model      string      `yaml:"model,omitempty"`
	FileAccess *FileAccess `yaml:"fileAccess,omitempty"`
}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	Name  string    `yaml:"name"`
	Steps []StepDef `yaml:"steps"`
}

// Step returns the step definition by name.
func (p *Pipeline) Step(name string) (StepDef, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDef{}, false
}

// Command resolves a step command reference to its prompt template.
// Exactly one of Prompt and File is set.
type Command struct {
	Prompt string `yaml:"prompt,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// GitConfig controls branch lifecycle management.
type GitConfig struct {
	// Manage enables branch creation and checkpoint commits. Defaults
	// to true; a nil value in YAML keeps the default.
	Manage *bool `yaml:"manage,omitempty"`

	// MainBranch is the integration branch. Defaults to "main".
	MainBranch string `yaml:"mainBranch,omitempty"`

	// Remote, when set, is best-effort synced before branching.
	Remote string `yaml:"remote,omitempty"`
}

// ManageBranches reports whether branch management is enabled.
func (g GitConfig) ManageBranches() bool {
	return g.Manage == nil || *g.Manage
}

// AgentConfig selects the external agent binary.
type AgentConfig struct {
	Command string `yaml:"command,omitempty"` // defaults to "claude"
}

// Config is the root configuration, threaded explicitly into the
// runners so tests can inject arbitrary configurations.
type Config struct {
	StateDir        string             `yaml:"stateDir,omitempty"`
	DefaultPipeline string             `yaml:"defaultPipeline,omitempty"`
	Pipelines       []Pipeline         `yaml:"pipelines"`
	Commands        map[string]Command `yaml:"commands"`
	Git             GitConfig          `yaml:"git,omitempty"`
	Agent           AgentConfig        `yaml:"agent,omitempty"`

	// WaitOnRateLimit makes the engine sleep until the reported reset
	// time and retry, instead of surfacing the rate limit to the caller.
	WaitOnRateLimit bool `yaml:"waitOnRateLimit,omitempty"`

	// PlanArtifact is the file a plan step produces; its contents are
	// injected into later steps' prompts. Defaults to "PLAN.md".
	PlanArtifact string `yaml:"planArtifact,omitempty"`
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = state.DefaultDir
	}
	if c.PlanArtifact == "" {
		c.PlanArtifact = "PLAN.md"
	}
	if c.Git.MainBranch == "" {
		c.Git.MainBranch = "main"
	}
}

// Validate checks pipeline and step definitions. All violations are
// reported as ErrInvalid wrapped errors.
func (c *Config) Validate() error {
	if len(c.Pipelines) == 0 {
		return fmt.Errorf("%w: no pipelines defined", ErrInvalid)
	}
	seen := make(map[string]bool)
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("%w: pipeline without a name", ErrInvalid)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate pipeline %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = true
		if len(p.Steps) == 0 {
			return fmt.Errorf("%w: pipeline %q has no steps", ErrInvalid, p.Name)
		}
		stepSeen := make(map[string]bool)
		for _, s := range p.Steps {
			if s.Name == "" {
				return fmt.Errorf("%w: pipeline %q has a step without a name", ErrInvalid, p.Name)
			}
			if stepSeen[s.Name] {
				return fmt.Errorf("%w: pipeline %q has duplicate step %q", ErrInvalid, p.Name, s.Name)
			}
			stepSeen[s.Name] = true
			if s.Command == "" {
				return fmt.Errorf("%w: step %q in pipeline %q has no command", ErrInvalid, s.Name, p.Name)
			}
			if _, ok := c.Commands[s.Command]; !ok {
				return fmt.Errorf("%w: step %q references unknown command %q", ErrInvalid, s.Name, s.Command)
			}
			if s.Retry < 0 {
				return fmt.Errorf("%w: step %q has negative retry %d", ErrInvalid, s.Name, s.Retry)
			}
			for _, spec := range s.Check {
				if err := spec.Validate(); err != nil {
					return fmt.Errorf("%w: step %q: %v", ErrInvalid, s.Name, err)
				}
			}
		}
	}
	if c.DefaultPipeline != "" && !seen[c.DefaultPipeline] {
		return fmt.Errorf("%w: default pipeline %q is not defined", ErrInvalid, c.DefaultPipeline)
	}
	for name, cmd := range c.Commands {
		if (cmd.Prompt == "") == (cmd.File == "") {
			return fmt.Errorf("%w: command %q must set exactly one of prompt or file", ErrInvalid, name)
		}
	}
	return nil
}

// Pipeline returns a pipeline by name.
func (c *Config) Pipeline(name string) (*Pipeline, bool) {
	for i := range c.Pipelines {
		if c.Pipelines[i].Name == name {
			return &c.Pipelines[i], true
		}
	}
	return nil, false
}

// ResolvePipeline picks the pipeline for a task run by priority:
// explicit option, the task's own preference, the configured default,
// then the first defined pipeline.
func (c *Config) ResolvePipeline(option, taskPreference string) (*Pipeline, error) {
	for _, name := range []string{option, taskPreference, c.DefaultPipeline} {
		if name == "" {
			continue
		}
		if p, ok := c.Pipeline(name); ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: pipeline %q is not defined", ErrInvalid, name)
	}
	return &c.Pipelines[0], nil
}

// CommandPrompt returns the prompt template for a command reference,
// reading the template file when the command points at one.
func (c *Config) CommandPrompt(name string) (string, error) {
	cmd, ok := c.Commands[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown command %q", ErrInvalid, name)
	}
	if cmd.Prompt != "" {
		return cmd.Prompt, nil
	}
	data, err := os.ReadFile(cmd.File)
	if err != nil {
		return "", fmt.Errorf("command %q: read prompt file: %w", name, err)
	}
	return string(data), nil
}
