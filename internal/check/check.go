// Package check runs post-step validations.
package check

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Kind identifies a check variant. The set is closed: fileExists, shell
// and none are the only recognized kinds.
type Kind string

const (
	KindFileExists Kind = "fileExists"
	KindShell      Kind = "shell"
	KindNone       Kind = "none"
)

// Expectation for a shell check's exit status.
const (
	ExpectPass = "pass" // zero exit
	ExpectFail = "fail" // non-zero exit
)

// Spec describes one validation.
type Spec struct {
	Kind    Kind   `yaml:"type"`
	Path    string `yaml:"path,omitempty"`    // fileExists: path relative to the project root
	Command string `yaml:"command,omitempty"` // shell: command run via sh -c
	Expect  string `yaml:"expect,omitempty"`  // shell: pass (default) or fail
}

// Name returns a short label for the check, used in step feedback.
func (s Spec) Name() string {
	switch s.Kind {
	case KindFileExists:
		return fmt.Sprintf("fileExists(%s)", s.Path)
	case KindShell:
		return fmt.Sprintf("shell(%s)", s.Command)
	default:
		return string(s.Kind)
	}
}

// Validate reports whether the spec is well-formed.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindFileExists:
		if s.Path == "" {
			return fmt.Errorf("fileExists check requires a path")
		}
	case KindShell:
		if s.Command == "" {
			return fmt.Errorf("shell check requires a command")
		}
		if s.Expect != "" && s.Expect != ExpectPass && s.Expect != ExpectFail {
			return fmt.Errorf("shell check expect must be %q or %q, got %q", ExpectPass, ExpectFail, s.Expect)
		}
	case KindNone:
	default:
		return fmt.Errorf("unknown check type %q", s.Kind)
	}
	return nil
}

// Result contains the outcome of running a check list.
type Result struct {
	// Passed indicates whether every check passed.
	Passed bool

	// Check is the spec of the failing check, valid only when !Passed.
	Check Spec

	// Output is the failing check's captured output (stdout+stderr for
	// shell checks), surfaced as retry feedback.
	Output string

	// Duration is the total time spent running checks.
	Duration time.Duration
}

// Run executes checks strictly in order. The first failure
// short-circuits the remaining checks and only that check's output is
// reported. An empty list always passes.
func Run(ctx context.Context, dir string, specs []Spec) *Result {
	start := time.Now()
	for _, spec := range specs {
		passed, output := runOne(ctx, dir, spec)
		if !passed {
			return &Result{
				Passed:   false,
				Check:    spec,
				Output:   output,
				Duration: time.Since(start),
			}
		}
	}
	return &Result{Passed: true, Duration: time.Since(start)}
}

func runOne(ctx context.Context, dir string, spec Spec) (bool, string) {
	switch spec.Kind {
	case KindNone:
		return true, ""

	case KindFileExists:
		path := spec.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return false, fmt.Sprintf("file %s does not exist", spec.Path)
		}
		return true, ""

	case KindShell:
		cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
		cmd.Dir = dir
		output, err := cmd.CombinedOutput()
		exitedZero := err == nil
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				// Command could not be started at all.
				return false, fmt.Sprintf("%s\n%v", strings.TrimSpace(string(output)), err)
			}
		}
		expect := spec.Expect
		if expect == "" {
			expect = ExpectPass
		}
		if (expect == ExpectPass) == exitedZero {
			return true, ""
		}
		return false, strings.TrimSpace(string(output))

	default:
		// Unknown kinds are rejected at config load; failing here keeps
		// a bad spec from silently passing.
		return false, fmt.Sprintf("unknown check type %q", spec.Kind)
	}
}
