// Package gitops manages the git branch lifecycle around a task run and
// creates checkpoint commits after each successful step.
package gitops

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// BranchPrefix is the prefix for task branch names.
const BranchPrefix = "pipewright/"

// ErrNotGitRepo is returned when the directory is not a git repository.
var ErrNotGitRepo = errors.New("not a git repository")

// StateError reports a git working-tree condition that aborts the run
// before any step executes (dirty tree, missing integration branch).
type StateError struct {
	Op     string
	Detail string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("git %s: %s", e.Op, e.Detail)
}

// Manager drives branch setup and checkpoint commits for one repository.
type Manager struct {
	dir        string
	mainBranch string
	remote     string
	enabled    bool

	// excludedPaths are engine metadata paths ignored when judging
	// whether the working tree is clean.
	excludedPaths []string

	// Warn receives non-fatal messages (e.g. remote sync failures).
	Warn func(msg string)
}

// Options configures a Manager.
type Options struct {
	// MainBranch is the integration branch to fork task branches from.
	// Defaults to "main".
	MainBranch string

	// Remote, when set, is best-effort synced before branching.
	Remote string

	// Disabled makes Ensure a no-op that reports the current branch.
	Disabled bool

	// StateDir is the engine state directory, excluded from clean-tree
	// checks because it changes during execution.
	StateDir string
}

// NewManager creates a branch manager for the repository at dir.
// Returns ErrNotGitRepo if dir is not a git repository, unless branch
// management is disabled.
func NewManager(dir string, opts Options) (*Manager, error) {
	if !opts.Disabled {
		gitDir := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitDir); err != nil {
			return nil, ErrNotGitRepo
		}
	}
	main := opts.MainBranch
	if main == "" {
		main = "main"
	}
	m := &Manager{
		dir:        dir,
		mainBranch: main,
		remote:     opts.Remote,
		enabled:    !opts.Disabled,
	}
	if opts.StateDir != "" {
		m.excludedPaths = []string{strings.TrimSuffix(opts.StateDir, "/") + "/"}
	}
	return m, nil
}

// BranchName returns the deterministic branch name for a task file.
func BranchName(taskPath string) string {
	return BranchPrefix + slug(taskPath)
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slug derives a branch-safe name from the task's file name.
func slug(taskPath string) string {
	base := filepath.Base(taskPath)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	s := slugPattern.ReplaceAllString(strings.ToLower(base), "-")
	return strings.Trim(s, "-")
}

// Ensure puts the repository on the correct branch for the task and
// returns the branch name. With branch management disabled it returns
// the current branch unchanged. If the task branch is already checked
// out, it resumes in place; this makes re-entry after interruption
// idempotent. Otherwise the working tree must be clean, the integration
// branch is checked out and best-effort synced, and the task branch is
// created or checked out.
func (m *Manager) Ensure(taskPath string) (string, error) {
	current, err := m.CurrentBranch()
	if err != nil {
		return "", err
	}
	if !m.enabled {
		return current, nil
	}

	branch := BranchName(taskPath)
	if current == branch {
		// The gitignore entry rides along with the next checkpoint commit.
		if err := m.ensureGitignore(); err != nil {
			return "", err
		}
		return branch, nil
	}

	dirty, status, err := m.dirtyFiles()
	if err != nil {
		return "", err
	}
	if dirty {
		return "", &StateError{Op: "ensure", Detail: "working tree has uncommitted changes:\n" + status}
	}

	if out, err := m.git("checkout", m.mainBranch); err != nil {
		return "", &StateError{Op: "checkout " + m.mainBranch, Detail: strings.TrimSpace(out)}
	}

	if m.remote != "" {
		if out, err := m.git("pull", "--ff-only", m.remote, m.mainBranch); err != nil {
			m.warn(fmt.Sprintf("could not sync %s with %s: %s", m.mainBranch, m.remote, strings.TrimSpace(out)))
		}
	}

	if m.branchExists(branch) {
		if out, err := m.git("checkout", branch); err != nil {
			return "", fmt.Errorf("checkout %s: %s", branch, strings.TrimSpace(out))
		}
	} else {
		if out, err := m.git("checkout", "-b", branch); err != nil {
			return "", fmt.Errorf("create branch %s: %s", branch, strings.TrimSpace(out))
		}
	}
	if err := m.ensureGitignore(); err != nil {
		return "", err
	}
	return branch, nil
}

// Checkpoint commits all changes scoped to a completed step. A clean
// tree is not an error; the commit is simply skipped. Any git failure is
// fatal for the step.
func (m *Manager) Checkpoint(stepName string) error {
	if !m.enabled {
		return nil
	}

	if out, err := m.git("add", "-A"); err != nil {
		return fmt.Errorf("checkpoint %s: git add: %s", stepName, strings.TrimSpace(out))
	}

	dirty, _, err := m.dirtyFiles()
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", stepName, err)
	}
	if !dirty {
		return nil
	}

	if out, err := m.git("commit", "-m", "checkpoint: "+stepName); err != nil {
		return fmt.Errorf("checkpoint %s: git commit: %s", stepName, strings.TrimSpace(out))
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (m *Manager) CurrentBranch() (string, error) {
	out, err := m.git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		if !m.enabled {
			// Disabled mode outside a repository still works.
			return "", nil
		}
		return "", fmt.Errorf("current branch: %s", strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

// dirtyFiles reports uncommitted changes, ignoring excluded paths.
func (m *Manager) dirtyFiles() (bool, string, error) {
	out, err := m.git("status", "--porcelain")
	if err != nil {
		return false, "", fmt.Errorf("git status: %s", strings.TrimSpace(out))
	}
	filtered := m.filterExcluded(strings.TrimSpace(out))
	return filtered != "", filtered, nil
}

// filterExcluded removes status lines for engine metadata paths.
// Porcelain format: "XY PATH".
func (m *Manager) filterExcluded(status string) string {
	if status == "" || len(m.excludedPaths) == 0 {
		return status
	}
	var kept []string
	for _, line := range strings.Split(status, "\n") {
		if line == "" {
			continue
		}
		path := ""
		if len(line) > 3 {
			path = line[3:]
		}
		excluded := false
		for _, ex := range m.excludedPaths {
			if strings.HasPrefix(path, ex) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// ensureGitignore makes sure the engine state directory is ignored so
// checkpoint commits never capture status files or logs.
func (m *Manager) ensureGitignore() error {
	if len(m.excludedPaths) == 0 {
		return nil
	}
	entry := m.excludedPaths[0]
	path := filepath.Join(m.dir, ".gitignore")

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read .gitignore: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == strings.TrimSuffix(entry, "/") {
			return nil
		}
	}

	content := string(data)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	content += entry + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("update .gitignore: %w", err)
	}
	return nil
}

// branchExists checks if a local branch exists.
func (m *Manager) branchExists(branch string) bool {
	_, err := m.git("show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *Manager) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = m.dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (m *Manager) warn(msg string) {
	if m.Warn != nil {
		m.Warn(msg)
	}
}
