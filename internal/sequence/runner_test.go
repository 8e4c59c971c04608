package sequence

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pipewright/internal/agent"
	"pipewright/internal/config"
	"pipewright/internal/interaction"
	"pipewright/internal/pipeline"
	"pipewright/internal/state"
	"pipewright/internal/task"
)

// scriptedAgent delegates every invocation to a function, so tests can
// react to the prompt content.
type scriptedAgent struct {
	calls  int
	invoke func(n int, req agent.Request) *agent.Outcome
}

func (a *scriptedAgent) Name() string    { return "scripted" }
func (a *scriptedAgent) Available() bool { return true }

func (a *scriptedAgent) Invoke(_ context.Context, req agent.Request) (*agent.Outcome, error) {
	a.calls++
	return a.invoke(a.calls, req), nil
}

func alwaysSucceed(int, agent.Request) *agent.Outcome {
	return &agent.Outcome{Kind: agent.OutcomeSuccess}
}

type fakeGit struct {
	ensured     []string
	checkpoints []string
}

func (g *fakeGit) Ensure(path string) (string, error) {
	g.ensured = append(g.ensured, path)
	return "pipewright/" + filepath.Base(path), nil
}

func (g *fakeGit) Checkpoint(stepName string) error {
	g.checkpoints = append(g.checkpoints, stepName)
	return nil
}

type env struct {
	dir    string
	folder string
	store  *state.Store
	agent  *scriptedAgent
	git    *fakeGit
}

func newEnv(t *testing.T, taskFiles map[string]string) *env {
	t.Helper()
	dir := t.TempDir()
	folder := filepath.Join(dir, "tasks")
	if err := os.MkdirAll(folder, 0755); err != nil {
		t.Fatal(err)
	}
	for name, body := range taskFiles {
		if err := os.WriteFile(filepath.Join(folder, name), []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return &env{
		dir:    dir,
		folder: folder,
		store:  state.NewStore(filepath.Join(dir, ".pipewright")),
		agent:  &scriptedAgent{invoke: alwaysSucceed},
		git:    &fakeGit{},
	}
}

func (e *env) runner() *Runner {
	coord := interaction.NewCoordinator(e.store)
	coord.Out = io.Discard
	coord.Prompt = strings.NewReader("")
	coord.PollInterval = 10 * time.Millisecond
	return &Runner{
		Store: e.store,
		Config: &config.Config{
			PlanArtifact: "PLAN.md",
			Commands:     map[string]config.Command{"work": {Prompt: "{{.Task}}"}},
			Pipelines: []config.Pipeline{{
				Name:  "dev",
				Steps: []config.StepDef{{Name: "implement", Command: "work"}},
			}},
		},
		Agent:       e.agent,
		Git:         e.git,
		Coordinator: coord,
		Dir:         e.dir,
		Output:      pipeline.NewPrinter(io.Discard, false),
	}
}

func TestRun_LexicographicOrder(t *testing.T) {
	e := newEnv(t, map[string]string{
		"02-b.md": "task b\n",
		"01-a.md": "task a\n",
		"03-c.md": "task c\n",
	})

	seq, err := e.runner().Run(context.Background(), e.folder)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if seq.Phase != state.PhaseDone {
		t.Errorf("phase = %q, want done", seq.Phase)
	}
	want := []string{
		filepath.Join(e.folder, "01-a.md"),
		filepath.Join(e.folder, "02-b.md"),
		filepath.Join(e.folder, "03-c.md"),
	}
	if len(seq.CompletedTasks) != 3 {
		t.Fatalf("completed = %v, want 3 tasks", seq.CompletedTasks)
	}
	for i, p := range want {
		if seq.CompletedTasks[i] != p {
			t.Errorf("completed[%d] = %q, want %q", i, seq.CompletedTasks[i], p)
		}
	}
	if e.agent.calls != 3 {
		t.Errorf("agent calls = %d, want 3", e.agent.calls)
	}
}

func TestRun_OneContinuousBranch(t *testing.T) {
	e := newEnv(t, map[string]string{
		"01-a.md": "task a\n",
		"02-b.md": "task b\n",
	})

	seq, err := e.runner().Run(context.Background(), e.folder)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The branch is created once for the folder, never per task.
	if len(e.git.ensured) != 1 || e.git.ensured[0] != e.folder {
		t.Errorf("ensured = %v, want exactly the folder once", e.git.ensured)
	}
	if seq.Branch != "pipewright/tasks" {
		t.Errorf("sequence branch = %q", seq.Branch)
	}

	for _, p := range seq.CompletedTasks {
		st, _ := e.store.LoadTask(task.ID(p))
		if st.Branch != seq.Branch {
			t.Errorf("task %s branch = %q, want sequence branch %q", p, st.Branch, seq.Branch)
		}
		if st.ParentSequenceID != seq.SequenceID {
			t.Errorf("task %s parentSequenceId = %q, want %q", p, st.ParentSequenceID, seq.SequenceID)
		}
	}
}

func TestRun_RescanPicksUpCreatedTasks(t *testing.T) {
	e := newEnv(t, map[string]string{
		"01-a.md": "task a\n",
		"03-c.md": "task c\n",
	})
	// Completing the first task drops a new file that sorts before the
	// remaining one; the re-scan must run it next.
	e.agent.invoke = func(_ int, req agent.Request) *agent.Outcome {
		if strings.Contains(req.Prompt, "task a") {
			if err := os.WriteFile(filepath.Join(e.folder, "02-b.md"), []byte("task b\n"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		return &agent.Outcome{Kind: agent.OutcomeSuccess}
	}

	seq, err := e.runner().Run(context.Background(), e.folder)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"01-a.md", "02-b.md", "03-c.md"}
	if len(seq.CompletedTasks) != 3 {
		t.Fatalf("completed = %v, want 3 tasks", seq.CompletedTasks)
	}
	for i, name := range want {
		if filepath.Base(seq.CompletedTasks[i]) != name {
			t.Errorf("completed[%d] = %q, want %q", i, seq.CompletedTasks[i], name)
		}
	}
}

func TestRun_HaltsOnFailure(t *testing.T) {
	e := newEnv(t, map[string]string{
		"01-a.md": "task a\n",
		"02-b.md": "task b\n",
		"03-c.md": "task c\n",
	})
	e.agent.invoke = func(_ int, req agent.Request) *agent.Outcome {
		if strings.Contains(req.Prompt, "task b") {
			return &agent.Outcome{Kind: agent.OutcomeFailure, ExitCode: 1}
		}
		return &agent.Outcome{Kind: agent.OutcomeSuccess}
	}

	seq, err := e.runner().Run(context.Background(), e.folder)
	if err == nil {
		t.Fatal("Run() error = nil, want task failure")
	}

	if seq.Phase != state.PhaseFailed {
		t.Errorf("phase = %q, want failed", seq.Phase)
	}
	if len(seq.CompletedTasks) != 1 || filepath.Base(seq.CompletedTasks[0]) != "01-a.md" {
		t.Errorf("completed = %v, want only 01-a.md", seq.CompletedTasks)
	}
	if e.agent.calls != 2 {
		t.Errorf("agent calls = %d, want 2 (03-c.md must not run)", e.agent.calls)
	}
}

func TestRun_ResumeSkipsCompletedTasks(t *testing.T) {
	e := newEnv(t, map[string]string{
		"01-a.md": "task a\n",
		"02-b.md": "task b\n",
	})

	if _, err := e.runner().Run(context.Background(), e.folder); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	firstCalls := e.agent.calls

	seq, err := e.runner().Run(context.Background(), e.folder)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if e.agent.calls != firstCalls {
		t.Errorf("agent calls grew from %d to %d on resume of a finished sequence", firstCalls, e.agent.calls)
	}
	if seq.Phase != state.PhaseDone {
		t.Errorf("phase = %q, want done", seq.Phase)
	}
}

func TestRun_StatsRollup(t *testing.T) {
	e := newEnv(t, map[string]string{
		"01-a.md": "task a\n",
		"02-b.md": "task b\n",
	})
	e.agent.invoke = func(_ int, _ agent.Request) *agent.Outcome {
		return &agent.Outcome{
			Kind:  agent.OutcomeSuccess,
			Usage: map[string]agent.Usage{"claude-sonnet": {InputTokens: 10, OutputTokens: 4}},
		}
	}

	seq, err := e.runner().Run(context.Background(), e.folder)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if seq.Stats == nil {
		t.Fatal("sequence stats missing")
	}
	u := seq.Stats.TotalTokenUsage["claude-sonnet"]
	if u == nil || u.InputTokens != 20 || u.OutputTokens != 8 {
		t.Errorf("usage = %+v, want in=20 out=8 across both tasks", u)
	}
}

func TestRun_EmptyFolder(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.runner().Run(context.Background(), e.folder); err == nil {
		t.Fatal("Run() error = nil, want empty folder error")
	}
}

func TestRun_MissingFolder(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.runner().Run(context.Background(), filepath.Join(e.dir, "nope")); err == nil {
		t.Fatal("Run() error = nil, want read error")
	}
}

func TestID(t *testing.T) {
	a := ID("/projects/x/tasks")
	if a != ID("/projects/x/tasks") {
		t.Error("ID not stable for the same folder")
	}
	if a == ID("/projects/y/tasks") {
		t.Error("ID collides across folders")
	}
	if !strings.HasPrefix(a, "tasks-") {
		t.Errorf("ID = %q, want prefix %q", a, "tasks-")
	}
}
