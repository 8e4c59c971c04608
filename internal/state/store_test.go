package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStore_LoadTask_Missing(t *testing.T) {
	s := NewStore(t.TempDir())

	st, err := s.LoadTask("abc")
	if err != nil {
		t.Fatalf("LoadTask() error = %v", err)
	}
	if st.TaskID != "abc" {
		t.Errorf("TaskID = %q, want %q", st.TaskID, "abc")
	}
	if st.Phase != PhasePending {
		t.Errorf("Phase = %q, want %q", st.Phase, PhasePending)
	}
}

func TestStore_LoadTask_Corrupt(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	path := s.TaskPath("abc")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	st, err := s.LoadTask("abc")
	if err != nil {
		t.Fatalf("LoadTask() error = %v", err)
	}
	// Corrupt state is treated as never started, not a fatal error.
	if st.Phase != PhasePending {
		t.Errorf("Phase = %q, want %q", st.Phase, PhasePending)
	}
}

func TestStore_UpdateTask_RoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.UpdateTask("abc", func(st *TaskStatus) {
		st.Phase = PhaseRunning
		st.Branch = "pipewright/abc"
		st.SetStep("plan", StepDone)
	})
	if err != nil {
		t.Fatalf("UpdateTask() error = %v", err)
	}

	st, err := s.LoadTask("abc")
	if err != nil {
		t.Fatalf("LoadTask() error = %v", err)
	}
	if st.Phase != PhaseRunning {
		t.Errorf("Phase = %q, want %q", st.Phase, PhaseRunning)
	}
	if st.Branch != "pipewright/abc" {
		t.Errorf("Branch = %q, want %q", st.Branch, "pipewright/abc")
	}
	if st.StepPhaseOf("plan") != StepDone {
		t.Errorf("step plan = %q, want %q", st.StepPhaseOf("plan"), StepDone)
	}
	if st.StepPhaseOf("implement") != StepPending {
		t.Errorf("unknown step = %q, want %q", st.StepPhaseOf("implement"), StepPending)
	}
	if st.LastUpdate.IsZero() {
		t.Error("LastUpdate was not stamped")
	}
}

func TestStore_UpdateTask_NoTempFilesLeftBehind(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	for i := 0; i < 5; i++ {
		if _, err := s.UpdateTask("abc", func(st *TaskStatus) {
			st.Phase = PhaseRunning
		}); err != nil {
			t.Fatalf("UpdateTask() error = %v", err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("tasks dir has %d entries %v, want 1", len(entries), names)
	}
}

func TestStore_ConcurrentReadersSeeValidState(t *testing.T) {
	s := NewStore(t.TempDir())

	if _, err := s.UpdateTask("abc", func(st *TaskStatus) { st.Phase = PhaseRunning }); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			data, err := os.ReadFile(s.TaskPath("abc"))
			if err != nil {
				continue // rename in flight on some platforms
			}
			var st TaskStatus
			if err := json.Unmarshal(data, &st); err != nil {
				t.Errorf("reader observed unparsable state: %v", err)
				return
			}
			if st.TaskID == "" {
				t.Error("reader observed record missing taskId")
				return
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := s.UpdateTask("abc", func(st *TaskStatus) {
			st.InteractionHistory = append(st.InteractionHistory, Interaction{
				Question:  "q",
				Answer:    "a",
				Timestamp: time.Now(),
			})
		}); err != nil {
			t.Fatal(err)
		}
	}
	close(done)
	wg.Wait()
}

func TestMergeUsage(t *testing.T) {
	total := MergeUsage(nil, map[string]TokenUsage{
		"opus": {InputTokens: 10, OutputTokens: 5},
	})
	total = MergeUsage(total, map[string]TokenUsage{
		"opus": {InputTokens: 7, OutputTokens: 3, CacheReadInputTokens: 100},
	})

	got := total["opus"]
	if got.InputTokens != 17 {
		t.Errorf("InputTokens = %d, want 17", got.InputTokens)
	}
	if got.OutputTokens != 8 {
		t.Errorf("OutputTokens = %d, want 8", got.OutputTokens)
	}
	if got.CacheReadInputTokens != 100 {
		t.Errorf("CacheReadInputTokens = %d, want 100", got.CacheReadInputTokens)
	}
}

func TestStore_LatestTask(t *testing.T) {
	s := NewStore(t.TempDir())

	if _, err := s.UpdateTask("first", func(st *TaskStatus) { st.Phase = PhaseDone }); err != nil {
		t.Fatal(err)
	}
	// Ensure a distinct mtime on filesystems with coarse resolution.
	time.Sleep(10 * time.Millisecond)
	if _, err := s.UpdateTask("second", func(st *TaskStatus) {
		st.Phase = PhaseRunning
		st.CurrentStep = "implement"
	}); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestTask()
	if err != nil {
		t.Fatalf("LatestTask() error = %v", err)
	}
	if latest == nil {
		t.Fatal("LatestTask() returned nil")
	}
	if latest.TaskID != "second" {
		t.Errorf("TaskID = %q, want %q", latest.TaskID, "second")
	}
}

func TestStore_LatestTask_Empty(t *testing.T) {
	s := NewStore(t.TempDir())

	latest, err := s.LatestTask()
	if err != nil {
		t.Fatalf("LatestTask() error = %v", err)
	}
	if latest != nil {
		t.Errorf("LatestTask() = %+v, want nil", latest)
	}
}

func TestStore_SequenceRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	_, err := s.UpdateSequence("seq-1", func(st *SequenceStatus) {
		st.Phase = PhaseRunning
		st.CompletedTasks = append(st.CompletedTasks, "tasks/01-a.md")
	})
	if err != nil {
		t.Fatalf("UpdateSequence() error = %v", err)
	}

	st, err := s.LoadSequence("seq-1")
	if err != nil {
		t.Fatalf("LoadSequence() error = %v", err)
	}
	if !st.Completed("tasks/01-a.md") {
		t.Error("Completed() = false for recorded task")
	}
	if st.Completed("tasks/02-b.md") {
		t.Error("Completed() = true for unknown task")
	}
}
