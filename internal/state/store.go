// Package state persists task and sequence status records as JSON files.
//
// Every mutation goes through an atomic read-mutate-write cycle: the new
// record is written to a sibling temp file, synced, then renamed over the
// target. Concurrent readers (dashboards, the guardrail hook) therefore
// observe either the old record or the new one, never a partial write.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// DefaultDir is the default state directory, relative to the project root.
const DefaultDir = ".pipewright"

// Store reads and writes status records under a state directory.
type Store struct {
	dir string

	// now is overridable in tests.
	now func() time.Time
}

// NewStore creates a store rooted at dir. An empty dir uses DefaultDir.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{dir: dir, now: time.Now}
}

// Dir returns the state directory root.
func (s *Store) Dir() string { return s.dir }

// TaskPath returns the status file path for a task ID.
func (s *Store) TaskPath(taskID string) string {
	return filepath.Join(s.dir, "tasks", taskID+".json")
}

// SequencePath returns the status file path for a sequence ID.
func (s *Store) SequencePath(seqID string) string {
	return filepath.Join(s.dir, "sequences", seqID+".json")
}

// AnswerPath returns the drop file path an external actor writes to
// answer a pending question for the task.
func (s *Store) AnswerPath(taskID string) string {
	return filepath.Join(s.dir, "answers", taskID+".answer")
}

// LogDir returns the directory for agent invocation logs of a task.
func (s *Store) LogDir(taskID string) string {
	return filepath.Join(s.dir, "logs", taskID)
}

// LoadTask reads a task status record. A missing or unparsable file
// yields a fresh record for the ID: corrupt state means "never started",
// not a fatal error.
func (s *Store) LoadTask(taskID string) (*TaskStatus, error) {
	st := &TaskStatus{TaskID: taskID, Phase: PhasePending}
	if err := readJSON(s.TaskPath(taskID), st); err != nil {
		return &TaskStatus{TaskID: taskID, Phase: PhasePending}, nil
	}
	st.TaskID = taskID
	return st, nil
}

// UpdateTask applies mutate to the current record, stamps lastUpdate and
// writes the result atomically. It returns the record as written.
func (s *Store) UpdateTask(taskID string, mutate func(*TaskStatus)) (*TaskStatus, error) {
	st, _ := s.LoadTask(taskID)
	mutate(st)
	st.LastUpdate = s.now()
	if err := writeJSONAtomic(s.TaskPath(taskID), st); err != nil {
		return nil, err
	}
	return st, nil
}

// LoadSequence reads a sequence status record, defaulting like LoadTask.
func (s *Store) LoadSequence(seqID string) (*SequenceStatus, error) {
	st := &SequenceStatus{SequenceID: seqID, Phase: PhasePending}
	if err := readJSON(s.SequencePath(seqID), st); err != nil {
		return &SequenceStatus{SequenceID: seqID, Phase: PhasePending}, nil
	}
	st.SequenceID = seqID
	return st, nil
}

// UpdateSequence is the sequence counterpart of UpdateTask.
func (s *Store) UpdateSequence(seqID string, mutate func(*SequenceStatus)) (*SequenceStatus, error) {
	st, _ := s.LoadSequence(seqID)
	mutate(st)
	st.LastUpdate = s.now()
	if err := writeJSONAtomic(s.SequencePath(seqID), st); err != nil {
		return nil, err
	}
	return st, nil
}

// LatestTask returns the most recently modified task status record, or
// nil if none exist. The guardrail hook uses this to learn which step is
// currently writing files.
func (s *Store) LatestTask() (*TaskStatus, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "tasks"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var newest string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = e.Name()
			newestMod = info.ModTime()
		}
	}
	if newest == "" {
		return nil, nil
	}
	taskID := newest[:len(newest)-len(".json")]
	return s.LoadTask(taskID)
}

// readJSON decodes path into v, returning an error for missing or
// malformed content.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONAtomic writes v to path via temp file, fsync and rename.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
