package state

import "time"

// Phase is the lifecycle phase of a task or sequence.
type Phase string

const (
	PhasePending         Phase = "pending"
	PhaseRunning         Phase = "running"
	PhaseWaitingForInput Phase = "waiting_for_input"
	PhaseDone            Phase = "done"
	PhaseFailed          Phase = "failed"
	PhaseInterrupted     Phase = "interrupted"
	PhaseWaitingForReset Phase = "waiting_for_reset"
)

// StepPhase is the lifecycle phase of a single pipeline step.
// Valid transitions: pending -> running -> done|failed. Done is terminal
// and causes the step to be skipped on any later resume.
type StepPhase string

const (
	StepPending StepPhase = "pending"
	StepRunning StepPhase = "running"
	StepDone    StepPhase = "done"
	StepFailed  StepPhase = "failed"
)

// TokenUsage accumulates token counts for one model.
type TokenUsage struct {
	InputTokens              int `json:"inputTokens"`
	OutputTokens             int `json:"outputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens"`
}

// Add accumulates another usage record into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheCreationInputTokens += o.CacheCreationInputTokens
	u.CacheReadInputTokens += o.CacheReadInputTokens
}

// MergeUsage adds per-model usage into dst, allocating entries as needed.
func MergeUsage(dst map[string]*TokenUsage, src map[string]TokenUsage) map[string]*TokenUsage {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]*TokenUsage, len(src))
	}
	for model, u := range src {
		if dst[model] == nil {
			dst[model] = &TokenUsage{}
		}
		dst[model].Add(u)
	}
	return dst
}

// PendingQuestion records an agent question awaiting a human answer.
// Present if and only if the task phase is waiting_for_input.
type PendingQuestion struct {
	Question  string    `json:"question"`
	Timestamp time.Time `json:"timestamp"`
}

// Interaction is one answered question. The interaction history is
// append-only and never mutated in place.
type Interaction struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats holds wall-clock accounting for a task run. Durations are in
// milliseconds so external readers don't need Go duration parsing.
type Stats struct {
	TotalDuration                int64 `json:"totalDuration"`
	TotalDurationExcludingPauses int64 `json:"totalDurationExcludingPauses"`
	TotalPauseTime               int64 `json:"totalPauseTime"`
}

// TaskStatus is the persistent status record for one task.
type TaskStatus struct {
	TaskID           string                 `json:"taskId"`
	Branch           string                 `json:"branch"`
	PipelineName     string                 `json:"pipelineName"`
	ParentSequenceID string                 `json:"parentSequenceId,omitempty"`
	Phase            Phase                  `json:"phase"`
	Steps            map[string]StepPhase   `json:"steps"`
	CurrentStep      string                 `json:"currentStep,omitempty"`
	PendingQuestion  *PendingQuestion       `json:"pendingQuestion,omitempty"`
	InteractionHistory []Interaction        `json:"interactionHistory,omitempty"`
	TokenUsage       map[string]*TokenUsage `json:"tokenUsage,omitempty"`
	Stats            *Stats                 `json:"stats,omitempty"`
	StartTime        time.Time              `json:"startTime"`
	LastUpdate       time.Time              `json:"lastUpdate"`
}

// StepPhaseOf returns the phase of a step, defaulting to pending.
func (t *TaskStatus) StepPhaseOf(name string) StepPhase {
	if p, ok := t.Steps[name]; ok {
		return p
	}
	return StepPending
}

// SetStep records a step phase, allocating the map on first use.
func (t *TaskStatus) SetStep(name string, p StepPhase) {
	if t.Steps == nil {
		t.Steps = make(map[string]StepPhase)
	}
	t.Steps[name] = p
}

// SequenceStats aggregates stats across every completed task in a sequence.
type SequenceStats struct {
	TotalDuration                int64                  `json:"totalDuration"`
	TotalDurationExcludingPauses int64                  `json:"totalDurationExcludingPauses"`
	TotalPauseTime               int64                  `json:"totalPauseTime"`
	TotalTokenUsage              map[string]*TokenUsage `json:"totalTokenUsage,omitempty"`
}

// SequenceStatus is the persistent status record for one folder run.
type SequenceStatus struct {
	SequenceID      string         `json:"sequenceId"`
	Branch          string         `json:"branch"`
	Phase           Phase          `json:"phase"`
	CurrentTaskPath string         `json:"currentTaskPath,omitempty"`
	CompletedTasks  []string       `json:"completedTasks"`
	Stats           *SequenceStats `json:"stats,omitempty"`
	StartTime       time.Time      `json:"startTime"`
	LastUpdate      time.Time      `json:"lastUpdate"`
}

// Completed reports whether a task file path is already in the
// completed set.
func (s *SequenceStatus) Completed(path string) bool {
	for _, p := range s.CompletedTasks {
		if p == path {
			return true
		}
	}
	return false
}
