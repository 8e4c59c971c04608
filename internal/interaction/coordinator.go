// Package interaction pauses a step on an agent question and resumes it
// with a human answer from whichever source responds first: the local
// interactive prompt or an externally dropped answer file.
package interaction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/muesli/cancelreader"

	"pipewright/internal/state"
)

// ErrInterrupted is returned when the wait is cancelled before either
// source produced an answer. The task stays parked in waiting_for_input
// with the question preserved, so a later run resumes at the same
// question without repeating the agent invocation.
var ErrInterrupted = errors.New("interrupted while waiting for input")

// DefaultPollInterval is how often the answer file is checked.
const DefaultPollInterval = time.Second

// Coordinator races the two answer sources for a paused task.
type Coordinator struct {
	store *state.Store

	// Prompt is the interactive input source. Defaults to os.Stdin.
	Prompt io.Reader

	// Out receives the question display. Defaults to os.Stdout.
	Out io.Writer

	// PollInterval overrides the answer-file poll cadence, mainly for tests.
	PollInterval time.Duration
}

// NewCoordinator creates a coordinator over the given state store.
func NewCoordinator(store *state.Store) *Coordinator {
	return &Coordinator{
		store:        store,
		Prompt:       os.Stdin,
		Out:          os.Stdout,
		PollInterval: DefaultPollInterval,
	}
}

type answerResult struct {
	text string
	err  error
}

// AwaitAnswer blocks until one source answers, then records the
// interaction in the task's status and returns the answer. The caller
// must already have persisted phase waiting_for_input with the pending
// question. Waits are indefinite; cancellation comes only from ctx or
// an interrupted prompt.
func (c *Coordinator) AwaitAnswer(ctx context.Context, taskID, question string) (string, error) {
	results := make(chan answerResult, 2)

	reader, err := cancelreader.NewReader(c.prompt())
	if err != nil {
		return "", fmt.Errorf("prompt reader: %w", err)
	}

	var pollWG sync.WaitGroup
	stopPoll := make(chan struct{})

	// The prompt goroutine is not waited on: cancelreader interrupts a
	// blocked stdin read on supported platforms, but its fallback for
	// plain readers only takes effect at the next read. A late line
	// lands in the buffered channel and is dropped.
	go func() {
		fmt.Fprintf(c.out(), "\n[question] %s\n> ", question)
		line, err := bufio.NewReader(reader).ReadString('\n')
		if err != nil {
			if errors.Is(err, cancelreader.ErrCanceled) {
				return // lost the race, cancelled by the winner
			}
			results <- answerResult{err: ErrInterrupted}
			return
		}
		results <- answerResult{text: strings.TrimSpace(line)}
	}()

	answerPath := c.store.AnswerPath(taskID)
	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		ticker := time.NewTicker(c.pollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-stopPoll:
				return
			case <-ticker.C:
				data, err := os.ReadFile(answerPath)
				if err != nil {
					continue
				}
				// Consume the file so repeated questions don't reuse it.
				os.Remove(answerPath)
				results <- answerResult{text: strings.TrimSpace(string(data))}
				return
			}
		}
	}()

	var res answerResult
	select {
	case res = <-results:
	case <-ctx.Done():
		res = answerResult{err: ErrInterrupted}
	}

	// Cancel the loser and release its resources before returning;
	// repeated questions within one step must not accumulate live
	// pollers or prompt readers.
	reader.Cancel()
	close(stopPoll)
	pollWG.Wait()

	if res.err != nil {
		return "", res.err
	}

	_, err = c.store.UpdateTask(taskID, func(st *state.TaskStatus) {
		st.InteractionHistory = append(st.InteractionHistory, state.Interaction{
			Question:  question,
			Answer:    res.text,
			Timestamp: time.Now(),
		})
		st.PendingQuestion = nil
		st.Phase = state.PhaseRunning
	})
	if err != nil {
		return "", fmt.Errorf("record answer: %w", err)
	}
	return res.text, nil
}

// WriteAnswer drops an answer file for a waiting task. This is the
// channel the `answer` command and external UIs use.
func WriteAnswer(store *state.Store, taskID, answer string) error {
	path := store.AnswerPath(taskID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(answer+"\n"), 0644)
}

func (c *Coordinator) prompt() io.Reader {
	if c.Prompt != nil {
		return c.Prompt
	}
	return os.Stdin
}

func (c *Coordinator) out() io.Writer {
	if c.Out != nil {
		return c.Out
	}
	return os.Stdout
}

func (c *Coordinator) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return DefaultPollInterval
}
