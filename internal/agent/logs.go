package agent

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Logs writes the main and reasoning streams of one invocation to a pair
// of files. Reasoning (thinking) content goes to the side log only; main
// content and raw unparsable lines go to the primary log.
type Logs struct {
	main      io.WriteCloser
	reasoning io.WriteCloser
	mainPath  string
}

// OpenLogs creates the log pair for one step attempt under dir.
// File names embed the step name and attempt so repeated attempts of the
// same step stay distinguishable.
func OpenLogs(dir, stepName string, attempt int) (*Logs, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	base := fmt.Sprintf("%s-%s-attempt%d", time.Now().Format("20060102-150405"), stepName, attempt)
	mainPath := filepath.Join(dir, base+".log")
	main, err := os.Create(mainPath)
	if err != nil {
		return nil, err
	}
	reasoning, err := os.Create(filepath.Join(dir, base+".reasoning.log"))
	if err != nil {
		main.Close()
		return nil, err
	}
	return &Logs{main: main, reasoning: reasoning, mainPath: mainPath}, nil
}

// MainPath returns the primary log file path.
func (l *Logs) MainPath() string {
	if l == nil {
		return ""
	}
	return l.mainPath
}

// Main appends text to the primary log.
func (l *Logs) Main(s string) {
	if l == nil || l.main == nil {
		return
	}
	io.WriteString(l.main, s)
}

// Reasoning appends text to the reasoning log.
func (l *Logs) Reasoning(s string) {
	if l == nil || l.reasoning == nil {
		return
	}
	io.WriteString(l.reasoning, s)
}

// Header writes the invocation preamble to both logs.
func (l *Logs) Header(command, dir string, start time.Time) {
	if l == nil {
		return
	}
	header := fmt.Sprintf("=== invocation start ===\ntime: %s\ncwd: %s\ncommand: %s\n===\n",
		start.Format(time.RFC3339), dir, command)
	l.Main(header)
	l.Reasoning(header)
}

// Trailer writes the invocation summary to both logs.
func (l *Logs) Trailer(end time.Time, duration time.Duration, exitCode int, usage map[string]Usage) {
	if l == nil {
		return
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n=== invocation end ===\ntime: %s\nduration: %s\nexit code: %d\n",
		end.Format(time.RFC3339), duration.Round(time.Millisecond), exitCode)

	models := make([]string, 0, len(usage))
	for m := range usage {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		u := usage[m]
		fmt.Fprintf(&sb, "tokens[%s]: in=%d out=%d cache_creation=%d cache_read=%d\n",
			m, u.InputTokens, u.OutputTokens, u.CacheCreationInputTokens, u.CacheReadInputTokens)
	}
	sb.WriteString("===\n")

	l.Main(sb.String())
	l.Reasoning(sb.String())
}

// Close closes both log files.
func (l *Logs) Close() {
	if l == nil {
		return
	}
	if l.main != nil {
		l.main.Close()
	}
	if l.reasoning != nil {
		l.reasoning.Close()
	}
}
