// Package task loads task description files. A task is a markdown file
// whose body becomes the agent's work order, optionally preceded by a
// YAML front matter block selecting a pipeline.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Task is a loaded task file.
type Task struct {
	// ID is stable across runs of the same file, so interrupted runs
	// find their previous state.
	ID string

	// Path is the file path as given by the caller.
	Path string

	// Pipeline is the task's pipeline preference from front matter,
	// empty when none was declared.
	Pipeline string

	// Body is the markdown content with front matter stripped.
	Body string
}

type frontMatter struct {
	Pipeline string `yaml:"pipeline"`
}

// Load reads and parses a task file.
func Load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}

	body := string(data)
	var fm frontMatter
	if rest, block, ok := splitFrontMatter(body); ok {
		if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
			return nil, fmt.Errorf("task %s: front matter: %w", path, err)
		}
		body = rest
	}

	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("task %s is empty", path)
	}

	return &Task{
		ID:       ID(path),
		Path:     path,
		Pipeline: fm.Pipeline,
		Body:     strings.TrimSpace(body) + "\n",
	}, nil
}

// splitFrontMatter extracts a leading "---" delimited YAML block.
// Returns the remaining body, the block content, and whether a block
// was found.
func splitFrontMatter(content string) (body, block string, ok bool) {
	if !strings.HasPrefix(content, "---\n") && content != "---" {
		return content, "", false
	}
	rest := strings.TrimPrefix(content, "---\n")
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content, "", false
	}
	block = rest[:end]
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return body, block, true
}

var idPattern = regexp.MustCompile(`[^a-z0-9]+`)

// ID derives the stable task identifier from a file path: the slugged
// base name plus a short hash of the full path, so two tasks with the
// same file name in different folders get distinct state.
func ID(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	s := idPattern.ReplaceAllString(strings.ToLower(base), "-")
	s = strings.Trim(s, "-")
	sum := sha256.Sum256([]byte(path))
	return s + "-" + hex.EncodeToString(sum[:4])
}
