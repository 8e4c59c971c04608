package agent

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// StreamParser incrementally parses the agent's newline-delimited JSON
// event stream. A single read rarely returns whole lines, so the parser
// keeps an explicit carry-over buffer between chunks.
//
// Lines that fail to parse as JSON are treated as raw text and appended
// to the main log; a malformed stream is never a fatal parse error.
type StreamParser struct {
	logs *Logs

	carry  []byte
	output strings.Builder

	model    string
	question string
	resetAt  time.Time

	usage       map[string]Usage
	resultUsage map[string]Usage
}

// NewStreamParser creates a parser writing content to the given logs.
func NewStreamParser(logs *Logs) *StreamParser {
	return &StreamParser{
		logs:        logs,
		usage:       make(map[string]Usage),
		resultUsage: make(map[string]Usage),
	}
}

// streamLine is the top-level shape of one NDJSON event. Unknown fields
// are ignored so newer agent versions degrade gracefully.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Model   string `json:"model"`

	// stream_event carries incremental content deltas.
	Event *struct {
		Type  string `json:"type"`
		Delta *struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		} `json:"delta"`
	} `json:"event"`

	// assistant messages carry per-message token usage.
	Message *struct {
		Model string        `json:"model"`
		Usage *usagePayload `json:"usage"`
	} `json:"message"`

	// human_input_request carries the question for a human.
	Question string `json:"question"`

	// rate_limit carries the unix timestamp at which the limit resets.
	ResetsAt int64 `json:"resets_at"`

	// result carries the invocation total as a fallback.
	Usage  *usagePayload `json:"usage"`
	Result string        `json:"result"`
}

type usagePayload struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u *usagePayload) toUsage() Usage {
	return Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

// Parse consumes the stream until EOF. It never fails on malformed
// lines; the only errors returned are read errors from r.
func (p *StreamParser) Parse(r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.Feed(buf[:n])
		}
		if err == io.EOF {
			p.Flush()
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Feed appends a chunk, handling any complete lines it closes off.
func (p *StreamParser) Feed(chunk []byte) {
	p.carry = append(p.carry, chunk...)
	for {
		i := bytes.IndexByte(p.carry, '\n')
		if i < 0 {
			return
		}
		line := p.carry[:i]
		p.carry = p.carry[i+1:]
		p.handleLine(line)
	}
}

// Flush processes a trailing partial line at end of stream.
func (p *StreamParser) Flush() {
	if len(p.carry) > 0 {
		p.handleLine(p.carry)
		p.carry = nil
	}
}

func (p *StreamParser) handleLine(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}

	var ev streamLine
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		// Defensive degradation: raw text still lands in the main log.
		p.logs.Main(trimmed + "\n")
		return
	}

	switch ev.Type {
	case "system":
		if ev.Model != "" {
			p.model = ev.Model
		}

	case "stream_event":
		if ev.Event == nil || ev.Event.Delta == nil {
			return
		}
		switch ev.Event.Delta.Type {
		case "text_delta":
			p.output.WriteString(ev.Event.Delta.Text)
			p.logs.Main(ev.Event.Delta.Text)
		case "thinking_delta":
			p.logs.Reasoning(ev.Event.Delta.Thinking)
		}

	case "assistant", "message":
		if ev.Message == nil || ev.Message.Usage == nil {
			return
		}
		model := ev.Message.Model
		if model == "" {
			model = p.modelOrDefault()
		}
		u := p.usage[model]
		add := ev.Message.Usage.toUsage()
		u.InputTokens += add.InputTokens
		u.OutputTokens += add.OutputTokens
		u.CacheCreationInputTokens += add.CacheCreationInputTokens
		u.CacheReadInputTokens += add.CacheReadInputTokens
		p.usage[model] = u

	case "human_input_request":
		p.question = ev.Question

	case "rate_limit":
		if ev.ResetsAt > 0 {
			p.resetAt = time.Unix(ev.ResetsAt, 0)
		}

	case "result":
		if ev.Usage != nil {
			p.resultUsage[p.modelOrDefault()] = ev.Usage.toUsage()
		}
		if ev.Result != "" && p.output.Len() == 0 {
			p.output.WriteString(ev.Result)
			p.logs.Main(ev.Result)
		}

	default:
		// Unrecognized event kinds are preserved verbatim in the log.
		p.logs.Main(trimmed + "\n")
	}
}

func (p *StreamParser) modelOrDefault() string {
	if p.model != "" {
		return p.model
	}
	return "unknown"
}

// Output returns the accumulated main content.
func (p *StreamParser) Output() string { return p.output.String() }

// Question returns the pending human-input request, empty if none.
func (p *StreamParser) Question() string { return p.question }

// RateLimitReset returns the reported reset time, zero if none.
func (p *StreamParser) RateLimitReset() time.Time { return p.resetAt }

// Model returns the model reported by the init event.
func (p *StreamParser) Model() string { return p.model }

// Usage returns per-model token totals. Per-message usage is summed
// across all assistant messages; the result event's totals are used only
// when no per-message usage was seen.
func (p *StreamParser) Usage() map[string]Usage {
	if len(p.usage) > 0 {
		return p.usage
	}
	return p.resultUsage
}
