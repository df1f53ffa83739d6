// Package llm defines the completion provider interface used by the
// relation classifier, fact extractor, reranker, dream cycle, and
// proactive triage, plus helpers for the JSON-over-prompt idiom those
// callers share.
package llm

import (
	"context"
	"strings"
)

// Message is a single conversation turn.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ContentBlock is one element of a response's content. Type selects
// which of the remaining fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "tool_result"

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// Tool describes a callable tool offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Request is a completion request.
type Request struct {
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  string    `json:"tool_choice,omitempty"`
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a completion response.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
	Model      string         `json:"model,omitempty"`
}

// Text concatenates the text blocks of the response.
func (r *Response) Text() string {
	var b strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Provider is a completion backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	IsAvailable() bool
}

// CompleteText is the one-shot prompt convenience most engram callers
// use: single user message, optional system prompt, text out.
func CompleteText(ctx context.Context, p Provider, system, prompt string) (string, error) {
	resp, err := p.Complete(ctx, Request{
		System:   system,
		Messages: []Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// ExtractJSON pulls a JSON object or array out of a model response,
// tolerating markdown code fences and surrounding prose. Returns ""
// when no JSON payload can be located; callers treat that as a
// transient failure and fall back to their heuristic.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}

	objStart := strings.Index(s, "{")
	arrStart := strings.Index(s, "[")

	// Prefer whichever container opens first.
	if arrStart >= 0 && (objStart < 0 || arrStart < objStart) {
		end := strings.LastIndex(s, "]")
		if end > arrStart {
			return s[arrStart : end+1]
		}
		return ""
	}
	if objStart >= 0 {
		end := strings.LastIndex(s, "}")
		if end > objStart {
			return s[objStart : end+1]
		}
	}
	return ""
}
