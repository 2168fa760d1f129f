package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role constants for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message is one conversation turn in the canonical schema.
type Message struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// Clone deep-copies the message.
func (m Message) Clone() Message {
	return Message{Role: m.Role, Content: m.Content.Clone()}
}

// ToolDefinition declares a tool the model may call. InputSchema is a JSON
// Schema subset and must have "type":"object" at the top level.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// Clone deep-copies the definition.
func (d ToolDefinition) Clone() ToolDefinition {
	out := ToolDefinition{Name: d.Name, Description: d.Description}
	if d.InputSchema != nil {
		raw, err := json.Marshal(d.InputSchema)
		if err == nil {
			_ = json.Unmarshal(raw, &out.InputSchema)
		}
	}
	return out
}

// ToolChoice hints how the model should use tools: auto, none, or one tool.
type ToolChoice struct {
	Type string `json:"type"` // "auto" | "none" | "tool"
	Name string `json:"name,omitempty"`
}

// SystemPrompt is a top-level system instruction. On the wire it arrives as
// either a plain string or a list of text blocks; the canonical form is the
// flattened string.
type SystemPrompt string

// UnmarshalJSON flattens block-form system prompts.
func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = SystemPrompt(str)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system is neither string nor block list: %w", err)
	}
	var parts []string
	for _, b := range blocks {
		if (b.Kind == BlockText || b.Kind == BlockInputText) && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	*s = SystemPrompt(strings.Join(parts, "\n"))
	return nil
}

// Request is the canonical (Anthropic-style) request the orchestrator
// consumes and adapters translate from.
type Request struct {
	Model       string           `json:"model"`
	System      SystemPrompt     `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *ToolChoice      `json:"tool_choice,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	Stream      bool             `json:"stream,omitempty"`

	// Non-portable client hints. The sanitiser captures what it needs and
	// clears them before the request reaches any adapter.
	Provider        string `json:"provider,omitempty"`
	APIType         string `json:"api_type,omitempty"`
	DisableFallback bool   `json:"disable_fallback,omitempty"`
}

// Clone deep-copies the request. The orchestrator mutates only clones; the
// payload as received is never touched.
func (r *Request) Clone() *Request {
	out := &Request{
		Model:           r.Model,
		System:          r.System,
		MaxTokens:       r.MaxTokens,
		Stream:          r.Stream,
		Provider:        r.Provider,
		APIType:         r.APIType,
		DisableFallback: r.DisableFallback,
	}
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.TopP != nil {
		p := *r.TopP
		out.TopP = &p
	}
	if r.ToolChoice != nil {
		tc := *r.ToolChoice
		out.ToolChoice = &tc
	}
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = m.Clone()
	}
	if r.Tools != nil {
		out.Tools = make([]ToolDefinition, len(r.Tools))
		for i, d := range r.Tools {
			out.Tools[i] = d.Clone()
		}
	}
	return out
}

// ToolCount returns the number of declared tools.
func (r *Request) ToolCount() int {
	return len(r.Tools)
}

// LastUserText returns the text of the most recent user turn that carries
// plain text (tool_result-only turns are skipped).
func (r *Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role != RoleUser {
			continue
		}
		if m.Content.HasKind(BlockToolResult) && strings.TrimSpace(m.Content.Text()) == "" {
			continue
		}
		if text := strings.TrimSpace(m.Content.Text()); text != "" {
			return text
		}
	}
	return ""
}
