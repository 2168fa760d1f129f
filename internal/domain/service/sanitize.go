// Package service holds the domain logic of the proxy: request sanitisation,
// the agent loop orchestrator, the tool-call policy gate, and the loop
// guards. Everything here operates on canonical entities; wire translation
// belongs to the llm adapters.
package service

import (
	"strings"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/domain/tool"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
)

// placeholderResultPrefix marks historical artifact tool_results some clients
// replay; they carry no information and confuse id matching upstream.
const placeholderResultPrefix = "Web search results for query:"

// longUserTurnChars is the length past which a final user turn gets a focus
// instruction appended.
const longUserTurnChars = 6000

const focusInstruction = "\n\n(Answer only the most recent request above; earlier context is background.)"

// SanitizeResult is the sanitiser output: a deep-cloned request safe to
// mutate, plus the non-portable hints captured before removal.
type SanitizeResult struct {
	Clean           *entity.Request
	ForcedProvider  string
	DisableFallback bool
	Stream          bool
}

// Sanitizer normalises raw client payloads into clean canonical requests.
type Sanitizer struct {
	cfg    config.LoopConfig
	model  string
	logger *zap.Logger
}

// NewSanitizer creates a sanitiser. defaultModel fills requests that omit the
// model field.
func NewSanitizer(cfg config.LoopConfig, defaultModel string, logger *zap.Logger) *Sanitizer {
	return &Sanitizer{cfg: cfg, model: defaultModel, logger: logger.With(zap.String("component", "sanitizer"))}
}

// Sanitize applies the normalisation rules in order and returns a request
// the orchestrator may mutate freely. The input is never modified.
func (s *Sanitizer) Sanitize(raw *entity.Request) *SanitizeResult {
	req := raw.Clone()

	result := &SanitizeResult{
		ForcedProvider:  strings.TrimSpace(req.Provider),
		DisableFallback: req.DisableFallback,
		Stream:          req.Stream,
	}
	req.Provider = ""
	req.APIType = ""
	req.DisableFallback = false

	req.Model = strings.TrimSpace(req.Model)
	if req.Model == "" {
		req.Model = s.model
	}

	req.Messages = stripPlaceholderResults(req.Messages)
	req.Messages = normalizeToolRole(req.Messages)
	req.Messages = dropEmptyTurns(req.Messages)
	req.Messages = mergeSameRole(req.Messages)
	s.appendFocusInstruction(req)

	ensureObjectSchemas(req.Tools)
	if s.cfg.InjectStandardTools && len(req.Tools) == 0 {
		req.Tools = tool.StandardDefinitions()
	}
	if s.cfg.SmartToolSelection && len(req.Tools) > 0 {
		req.Tools = selectTools(req.Tools, req.LastUserText())
	}
	if isConversational(req) {
		req.Tools = nil
		req.ToolChoice = nil
	}

	req.Stream = result.Stream
	result.Clean = req
	return result
}

// stripPlaceholderResults removes placeholder tool_result blocks together
// with the assistant tool_use blocks they answer, so every surviving
// tool_use still has exactly one result and vice versa.
func stripPlaceholderResults(messages []entity.Message) []entity.Message {
	placeholderIDs := map[string]bool{}
	for _, m := range messages {
		for _, b := range m.Content.Blocks() {
			if b.Kind == entity.BlockToolResult && b.ToolResult != nil &&
				strings.HasPrefix(b.ToolResult.Content, placeholderResultPrefix) {
				placeholderIDs[b.ToolResult.ToolUseID] = true
			}
		}
	}
	if len(placeholderIDs) == 0 {
		return messages
	}

	out := make([]entity.Message, 0, len(messages))
	for _, m := range messages {
		var kept []entity.ContentBlock
		for _, b := range m.Content.Blocks() {
			switch {
			case b.Kind == entity.BlockToolUse && b.ToolUse != nil && placeholderIDs[b.ToolUse.ID]:
			case b.Kind == entity.BlockToolResult && b.ToolResult != nil && placeholderIDs[b.ToolResult.ToolUseID]:
			default:
				kept = append(kept, b)
			}
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, entity.Message{Role: m.Role, Content: entity.ContentFromBlocks(kept)})
	}
	return out
}

// normalizeToolRole converts ingress role "tool" turns (OpenAI-style clients)
// into canonical user turns carrying tool_result blocks.
func normalizeToolRole(messages []entity.Message) []entity.Message {
	out := make([]entity.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == entity.RoleTool {
			m = entity.Message{Role: entity.RoleUser, Content: m.Content}
		}
		out = append(out, m)
	}
	return out
}

// dropEmptyTurns removes turns with no text and no tool blocks.
func dropEmptyTurns(messages []entity.Message) []entity.Message {
	out := make([]entity.Message, 0, len(messages))
	for _, m := range messages {
		if m.Content.IsEmpty() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// mergeSameRole concatenates consecutive same-role turns. Turns carrying
// tool blocks never merge: their ordering encodes the call/result pairing.
func mergeSameRole(messages []entity.Message) []entity.Message {
	var out []entity.Message
	for _, m := range messages {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Role == m.Role && isTextOnly(last.Content) && isTextOnly(m.Content) {
				merged := last.Content.Text() + "\n\n" + m.Content.Text()
				last.Content = entity.ContentFromString(merged)
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func isTextOnly(c entity.Content) bool {
	return !c.HasKind(entity.BlockToolUse) && !c.HasKind(entity.BlockToolResult)
}

// appendFocusInstruction nudges the model when the final user turn is very
// long and no tool exchange is in progress.
func (s *Sanitizer) appendFocusInstruction(req *entity.Request) {
	if len(req.Messages) == 0 {
		return
	}
	last := &req.Messages[len(req.Messages)-1]
	if last.Role != entity.RoleUser || !isTextOnly(last.Content) {
		return
	}
	text := last.Content.Text()
	if len(text) <= longUserTurnChars {
		return
	}
	for _, m := range req.Messages {
		if m.Content.HasKind(entity.BlockToolUse) || m.Content.HasKind(entity.BlockToolResult) {
			return
		}
	}
	last.Content = entity.ContentFromString(text + focusInstruction)
}

// ensureObjectSchemas forces input_schema.type to "object" on every tool.
func ensureObjectSchemas(tools []entity.ToolDefinition) {
	for i := range tools {
		if tools[i].InputSchema == nil {
			tools[i].InputSchema = map[string]any{"type": "object", "properties": map[string]any{}}
			continue
		}
		if t, ok := tools[i].InputSchema["type"].(string); !ok || t != "object" {
			tools[i].InputSchema["type"] = "object"
		}
	}
}

// selectTools keeps only the tools whose category matches the classified
// intent of the last user text. An empty selection removes tools entirely.
func selectTools(tools []entity.ToolDefinition, text string) []entity.ToolDefinition {
	wanted := classifyIntent(text)
	if wanted == nil {
		return tools
	}
	var out []entity.ToolDefinition
	for _, td := range tools {
		if wanted[tool.Categorize(td.Name)] {
			out = append(out, td)
		}
	}
	return out
}

// classifyIntent maps the user text onto the tool categories it plausibly
// needs. Nil means "no opinion, keep everything".
func classifyIntent(text string) map[tool.Category]bool {
	t := strings.ToLower(text)
	switch {
	case containsAny(t, "search the web", "look up online", "latest news", "browse", "fetch the page", "what's new in"):
		return map[tool.Category]bool{tool.CategoryWeb: true, tool.CategorySubtask: true}
	case containsAny(t, "edit the file", "refactor", "fix the bug", "write a function", "rename", "apply the patch"):
		return map[tool.Category]bool{
			tool.CategoryFile: true, tool.CategoryShell: true, tool.CategorySubtask: true,
		}
	case containsAny(t, "run the tests", "execute", "run this command", "install"):
		return map[tool.Category]bool{tool.CategoryShell: true, tool.CategoryFile: true, tool.CategorySubtask: true}
	default:
		return nil
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isConversational detects short non-technical closers and greetings; such
// requests get no tools at all.
func isConversational(req *entity.Request) bool {
	if len(req.Messages) == 0 {
		return false
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != entity.RoleUser || !isTextOnly(last.Content) {
		return false
	}
	text := strings.ToLower(strings.TrimSpace(last.Content.Text()))
	if text == "" || len(text) > 80 {
		return false
	}
	greetings := []string{
		"hi", "hello", "hey", "thanks", "thank you", "ok", "okay", "cool",
		"good morning", "good night", "bye", "goodbye", "great", "nice",
	}
	for _, g := range greetings {
		if text == g || strings.HasPrefix(text, g+" ") || strings.HasPrefix(text, g+",") || strings.HasPrefix(text, g+"!") {
			return true
		}
	}
	return false
}
