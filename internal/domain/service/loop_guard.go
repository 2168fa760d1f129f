package service

import (
	"strings"

	"github.com/lynkr/lynkr/internal/domain/entity"
)

// Signature repetition thresholds. At the warning count a user-role warning
// is injected; past it the loop terminates with tool_call_loop.
const (
	signatureWarnAt      = 3
	signatureTerminateAt = 4
)

// SignatureTracker counts identical tool calls within one request. Identity
// is the canonical signature (name + sorted-key JSON of arguments), never
// the raw argument string.
type SignatureTracker struct {
	counts map[string]int
}

// NewSignatureTracker creates an empty tracker. One tracker per request.
func NewSignatureTracker() *SignatureTracker {
	return &SignatureTracker{counts: map[string]int{}}
}

// Record registers one occurrence and returns the running count.
func (t *SignatureTracker) Record(call entity.ToolCall) int {
	sig := call.Signature()
	t.counts[sig]++
	return t.counts[sig]
}

// LoopWarning is the user-role message injected when a signature reaches the
// warning threshold.
const LoopWarning = "You have repeated the same tool call with identical arguments several times. " +
	"Do not call it again with the same input; use the results you already have or try a different approach."

// ToolResultsSinceLastUserText counts tool_result blocks appearing after the
// most recent user turn that carries plain text. This is the pre-request
// loop-guard metric: a high count means the conversation is cycling through
// tool calls without the user saying anything new.
func ToolResultsSinceLastUserText(messages []entity.Message) int {
	lastText := -1
	for i, m := range messages {
		if m.Role != entity.RoleUser {
			continue
		}
		if strings.TrimSpace(m.Content.Text()) != "" && !m.Content.HasKind(entity.BlockToolResult) {
			lastText = i
		}
	}

	count := 0
	for i := lastText + 1; i < len(messages); i++ {
		for _, b := range messages[i].Content.Blocks() {
			if b.Kind == entity.BlockToolResult {
				count++
			}
		}
	}
	return count
}

// SummarizeToolResults produces the synthetic assistant text returned by the
// tool-loop guard: a digest of the accumulated tool_result content since the
// last user text.
func SummarizeToolResults(messages []entity.Message, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 2000
	}
	var parts []string
	for _, m := range messages {
		for _, b := range m.Content.Blocks() {
			if b.Kind == entity.BlockToolResult && b.ToolResult != nil && b.ToolResult.Content != "" {
				parts = append(parts, b.ToolResult.Content)
			}
		}
	}
	summary := strings.Join(parts, "\n---\n")
	if len(summary) > maxChars {
		summary = summary[:maxChars] + "\n[truncated]"
	}
	if summary == "" {
		summary = "(no tool output collected)"
	}
	return "Based on the tool results gathered so far:\n\n" + summary
}
