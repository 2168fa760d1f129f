package service

import (
	"strings"
	"testing"

	"github.com/lynkr/lynkr/internal/domain/entity"
)

func TestSignatureTracker_CountsByCanonicalSignature(t *testing.T) {
	tr := NewSignatureTracker()

	a := entity.ToolCall{Name: "Read", Input: map[string]any{"path": "/x", "limit": 10}}
	b := entity.ToolCall{Name: "Read", Input: map[string]any{"limit": 10, "path": "/x"}} // same args, other order

	if got := tr.Record(a); got != 1 {
		t.Fatalf("first record: %d", got)
	}
	if got := tr.Record(b); got != 2 {
		t.Fatal("key order must not affect identity")
	}

	c := entity.ToolCall{Name: "Read", Input: map[string]any{"path": "/y"}}
	if got := tr.Record(c); got != 1 {
		t.Fatal("different args must count separately")
	}
}

func TestToolResultsSinceLastUserText(t *testing.T) {
	messages := []entity.Message{
		{Role: entity.RoleUser, Content: entity.ContentFromString("do the thing")},
		{Role: entity.RoleAssistant, Content: entity.ContentFromBlocks([]entity.ContentBlock{
			entity.ToolUseBlock(entity.ToolCall{ID: "1", Name: "A"}),
		})},
		{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
			entity.ToolResultBlock("1", "r1", false),
		})},
		{Role: entity.RoleAssistant, Content: entity.ContentFromBlocks([]entity.ContentBlock{
			entity.ToolUseBlock(entity.ToolCall{ID: "2", Name: "A"}),
		})},
		{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
			entity.ToolResultBlock("2", "r2", false),
			entity.ToolResultBlock("3", "r3", false),
		})},
	}

	if got := ToolResultsSinceLastUserText(messages); got != 3 {
		t.Fatalf("expected 3 tool results since last user text, got %d", got)
	}
}

func TestToolResultsSinceLastUserText_ResetByNewUserText(t *testing.T) {
	messages := []entity.Message{
		{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
			entity.ToolResultBlock("1", "r1", false),
		})},
		{Role: entity.RoleUser, Content: entity.ContentFromString("actually, stop")},
	}
	if got := ToolResultsSinceLastUserText(messages); got != 0 {
		t.Fatalf("new user text must reset the count, got %d", got)
	}
}

func TestSummarizeToolResults_TruncatesAndJoins(t *testing.T) {
	messages := []entity.Message{
		{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
			entity.ToolResultBlock("1", strings.Repeat("a", 1500), false),
			entity.ToolResultBlock("2", strings.Repeat("b", 1500), false),
		})},
	}
	summary := SummarizeToolResults(messages, 2000)
	if !strings.Contains(summary, "[truncated]") {
		t.Fatal("long summaries must be truncated")
	}
	if !strings.Contains(summary, "aaa") {
		t.Fatal("summary must include the collected content")
	}
}
