package service

import (
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
)

func newTestSanitizer(cfg config.LoopConfig) *Sanitizer {
	return NewSanitizer(cfg, "default-model", zap.NewNop())
}

func TestSanitize_DoesNotMutateInput(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	raw := &entity.Request{
		Provider:        "zai",
		DisableFallback: true,
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString("hi there friend")},
		},
	}

	result := s.Sanitize(raw)

	if raw.Provider != "zai" || !raw.DisableFallback {
		t.Fatal("input request must not be mutated")
	}
	if result.Clean.Provider != "" || result.Clean.DisableFallback {
		t.Fatal("non-portable fields must be cleared on the clean request")
	}
	if result.ForcedProvider != "zai" || !result.DisableFallback {
		t.Fatalf("hints not captured: %+v", result)
	}
}

func TestSanitize_DefaultModel(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	result := s.Sanitize(&entity.Request{
		Model:    "   ",
		Messages: []entity.Message{{Role: entity.RoleUser, Content: entity.ContentFromString("question about things")}},
	})
	if result.Clean.Model != "default-model" {
		t.Fatalf("expected default model, got %q", result.Clean.Model)
	}
}

func TestSanitize_StripsPlaceholderResultsWithMatchingToolUse(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	raw := &entity.Request{
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString("search for gophers")},
			{Role: entity.RoleAssistant, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolUseBlock(entity.ToolCall{ID: "ph1", Name: "WebSearch", Input: map[string]any{"query": "gophers"}}),
				entity.ToolUseBlock(entity.ToolCall{ID: "keep1", Name: "Read", Input: map[string]any{"path": "x"}}),
			})},
			{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolResultBlock("ph1", "Web search results for query: gophers", false),
				entity.ToolResultBlock("keep1", "real content", false),
			})},
		},
	}

	clean := s.Sanitize(raw).Clean

	for _, m := range clean.Messages {
		for _, b := range m.Content.Blocks() {
			if b.Kind == entity.BlockToolUse && b.ToolUse.ID == "ph1" {
				t.Fatal("placeholder tool_use must be stripped")
			}
			if b.Kind == entity.BlockToolResult && b.ToolResult.ToolUseID == "ph1" {
				t.Fatal("placeholder tool_result must be stripped")
			}
		}
	}

	// The paired real call survives.
	found := false
	for _, m := range clean.Messages {
		for _, b := range m.Content.Blocks() {
			if b.Kind == entity.BlockToolResult && b.ToolResult.ToolUseID == "keep1" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("non-placeholder result must survive")
	}
}

func TestSanitize_ToolRoleBecomesUserTurn(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	raw := &entity.Request{
		Messages: []entity.Message{
			{Role: entity.RoleTool, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolResultBlock("c1", "ok", false),
			})},
		},
	}
	clean := s.Sanitize(raw).Clean
	if len(clean.Messages) != 1 || clean.Messages[0].Role != entity.RoleUser {
		t.Fatalf("tool role must become user: %+v", clean.Messages)
	}
}

func TestSanitize_DropsEmptyTurnsKeepsToolUse(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	raw := &entity.Request{
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString("do something")},
			{Role: entity.RoleAssistant, Content: entity.ContentFromString("   ")},
			{Role: entity.RoleAssistant, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolUseBlock(entity.ToolCall{ID: "c", Name: "Bash"}),
			})},
		},
	}
	clean := s.Sanitize(raw).Clean
	if len(clean.Messages) != 2 {
		t.Fatalf("expected whitespace-only turn dropped, got %d messages", len(clean.Messages))
	}
	if !clean.Messages[1].Content.HasKind(entity.BlockToolUse) {
		t.Fatal("tool_use turn must survive")
	}
}

func TestSanitize_MergesConsecutiveSameRole(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	raw := &entity.Request{
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString("first part of it")},
			{Role: entity.RoleUser, Content: entity.ContentFromString("second part of it")},
		},
	}
	clean := s.Sanitize(raw).Clean
	if len(clean.Messages) != 1 {
		t.Fatalf("expected merge, got %d messages", len(clean.Messages))
	}
	text := clean.Messages[0].Content.Text()
	if !strings.Contains(text, "first part") || !strings.Contains(text, "second part") {
		t.Fatalf("merged text lost content: %q", text)
	}
}

func TestSanitize_FocusInstructionOnLongFinalTurn(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	long := strings.Repeat("word ", 1500) // > longUserTurnChars
	raw := &entity.Request{
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString(long)},
		},
	}
	clean := s.Sanitize(raw).Clean
	if !strings.Contains(clean.Messages[0].Content.Text(), "most recent request") {
		t.Fatal("long final user turn must get a focus instruction")
	}
}

func TestSanitize_EnsuresObjectSchema(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	raw := &entity.Request{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: entity.ContentFromString("use tools for this work")}},
		Tools: []entity.ToolDefinition{
			{Name: "a"},
			{Name: "b", InputSchema: map[string]any{"properties": map[string]any{}}},
		},
	}
	clean := s.Sanitize(raw).Clean
	for _, td := range clean.Tools {
		if td.InputSchema["type"] != "object" {
			t.Fatalf("tool %q schema type not object: %v", td.Name, td.InputSchema)
		}
	}
}

func TestSanitize_InjectsStandardTools(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{InjectStandardTools: true})
	raw := &entity.Request{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: entity.ContentFromString("please edit the file main.go")}},
	}
	clean := s.Sanitize(raw).Clean
	if len(clean.Tools) == 0 {
		t.Fatal("standard tools must be injected when the client sent none")
	}
}

func TestSanitize_SmartToolSelection(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{SmartToolSelection: true})
	raw := &entity.Request{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: entity.ContentFromString("search the web for go 1.24 release notes")}},
		Tools: []entity.ToolDefinition{
			{Name: "WebSearch", InputSchema: map[string]any{"type": "object"}},
			{Name: "Bash", InputSchema: map[string]any{"type": "object"}},
			{Name: "Read", InputSchema: map[string]any{"type": "object"}},
		},
	}
	clean := s.Sanitize(raw).Clean
	if len(clean.Tools) != 1 || clean.Tools[0].Name != "WebSearch" {
		t.Fatalf("expected only web tools to survive: %+v", clean.Tools)
	}
}

func TestSanitize_ConversationalStripsTools(t *testing.T) {
	s := newTestSanitizer(config.LoopConfig{})
	raw := &entity.Request{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: entity.ContentFromString("thanks!")}},
		Tools:    []entity.ToolDefinition{{Name: "Bash", InputSchema: map[string]any{"type": "object"}}},
	}
	clean := s.Sanitize(raw).Clean
	if len(clean.Tools) != 0 {
		t.Fatal("conversational turns must carry no tools")
	}
}
