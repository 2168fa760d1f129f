package openairesp

import (
	"testing"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	transport := llm.NewTransport(llm.DefaultRetryOptions(), zap.NewNop())
	return New("openairesp", config.Provider{APIKey: "k", Model: "gpt-4o"}, transport, zap.NewNop())
}

func TestEncodeRequest_FlatItems(t *testing.T) {
	p := newTestProvider(t)
	req := &entity.Request{
		System: "sys",
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString("do it")},
			{Role: entity.RoleAssistant, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.TextBlock("running"),
				entity.ToolUseBlock(entity.ToolCall{ID: "c1", Name: "Bash", Input: map[string]any{"command": "ls"}}),
			})},
			{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolResultBlock("c1", "ok", false),
			})},
		},
	}

	wire := p.EncodeRequest(req)
	if wire.Instructions != "sys" {
		t.Fatalf("system must map to instructions, got %q", wire.Instructions)
	}
	types := make([]string, len(wire.Input))
	for i, item := range wire.Input {
		types[i] = item.Type
	}
	want := []string{"message", "message", "function_call", "function_call_output"}
	if len(types) != len(want) {
		t.Fatalf("expected item types %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("item %d: got %q, want %q", i, types[i], want[i])
		}
	}
	if wire.Input[2].CallID != "c1" || wire.Input[3].CallID != "c1" {
		t.Fatal("call ids must match across call and output")
	}
	if wire.Input[3].Output != "ok" {
		t.Fatalf("output lost: %+v", wire.Input[3])
	}
}

func TestEncodeRequest_FIFOPairsMissingCallIDs(t *testing.T) {
	p := newTestProvider(t)
	req := &entity.Request{
		Messages: []entity.Message{
			{Role: entity.RoleAssistant, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolUseBlock(entity.ToolCall{ID: "first", Name: "A"}),
				entity.ToolUseBlock(entity.ToolCall{ID: "second", Name: "B"}),
			})},
			{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolResultBlock("", "r1", false),
				entity.ToolResultBlock("", "r2", false),
			})},
		},
	}

	wire := p.EncodeRequest(req)
	var outputs []Item
	for _, item := range wire.Input {
		if item.Type == "function_call_output" {
			outputs = append(outputs, item)
		}
	}
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].CallID != "first" || outputs[1].CallID != "second" {
		t.Fatalf("FIFO pairing broken: %q, %q", outputs[0].CallID, outputs[1].CallID)
	}
}

func TestDecodeResponse_FunctionCall(t *testing.T) {
	p := newTestProvider(t)
	resp := &Response{
		ID:     "resp_1",
		Status: "completed",
		Output: []Item{
			{Type: "message", Role: "assistant", Content: []ContentPart{{Type: "output_text", Text: "let me check"}}},
			{Type: "function_call", CallID: "c9", Name: "Read", Arguments: `{"path":"/etc/hosts"}`},
		},
		Usage: Usage{InputTokens: 7, OutputTokens: 3},
	}

	out := p.DecodeResponse(resp)
	if out.StopReason != entity.StopToolUse {
		t.Fatalf("expected tool_use, got %q", out.StopReason)
	}
	calls := out.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "c9" || calls[0].Input["path"] != "/etc/hosts" {
		t.Fatalf("calls wrong: %+v", calls)
	}
	if out.Text() != "let me check" {
		t.Fatalf("text lost: %q", out.Text())
	}
}

func TestDecodeResponse_IncompleteMapsToMaxTokens(t *testing.T) {
	p := newTestProvider(t)
	resp := &Response{Status: "incomplete", Output: []Item{
		{Type: "message", Content: []ContentPart{{Type: "output_text", Text: "partial"}}},
	}}
	if got := p.DecodeResponse(resp).StopReason; got != entity.StopMaxTokens {
		t.Fatalf("expected max_tokens, got %q", got)
	}
}
