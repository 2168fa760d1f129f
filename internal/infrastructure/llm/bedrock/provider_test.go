package bedrock

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

type fakeRuntime struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (f *fakeRuntime) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.lastInput = params
	return f.output, f.err
}

func newTestProvider(rt RuntimeClient) *Provider {
	return NewWithRuntime("bedrock", "anthropic.claude-3-5-sonnet", rt, zap.NewNop())
}

func TestEncodeRequest_SystemAndMessages(t *testing.T) {
	p := newTestProvider(&fakeRuntime{})
	req := &entity.Request{
		System:    "be terse",
		MaxTokens: 1024,
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString("hi")},
		},
	}

	input, err := p.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if aws.ToString(input.ModelId) != "anthropic.claude-3-5-sonnet" {
		t.Fatalf("model wrong: %v", input.ModelId)
	}
	if len(input.System) != 1 {
		t.Fatalf("expected 1 system block, got %d", len(input.System))
	}
	sys, ok := input.System[0].(*brtypes.SystemContentBlockMemberText)
	if !ok || sys.Value != "be terse" {
		t.Fatalf("system block wrong: %+v", input.System[0])
	}
	if len(input.Messages) != 1 || input.Messages[0].Role != brtypes.ConversationRoleUser {
		t.Fatalf("messages wrong: %+v", input.Messages)
	}
	if got := aws.ToInt32(input.InferenceConfig.MaxTokens); got != 1024 {
		t.Fatalf("max tokens wrong: %d", got)
	}
}

func TestEncodeRequest_ToolRoundTripBlocks(t *testing.T) {
	p := newTestProvider(&fakeRuntime{})
	req := &entity.Request{
		Messages: []entity.Message{
			{Role: entity.RoleAssistant, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolUseBlock(entity.ToolCall{ID: "t1", Name: "Read", Input: map[string]any{"path": "x"}}),
			})},
			{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
				entity.ToolResultBlock("t1", "contents", true),
			})},
		},
		Tools: []entity.ToolDefinition{{Name: "Read", Description: "read", InputSchema: map[string]any{"type": "object"}}},
	}

	input, err := p.EncodeRequest(req)
	if err != nil {
		t.Fatal(err)
	}

	use, ok := input.Messages[0].Content[0].(*brtypes.ContentBlockMemberToolUse)
	if !ok || aws.ToString(use.Value.ToolUseId) != "t1" || aws.ToString(use.Value.Name) != "Read" {
		t.Fatalf("tool use block wrong: %+v", input.Messages[0].Content[0])
	}

	res, ok := input.Messages[1].Content[0].(*brtypes.ContentBlockMemberToolResult)
	if !ok || aws.ToString(res.Value.ToolUseId) != "t1" {
		t.Fatalf("tool result block wrong: %+v", input.Messages[1].Content[0])
	}
	if res.Value.Status != brtypes.ToolResultStatusError {
		t.Fatal("is_error must map to error status")
	}

	if input.ToolConfig == nil || len(input.ToolConfig.Tools) != 1 {
		t.Fatalf("tool config wrong: %+v", input.ToolConfig)
	}
}

func TestComplete_DecodesToolUse(t *testing.T) {
	rt := &fakeRuntime{
		output: &bedrockruntime.ConverseOutput{
			Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
				Role: brtypes.ConversationRoleAssistant,
				Content: []brtypes.ContentBlock{
					&brtypes.ContentBlockMemberText{Value: "checking"},
					&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
						ToolUseId: aws.String("t2"),
						Name:      aws.String("Bash"),
						Input:     lazyDocument(map[string]any{"command": "ls"}),
					}},
				},
			}},
			StopReason: brtypes.StopReasonToolUse,
			Usage: &brtypes.TokenUsage{
				InputTokens:  aws.Int32(11),
				OutputTokens: aws.Int32(3),
			},
		},
	}
	p := newTestProvider(rt)

	out, err := p.Complete(context.Background(), &entity.Request{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: entity.ContentFromString("go")}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.StopReason != entity.StopToolUse {
		t.Fatalf("expected tool_use, got %q", out.StopReason)
	}
	calls := out.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "t2" || calls[0].Name != "Bash" {
		t.Fatalf("calls wrong: %+v", calls)
	}
	if calls[0].Input["command"] != "ls" {
		t.Fatalf("input document not decoded: %v", calls[0].Input)
	}
	if out.Usage.InputTokens != 11 || out.Usage.OutputTokens != 3 {
		t.Fatalf("usage wrong: %+v", out.Usage)
	}
}

func TestDecodeResponse_NoMessageIsMalformed(t *testing.T) {
	p := newTestProvider(&fakeRuntime{})
	_, err := p.DecodeResponse(&bedrockruntime.ConverseOutput{})
	appErr, ok := apperrors.As(err)
	if !ok || appErr.Code != apperrors.CodeMalformedResponse {
		t.Fatalf("expected malformed response for empty output, got %v", err)
	}
}
