package openai

import (
	"encoding/json"
	"strings"

	"github.com/lynkr/lynkr/internal/domain/entity"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

// ParseBody decodes a chat completions body into the canonical shape. The
// two failure modes are reported distinctly: a body that is not JSON at all
// is a SchemaError, a decoded body with no choices is a MalformedResponse
// carrying the upstream status. The llama.cpp and Z.AI dialects share this
// entry point.
func ParseBody(provider string, status int, body []byte) (*entity.Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewSchemaError(provider, err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperrors.NewMalformedResponse(provider, status, "response carries no choices")
	}
	return DecodeResponse(&resp), nil
}

// EncodeRequest translates the canonical request to the chat completions
// wire. The system prompt becomes the first message; tool results become
// role "tool" turns keyed by tool_call_id; tool arguments are stringified at
// this final hop.
func EncodeRequest(req *entity.Request, defaultModel string) *Request {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	out := &Request{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}

	if req.System != "" {
		out.Messages = append(out.Messages, Message{Role: "system", Content: string(req.System)})
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, encodeMessage(msg)...)
	}

	for _, td := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Type: "function",
			Function: ToolFunction{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  ensureObjectSchema(td.InputSchema),
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto", "none":
			out.ToolChoice = req.ToolChoice.Type
		case "tool":
			out.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ToolChoice.Name},
			}
		}
	}

	return out
}

func encodeMessage(msg entity.Message) []Message {
	switch msg.Role {
	case entity.RoleAssistant:
		wire := Message{Role: "assistant", Content: msg.Content.Text()}
		for _, b := range msg.Content.Blocks() {
			if b.Kind == entity.BlockToolUse && b.ToolUse != nil {
				wire.ToolCalls = append(wire.ToolCalls, ToolCall{
					ID:   b.ToolUse.ID,
					Type: "function",
					Function: ToolCallFunc{
						Name:      b.ToolUse.Name,
						Arguments: b.ToolUse.ArgumentsJSON(),
					},
				})
			}
		}
		return []Message{wire}

	case entity.RoleTool:
		var out []Message
		for _, b := range msg.Content.Blocks() {
			if b.Kind == entity.BlockToolResult && b.ToolResult != nil {
				out = append(out, Message{
					Role:       "tool",
					Content:    b.ToolResult.Content,
					ToolCallID: b.ToolResult.ToolUseID,
				})
			}
		}
		return out

	default: // user
		var out []Message
		var texts []string
		for _, b := range msg.Content.Blocks() {
			switch b.Kind {
			case entity.BlockToolResult:
				if b.ToolResult != nil {
					out = append(out, Message{
						Role:       "tool",
						Content:    b.ToolResult.Content,
						ToolCallID: b.ToolResult.ToolUseID,
					})
				}
			case entity.BlockText, entity.BlockInputText:
				if b.Text != "" {
					texts = append(texts, b.Text)
				}
			}
		}
		if len(texts) > 0 || len(out) == 0 {
			out = append(out, Message{Role: "user", Content: strings.Join(texts, "\n")})
		}
		return out
	}
}

// MergeSameRole collapses consecutive same-role wire messages by joining
// their content. Required by llama.cpp-style servers that reject repeated
// roles. Tool messages are never merged (ids must stay distinct).
func MergeSameRole(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Role == m.Role && m.Role != "tool" &&
				len(last.ToolCalls) == 0 && len(m.ToolCalls) == 0 {
				if last.Content != "" && m.Content != "" {
					last.Content += "\n\n" + m.Content
				} else {
					last.Content += m.Content
				}
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// DecodeResponse translates a chat completions response to the canonical
// shape. Tool arguments are decoded from their string form immediately.
func DecodeResponse(resp *Response) *entity.Response {
	out := &entity.Response{
		ID:    resp.ID,
		Type:  "message",
		Role:  entity.RoleAssistant,
		Model: resp.Model,
		Usage: entity.Usage{
			InputTokens:  resp.Usage.Prompt(),
			OutputTokens: resp.Usage.Completion(),
		},
	}
	if len(resp.Choices) == 0 {
		out.StopReason = entity.StopEndTurn
		return out
	}

	choice := resp.Choices[0]
	if choice.Message.Content != "" {
		out.Content = append(out.Content, entity.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		var input map[string]any
		if tc.Function.Arguments != "" {
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
		}
		out.Content = append(out.Content, entity.ToolUseBlock(entity.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		}))
	}

	out.StopReason = decodeFinishReason(choice.FinishReason, len(choice.Message.ToolCalls) > 0)
	return out
}

func decodeFinishReason(reason string, hasToolCalls bool) string {
	switch reason {
	case "tool_calls", "function_call":
		return entity.StopToolUse
	case "length":
		return entity.StopMaxTokens
	case "stop":
		if hasToolCalls {
			return entity.StopToolUse
		}
		return entity.StopEndTurn
	default:
		if hasToolCalls {
			return entity.StopToolUse
		}
		return entity.StopEndTurn
	}
}

func ensureObjectSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	result := make(map[string]any, len(schema))
	for k, v := range schema {
		result[k] = v
	}
	if _, ok := result["type"]; !ok {
		result["type"] = "object"
	}
	return result
}
