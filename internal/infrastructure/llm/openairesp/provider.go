// Package openairesp implements the OpenAI responses dialect: the same
// backend as chat completions but with a flat typed input list instead of a
// nested message array.
package openairesp

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

func init() {
	llm.RegisterFactory("openairesp", func(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) (llm.Provider, error) {
		return New(name, cfg, transport, logger), nil
	})
}

// Provider speaks the OpenAI responses API.
type Provider struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	transport *llm.Transport
	logger    *zap.Logger
}

// New creates a responses dialect provider.
func New(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &Provider{
		name:      name,
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		transport: transport,
		logger:    logger.With(zap.String("provider", name), zap.String("dialect", "openairesp")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{SupportsTools: true, SupportsStreaming: true}
}

// EncodeRequest flattens the canonical conversation into typed input items.
// Assistant tool_use blocks become function_call items; tool results become
// function_call_output items matched by call id. Results that arrive without
// an id (some clients drop it) are paired FIFO against the unanswered calls
// seen so far.
func (p *Provider) EncodeRequest(req *entity.Request) *Request {
	model := req.Model
	if model == "" {
		model = p.model
	}
	out := &Request{
		Model:           model,
		Instructions:    string(req.System),
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
	}

	var pendingCalls []string // call ids awaiting an output, oldest first
	takePending := func() string {
		if len(pendingCalls) == 0 {
			return ""
		}
		id := pendingCalls[0]
		pendingCalls = pendingCalls[1:]
		return id
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case entity.RoleAssistant:
			if text := msg.Content.Text(); text != "" {
				out.Input = append(out.Input, Item{
					Type:    "message",
					Role:    "assistant",
					Content: []ContentPart{{Type: "output_text", Text: text}},
				})
			}
			for _, b := range msg.Content.Blocks() {
				if b.Kind == entity.BlockToolUse && b.ToolUse != nil {
					out.Input = append(out.Input, Item{
						Type:      "function_call",
						CallID:    b.ToolUse.ID,
						Name:      b.ToolUse.Name,
						Arguments: b.ToolUse.ArgumentsJSON(),
					})
					pendingCalls = append(pendingCalls, b.ToolUse.ID)
				}
			}

		default: // user or tool
			var texts []string
			for _, b := range msg.Content.Blocks() {
				switch b.Kind {
				case entity.BlockToolResult:
					if b.ToolResult == nil {
						continue
					}
					callID := b.ToolResult.ToolUseID
					if callID == "" {
						callID = takePending()
					} else {
						pendingCalls = dropID(pendingCalls, callID)
					}
					out.Input = append(out.Input, Item{
						Type:   "function_call_output",
						CallID: callID,
						Output: b.ToolResult.Content,
					})
				case entity.BlockText, entity.BlockInputText:
					if b.Text != "" {
						texts = append(texts, b.Text)
					}
				}
			}
			if len(texts) > 0 {
				out.Input = append(out.Input, Item{
					Type:    "message",
					Role:    "user",
					Content: []ContentPart{{Type: "input_text", Text: strings.Join(texts, "\n")}},
				})
			}
		}
	}

	for _, td := range req.Tools {
		params := td.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out.Tools = append(out.Tools, Tool{
			Type:        "function",
			Name:        td.Name,
			Description: td.Description,
			Parameters:  params,
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto", "none":
			out.ToolChoice = req.ToolChoice.Type
		case "tool":
			out.ToolChoice = map[string]any{"type": "function", "name": req.ToolChoice.Name}
		}
	}

	return out
}

func dropID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// DecodeResponse rebuilds the canonical response from the flat output items.
func (p *Provider) DecodeResponse(resp *Response) *entity.Response {
	out := &entity.Response{
		ID:    resp.ID,
		Type:  "message",
		Role:  entity.RoleAssistant,
		Model: resp.Model,
		Usage: entity.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}

	hasCalls := false
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Text != "" {
					out.Content = append(out.Content, entity.TextBlock(part.Text))
				}
			}
		case "function_call":
			hasCalls = true
			var input map[string]any
			if item.Arguments != "" {
				_ = json.Unmarshal([]byte(item.Arguments), &input)
			}
			out.Content = append(out.Content, entity.ToolUseBlock(entity.ToolCall{
				ID:    item.CallID,
				Name:  item.Name,
				Input: input,
			}))
		}
	}

	switch {
	case hasCalls:
		out.StopReason = entity.StopToolUse
	case resp.Status == "incomplete":
		out.StopReason = entity.StopMaxTokens
	default:
		out.StopReason = entity.StopEndTurn
	}
	return out
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *entity.Request) (*entity.Response, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewProviderUnavailable(p.name)
	}
	wire := p.EncodeRequest(req)

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/v1/responses", llm.RequestOptions{
		Headers: p.headers(),
		Body:    wire,
	}, p.name)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, apperrors.NewSchemaError(p.name, err)
	}
	if len(resp.Output) == 0 {
		return nil, apperrors.NewMalformedResponse(p.name, result.Status, "response carries no output items")
	}
	return p.DecodeResponse(&resp), nil
}

// Stream implements llm.Provider with raw pass-through.
func (p *Provider) Stream(ctx context.Context, req *entity.Request) (*llm.StreamResult, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewProviderUnavailable(p.name)
	}
	wire := p.EncodeRequest(req)
	wire.Stream = true

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/v1/responses", llm.RequestOptions{
		Headers: p.headers(),
		Body:    wire,
		Stream:  true,
	}, p.name)
	if err != nil {
		return nil, err
	}
	return &llm.StreamResult{Status: result.Status, ContentType: result.ContentType, Body: result.Stream}, nil
}

func (p *Provider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}
