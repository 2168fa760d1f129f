// Package ollama implements the Ollama /api/chat dialect. Local models are
// picky about turn shape: consecutive same-role turns are merged, and models
// known to lack tool support get tool traffic flattened into plain text.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

func init() {
	llm.RegisterFactory("ollama", func(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) (llm.Provider, error) {
		return New(name, cfg, transport, logger), nil
	})
}

// noToolPrefixes lists model name prefixes that reject the tools field
// outright. For these the adapter strips tool definitions and renders tool
// blocks as text so the conversation still parses.
var noToolPrefixes = []string{
	"gemma", "phi", "llava", "codellama", "tinyllama", "deepseek-coder",
}

// Message is one chat turn on the Ollama wire.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model-requested function call. Ollama keeps arguments as an
// object, unlike the OpenAI wire.
type ToolCall struct {
	Function ToolCallFunc `json:"function"`
}

// ToolCallFunc carries the call payload.
type ToolCallFunc struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool wraps a function declaration.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function declaration payload.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is the /api/chat request payload.
type Request struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Tools    []Tool         `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// Response is the non-streaming /api/chat reply.
type Response struct {
	Model      string  `json:"model"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason"`
	PromptEval int     `json:"prompt_eval_count"`
	EvalCount  int     `json:"eval_count"`
}

// Provider speaks the Ollama chat API.
type Provider struct {
	name      string
	baseURL   string
	model     string
	transport *llm.Transport
	logger    *zap.Logger
}

// New creates an Ollama dialect provider.
func New(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &Provider{
		name:      name,
		baseURL:   baseURL,
		model:     cfg.Model,
		transport: transport,
		logger:    logger.With(zap.String("provider", name), zap.String("dialect", "ollama")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{SupportsTools: true, SupportsStreaming: true}
}

// ModelSupportsTools reports whether the model name is outside the known
// no-tool prefix list. Matching is on the bare name, tag stripped.
func ModelSupportsTools(model string) bool {
	bare := strings.ToLower(model)
	if i := strings.IndexByte(bare, ':'); i >= 0 {
		bare = bare[:i]
	}
	for _, prefix := range noToolPrefixes {
		if strings.HasPrefix(bare, prefix) {
			return false
		}
	}
	return true
}

// EncodeRequest translates the canonical request to the Ollama wire.
func (p *Provider) EncodeRequest(req *entity.Request) *Request {
	model := req.Model
	if model == "" {
		model = p.model
	}
	supportsTools := ModelSupportsTools(model)

	out := &Request{Model: model}
	if req.System != "" {
		out.Messages = append(out.Messages, Message{Role: "system", Content: string(req.System)})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, p.encodeMessage(msg, supportsTools)...)
	}
	out.Messages = mergeSameRole(out.Messages)

	if supportsTools {
		for _, td := range req.Tools {
			params := td.InputSchema
			if params == nil {
				params = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			out.Tools = append(out.Tools, Tool{
				Type: "function",
				Function: ToolFunction{
					Name:        td.Name,
					Description: td.Description,
					Parameters:  params,
				},
			})
		}
	} else if len(req.Tools) > 0 {
		p.logger.Debug("Stripping tools for no-tool model", zap.String("model", model))
	}

	opts := map[string]any{}
	if req.Temperature != nil {
		opts["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		opts["top_p"] = *req.TopP
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) > 0 {
		out.Options = opts
	}
	return out
}

func (p *Provider) encodeMessage(msg entity.Message, supportsTools bool) []Message {
	switch msg.Role {
	case entity.RoleAssistant:
		wire := Message{Role: "assistant", Content: msg.Content.Text()}
		for _, b := range msg.Content.Blocks() {
			if b.Kind != entity.BlockToolUse || b.ToolUse == nil {
				continue
			}
			if supportsTools {
				wire.ToolCalls = append(wire.ToolCalls, ToolCall{
					Function: ToolCallFunc{Name: b.ToolUse.Name, Arguments: b.ToolUse.Input},
				})
			} else {
				wire.Content = joinText(wire.Content,
					fmt.Sprintf("[called %s with %s]", b.ToolUse.Name, b.ToolUse.ArgumentsJSON()))
			}
		}
		return []Message{wire}

	default: // user and tool turns
		var out []Message
		var texts []string
		for _, b := range msg.Content.Blocks() {
			switch b.Kind {
			case entity.BlockToolResult:
				if b.ToolResult == nil {
					continue
				}
				if supportsTools {
					out = append(out, Message{Role: "tool", Content: b.ToolResult.Content})
				} else {
					texts = append(texts, "[tool result] "+b.ToolResult.Content)
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

// mergeSameRole collapses consecutive same-role turns. Ollama templates
// assume strict alternation; repeated roles confuse several chat templates.
func mergeSameRole(messages []Message) []Message {
	var out []Message
	for _, m := range messages {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Role == m.Role && m.Role != "tool" &&
				len(last.ToolCalls) == 0 && len(m.ToolCalls) == 0 {
				last.Content = joinText(last.Content, m.Content)
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}

// DecodeResponse translates the Ollama reply to the canonical shape.
func (p *Provider) DecodeResponse(resp *Response) *entity.Response {
	out := &entity.Response{
		Type:  "message",
		Role:  entity.RoleAssistant,
		Model: resp.Model,
		Usage: entity.Usage{
			InputTokens:  resp.PromptEval,
			OutputTokens: resp.EvalCount,
		},
	}
	if resp.Message.Content != "" {
		out.Content = append(out.Content, entity.TextBlock(resp.Message.Content))
	}
	for i, tc := range resp.Message.ToolCalls {
		// Ollama does not assign call ids; synthesize stable ones.
		out.Content = append(out.Content, entity.ToolUseBlock(entity.ToolCall{
			ID:    fmt.Sprintf("ollama_call_%d", i),
			Name:  tc.Function.Name,
			Input: tc.Function.Arguments,
		}))
	}

	switch {
	case len(resp.Message.ToolCalls) > 0:
		out.StopReason = entity.StopToolUse
	case resp.DoneReason == "length":
		out.StopReason = entity.StopMaxTokens
	default:
		out.StopReason = entity.StopEndTurn
	}
	return out
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *entity.Request) (*entity.Response, error) {
	wire := p.EncodeRequest(req)

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/api/chat", llm.RequestOptions{
		Body: wire,
	}, p.name)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, apperrors.NewSchemaError(p.name, err)
	}
	return p.DecodeResponse(&resp), nil
}

// Stream implements llm.Provider. Ollama streams NDJSON chunks; the handler
// passes them through untranslated.
func (p *Provider) Stream(ctx context.Context, req *entity.Request) (*llm.StreamResult, error) {
	wire := p.EncodeRequest(req)
	wire.Stream = true

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/api/chat", llm.RequestOptions{
		Body:   wire,
		Stream: true,
	}, p.name)
	if err != nil {
		return nil, err
	}
	return &llm.StreamResult{Status: result.Status, ContentType: result.ContentType, Body: result.Stream}, nil
}
