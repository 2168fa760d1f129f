// Package gemini implements the Google Gemini generateContent dialect.
// Gemini has no system role and validates tool schemas strictly, so the
// adapter prepends the system prompt as a user turn and scrubs unsupported
// JSON Schema keywords before sending tool declarations.
package gemini

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
	llm.RegisterFactory("gemini", func(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) (llm.Provider, error) {
		return New(name, cfg, transport, logger), nil
	})
}

// systemAck is the canned model reply closing the synthetic system turn so
// the contents list keeps alternating roles.
const systemAck = "Understood. I will follow these instructions."

// Part is one piece of a Gemini content turn.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// FunctionCall is a model-requested tool invocation.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// FunctionResponse returns a tool outcome. Gemini matches on function name,
// not call id.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Content is one conversation turn; role is "user" or "model".
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// FunctionDeclaration declares one callable tool.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool wraps the declarations list.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// GenerationConfig carries sampling parameters.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// Request is the generateContent payload.
type Request struct {
	Contents         []Content         `json:"contents"`
	Tools            []Tool            `json:"tools,omitempty"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
}

// Candidate is one reply candidate.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

// UsageMetadata reports token consumption.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// Response is the generateContent reply.
type Response struct {
	Candidates    []Candidate   `json:"candidates"`
	UsageMetadata UsageMetadata `json:"usageMetadata"`
	ModelVersion  string        `json:"modelVersion"`
}

// Provider speaks the Gemini generateContent API.
type Provider struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	transport *llm.Transport
	logger    *zap.Logger
}

// New creates a Gemini dialect provider.
func New(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &Provider{
		name:      name,
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     model,
		transport: transport,
		logger:    logger.With(zap.String("provider", name), zap.String("dialect", "gemini")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{SupportsTools: true, SupportsStreaming: false}
}

// EncodeRequest translates the canonical request onto the Gemini wire.
func (p *Provider) EncodeRequest(req *entity.Request) *Request {
	out := &Request{}

	if req.System != "" {
		out.Contents = append(out.Contents,
			Content{Role: "user", Parts: []Part{{Text: string(req.System)}}},
			Content{Role: "model", Parts: []Part{{Text: systemAck}}},
		)
	}

	// Function responses match on name, so remember which name each call id
	// belongs to.
	callNames := map[string]string{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case entity.RoleAssistant:
			var parts []Part
			for _, b := range msg.Content.Blocks() {
				switch b.Kind {
				case entity.BlockText, entity.BlockInputText:
					if b.Text != "" {
						parts = append(parts, Part{Text: b.Text})
					}
				case entity.BlockToolUse:
					if b.ToolUse == nil {
						continue
					}
					callNames[b.ToolUse.ID] = b.ToolUse.Name
					args := b.ToolUse.Input
					if args == nil {
						args = map[string]any{}
					}
					parts = append(parts, Part{FunctionCall: &FunctionCall{
						Name: b.ToolUse.Name,
						Args: args,
					}})
				}
			}
			if len(parts) > 0 {
				out.Contents = append(out.Contents, Content{Role: "model", Parts: parts})
			}

		default: // user and tool turns both map to role "user"
			var parts []Part
			for _, b := range msg.Content.Blocks() {
				switch b.Kind {
				case entity.BlockText, entity.BlockInputText:
					if b.Text != "" {
						parts = append(parts, Part{Text: b.Text})
					}
				case entity.BlockToolResult:
					if b.ToolResult == nil {
						continue
					}
					parts = append(parts, Part{FunctionResponse: &FunctionResponse{
						Name:     callNames[b.ToolResult.ToolUseID],
						Response: map[string]any{"result": b.ToolResult.Content},
					}})
				}
			}
			if len(parts) > 0 {
				out.Contents = append(out.Contents, Content{Role: "user", Parts: parts})
			}
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]FunctionDeclaration, 0, len(req.Tools))
		for _, td := range req.Tools {
			decls = append(decls, FunctionDeclaration{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  ScrubSchema(td.InputSchema),
			})
		}
		out.Tools = []Tool{{FunctionDeclarations: decls}}
	}

	if req.Temperature != nil || req.TopP != nil || req.MaxTokens > 0 {
		out.GenerationConfig = &GenerationConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out
}

// scrubbedKeys are JSON Schema keywords Gemini rejects.
var scrubbedKeys = map[string]bool{
	"additionalProperties": true,
	"$schema":              true,
	"$ref":                 true,
	"definitions":          true,
	"$defs":                true,
}

// ScrubSchema returns a deep copy of the schema with unsupported keywords
// removed at every nesting level. The input is never mutated.
func ScrubSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	out := scrubValue(schema).(map[string]any)
	return out
}

func scrubValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			if scrubbedKeys[k] {
				continue
			}
			out[k] = scrubValue(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = scrubValue(val)
		}
		return out
	default:
		return v
	}
}

// DecodeResponse translates the first candidate to the canonical shape.
func (p *Provider) DecodeResponse(resp *Response) *entity.Response {
	out := &entity.Response{
		Type:  "message",
		Role:  entity.RoleAssistant,
		Model: resp.ModelVersion,
		Usage: entity.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		},
	}
	if len(resp.Candidates) == 0 {
		out.StopReason = entity.StopEndTurn
		return out
	}

	cand := resp.Candidates[0]
	hasCalls := false
	for i, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			hasCalls = true
			out.Content = append(out.Content, entity.ToolUseBlock(entity.ToolCall{
				ID:    fmt.Sprintf("gemini_call_%d", i),
				Name:  part.FunctionCall.Name,
				Input: part.FunctionCall.Args,
			}))
		case part.Text != "":
			out.Content = append(out.Content, entity.TextBlock(part.Text))
		}
	}

	switch {
	case hasCalls:
		out.StopReason = entity.StopToolUse
	case cand.FinishReason == "MAX_TOKENS":
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
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)

	result, err := p.transport.PerformJSONRequest(ctx, url, llm.RequestOptions{
		Headers: map[string]string{"x-goog-api-key": p.apiKey},
		Body:    wire,
	}, p.name)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(result.Body, &resp); err != nil {
		return nil, apperrors.NewSchemaError(p.name, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, apperrors.NewMalformedResponse(p.name, result.Status, "response carries no candidates")
	}
	return p.DecodeResponse(&resp), nil
}

// Stream implements llm.Provider. Streaming is not wired for this dialect;
// callers must check Capabilities first.
func (p *Provider) Stream(ctx context.Context, req *entity.Request) (*llm.StreamResult, error) {
	return nil, apperrors.New(apperrors.CodeInvalidRequest, "gemini dialect does not support streaming")
}
