// Package anthropic implements the natively-Anthropic dialect. The canonical
// schema is Anthropic-shaped, so translation is mostly a field-for-field
// projection plus header setup.
package anthropic

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

const apiVersion = "2023-06-01"

func init() {
	llm.RegisterFactory("anthropic", func(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) (llm.Provider, error) {
		return New(name, cfg, transport, logger), nil
	})
}

// Request is the Anthropic Messages API request payload.
type Request struct {
	Model       string                  `json:"model"`
	MaxTokens   int                     `json:"max_tokens"`
	System      string                  `json:"system,omitempty"`
	Messages    []entity.Message        `json:"messages"`
	Tools       []entity.ToolDefinition `json:"tools,omitempty"`
	ToolChoice  *entity.ToolChoice      `json:"tool_choice,omitempty"`
	Temperature *float64                `json:"temperature,omitempty"`
	TopP        *float64                `json:"top_p,omitempty"`
	Stream      bool                    `json:"stream,omitempty"`
}

// Provider speaks the Anthropic Messages API.
type Provider struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	transport *llm.Transport
	logger    *zap.Logger
}

// New creates an Anthropic dialect provider.
func New(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &Provider{
		name:      name,
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		transport: transport,
		logger:    logger.With(zap.String("provider", name), zap.String("dialect", "anthropic")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		SupportsTools:     true,
		SupportsStreaming: true,
		NativelyAnthropic: true,
	}
}

// BuildRequest projects the canonical request onto the wire payload.
func (p *Provider) BuildRequest(req *entity.Request) *Request {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192 // Anthropic requires explicit max_tokens
	}
	return &Request{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      string(req.System),
		Messages:    req.Messages,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *entity.Request) (*entity.Response, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewProviderUnavailable(p.name)
	}
	wire := p.BuildRequest(req)

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/v1/messages", llm.RequestOptions{
		Headers: p.headers(),
		Body:    wire,
	}, p.name)
	if err != nil {
		return nil, err
	}
	return p.ParseResponse(result.Body)
}

// Stream implements llm.Provider with raw SSE pass-through.
func (p *Provider) Stream(ctx context.Context, req *entity.Request) (*llm.StreamResult, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewProviderUnavailable(p.name)
	}
	wire := p.BuildRequest(req)
	wire.Stream = true

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/v1/messages", llm.RequestOptions{
		Headers: p.headers(),
		Body:    wire,
		Stream:  true,
	}, p.name)
	if err != nil {
		return nil, err
	}
	return &llm.StreamResult{Status: result.Status, ContentType: result.ContentType, Body: result.Stream}, nil
}

// ParseResponse decodes the wire response into the canonical shape.
func (p *Provider) ParseResponse(body []byte) (*entity.Response, error) {
	var resp entity.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewSchemaError(p.name, err)
	}
	if resp.Role == "" {
		resp.Role = entity.RoleAssistant
	}
	return &resp, nil
}

func (p *Provider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": apiVersion,
	}
}
