// Package openai implements the OpenAI chat completions dialect. OpenRouter
// speaks the same wire and registers through the same factory.
package openai

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

func init() {
	factory := func(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) (llm.Provider, error) {
		return New(name, cfg, transport, logger), nil
	}
	llm.RegisterFactory("openai", factory)
	llm.RegisterFactory("openrouter", factory)
}

// Provider speaks the OpenAI chat completions API.
type Provider struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	transport *llm.Transport
	logger    *zap.Logger
}

// New creates a chat completions dialect provider.
func New(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		if name == "openrouter" {
			baseURL = "https://openrouter.ai/api"
		} else {
			baseURL = "https://api.openai.com"
		}
	}
	return &Provider{
		name:      name,
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		transport: transport,
		logger:    logger.With(zap.String("provider", name), zap.String("dialect", "openai")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		SupportsTools:     true,
		SupportsStreaming: true,
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *entity.Request) (*entity.Response, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewProviderUnavailable(p.name)
	}
	wire := EncodeRequest(req, p.model)

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/v1/chat/completions", llm.RequestOptions{
		Headers: p.headers(),
		Body:    wire,
	}, p.name)
	if err != nil {
		return nil, err
	}

	return ParseBody(p.name, result.Status, result.Body)
}

// Stream implements llm.Provider with raw pass-through of the upstream SSE
// stream.
func (p *Provider) Stream(ctx context.Context, req *entity.Request) (*llm.StreamResult, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewProviderUnavailable(p.name)
	}
	wire := EncodeRequest(req, p.model)
	wire.Stream = true

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/v1/chat/completions", llm.RequestOptions{
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
	return map[string]string{
		"Authorization": "Bearer " + p.apiKey,
	}
}
