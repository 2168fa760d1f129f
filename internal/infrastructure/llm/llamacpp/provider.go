// Package llamacpp implements the llama.cpp server dialect. The server
// exposes an OpenAI-compatible endpoint, so the adapter reuses the openai
// wire and adds the same-role merge llama.cpp chat templates require.
package llamacpp

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
	"github.com/lynkr/lynkr/internal/infrastructure/llm/openai"
)

func init() {
	llm.RegisterFactory("llamacpp", func(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) (llm.Provider, error) {
		return New(name, cfg, transport, logger), nil
	})
}

// Provider speaks to a llama.cpp server.
type Provider struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	transport *llm.Transport
	logger    *zap.Logger
}

// New creates a llama.cpp dialect provider. No API key is required for a
// local server; one is sent only when configured.
func New(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Provider{
		name:      name,
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		transport: transport,
		logger:    logger.With(zap.String("provider", name), zap.String("dialect", "llamacpp")),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{SupportsTools: true, SupportsStreaming: true}
}

// EncodeRequest builds the OpenAI-shaped payload with merged turns.
func (p *Provider) EncodeRequest(req *entity.Request) *openai.Request {
	wire := openai.EncodeRequest(req, p.model)
	wire.Messages = openai.MergeSameRole(wire.Messages)
	return wire
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *entity.Request) (*entity.Response, error) {
	wire := p.EncodeRequest(req)

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/v1/chat/completions", llm.RequestOptions{
		Headers: p.headers(),
		Body:    wire,
	}, p.name)
	if err != nil {
		return nil, err
	}

	return openai.ParseBody(p.name, result.Status, result.Body)
}

// Stream implements llm.Provider with raw pass-through.
func (p *Provider) Stream(ctx context.Context, req *entity.Request) (*llm.StreamResult, error) {
	wire := p.EncodeRequest(req)
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
	if p.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}
