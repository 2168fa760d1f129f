// Package zai implements the Z.AI (GLM) dialect. The upstream speaks the
// OpenAI chat completions wire but enforces a low account-level concurrency
// cap, so every call passes through a FIFO admission gate first.
package zai

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
	"github.com/lynkr/lynkr/internal/infrastructure/llm/openai"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

const defaultMaxConcurrent = 2

func init() {
	llm.RegisterFactory("zai", func(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) (llm.Provider, error) {
		return New(name, cfg, transport, logger), nil
	})
}

// Provider speaks the Z.AI chat completions API.
type Provider struct {
	name      string
	baseURL   string
	apiKey    string
	model     string
	transport *llm.Transport
	logger    *zap.Logger

	// sem is a buffered-channel semaphore. Acquisition order is the channel's
	// FIFO wakeup order, so queued requests proceed in arrival order.
	sem chan struct{}
}

// New creates a Z.AI dialect provider.
func New(name string, cfg config.Provider, transport *llm.Transport, logger *zap.Logger) *Provider {
	baseURL := strings.TrimRight(cfg.Endpoint, "/")
	if baseURL == "" {
		baseURL = "https://api.z.ai/api/paas/v4"
	}
	width := cfg.MaxConcurrent
	if width <= 0 {
		width = defaultMaxConcurrent
	}
	return &Provider{
		name:      name,
		baseURL:   baseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		transport: transport,
		logger:    logger.With(zap.String("provider", name), zap.String("dialect", "zai")),
		sem:       make(chan struct{}, width),
	}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() llm.Capabilities {
	return llm.Capabilities{SupportsTools: true, SupportsStreaming: true}
}

// acquire blocks until a concurrency slot is free or ctx is cancelled.
func (p *Provider) acquire(ctx context.Context) (release func(), err error) {
	select {
	case p.sem <- struct{}{}:
		return func() { <-p.sem }, nil
	case <-ctx.Done():
		return nil, apperrors.NewTransportError(ctx.Err())
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req *entity.Request) (*entity.Response, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewProviderUnavailable(p.name)
	}
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	wire := openai.EncodeRequest(req, p.model)
	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/chat/completions", llm.RequestOptions{
		Headers: p.headers(),
		Body:    wire,
	}, p.name)
	if err != nil {
		return nil, err
	}

	return openai.ParseBody(p.name, result.Status, result.Body)
}

// Stream implements llm.Provider. The slot is held until the stream body is
// closed, so a wrapper ties release to Close.
func (p *Provider) Stream(ctx context.Context, req *entity.Request) (*llm.StreamResult, error) {
	if p.apiKey == "" {
		return nil, apperrors.NewProviderUnavailable(p.name)
	}
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	wire := openai.EncodeRequest(req, p.model)
	wire.Stream = true

	result, err := p.transport.PerformJSONRequest(ctx, p.baseURL+"/chat/completions", llm.RequestOptions{
		Headers: p.headers(),
		Body:    wire,
		Stream:  true,
	}, p.name)
	if err != nil {
		release()
		return nil, err
	}
	return &llm.StreamResult{
		Status:      result.Status,
		ContentType: result.ContentType,
		Body:        &releasingBody{ReadCloser: result.Stream, release: release},
	}, nil
}

func (p *Provider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}
