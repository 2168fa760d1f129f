package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/domain/service"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	"github.com/lynkr/lynkr/internal/infrastructure/llm"
)

// Cache layers the exact cache over the semantic cache. The embedding
// computed on a semantic miss is kept so Put can store without a second
// embedder round trip.
type Cache struct {
	exact    *ExactCache
	semantic *SemanticCache
	embedder Embedder
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string][]float64 // exact key -> embedding captured on miss
}

// New wires the configured caches. Returns nil when both are disabled, so
// the orchestrator skips cache lookups entirely.
func New(cfg config.CacheConfig, transport *llm.Transport, logger *zap.Logger) service.ResponseCache {
	if !cfg.ExactEnabled && !cfg.SemanticEnabled {
		return nil
	}
	c := &Cache{logger: logger, pending: map[string][]float64{}}
	if cfg.ExactEnabled {
		c.exact = NewExactCache(cfg.ExactMaxEntries, cfg.ExactTTL)
	}
	if cfg.SemanticEnabled {
		c.semantic = NewSemanticCache(cfg.SemanticMaxEntries, cfg.SemanticTTL, cfg.SimilarityThreshold)
		c.embedder = NewOllamaEmbedder(cfg.EmbedURL, cfg.EmbedModel, transport, logger)
	}
	return c
}

// Get implements service.ResponseCache.
func (c *Cache) Get(ctx context.Context, req *entity.Request) (*entity.Response, bool) {
	if c.exact != nil {
		if resp, ok := c.exact.Get(ctx, req); ok {
			return resp, true
		}
	}
	if c.semantic == nil {
		return nil, false
	}

	text := req.LastUserText()
	if text == "" {
		return nil, false
	}
	embedding, err := c.embedder.Embed(ctx, text)
	if err != nil {
		c.logger.Debug("Embedding failed, skipping semantic cache", zap.Error(err))
		return nil, false
	}

	state := StateHash(req)
	if resp, ok := c.semantic.Get(state, embedding); ok {
		return resp, true
	}

	// Remember the embedding so a successful completion stores for free.
	c.mu.Lock()
	if len(c.pending) > 1024 {
		c.pending = map[string][]float64{}
	}
	c.pending[Key(req)] = embedding
	c.mu.Unlock()
	return nil, false
}

// Put implements service.ResponseCache. Only successful non-tool_use
// responses are stored.
func (c *Cache) Put(ctx context.Context, req *entity.Request, resp *entity.Response) {
	if resp == nil || resp.StopReason == entity.StopToolUse {
		return
	}
	if c.exact != nil {
		c.exact.Put(ctx, req, resp)
	}
	if c.semantic == nil {
		return
	}

	c.mu.Lock()
	embedding, ok := c.pending[Key(req)]
	if ok {
		delete(c.pending, Key(req))
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.semantic.Put(StateHash(req), embedding, resp)
}
