// Package cache holds the optional prompt caches. Both are invisible to the
// agent loop: a hit short-circuits the first dispatch, a miss changes
// nothing. Entries are stored only for successful non-tool_use responses.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lynkr/lynkr/internal/domain/entity"
)

// ExactCache returns the stored upstream response for byte-identical
// requests. The key covers everything that affects the completion.
type ExactCache struct {
	entries *expirable.LRU[string, *entity.Response]
}

// NewExactCache builds a TTL+LRU exact cache.
func NewExactCache(maxEntries int, ttl time.Duration) *ExactCache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &ExactCache{entries: expirable.NewLRU[string, *entity.Response](maxEntries, nil, ttl)}
}

// Key canonicalises the completion-relevant fields of a request.
func Key(req *entity.Request) string {
	payload := struct {
		Model       string                  `json:"model"`
		System      entity.SystemPrompt     `json:"system"`
		Messages    []entity.Message        `json:"messages"`
		Tools       []entity.ToolDefinition `json:"tools"`
		Temperature *float64                `json:"temperature"`
		TopP        *float64                `json:"top_p"`
		MaxTokens   int                     `json:"max_tokens"`
	}{req.Model, req.System, req.Messages, req.Tools, req.Temperature, req.TopP, req.MaxTokens}

	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached response with cache_read_input_tokens marked.
func (c *ExactCache) Get(ctx context.Context, req *entity.Request) (*entity.Response, bool) {
	key := Key(req)
	if key == "" {
		return nil, false
	}
	stored, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	return markCacheRead(stored), true
}

// Put stores a response under the request's canonical key.
func (c *ExactCache) Put(ctx context.Context, req *entity.Request, resp *entity.Response) {
	key := Key(req)
	if key == "" {
		return
	}
	c.entries.Add(key, resp)
}

// markCacheRead clones the stored response and reports the input as read
// from cache. The stored copy stays pristine for later hits.
func markCacheRead(stored *entity.Response) *entity.Response {
	out := *stored
	out.Content = make([]entity.ContentBlock, len(stored.Content))
	copy(out.Content, stored.Content)
	out.Usage.CacheReadInputTokens = stored.Usage.InputTokens
	out.Usage.InputTokens = 0
	return &out
}
