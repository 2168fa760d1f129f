package cache

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
)

func userRequest(text string) *entity.Request {
	return &entity.Request{
		Model: "claude-sonnet-4",
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString(text)},
		},
		MaxTokens: 1024,
	}
}

func TestExactCache_HitMarksCacheRead(t *testing.T) {
	c := NewExactCache(8, time.Minute)
	ctx := context.Background()
	req := userRequest("what is a goroutine?")
	resp := &entity.Response{
		ID:         "r1",
		Content:    []entity.ContentBlock{entity.TextBlock("a lightweight thread")},
		StopReason: entity.StopEndTurn,
		Usage:      entity.Usage{InputTokens: 40, OutputTokens: 12},
	}

	if _, ok := c.Get(ctx, req); ok {
		t.Fatal("empty cache must miss")
	}
	c.Put(ctx, req, resp)

	hit, ok := c.Get(ctx, req.Clone())
	if !ok {
		t.Fatal("identical request must hit")
	}
	if hit.Usage.CacheReadInputTokens != 40 || hit.Usage.InputTokens != 0 {
		t.Fatalf("hit must mark cache_read_input_tokens: %+v", hit.Usage)
	}
	if hit.Text() != "a lightweight thread" {
		t.Fatalf("unexpected content: %q", hit.Text())
	}

	// The stored copy stays unmarked for later hits.
	again, _ := c.Get(ctx, req)
	if again.Usage.CacheReadInputTokens != 40 {
		t.Fatalf("second hit lost cache accounting: %+v", again.Usage)
	}
}

func TestExactCache_KeyCoversCompletionFields(t *testing.T) {
	base := userRequest("q")
	cases := map[string]*entity.Request{
		"model":      {Model: "other", Messages: base.Messages, MaxTokens: base.MaxTokens},
		"system":     {Model: base.Model, System: "sys", Messages: base.Messages, MaxTokens: base.MaxTokens},
		"max_tokens": {Model: base.Model, Messages: base.Messages, MaxTokens: 2},
		"messages":   userRequest("different question"),
	}
	for name, req := range cases {
		if Key(req) == Key(base) {
			t.Fatalf("changing %s must change the key", name)
		}
	}
	if Key(base.Clone()) != Key(base) {
		t.Fatal("clone must produce the same key")
	}
}

func TestExactCache_TTLExpiry(t *testing.T) {
	c := NewExactCache(8, 20*time.Millisecond)
	ctx := context.Background()
	req := userRequest("short lived")
	c.Put(ctx, req, &entity.Response{ID: "r"})

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(ctx, req); ok {
		t.Fatal("entry must expire after the TTL")
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float64{1, 0}, []float64{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors: %f", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors: %f", got)
	}
	if got := Cosine([]float64{1, 0}, []float64{1, 0, 0}); got != 0 {
		t.Fatalf("mismatched lengths must score 0: %f", got)
	}
	if got := Cosine(nil, nil); got != 0 {
		t.Fatalf("empty vectors must score 0: %f", got)
	}
}

func TestSemanticCache_RequiresStateAndSimilarity(t *testing.T) {
	c := NewSemanticCache(8, time.Minute, 0.92)
	resp := &entity.Response{ID: "r", Usage: entity.Usage{InputTokens: 10}}

	c.Put("state-a", []float64{1, 0}, resp)

	if _, ok := c.Get("state-b", []float64{1, 0}); ok {
		t.Fatal("different state hash must miss even with identical embedding")
	}
	if _, ok := c.Get("state-a", []float64{0, 1}); ok {
		t.Fatal("dissimilar embedding must miss")
	}
	hit, ok := c.Get("state-a", []float64{0.999, 0.01})
	if !ok {
		t.Fatal("similar embedding under the same state must hit")
	}
	if hit.Usage.CacheReadInputTokens != 10 {
		t.Fatalf("semantic hit must mark cache reads: %+v", hit.Usage)
	}
}

func TestStateHash_IgnoresLastUserText(t *testing.T) {
	a := userRequest("how do I sort a slice?")
	b := userRequest("what is the way to sort slices?")
	if StateHash(a) != StateHash(b) {
		t.Fatal("requests differing only in the final user text share state")
	}

	c := userRequest("how do I sort a slice?")
	c.System = "you are terse"
	if StateHash(a) == StateHash(c) {
		t.Fatal("system prompt is part of the state")
	}

	d := &entity.Request{
		Model: a.Model,
		Messages: []entity.Message{
			{Role: entity.RoleUser, Content: entity.ContentFromString("earlier turn")},
			{Role: entity.RoleAssistant, Content: entity.ContentFromString("earlier answer")},
			{Role: entity.RoleUser, Content: entity.ContentFromString("how do I sort a slice?")},
		},
		MaxTokens: a.MaxTokens,
	}
	if StateHash(a) == StateHash(d) {
		t.Fatal("prior conversation is part of the state")
	}
}

type fixedEmbedder struct {
	vec   []float64
	calls int
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	f.calls++
	return f.vec, nil
}

func TestCache_SemanticMissThenStoreReusesEmbedding(t *testing.T) {
	embedder := &fixedEmbedder{vec: []float64{1, 0}}
	c := &Cache{
		semantic: NewSemanticCache(8, time.Minute, 0.92),
		embedder: embedder,
		logger:   zap.NewNop(),
		pending:  map[string][]float64{},
	}
	ctx := context.Background()
	req := userRequest("explain channels")
	resp := &entity.Response{ID: "r", StopReason: entity.StopEndTurn}

	if _, ok := c.Get(ctx, req); ok {
		t.Fatal("first lookup must miss")
	}
	c.Put(ctx, req, resp)
	if embedder.calls != 1 {
		t.Fatalf("store must reuse the captured embedding, embed calls = %d", embedder.calls)
	}

	if _, ok := c.Get(ctx, userRequest("explain channels please")); !ok {
		t.Fatal("paraphrase with identical embedding must hit")
	}
}

func TestCache_ToolUseResponsesNotStored(t *testing.T) {
	embedder := &fixedEmbedder{vec: []float64{1, 0}}
	c := &Cache{
		exact:    NewExactCache(8, time.Minute),
		semantic: NewSemanticCache(8, time.Minute, 0.92),
		embedder: embedder,
		logger:   zap.NewNop(),
		pending:  map[string][]float64{},
	}
	ctx := context.Background()
	req := userRequest("list files")

	c.Put(ctx, req, &entity.Response{ID: "r", StopReason: entity.StopToolUse})
	if _, ok := c.Get(ctx, req); ok {
		t.Fatal("tool_use responses must never be cached")
	}
}

func TestNew_DisabledReturnsNil(t *testing.T) {
	if c := New(config.CacheConfig{}, nil, zap.NewNop()); c != nil {
		t.Fatal("fully disabled config must return nil")
	}
	if c := New(config.CacheConfig{ExactEnabled: true, ExactTTL: time.Minute}, nil, zap.NewNop()); c == nil {
		t.Fatal("exact-only config must return a cache")
	}
}
