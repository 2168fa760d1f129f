package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lynkr/lynkr/internal/domain/entity"
)

// semanticEntry pairs one stored response with the embedding of the user
// text that produced it.
type semanticEntry struct {
	embedding []float64
	response  *entity.Response
}

// SemanticCache matches paraphrased requests: the conversation state hash
// must be identical and the last user text must embed close enough.
type SemanticCache struct {
	threshold float64
	entries   *expirable.LRU[string, []semanticEntry]
}

// NewSemanticCache builds a TTL+LRU semantic cache.
func NewSemanticCache(maxEntries int, ttl time.Duration, threshold float64) *SemanticCache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	if threshold <= 0 {
		threshold = 0.92
	}
	return &SemanticCache{
		threshold: threshold,
		entries:   expirable.NewLRU[string, []semanticEntry](maxEntries, nil, ttl),
	}
}

// StateHash fingerprints everything except the final user text: the system
// prompt and the prior conversation. Two requests can only be semantically
// equivalent when they share this state exactly.
func StateHash(req *entity.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.System))
	h.Write([]byte{0})

	last := lastUserTextIndex(req)
	for i, m := range req.Messages {
		if i == last {
			continue
		}
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content.Text()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func lastUserTextIndex(req *entity.Request) int {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role == entity.RoleUser && m.Content.Text() != "" && !m.Content.HasKind(entity.BlockToolResult) {
			return i
		}
	}
	return -1
}

// Get returns a stored response whose embedding is close enough.
func (c *SemanticCache) Get(stateHash string, embedding []float64) (*entity.Response, bool) {
	entries, ok := c.entries.Get(stateHash)
	if !ok {
		return nil, false
	}
	best := -1.0
	var hit *entity.Response
	for _, entry := range entries {
		if sim := Cosine(embedding, entry.embedding); sim >= c.threshold && sim > best {
			best = sim
			hit = entry.response
		}
	}
	if hit == nil {
		return nil, false
	}
	return markCacheRead(hit), true
}

// Put stores a response under the state hash.
func (c *SemanticCache) Put(stateHash string, embedding []float64, resp *entity.Response) {
	entries, _ := c.entries.Get(stateHash)
	c.entries.Add(stateHash, append(entries, semanticEntry{embedding: embedding, response: resp}))
}

// Cosine computes cosine similarity. Mismatched or zero vectors score 0.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
