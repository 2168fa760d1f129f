package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/infrastructure/llm"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

// Embedder turns text into a vector for semantic similarity.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// OllamaEmbedder calls a local Ollama embedding model over HTTP.
type OllamaEmbedder struct {
	baseURL   string
	model     string
	transport *llm.Transport
	logger    *zap.Logger
}

// NewOllamaEmbedder builds the embedding client.
func NewOllamaEmbedder(baseURL, model string, transport *llm.Transport, logger *zap.Logger) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     model,
		transport: transport,
		logger:    logger,
	}
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	result, err := e.transport.PerformJSONRequest(ctx, e.baseURL+"/api/embed", llm.RequestOptions{
		Body: embedRequest{Model: e.model, Input: text},
	}, "ollama-embed")
	if err != nil {
		return nil, err
	}

	var decoded embedResponse
	if err := json.Unmarshal(result.Body, &decoded); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeSchemaError, "decode embedding response", err)
	}
	if len(decoded.Embeddings) == 0 || len(decoded.Embeddings[0]) == 0 {
		return nil, apperrors.New(apperrors.CodeSchemaError, fmt.Sprintf("empty embedding for model %s", e.model))
	}
	return decoded.Embeddings[0], nil
}
