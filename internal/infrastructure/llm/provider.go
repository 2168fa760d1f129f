package llm

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
)

// Capabilities advertises what an upstream dialect supports.
type Capabilities struct {
	SupportsTools     bool
	SupportsStreaming bool
	NativelyAnthropic bool
}

// StreamResult is a raw upstream stream handed through to the client.
type StreamResult struct {
	Status      int
	ContentType string
	Body        io.ReadCloser
}

// Provider translates the canonical request to one upstream dialect, invokes
// it, and translates the response back. Providers hold no per-request state.
type Provider interface {
	// Name returns the configured provider identifier (e.g. "ollama").
	Name() string

	// Capabilities returns the dialect's capability flags.
	Capabilities() Capabilities

	// Complete performs one non-streaming model call.
	Complete(ctx context.Context, req *entity.Request) (*entity.Response, error)

	// Stream performs one streaming model call and returns the raw body for
	// pass-through. Only valid when SupportsStreaming is set.
	Stream(ctx context.Context, req *entity.Request) (*StreamResult, error)
}

// IsLocal reports whether a provider name refers to a local runtime. Local
// primaries are the only ones eligible for cloud fallback.
func IsLocal(name string) bool {
	switch name {
	case "ollama", "llamacpp":
		return true
	}
	return false
}

// --- Provider factory registry ---
// Dialect packages register themselves via init(); constructing a provider is
// a config lookup plus a factory call.

// Factory creates a Provider from its config section.
type Factory func(name string, cfg config.Provider, transport *Transport, logger *zap.Logger) (Provider, error)

var (
	factoryMu sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterFactory registers a provider factory for the given dialect type.
// Called from init() in each dialect sub-package.
func RegisterFactory(dialect string, factory Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[dialect] = factory
}

// CreateProvider creates a Provider using the registered factory for
// cfg.Type.
func CreateProvider(name string, cfg config.Provider, transport *Transport, logger *zap.Logger) (Provider, error) {
	factoryMu.RLock()
	factory, ok := factories[cfg.Type]
	factoryMu.RUnlock()

	if !ok {
		available := make([]string, 0, len(factories))
		factoryMu.RLock()
		for k := range factories {
			available = append(available, k)
		}
		factoryMu.RUnlock()
		return nil, fmt.Errorf("unknown provider dialect %q (available: %v)", cfg.Type, available)
	}

	return factory(name, cfg, transport, logger)
}
