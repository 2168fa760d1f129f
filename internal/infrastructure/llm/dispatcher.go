package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

// Routing methods recorded in the decision and exposed via response headers.
const (
	MethodStatic           = "static"
	MethodForce            = "force"
	MethodToolThreshold    = "tool_threshold"
	MethodComplexity       = "complexity"
	MethodFallbackDisabled = "fallback_disabled"
	MethodFallback         = "fallback"
)

// Failure categories used when deciding whether to fall back.
const (
	FailureCircuitBreaker     = "circuit_breaker"
	FailureTimeout            = "timeout"
	FailureServiceUnavailable = "service_unavailable"
	FailureToolIncompatible   = "tool_incompatible"
	FailureRateLimited        = "rate_limited"
	FailureError              = "error"
)

// RoutingDecision records how a provider was chosen for one request.
type RoutingDecision struct {
	Provider  string
	Method    string
	Score     float64
	Threshold float64
	Reason    string
}

// DispatchOptions carries the per-request hints the sanitiser captured from
// the raw payload before clearing them.
type DispatchOptions struct {
	ForcedProvider  string
	DisableFallback bool
}

// DispatchResult is a completed upstream call plus its routing trail.
type DispatchResult struct {
	Response       *entity.Response
	ActualProvider string
	Decision       RoutingDecision
	FellBack       bool
}

// Dispatcher selects a provider for each request, executes the call inside
// the provider's circuit breaker, and falls back to the configured cloud
// provider when a local primary fails.
type Dispatcher struct {
	cfg      config.RoutingConfig
	analyzer *ComplexityAnalyzer
	logger   *zap.Logger

	forceLocal []*regexp.Regexp
	forceCloud []*regexp.Regexp

	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*CircuitBreaker
}

// NewDispatcher constructs every configured provider through the factory
// registry and gives each its own breaker.
func NewDispatcher(cfg *config.Config, transport *Transport, logger *zap.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:       cfg.Routing,
		analyzer:  NewComplexityAnalyzer(),
		logger:    logger.With(zap.String("component", "dispatcher")),
		providers: map[string]Provider{},
		breakers:  map[string]*CircuitBreaker{},
	}

	for _, pattern := range cfg.Routing.ForceLocalPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile force_local pattern %q: %w", pattern, err)
		}
		d.forceLocal = append(d.forceLocal, re)
	}
	for _, pattern := range cfg.Routing.ForceCloudPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile force_cloud pattern %q: %w", pattern, err)
		}
		d.forceCloud = append(d.forceCloud, re)
	}

	for name, pcfg := range cfg.Providers {
		provider, err := CreateProvider(name, pcfg, transport, logger)
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", name, err)
		}
		d.providers[name] = provider
		d.breakers[name] = NewCircuitBreaker(
			cfg.Breaker.FailureThreshold,
			cfg.Breaker.SuccessThreshold,
			cfg.Breaker.OpenTimeout,
		)
	}
	return d, nil
}

// AddProvider registers a provider with a fresh breaker. Used by tests and
// by config reload.
func (d *Dispatcher) AddProvider(p Provider, breaker *CircuitBreaker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Name()] = p
	if breaker == nil {
		breaker = NewCircuitBreaker(5, 2, 60*time.Second)
	}
	d.breakers[p.Name()] = breaker
}

// Provider returns the named provider, if configured.
func (d *Dispatcher) Provider(name string) (Provider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[name]
	return p, ok
}

// BreakerStats returns a snapshot of every breaker's counters, keyed by
// provider name.
func (d *Dispatcher) BreakerStats() map[string]BreakerStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]BreakerStats, len(d.breakers))
	for name, cb := range d.breakers {
		out[name] = cb.Stats()
	}
	return out
}

// DetermineProvider applies the routing policy: a forced provider wins, then
// the static provider unless prefer-local is on, then force patterns, then
// tool-count thresholds, then the complexity score.
func (d *Dispatcher) DetermineProvider(req *entity.Request, opts DispatchOptions) RoutingDecision {
	if opts.ForcedProvider != "" {
		return RoutingDecision{
			Provider: opts.ForcedProvider,
			Method:   MethodStatic,
			Reason:   "provider forced by request",
		}
	}

	if !d.cfg.PreferOllama {
		return RoutingDecision{
			Provider: d.cfg.ModelProvider,
			Method:   MethodStatic,
			Reason:   "static routing",
		}
	}

	local := "ollama"
	cloud := d.cloudProvider()
	text := req.LastUserText()

	for _, re := range d.forceLocal {
		if re.MatchString(text) {
			return RoutingDecision{Provider: local, Method: MethodForce, Reason: "matched force-local pattern"}
		}
	}
	for _, re := range d.forceCloud {
		if re.MatchString(text) {
			return RoutingDecision{Provider: cloud, Method: MethodForce, Reason: "matched force-cloud pattern"}
		}
	}

	if n := req.ToolCount(); n > 0 {
		if n > d.cfg.OllamaMaxTools {
			return RoutingDecision{
				Provider: cloud,
				Method:   MethodToolThreshold,
				Reason:   fmt.Sprintf("%d tools exceed local limit %d", n, d.cfg.OllamaMaxTools),
			}
		}
		if p, ok := d.Provider(local); ok && p.Capabilities().SupportsTools {
			return RoutingDecision{
				Provider: local,
				Method:   MethodToolThreshold,
				Reason:   fmt.Sprintf("%d tools within local limit %d", n, d.cfg.OllamaMaxTools),
			}
		}
		return RoutingDecision{Provider: cloud, Method: MethodToolThreshold, Reason: "local provider lacks tool support"}
	}

	score := d.analyzer.Score(req)
	decision := RoutingDecision{
		Method:    MethodComplexity,
		Score:     score,
		Threshold: d.cfg.ComplexityThreshold,
	}
	if score >= d.cfg.ComplexityThreshold {
		decision.Provider = cloud
		decision.Reason = fmt.Sprintf("score %.2f >= threshold %.2f", score, d.cfg.ComplexityThreshold)
	} else {
		decision.Provider = local
		decision.Reason = fmt.Sprintf("score %.2f < threshold %.2f", score, d.cfg.ComplexityThreshold)
	}
	return decision
}

func (d *Dispatcher) cloudProvider() string {
	if !IsLocal(d.cfg.ModelProvider) {
		return d.cfg.ModelProvider
	}
	return d.cfg.FallbackProvider
}

// Dispatch routes and executes one non-streaming call.
func (d *Dispatcher) Dispatch(ctx context.Context, req *entity.Request, opts DispatchOptions) (*DispatchResult, error) {
	decision := d.DetermineProvider(req, opts)

	resp, err := d.callThroughBreaker(ctx, decision.Provider, req)
	if err == nil {
		return &DispatchResult{Response: resp, ActualProvider: decision.Provider, Decision: decision}, nil
	}

	category := CategorizeFailure(err, req.ToolCount() > 0)
	d.logger.Warn("Primary provider failed",
		zap.String("provider", decision.Provider),
		zap.String("category", category),
		zap.Error(err),
	)

	if !d.shouldFallBack(decision.Provider, opts) {
		if opts.DisableFallback && IsLocal(decision.Provider) && d.cfg.FallbackEnabled {
			decision.Method = MethodFallbackDisabled
			decision.Reason = "fallback disabled by caller"
		}
		return nil, err
	}

	fallback := d.cfg.FallbackProvider
	d.logger.Info("Falling back",
		zap.String("from", decision.Provider),
		zap.String("to", fallback),
		zap.String("category", category),
	)

	resp, fbErr := d.callThroughBreaker(ctx, fallback, req)
	if fbErr != nil {
		// Surface the fallback failure; the primary error is in the logs.
		return nil, fbErr
	}

	decision.Method = MethodFallback
	decision.Reason = fmt.Sprintf("primary %s failed (%s)", decision.Provider, category)
	decision.Provider = fallback
	return &DispatchResult{Response: resp, ActualProvider: fallback, Decision: decision, FellBack: true}, nil
}

// DispatchStream routes and executes one streaming call. Streams never fall
// back: by the time a stream fails, bytes may already be on the wire.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *entity.Request, opts DispatchOptions) (*StreamResult, RoutingDecision, error) {
	decision := d.DetermineProvider(req, opts)

	d.mu.RLock()
	provider, ok := d.providers[decision.Provider]
	breaker := d.breakers[decision.Provider]
	d.mu.RUnlock()
	if !ok {
		return nil, decision, apperrors.NewProviderUnavailable(decision.Provider)
	}
	if !provider.Capabilities().SupportsStreaming {
		return nil, decision, apperrors.New(apperrors.CodeInvalidRequest,
			fmt.Sprintf("provider %q does not support streaming", decision.Provider))
	}
	if allowed, retryAfter := breaker.Allow(); !allowed {
		return nil, decision, apperrors.NewCircuitOpen(decision.Provider, retryAfter)
	}

	stream, err := provider.Stream(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			breaker.RecordCancellation()
		} else {
			breaker.RecordFailure()
		}
		return nil, decision, err
	}
	breaker.RecordSuccess()
	return stream, decision, nil
}

func (d *Dispatcher) callThroughBreaker(ctx context.Context, name string, req *entity.Request) (*entity.Response, error) {
	d.mu.RLock()
	provider, ok := d.providers[name]
	breaker := d.breakers[name]
	d.mu.RUnlock()
	if !ok {
		return nil, apperrors.NewProviderUnavailable(name)
	}

	if allowed, retryAfter := breaker.Allow(); !allowed {
		return nil, apperrors.NewCircuitOpen(name, retryAfter)
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		// Cancellation mid-call says nothing about provider health.
		if errors.Is(err, context.Canceled) {
			breaker.RecordCancellation()
		} else {
			breaker.RecordFailure()
		}
		return nil, err
	}
	breaker.RecordSuccess()
	return resp, nil
}

func (d *Dispatcher) shouldFallBack(primary string, opts DispatchOptions) bool {
	return IsLocal(primary) && d.cfg.FallbackEnabled && !opts.DisableFallback &&
		d.cfg.FallbackProvider != "" && d.cfg.FallbackProvider != primary
}

// CategorizeFailure maps an upstream error to a failure category.
func CategorizeFailure(err error, hadTools bool) string {
	if apperrors.IsCircuitOpen(err) {
		return FailureCircuitBreaker
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	if apperrors.IsProviderUnavailable(err) {
		return FailureServiceUnavailable
	}
	if appErr, ok := apperrors.As(err); ok {
		switch appErr.Code {
		case apperrors.CodeHTTPError:
			switch {
			case appErr.UpstreamStatus == http.StatusTooManyRequests:
				return FailureRateLimited
			case appErr.UpstreamStatus == http.StatusServiceUnavailable:
				return FailureServiceUnavailable
			case appErr.UpstreamStatus == http.StatusBadRequest && hadTools:
				return FailureToolIncompatible
			}
		case apperrors.CodeTransportError:
			if errors.Is(appErr.Err, context.DeadlineExceeded) {
				return FailureTimeout
			}
		}
	}
	return FailureError
}
