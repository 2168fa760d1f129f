package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/tool"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
)

// PolicyDecision is the outcome of evaluating one tool call. Denied calls
// never reach the runner; the orchestrator synthesises an is_error
// tool_result from Reason so the model can recover.
type PolicyDecision struct {
	Allowed bool
	Code    string
	Reason  string
	Status  int
}

// PolicyRequest is one evaluation input.
type PolicyRequest struct {
	Call              tool.Call
	SessionID         string
	ToolCallsExecuted int
}

// PolicyGate enforces deny-lists and per-tool rate limits on tool calls.
// Rate limits are scoped per session by default; the "global" scope shares
// one window across all sessions.
type PolicyGate struct {
	cfg    config.PolicyConfig
	denied map[string]bool
	logger *zap.Logger

	mu      sync.Mutex
	windows map[string][]time.Time // key: scope key + tool name
	now     func() time.Time
}

// NewPolicyGate creates a gate from config.
func NewPolicyGate(cfg config.PolicyConfig, logger *zap.Logger) *PolicyGate {
	denied := make(map[string]bool, len(cfg.DenyTools))
	for _, name := range cfg.DenyTools {
		denied[strings.ToLower(name)] = true
	}
	return &PolicyGate{
		cfg:     cfg,
		denied:  denied,
		logger:  logger.With(zap.String("component", "policy")),
		windows: map[string][]time.Time{},
		now:     time.Now,
	}
}

// Evaluate checks one tool call against the deny-list and the rate limit.
func (g *PolicyGate) Evaluate(req PolicyRequest) PolicyDecision {
	name := strings.ToLower(req.Call.Name)

	if g.denied[name] {
		g.logger.Warn("Tool denied by policy",
			zap.String("tool", req.Call.Name),
			zap.String("session", req.SessionID),
		)
		return PolicyDecision{
			Code:   "policy_denied",
			Reason: fmt.Sprintf("tool %q is denied by proxy policy", req.Call.Name),
			Status: 403,
		}
	}

	if g.cfg.RateLimitCalls > 0 {
		if !g.admit(req.SessionID, name) {
			return PolicyDecision{
				Code: "rate_limited",
				Reason: fmt.Sprintf("tool %q exceeded %d calls per %s",
					req.Call.Name, g.cfg.RateLimitCalls, g.cfg.RateLimitWindow),
				Status: 429,
			}
		}
	}

	return PolicyDecision{Allowed: true}
}

// admit records one call in the sliding window and reports whether it fits.
func (g *PolicyGate) admit(sessionID, toolName string) bool {
	key := toolName
	if g.cfg.RateLimitScope != "global" {
		key = sessionID + "\x00" + toolName
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.RateLimitWindow)
	window := g.windows[key]

	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= g.cfg.RateLimitCalls {
		g.windows[key] = kept
		return false
	}
	g.windows[key] = append(kept, now)
	return true
}
