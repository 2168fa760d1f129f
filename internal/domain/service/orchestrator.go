package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/domain/tool"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

// Termination reasons exposed to the caller via the outcome and headers.
const (
	TerminationCompletion    = "completion"
	TerminationToolUse       = "tool_use"
	TerminationStreaming     = "streaming"
	TerminationAPIError      = "api_error"
	TerminationNonJSON       = "non_json_response"
	TerminationToolCallLoop  = "tool_call_loop"
	TerminationToolLoopGuard = "tool_loop_guard"
	TerminationMaxToolCalls  = "max_tool_calls_exceeded"
	TerminationMaxSteps      = "max_steps"
	TerminationShutdown      = "shutdown"
	TerminationMalformed     = "malformed_response"
)

// Dispatcher is the upstream execution surface the orchestrator drives.
// Satisfied by *llm.Dispatcher; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *entity.Request, opts llm.DispatchOptions) (*llm.DispatchResult, error)
	DispatchStream(ctx context.Context, req *entity.Request, opts llm.DispatchOptions) (*llm.StreamResult, llm.RoutingDecision, error)
}

// ResponseCache is the optional prompt-cache hook. Hits short-circuit the
// loop; entries are stored only after successful non-tool_use responses.
type ResponseCache interface {
	Get(ctx context.Context, req *entity.Request) (*entity.Response, bool)
	Put(ctx context.Context, req *entity.Request, resp *entity.Response)
}

// AuditSink receives one record per upstream exchange. Implementations must
// not block the loop.
type AuditSink interface {
	RecordExchange(sessionID, provider string, req *entity.Request, resp *entity.Response, err error)
}

// RequestHook mutates the sanitised request once, before the first dispatch.
// External collaborators (memory injection, prompt optimisation, token
// budgeting) plug in here.
type RequestHook func(ctx context.Context, req *entity.Request)

// Outcome is the orchestrator's result for one inbound request.
type Outcome struct {
	Response          *entity.Response
	Stream            *llm.StreamResult
	Status            int
	TerminationReason string
	ActualProvider    string
	Decision          llm.RoutingDecision
	Steps             int
	ToolCallsExecuted int
}

// Orchestrator drives the model/tool cycle for one inbound request at a
// time. It owns no per-request state; everything lives on the stack of
// HandleMessage.
type Orchestrator struct {
	cfg        config.LoopConfig
	sanitizer  *Sanitizer
	dispatcher Dispatcher
	policy     *PolicyGate
	runner     tool.Runner
	recorder   SessionRecorder
	cache      ResponseCache
	audit      AuditSink
	hooks      []RequestHook
	isShutdown func() bool
	logger     *zap.Logger
}

// OrchestratorOptions wires the collaborators.
type OrchestratorOptions struct {
	Config         config.LoopConfig
	Sanitizer      *Sanitizer
	Dispatcher     Dispatcher
	Policy         *PolicyGate
	Runner         tool.Runner
	Recorder       SessionRecorder
	Cache          ResponseCache
	Audit          AuditSink
	FirstStepHooks []RequestHook
	IsShutdown     func() bool
	Logger         *zap.Logger
}

// NewOrchestrator creates the loop orchestrator. Runner, Recorder, Cache and
// Audit are optional; nil collaborators are replaced with no-ops.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Recorder == nil {
		opts.Recorder = NopRecorder{}
	}
	if opts.IsShutdown == nil {
		opts.IsShutdown = func() bool { return false }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        opts.Config,
		sanitizer:  opts.Sanitizer,
		dispatcher: opts.Dispatcher,
		policy:     opts.Policy,
		runner:     opts.Runner,
		recorder:   opts.Recorder,
		cache:      opts.Cache,
		audit:      opts.Audit,
		hooks:      opts.FirstStepHooks,
		isShutdown: opts.IsShutdown,
		logger:     opts.Logger.With(zap.String("component", "orchestrator")),
	}
}

// HandleMessage runs the full agent loop for one inbound request.
func (o *Orchestrator) HandleMessage(ctx context.Context, raw *entity.Request, sessionID string) (*Outcome, error) {
	// Pre-request loop guard, before any sanitisation: a pile of tool_results
	// with no new user text means the loop is running away across requests.
	if guard := o.cfg.ToolResultGuard; guard > 0 {
		if n := ToolResultsSinceLastUserText(raw.Messages); n >= guard {
			o.logger.Warn("Tool loop guard tripped",
				zap.String("session", sessionID),
				zap.Int("tool_results", n),
			)
			resp := o.syntheticCompletion(raw)
			o.appendTurn(ctx, sessionID, entity.RoleAssistant, entity.TurnMessage, resp.Text(), map[string]any{
				"guard": "tool_loop",
			})
			return &Outcome{
				Response:          resp,
				Status:            200,
				TerminationReason: TerminationToolLoopGuard,
			}, nil
		}
	}

	sanitized := o.sanitizer.Sanitize(raw)
	req := sanitized.Clean
	opts := llm.DispatchOptions{
		ForcedProvider:  sanitized.ForcedProvider,
		DisableFallback: sanitized.DisableFallback,
	}

	if sanitized.Stream {
		return o.handleStream(ctx, req, opts)
	}

	// First-iteration hooks run before the cache lookup so injected context
	// is part of the cache key.
	for _, hook := range o.hooks {
		hook(ctx, req)
	}

	if o.cache != nil {
		if resp, ok := o.cache.Get(ctx, req); ok {
			return &Outcome{
				Response:          resp,
				Status:            200,
				TerminationReason: TerminationCompletion,
				ActualProvider:    "cache",
			}, nil
		}
	}

	tracker := NewSignatureTracker()
	deadline := time.Now().Add(o.cfg.MaxDuration)
	toolCallsExecuted := 0
	outcome := &Outcome{}

	for step := 1; step <= o.cfg.MaxSteps; step++ {
		outcome.Steps = step

		if o.isShutdown() {
			outcome.Status = 503
			outcome.TerminationReason = TerminationShutdown
			return outcome, apperrors.New(apperrors.CodeShutdown, "proxy is shutting down")
		}
		if time.Now().After(deadline) {
			break
		}

		result, err := o.dispatcher.Dispatch(ctx, req, opts)
		if o.audit != nil {
			var resp *entity.Response
			if result != nil {
				resp = result.Response
			}
			provider := ""
			if result != nil {
				provider = result.ActualProvider
			}
			o.audit.RecordExchange(sessionID, provider, req, resp, err)
		}
		if err != nil {
			o.appendTurn(ctx, sessionID, entity.RoleAssistant, entity.TurnError, err.Error(), nil)
			outcome.TerminationReason = TerminationAPIError
			if appErr, ok := apperrors.As(err); ok {
				outcome.Status = appErr.HTTPStatus()
				switch appErr.Code {
				case apperrors.CodeSchemaError:
					outcome.TerminationReason = TerminationNonJSON
				case apperrors.CodeMalformedResponse:
					outcome.TerminationReason = TerminationMalformed
				}
			} else {
				outcome.Status = 500
			}
			return outcome, err
		}

		resp := result.Response
		outcome.ActualProvider = result.ActualProvider
		outcome.Decision = result.Decision

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			o.appendTurn(ctx, sessionID, entity.RoleAssistant, entity.TurnMessage, resp.Text(), nil)
			if o.cache != nil {
				o.cache.Put(ctx, req, resp)
			}
			outcome.Response = resp
			outcome.Status = 200
			outcome.TerminationReason = TerminationCompletion
			outcome.ToolCallsExecuted = toolCallsExecuted
			return outcome, nil
		}

		// Passthrough split: non-server-side tools go back to the client.
		if o.passthroughMode() {
			if clientCalls := nonServerSide(calls); len(clientCalls) > 0 {
				serverCalls := serverSide(calls)
				req.Messages = append(req.Messages, resp.AssistantMessage())
				if len(serverCalls) > 0 {
					results := o.executeCalls(ctx, sessionID, serverCalls, req, tracker, &toolCallsExecuted)
					req.Messages = append(req.Messages, entity.Message{
						Role:    entity.RoleUser,
						Content: entity.ContentFromBlocks(results),
					})
				}
				outcome.Response = clientResponse(resp, clientCalls)
				outcome.Status = 200
				outcome.TerminationReason = TerminationToolUse
				outcome.ToolCallsExecuted = toolCallsExecuted
				return outcome, nil
			}
		}

		if o.runner == nil {
			// No local runner: every tool call goes back to the client.
			outcome.Response = resp
			outcome.Status = 200
			outcome.TerminationReason = TerminationToolUse
			outcome.ToolCallsExecuted = toolCallsExecuted
			return outcome, nil
		}

		o.appendTurn(ctx, sessionID, entity.RoleAssistant, entity.TurnToolRequest, describeCalls(calls), nil)
		req.Messages = append(req.Messages, resp.AssistantMessage())

		// Signature bookkeeping happens before execution so a terminating
		// repetition never runs the tool again.
		warn := false
		for _, call := range calls {
			count := tracker.Record(call)
			if count == signatureWarnAt {
				warn = true
			}
			if count >= signatureTerminateAt {
				o.logger.Error("Tool call loop detected",
					zap.String("session", sessionID),
					zap.String("tool", call.Name),
					zap.String("signature", call.Signature()),
					zap.Int("messages", len(req.Messages)),
				)
				o.appendTurn(ctx, sessionID, entity.RoleAssistant, entity.TurnError, "tool call loop detected", nil)
				outcome.Status = 500
				outcome.TerminationReason = TerminationToolCallLoop
				outcome.ToolCallsExecuted = toolCallsExecuted
				return outcome, apperrors.New(apperrors.CodeToolLoopDetected,
					fmt.Sprintf("tool %q called repeatedly with identical arguments", call.Name))
			}
		}

		results := o.executeCalls(ctx, sessionID, calls, req, tracker, &toolCallsExecuted)
		if warn {
			// The warning rides in the same user turn as the tool results so
			// the no-consecutive-same-role shape survives the loop.
			o.appendTurn(ctx, sessionID, entity.RoleUser, entity.TurnSystemWarning, LoopWarning, nil)
			results = append(results, entity.TextBlock(LoopWarning))
		}
		req.Messages = append(req.Messages, entity.Message{
			Role:    entity.RoleUser,
			Content: entity.ContentFromBlocks(results),
		})

		if toolCallsExecuted > o.cfg.MaxToolCalls {
			outcome.Status = 500
			outcome.TerminationReason = TerminationMaxToolCalls
			outcome.ToolCallsExecuted = toolCallsExecuted
			return outcome, apperrors.New(apperrors.CodeMaxToolCallsExceeded,
				fmt.Sprintf("executed %d tool calls, limit is %d", toolCallsExecuted, o.cfg.MaxToolCalls))
		}
	}

	outcome.Status = 504
	outcome.TerminationReason = TerminationMaxSteps
	outcome.ToolCallsExecuted = toolCallsExecuted
	return outcome, apperrors.New(apperrors.CodeMaxStepsExceeded,
		fmt.Sprintf("agent loop exhausted its budget after %d steps", outcome.Steps))
}

func (o *Orchestrator) handleStream(ctx context.Context, req *entity.Request, opts llm.DispatchOptions) (*Outcome, error) {
	stream, decision, err := o.dispatcher.DispatchStream(ctx, req, opts)
	if err != nil {
		status := 500
		if appErr, ok := apperrors.As(err); ok {
			status = appErr.HTTPStatus()
		}
		return &Outcome{Status: status, TerminationReason: TerminationAPIError, Decision: decision}, err
	}
	return &Outcome{
		Stream:            stream,
		Status:            stream.Status,
		TerminationReason: TerminationStreaming,
		ActualProvider:    decision.Provider,
		Decision:          decision,
	}, nil
}

// executeCalls runs the given tool calls and returns their tool_result
// blocks in the original call order. Subagent (Task) calls run concurrently;
// everything else runs sequentially in place.
func (o *Orchestrator) executeCalls(ctx context.Context, sessionID string, calls []entity.ToolCall, req *entity.Request, tracker *SignatureTracker, executed *int) []entity.ContentBlock {
	results := make([]entity.ContentBlock, len(calls))

	subagents := 0
	for _, c := range calls {
		if tool.IsSubagent(c.Name) {
			subagents++
		}
	}
	parallel := subagents > 1

	var wg sync.WaitGroup
	for i, call := range calls {
		if decision := o.policy.Evaluate(PolicyRequest{
			Call:              tool.Call{ID: call.ID, Name: call.Name, Input: call.Input},
			SessionID:         sessionID,
			ToolCallsExecuted: *executed,
		}); !decision.Allowed {
			results[i] = entity.ToolResultBlock(call.ID, decision.Reason, true)
			o.appendTurn(ctx, sessionID, entity.RoleUser, entity.TurnToolResult, decision.Reason, map[string]any{
				"tool": call.Name, "denied": true, "code": decision.Code,
			})
			continue
		}

		// Denied calls never count against the per-request budget.
		*executed++

		if parallel && tool.IsSubagent(call.Name) {
			wg.Add(1)
			go func(i int, call entity.ToolCall) {
				defer wg.Done()
				results[i] = o.runOne(ctx, sessionID, call, req)
			}(i, call)
			continue
		}
		results[i] = o.runOne(ctx, sessionID, call, req)
	}
	wg.Wait()

	return results
}

func (o *Orchestrator) runOne(ctx context.Context, sessionID string, call entity.ToolCall, req *entity.Request) entity.ContentBlock {
	result, err := o.runner.Execute(ctx, tool.Call{ID: call.ID, Name: call.Name, Input: call.Input}, tool.ExecutionEnv{
		SessionID: sessionID,
		Messages:  req.Messages,
	})
	if err != nil {
		content := fmt.Sprintf("tool runner failed: %v", err)
		o.appendTurn(ctx, sessionID, entity.RoleUser, entity.TurnToolResult, content, map[string]any{
			"tool": call.Name, "error": true,
		})
		return entity.ToolResultBlock(call.ID, content, true)
	}

	o.appendTurn(ctx, sessionID, entity.RoleUser, entity.TurnToolResult, result.Content, map[string]any{
		"tool": call.Name, "status": result.Status,
	})
	return entity.ToolResultBlock(call.ID, result.Content, !result.OK)
}

func (o *Orchestrator) passthroughMode() bool {
	return o.cfg.ToolExecutionMode == "passthrough" || o.cfg.ToolExecutionMode == "client"
}

func (o *Orchestrator) appendTurn(ctx context.Context, sessionID, role string, turnType entity.TurnType, content string, metadata map[string]any) {
	if sessionID == "" {
		return
	}
	err := o.recorder.Append(ctx, sessionID, entity.SessionTurn{
		Role:      role,
		Type:      turnType,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now(),
	})
	if err != nil {
		o.logger.Warn("Session append failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// syntheticCompletion builds the loop-guard reply: a digest of the piled-up
// tool results, closed with end_turn so the client stops the cycle.
func (o *Orchestrator) syntheticCompletion(raw *entity.Request) *entity.Response {
	return &entity.Response{
		Type:       "message",
		Role:       entity.RoleAssistant,
		Model:      raw.Model,
		Content:    []entity.ContentBlock{entity.TextBlock(SummarizeToolResults(raw.Messages, 2000))},
		StopReason: entity.StopEndTurn,
	}
}

func serverSide(calls []entity.ToolCall) []entity.ToolCall {
	var out []entity.ToolCall
	for _, c := range calls {
		if tool.IsServerSide(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

func nonServerSide(calls []entity.ToolCall) []entity.ToolCall {
	var out []entity.ToolCall
	for _, c := range calls {
		if !tool.IsServerSide(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

// clientResponse rebuilds the assistant response with only the tool calls
// the client must execute, preserving the text blocks.
func clientResponse(resp *entity.Response, calls []entity.ToolCall) *entity.Response {
	out := &entity.Response{
		ID:         resp.ID,
		Type:       resp.Type,
		Role:       resp.Role,
		Model:      resp.Model,
		Usage:      resp.Usage,
		StopReason: entity.StopToolUse,
	}
	keep := map[string]bool{}
	for _, c := range calls {
		keep[c.ID] = true
	}
	for _, b := range resp.Content {
		switch b.Kind {
		case entity.BlockToolUse:
			if b.ToolUse != nil && keep[b.ToolUse.ID] {
				out.Content = append(out.Content, b)
			}
		default:
			out.Content = append(out.Content, b)
		}
	}
	return out
}

func describeCalls(calls []entity.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return fmt.Sprintf("requested tools: %v", names)
}
