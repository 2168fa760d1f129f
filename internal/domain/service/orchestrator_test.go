package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/domain/tool"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	llm "github.com/lynkr/lynkr/internal/infrastructure/llm"
	apperrors "github.com/lynkr/lynkr/pkg/errors"
)

// scriptedDispatcher returns canned responses in order, then repeats the
// last one.
type scriptedDispatcher struct {
	responses []*entity.Response
	err       error
	calls     int
	requests  []*entity.Request
}

func (d *scriptedDispatcher) Dispatch(ctx context.Context, req *entity.Request, opts llm.DispatchOptions) (*llm.DispatchResult, error) {
	d.calls++
	d.requests = append(d.requests, req.Clone())
	if d.err != nil {
		return nil, d.err
	}
	idx := d.calls - 1
	if idx >= len(d.responses) {
		idx = len(d.responses) - 1
	}
	return &llm.DispatchResult{
		Response:       d.responses[idx],
		ActualProvider: "fake",
		Decision:       llm.RoutingDecision{Provider: "fake", Method: llm.MethodStatic},
	}, nil
}

func (d *scriptedDispatcher) DispatchStream(ctx context.Context, req *entity.Request, opts llm.DispatchOptions) (*llm.StreamResult, llm.RoutingDecision, error) {
	return nil, llm.RoutingDecision{}, apperrors.New(apperrors.CodeInvalidRequest, "no stream")
}

// recordingRunner executes tools by returning canned content.
type recordingRunner struct {
	mu       sync.Mutex
	executed []string
	result   func(call tool.Call) *tool.Result
}

func (r *recordingRunner) Execute(ctx context.Context, call tool.Call, env tool.ExecutionEnv) (*tool.Result, error) {
	r.mu.Lock()
	r.executed = append(r.executed, call.Name)
	r.mu.Unlock()
	if r.result != nil {
		return r.result(call), nil
	}
	return &tool.Result{ID: call.ID, Name: call.Name, OK: true, Status: "ok", Content: "result of " + call.Name}, nil
}

func textResp(text string) *entity.Response {
	return &entity.Response{
		Type:       "message",
		Role:       entity.RoleAssistant,
		Content:    []entity.ContentBlock{entity.TextBlock(text)},
		StopReason: entity.StopEndTurn,
	}
}

func toolResp(calls ...entity.ToolCall) *entity.Response {
	resp := &entity.Response{
		Type:       "message",
		Role:       entity.RoleAssistant,
		StopReason: entity.StopToolUse,
	}
	for _, c := range calls {
		resp.Content = append(resp.Content, entity.ToolUseBlock(c))
	}
	return resp
}

func defaultLoopConfig() config.LoopConfig {
	return config.LoopConfig{
		MaxSteps:          6,
		MaxDuration:       2 * time.Minute,
		MaxToolCalls:      20,
		ToolResultGuard:   3,
		ToolExecutionMode: "server",
	}
}

func newTestOrchestrator(cfg config.LoopConfig, d Dispatcher, r tool.Runner) *Orchestrator {
	return NewOrchestrator(OrchestratorOptions{
		Config:     cfg,
		Sanitizer:  NewSanitizer(cfg, "test-model", zap.NewNop()),
		Dispatcher: d,
		Policy:     NewPolicyGate(config.PolicyConfig{}, zap.NewNop()),
		Runner:     r,
		Logger:     zap.NewNop(),
	})
}

func userReq(text string) *entity.Request {
	return &entity.Request{
		Messages: []entity.Message{{Role: entity.RoleUser, Content: entity.ContentFromString(text)}},
	}
}

func TestHandleMessage_SimpleCompletion(t *testing.T) {
	d := &scriptedDispatcher{responses: []*entity.Response{textResp("done")}}
	o := newTestOrchestrator(defaultLoopConfig(), d, &recordingRunner{})

	out, err := o.HandleMessage(context.Background(), userReq("say done please"), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != 200 || out.TerminationReason != TerminationCompletion {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Response.Text() != "done" {
		t.Fatalf("response text wrong: %q", out.Response.Text())
	}
	if d.calls != 1 {
		t.Fatalf("expected single dispatch, got %d", d.calls)
	}
}

func TestHandleMessage_FirstStepHookRunsOnce(t *testing.T) {
	call := entity.ToolCall{ID: "c1", Name: "Read", Input: map[string]any{"path": "/x"}}
	d := &scriptedDispatcher{responses: []*entity.Response{toolResp(call), textResp("ok")}}
	cfg := defaultLoopConfig()
	hookRuns := 0
	o := NewOrchestrator(OrchestratorOptions{
		Config:     cfg,
		Sanitizer:  NewSanitizer(cfg, "test-model", zap.NewNop()),
		Dispatcher: d,
		Policy:     NewPolicyGate(config.PolicyConfig{}, zap.NewNop()),
		Runner:     &recordingRunner{},
		FirstStepHooks: []RequestHook{func(ctx context.Context, req *entity.Request) {
			hookRuns++
			req.System = "remembered: the user prefers short answers"
		}},
		Logger: zap.NewNop(),
	})

	if _, err := o.HandleMessage(context.Background(), userReq("read /x for me now"), "s1"); err != nil {
		t.Fatal(err)
	}
	if hookRuns != 1 {
		t.Fatalf("hook must run once per request, ran %d times", hookRuns)
	}
	for i, req := range d.requests {
		if !strings.Contains(string(req.System), "remembered") {
			t.Fatalf("injected context missing from dispatch %d", i)
		}
	}
}

func TestHandleMessage_ToolCycleThenCompletion(t *testing.T) {
	call := entity.ToolCall{ID: "c1", Name: "Read", Input: map[string]any{"path": "/x"}}
	d := &scriptedDispatcher{responses: []*entity.Response{toolResp(call), textResp("file says hi")}}
	runner := &recordingRunner{}
	o := newTestOrchestrator(defaultLoopConfig(), d, runner)

	out, err := o.HandleMessage(context.Background(), userReq("read /x for me now"), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out.TerminationReason != TerminationCompletion || out.Steps != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.ToolCallsExecuted != 1 || len(runner.executed) != 1 {
		t.Fatalf("tool must run once: %+v", runner.executed)
	}

	// The second dispatch must carry the assistant tool_use turn and the
	// user tool_result turn.
	second := d.requests[1]
	n := len(second.Messages)
	if n < 3 {
		t.Fatalf("expected grown conversation, got %d messages", n)
	}
	if !second.Messages[n-2].Content.HasKind(entity.BlockToolUse) {
		t.Fatal("assistant tool_use turn missing")
	}
	if !second.Messages[n-1].Content.HasKind(entity.BlockToolResult) {
		t.Fatal("user tool_result turn missing")
	}
}

func TestHandleMessage_MaxStepsExceeded(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "Read", Input: map[string]any{"path": "/x"}}
	cfg := defaultLoopConfig()
	cfg.MaxSteps = 2
	// Vary arguments per step so the signature tracker does not fire first.
	step := 0
	d := &scriptedDispatcher{}
	d.responses = []*entity.Response{toolResp(call)}
	runner := &recordingRunner{result: func(c tool.Call) *tool.Result {
		step++
		return &tool.Result{ID: c.ID, Name: c.Name, OK: true, Content: "r"}
	}}
	// Two distinct tool responses keep the loop alive past MaxSteps.
	d.responses = []*entity.Response{
		toolResp(entity.ToolCall{ID: "a", Name: "Read", Input: map[string]any{"path": "/a"}}),
		toolResp(entity.ToolCall{ID: "b", Name: "Read", Input: map[string]any{"path": "/b"}}),
	}
	o := newTestOrchestrator(cfg, d, runner)

	out, err := o.HandleMessage(context.Background(), userReq("loop forever reading things"), "s1")
	if err == nil {
		t.Fatal("expected max_steps error")
	}
	if out.Status != 504 || out.TerminationReason != TerminationMaxSteps {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if apperrors.CodeOf(err) != apperrors.CodeMaxStepsExceeded {
		t.Fatalf("wrong code: %v", err)
	}
}

func TestHandleMessage_SignatureLoopTerminates(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "Read", Input: map[string]any{"path": "/same"}}
	d := &scriptedDispatcher{responses: []*entity.Response{toolResp(call)}}
	cfg := defaultLoopConfig()
	cfg.MaxSteps = 10
	o := newTestOrchestrator(cfg, d, &recordingRunner{})

	out, err := o.HandleMessage(context.Background(), userReq("read the same file again and again"), "s1")
	if err == nil {
		t.Fatal("expected tool_call_loop error")
	}
	if out.Status != 500 || out.TerminationReason != TerminationToolCallLoop {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if apperrors.CodeOf(err) != apperrors.CodeToolLoopDetected {
		t.Fatalf("wrong code: %v", err)
	}
}

func TestHandleMessage_WarningInjectedAtThirdRepetition(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "Read", Input: map[string]any{"path": "/same"}}
	d := &scriptedDispatcher{responses: []*entity.Response{
		toolResp(call), toolResp(call), toolResp(call), textResp("stopping"),
	}}
	cfg := defaultLoopConfig()
	cfg.MaxSteps = 10
	o := newTestOrchestrator(cfg, d, &recordingRunner{})

	out, err := o.HandleMessage(context.Background(), userReq("read it until warned"), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out.TerminationReason != TerminationCompletion {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	// The 4th dispatch must carry the injected warning text.
	last := d.requests[len(d.requests)-1]
	found := false
	for _, m := range last.Messages {
		if m.Role == entity.RoleUser && strings.Contains(m.Content.Text(), "repeated the same tool call") {
			found = true
		}
	}
	if !found {
		t.Fatal("loop warning not injected into the conversation")
	}
}

func TestHandleMessage_MaxToolCallsExceeded(t *testing.T) {
	cfg := defaultLoopConfig()
	cfg.MaxToolCalls = 2
	cfg.MaxSteps = 10
	d := &scriptedDispatcher{responses: []*entity.Response{
		toolResp(
			entity.ToolCall{ID: "1", Name: "Read", Input: map[string]any{"path": "/1"}},
			entity.ToolCall{ID: "2", Name: "Read", Input: map[string]any{"path": "/2"}},
			entity.ToolCall{ID: "3", Name: "Read", Input: map[string]any{"path": "/3"}},
		),
	}}
	o := newTestOrchestrator(cfg, d, &recordingRunner{})

	out, err := o.HandleMessage(context.Background(), userReq("read all the files"), "s1")
	if err == nil {
		t.Fatal("expected max_tool_calls error")
	}
	if out.TerminationReason != TerminationMaxToolCalls || out.Status != 500 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestHandleMessage_PolicyDenialSynthesisesErrorResult(t *testing.T) {
	call := entity.ToolCall{ID: "c1", Name: "Bash", Input: map[string]any{"command": "rm -rf /"}}
	d := &scriptedDispatcher{responses: []*entity.Response{toolResp(call), textResp("understood")}}
	runner := &recordingRunner{}

	cfg := defaultLoopConfig()
	o := NewOrchestrator(OrchestratorOptions{
		Config:     cfg,
		Sanitizer:  NewSanitizer(cfg, "m", zap.NewNop()),
		Dispatcher: d,
		Policy:     NewPolicyGate(config.PolicyConfig{DenyTools: []string{"Bash"}}, zap.NewNop()),
		Runner:     runner,
		Logger:     zap.NewNop(),
	})

	out, err := o.HandleMessage(context.Background(), userReq("wipe the disk completely"), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out.TerminationReason != TerminationCompletion {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(runner.executed) != 0 {
		t.Fatal("denied call must never reach the runner")
	}

	// The follow-up request must carry an is_error tool_result.
	second := d.requests[1]
	foundError := false
	for _, m := range second.Messages {
		for _, b := range m.Content.Blocks() {
			if b.Kind == entity.BlockToolResult && b.ToolResult.IsError {
				foundError = true
			}
		}
	}
	if !foundError {
		t.Fatal("denial must synthesise an is_error tool_result")
	}
}

func TestHandleMessage_ToolLoopGuardShortCircuits(t *testing.T) {
	d := &scriptedDispatcher{responses: []*entity.Response{textResp("never reached")}}
	o := newTestOrchestrator(defaultLoopConfig(), d, &recordingRunner{})

	raw := &entity.Request{Messages: []entity.Message{
		{Role: entity.RoleUser, Content: entity.ContentFromString("start")},
		{Role: entity.RoleUser, Content: entity.ContentFromBlocks([]entity.ContentBlock{
			entity.ToolResultBlock("1", "r1", false),
			entity.ToolResultBlock("2", "r2", false),
			entity.ToolResultBlock("3", "r3", false),
		})},
	}}

	out, err := o.HandleMessage(context.Background(), raw, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out.TerminationReason != TerminationToolLoopGuard || out.Status != 200 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Response.StopReason != entity.StopEndTurn {
		t.Fatalf("guard reply must end the turn: %q", out.Response.StopReason)
	}
	if d.calls != 0 {
		t.Fatal("guard must fire before any upstream call")
	}
	if !strings.Contains(out.Response.Text(), "r2") {
		t.Fatal("guard reply must summarise the collected results")
	}
}

func TestHandleMessage_ShutdownReturns503(t *testing.T) {
	d := &scriptedDispatcher{responses: []*entity.Response{textResp("x")}}
	cfg := defaultLoopConfig()
	o := NewOrchestrator(OrchestratorOptions{
		Config:     cfg,
		Sanitizer:  NewSanitizer(cfg, "m", zap.NewNop()),
		Dispatcher: d,
		Policy:     NewPolicyGate(config.PolicyConfig{}, zap.NewNop()),
		IsShutdown: func() bool { return true },
		Logger:     zap.NewNop(),
	})

	out, err := o.HandleMessage(context.Background(), userReq("anything at all here"), "s1")
	if err == nil {
		t.Fatal("expected shutdown error")
	}
	if out.Status != 503 || out.TerminationReason != TerminationShutdown {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if d.calls != 0 {
		t.Fatal("no upstream call during shutdown")
	}
}

func TestHandleMessage_ParallelSubagents(t *testing.T) {
	calls := []entity.ToolCall{
		{ID: "t1", Name: "Task", Input: map[string]any{"prompt": "a"}},
		{ID: "t2", Name: "Task", Input: map[string]any{"prompt": "b"}},
	}
	d := &scriptedDispatcher{responses: []*entity.Response{toolResp(calls...), textResp("merged")}}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	runner := &recordingRunner{result: func(c tool.Call) *tool.Result {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return &tool.Result{ID: c.ID, Name: c.Name, OK: true, Content: "done"}
	}}
	o := newTestOrchestrator(defaultLoopConfig(), d, runner)

	out, err := o.HandleMessage(context.Background(), userReq("run two subagents for me"), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out.TerminationReason != TerminationCompletion {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if peak < 2 {
		t.Fatalf("subagent tasks must run concurrently, peak=%d", peak)
	}

	// Results land in call order regardless of completion order.
	second := d.requests[1]
	last := second.Messages[len(second.Messages)-1]
	blocks := last.Content.Blocks()
	if len(blocks) != 2 || blocks[0].ToolResult.ToolUseID != "t1" || blocks[1].ToolResult.ToolUseID != "t2" {
		t.Fatalf("result order wrong: %+v", blocks)
	}
}

func TestHandleMessage_PassthroughSplitsServerAndClientTools(t *testing.T) {
	calls := []entity.ToolCall{
		{ID: "s1", Name: "WebSearch", Input: map[string]any{"query": "go"}},
		{ID: "c1", Name: "Bash", Input: map[string]any{"command": "ls"}},
	}
	d := &scriptedDispatcher{responses: []*entity.Response{toolResp(calls...)}}
	runner := &recordingRunner{}
	cfg := defaultLoopConfig()
	cfg.ToolExecutionMode = "passthrough"
	o := newTestOrchestrator(cfg, d, runner)

	out, err := o.HandleMessage(context.Background(), userReq("search and then list files"), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out.TerminationReason != TerminationToolUse || out.Status != 200 {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	// Server-side tool ran locally; client tool did not.
	if len(runner.executed) != 1 || runner.executed[0] != "WebSearch" {
		t.Fatalf("server-side execution wrong: %v", runner.executed)
	}

	// The response returned to the client carries only the client tool.
	toolUses := out.Response.ToolCalls()
	if len(toolUses) != 1 || toolUses[0].Name != "Bash" {
		t.Fatalf("client response tools wrong: %+v", toolUses)
	}
	if out.Response.StopReason != entity.StopToolUse {
		t.Fatalf("stop reason must be tool_use: %q", out.Response.StopReason)
	}
}

func TestHandleMessage_DispatchErrorSurfacesStatus(t *testing.T) {
	d := &scriptedDispatcher{err: apperrors.NewCircuitOpen("fake", 30 * time.Second)}
	o := newTestOrchestrator(defaultLoopConfig(), d, &recordingRunner{})

	out, err := o.HandleMessage(context.Background(), userReq("anything useful today"), "s1")
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if out.Status != 503 || out.TerminationReason != TerminationAPIError {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestHandleMessage_NonJSONBodyReturns502(t *testing.T) {
	d := &scriptedDispatcher{err: apperrors.NewSchemaError("fake", errors.New("invalid character '<'"))}
	o := newTestOrchestrator(defaultLoopConfig(), d, &recordingRunner{})

	out, err := o.HandleMessage(context.Background(), userReq("hello upstream proxy"), "s1")
	if err == nil {
		t.Fatal("expected schema error")
	}
	if out.Status != 502 {
		t.Fatalf("non-JSON upstream body must surface as 502, got %d", out.Status)
	}
	if out.TerminationReason != TerminationNonJSON {
		t.Fatalf("termination reason: %q", out.TerminationReason)
	}
}

func TestHandleMessage_MalformedResponseRelaysUpstreamStatus(t *testing.T) {
	d := &scriptedDispatcher{err: apperrors.NewMalformedResponse("fake", 200, "response carries no choices")}
	o := newTestOrchestrator(defaultLoopConfig(), d, &recordingRunner{})

	out, err := o.HandleMessage(context.Background(), userReq("hello upstream proxy"), "s1")
	if err == nil {
		t.Fatal("expected malformed response error")
	}
	if out.Status != 200 {
		t.Fatalf("malformed response must relay the upstream status, got %d", out.Status)
	}
	if out.TerminationReason != TerminationMalformed {
		t.Fatalf("termination reason: %q", out.TerminationReason)
	}
}

func TestHandleMessage_PolicyDenialsDontConsumeBudget(t *testing.T) {
	cfg := defaultLoopConfig()
	cfg.MaxToolCalls = 1
	d := &scriptedDispatcher{responses: []*entity.Response{
		toolResp(
			entity.ToolCall{ID: "d1", Name: "Bash", Input: map[string]any{"command": "ls"}},
			entity.ToolCall{ID: "e1", Name: "Read", Input: map[string]any{"path": "/x"}},
		),
		textResp("done"),
	}}
	runner := &recordingRunner{}
	o := NewOrchestrator(OrchestratorOptions{
		Config:     cfg,
		Sanitizer:  NewSanitizer(cfg, "m", zap.NewNop()),
		Dispatcher: d,
		Policy:     NewPolicyGate(config.PolicyConfig{DenyTools: []string{"Bash"}}, zap.NewNop()),
		Runner:     runner,
		Logger:     zap.NewNop(),
	})

	out, err := o.HandleMessage(context.Background(), userReq("list then read the file"), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if out.TerminationReason != TerminationCompletion {
		t.Fatalf("denial must not trip the budget: %+v", out)
	}
	if out.ToolCallsExecuted != 1 {
		t.Fatalf("only the executed call counts, got %d", out.ToolCallsExecuted)
	}
	if len(runner.executed) != 1 || runner.executed[0] != "Read" {
		t.Fatalf("unexpected executions: %v", runner.executed)
	}
}

func TestHandleMessage_WarningSharesUserTurnWithResults(t *testing.T) {
	call := entity.ToolCall{ID: "c", Name: "Read", Input: map[string]any{"path": "/same"}}
	d := &scriptedDispatcher{responses: []*entity.Response{
		toolResp(call), toolResp(call), toolResp(call), textResp("stopping"),
	}}
	cfg := defaultLoopConfig()
	cfg.MaxSteps = 10
	o := newTestOrchestrator(cfg, d, &recordingRunner{})

	if _, err := o.HandleMessage(context.Background(), userReq("read it until warned"), "s1"); err != nil {
		t.Fatal(err)
	}

	// Every dispatched conversation must keep alternating roles; the loop
	// warning rides in the tool-result turn rather than its own message.
	for n, req := range d.requests {
		for i := 1; i < len(req.Messages); i++ {
			if req.Messages[i].Role == req.Messages[i-1].Role {
				t.Fatalf("dispatch %d has consecutive %q turns at %d", n, req.Messages[i].Role, i)
			}
		}
	}
	last := d.requests[len(d.requests)-1]
	found := false
	for _, m := range last.Messages {
		if m.Content.HasKind(entity.BlockToolResult) && strings.Contains(m.Content.Text(), "repeated the same tool call") {
			found = true
		}
	}
	if !found {
		t.Fatal("warning must share the user turn with the tool results")
	}
}
