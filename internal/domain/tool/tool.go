// Package tool defines the tool execution contract consumed by the agent
// loop. Concrete tool implementations (shell, file I/O, web fetch, subagent
// runner) live outside the proxy and plug in through the Runner interface.
package tool

import (
	"context"
	"strings"

	"github.com/lynkr/lynkr/internal/domain/entity"
)

// Category groups tools for smart tool selection. The sanitiser keeps only
// the categories matching the classified request intent.
type Category string

const (
	CategoryFile    Category = "file"
	CategoryShell   Category = "shell"
	CategoryWeb     Category = "web"
	CategorySubtask Category = "subtask"
	CategoryOther   Category = "other"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID    string
	Name  string
	Input map[string]any
}

// Result is the outcome of executing one tool call.
type Result struct {
	ID       string
	Name     string
	OK       bool
	Status   string
	Content  string
	Metadata map[string]any
}

// ExecutionEnv carries the per-request context a tool may need.
type ExecutionEnv struct {
	SessionID string
	CWD       string
	// Messages is a read-only view of the conversation so far, for tools
	// (like the subagent runner) that need context.
	Messages []entity.Message
}

// Runner executes tool calls. Implementations must honour ctx cancellation
// and return a Result even on failure; an error return is reserved for the
// runner itself being broken.
type Runner interface {
	Execute(ctx context.Context, call Call, env ExecutionEnv) (*Result, error)
}

// Server-side tool names. In passthrough/client execution mode these are the
// only tools the proxy executes itself; everything else goes back to the
// client as tool_use blocks.
const (
	NameTask      = "Task"
	NameWebSearch = "WebSearch"
	NameWebFetch  = "WebFetch"
)

// IsServerSide reports whether the proxy executes this tool locally in
// passthrough mode. Matching is case-insensitive to tolerate client dialects
// that lowercase tool names.
func IsServerSide(name string) bool {
	switch strings.ToLower(name) {
	case "task", "web_search", "websearch", "web_fetch", "webfetch":
		return true
	}
	return false
}

// IsSubagent reports whether the call spawns a subagent; multiple subagent
// calls in one assistant turn run concurrently.
func IsSubagent(name string) bool {
	return strings.EqualFold(name, NameTask) || strings.EqualFold(name, "task")
}

// Categorize maps a tool name onto its selection category.
func Categorize(name string) Category {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "task") || strings.Contains(n, "agent"):
		return CategorySubtask
	case strings.Contains(n, "web") || strings.Contains(n, "fetch") || strings.Contains(n, "search"):
		return CategoryWeb
	case strings.Contains(n, "bash") || strings.Contains(n, "shell") || strings.Contains(n, "exec"):
		return CategoryShell
	case strings.Contains(n, "file") || strings.Contains(n, "read") ||
		strings.Contains(n, "write") || strings.Contains(n, "edit") ||
		strings.Contains(n, "glob") || strings.Contains(n, "grep") ||
		strings.Contains(n, "ls"):
		return CategoryFile
	default:
		return CategoryOther
	}
}

// StandardDefinitions is the fixed tool set adapters inject when the client
// supplied none. Kept intentionally small: the proxy declares capabilities,
// the client or the server-side runner provides the implementations.
func StandardDefinitions() []entity.ToolDefinition {
	return []entity.ToolDefinition{
		{
			Name:        "Bash",
			Description: "Run a shell command in the session working directory.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command": map[string]any{"type": "string", "description": "Command to execute"},
				},
				"required": []any{"command"},
			},
		},
		{
			Name:        "Read",
			Description: "Read a file from the workspace.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required": []any{"path"},
			},
		},
		{
			Name:        "Write",
			Description: "Write content to a file in the workspace.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []any{"path", "content"},
			},
		},
		{
			Name:        "WebSearch",
			Description: "Search the web and return result snippets.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []any{"query"},
			},
		},
		{
			Name:        "WebFetch",
			Description: "Fetch a URL and return its textual content.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required": []any{"url"},
			},
		},
	}
}
