package entity

import "time"

// TurnType classifies a session transcript entry.
type TurnType string

const (
	TurnMessage       TurnType = "message"
	TurnToolRequest   TurnType = "tool_request"
	TurnToolResult    TurnType = "tool_result"
	TurnError         TurnType = "error"
	TurnSystemWarning TurnType = "system_warning"
)

// SessionTurn is one append-only entry in a session transcript. Turns are
// mutated only by the request that owns the session; TurnIndex is a total
// order per session matching the causal order of the agent loop.
type SessionTurn struct {
	TurnIndex int            `json:"turn_index"`
	Role      string         `json:"role"`
	Type      TurnType       `json:"type"`
	Status    string         `json:"status,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
