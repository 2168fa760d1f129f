package entity

// Stop reasons in the canonical response.
const (
	StopEndTurn      = "end_turn"
	StopToolUse      = "tool_use"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
)

// Usage reports token consumption for one upstream call.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationInputTokens += other.CacheCreationInputTokens
	u.CacheReadInputTokens += other.CacheReadInputTokens
}

// Response is the canonical assistant response all adapters normalise to.
type Response struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ToolCalls extracts the tool_use blocks in order.
func (r *Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range r.Content {
		if b.Kind == BlockToolUse && b.ToolUse != nil {
			calls = append(calls, *b.ToolUse)
		}
	}
	return calls
}

// Text joins the text blocks of the response.
func (r *Response) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Kind == BlockText {
			out += b.Text
		}
	}
	return out
}

// AssistantMessage converts the response into a conversation turn so it can
// be appended to the canonical request inside the agent loop.
func (r *Response) AssistantMessage() Message {
	blocks := make([]ContentBlock, len(r.Content))
	copy(blocks, r.Content)
	return Message{Role: RoleAssistant, Content: ContentFromBlocks(blocks)}
}
