package openairesp

// --- OpenAI responses API wire types ---
// Unlike chat completions, the conversation travels as a flat list of typed
// input items and tool declarations sit at the top level of each tool entry.

// Request is the responses API request payload.
type Request struct {
	Model           string   `json:"model"`
	Input           []Item   `json:"input"`
	Instructions    string   `json:"instructions,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	Tools           []Tool   `json:"tools,omitempty"`
	ToolChoice      any      `json:"tool_choice,omitempty"`
	Stream          bool     `json:"stream,omitempty"`
}

// Item is one flat input or output element. Type selects which fields are
// meaningful: "message" uses Role/Content, "function_call" uses
// CallID/Name/Arguments, "function_call_output" uses CallID/Output.
type Item struct {
	Type      string        `json:"type"`
	Role      string        `json:"role,omitempty"`
	Content   []ContentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// ContentPart is one piece of message content.
type ContentPart struct {
	Type string `json:"type"` // input_text | output_text
	Text string `json:"text"`
}

// Tool declares a callable function. The responses wire flattens the
// function fields instead of nesting them.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// Response is the responses API reply payload.
type Response struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Status string `json:"status"`
	Output []Item `json:"output"`
	Usage  Usage  `json:"usage"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
