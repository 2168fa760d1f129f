package entity

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockKind tags a content block variant. Every consumer must switch on the
// kind explicitly; there is no generic ".type" duck typing anywhere else.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockInputText  BlockKind = "input_text"
)

// ContentBlock is the tagged variant for message content. Exactly one of the
// variant payloads is populated, selected by Kind.
type ContentBlock struct {
	Kind       BlockKind
	Text       string      // BlockText, BlockInputText
	ToolUse    *ToolCall   // BlockToolUse
	ToolResult *ToolResult // BlockToolResult
}

// ToolResult carries a tool execution outcome back to the model.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(call ToolCall) ContentBlock {
	c := call
	return ContentBlock{Kind: BlockToolUse, ToolUse: &c}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{
		Kind:       BlockToolResult,
		ToolResult: &ToolResult{ToolUseID: toolUseID, Content: content, IsError: isError},
	}
}

// wireBlock is the on-the-wire union shape for a content block.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// MarshalJSON renders the Anthropic-style wire shape for the block.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Kind {
	case BlockText, BlockInputText:
		return json.Marshal(map[string]any{"type": string(b.Kind), "text": b.Text})
	case BlockToolUse:
		if b.ToolUse == nil {
			return nil, fmt.Errorf("tool_use block without call payload")
		}
		input := b.ToolUse.Input
		if input == nil {
			input = map[string]any{}
		}
		return json.Marshal(map[string]any{
			"type":  "tool_use",
			"id":    b.ToolUse.ID,
			"name":  b.ToolUse.Name,
			"input": input,
		})
	case BlockToolResult:
		if b.ToolResult == nil {
			return nil, fmt.Errorf("tool_result block without result payload")
		}
		out := map[string]any{
			"type":        "tool_result",
			"tool_use_id": b.ToolResult.ToolUseID,
			"content":     b.ToolResult.Content,
		}
		if b.ToolResult.IsError {
			out["is_error"] = true
		}
		return json.Marshal(out)
	default:
		return nil, fmt.Errorf("unknown content block kind %q", b.Kind)
	}
}

// UnmarshalJSON decodes the wire union into the tagged variant.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch BlockKind(w.Type) {
	case BlockText, BlockInputText:
		b.Kind = BlockKind(w.Type)
		b.Text = w.Text
	case BlockToolUse:
		b.Kind = BlockToolUse
		b.ToolUse = &ToolCall{ID: w.ID, Name: w.Name, Input: w.Input}
	case BlockToolResult:
		b.Kind = BlockToolResult
		b.ToolResult = &ToolResult{
			ToolUseID: w.ToolUseID,
			Content:   flattenResultContent(w.Content),
			IsError:   w.IsError,
		}
	default:
		// Unknown block kinds (thinking, images, …) degrade to empty text so
		// the sanitiser drops them rather than failing the whole request.
		b.Kind = BlockText
		b.Text = w.Text
	}
	return nil
}

// flattenResultContent accepts either a plain string or a list of text blocks
// and returns the joined text. Tool results cross the wire in both shapes.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, blk := range blocks {
			if blk.Text != "" {
				parts = append(parts, blk.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// Content is a message body: either a plain string or a block sequence.
type Content struct {
	blocks   []ContentBlock
	isString bool
}

// ContentFromString builds string-form content.
func ContentFromString(text string) Content {
	return Content{blocks: []ContentBlock{TextBlock(text)}, isString: true}
}

// ContentFromBlocks builds block-form content.
func ContentFromBlocks(blocks []ContentBlock) Content {
	return Content{blocks: blocks}
}

// Blocks returns the block view of the content.
func (c Content) Blocks() []ContentBlock {
	return c.blocks
}

// Text returns all text content joined with newlines.
func (c Content) Text() string {
	var parts []string
	for _, b := range c.blocks {
		if (b.Kind == BlockText || b.Kind == BlockInputText) && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// IsEmpty reports whether the content carries no text and no tool blocks.
func (c Content) IsEmpty() bool {
	for _, b := range c.blocks {
		switch b.Kind {
		case BlockToolUse, BlockToolResult:
			return false
		default:
			if strings.TrimSpace(b.Text) != "" {
				return false
			}
		}
	}
	return true
}

// HasKind reports whether any block has the given kind.
func (c Content) HasKind(kind BlockKind) bool {
	for _, b := range c.blocks {
		if b.Kind == kind {
			return true
		}
	}
	return false
}

// Append returns content extended with the given blocks (block form).
func (c Content) Append(blocks ...ContentBlock) Content {
	merged := make([]ContentBlock, 0, len(c.blocks)+len(blocks))
	merged = append(merged, c.blocks...)
	merged = append(merged, blocks...)
	return Content{blocks: merged}
}

// Clone deep-copies the content.
func (c Content) Clone() Content {
	out := Content{isString: c.isString}
	out.blocks = make([]ContentBlock, len(c.blocks))
	for i, b := range c.blocks {
		nb := ContentBlock{Kind: b.Kind, Text: b.Text}
		if b.ToolUse != nil {
			call := b.ToolUse.Clone()
			nb.ToolUse = &call
		}
		if b.ToolResult != nil {
			res := *b.ToolResult
			nb.ToolResult = &res
		}
		out.blocks[i] = nb
	}
	return out
}

// MarshalJSON preserves the original shape: string content stays a string.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.isString && len(c.blocks) == 1 && c.blocks[0].Kind == BlockText {
		return json.Marshal(c.blocks[0].Text)
	}
	if c.blocks == nil {
		return json.Marshal([]ContentBlock{})
	}
	return json.Marshal(c.blocks)
}

// UnmarshalJSON accepts both string and block-list content.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ContentFromString(s)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content is neither string nor block list: %w", err)
	}
	*c = ContentFromBlocks(blocks)
	return nil
}
