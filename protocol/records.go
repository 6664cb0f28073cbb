package protocol

import "encoding/json"

// Record type constants for the "type" field of incoming records.
const (
	RecordSystem      = "system"
	RecordStreamEvent = "stream_event"
	RecordAssistant   = "assistant"
	RecordUser        = "user"
	RecordResult      = "result"
)

// Stream event type constants for the "type" field of Event payloads.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

// Content block type constants.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// Usage holds token counts reported by the agent CLI.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Record represents one JSON line from the agent CLI's stream-json output.
type Record struct {
	Type    string `json:"type"`    // "system", "stream_event", "assistant", "user", "result"
	Subtype string `json:"subtype"` // "init" for system, "success"/"error" for result
	Message struct {
		ID      string         `json:"id,omitempty"`
		Role    string         `json:"role,omitempty"`
		Model   string         `json:"model,omitempty"`
		Content []ContentBlock `json:"content"`
		Usage   *Usage         `json:"usage,omitempty"`
	} `json:"message"`
	// Event is populated for type="stream_event" when partial messages are enabled.
	Event        *Event  `json:"event,omitempty"`
	SessionID    string  `json:"session_id,omitempty"`
	Model        string  `json:"model,omitempty"` // model name in system init records
	Result       string  `json:"result,omitempty"`
	Error        string  `json:"error,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	DurationMs   int     `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// Event represents the payload of a stream_event record. These carry
// incremental updates for the assistant message currently being generated.
type Event struct {
	Type    string `json:"type"` // "message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"
	Index   int    `json:"index,omitempty"`
	Message *struct {
		ID    string `json:"id,omitempty"`
		Model string `json:"model,omitempty"`
		Usage *Usage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type string `json:"type,omitempty"` // "text", "tool_use"
		Text string `json:"text,omitempty"`
		ID   string `json:"id,omitempty"`   // tool use ID
		Name string `json:"name,omitempty"` // tool name
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string `json:"type,omitempty"` // "text_delta", "input_json_delta"
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	Usage *Usage `json:"usage,omitempty"` // token usage in message_delta
}

// ContentBlock is a single block of message content, used both in
// incoming records and in outgoing user messages.
type ContentBlock struct {
	Type      string          `json:"type"` // "text", "image", "tool_use", "tool_result"
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`   // tool use ID (for tool_use)
	Name      string          `json:"name,omitempty"` // tool name (for tool_use)
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // tool result content, string or array
	Source    *ImageSource    `json:"source,omitempty"`
}

// ImageSource holds base64-encoded image data for an image content block.
type ImageSource struct {
	Type      string `json:"type"`       // "base64"
	MediaType string `json:"media_type"` // "image/png", "image/jpeg", etc.
	Data      string `json:"data"`
}

// UserMessage is an outgoing user turn in stream-json input format.
type UserMessage struct {
	Type    string `json:"type"` // always "user"
	Message struct {
		Role    string `json:"role"` // always "user"
		Content any    `json:"content"`
	} `json:"message"`
}

// NewTextMessage builds a user message containing a single text string.
func NewTextMessage(text string) UserMessage {
	var msg UserMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = text
	return msg
}

// NewContentMessage builds a user message from structured content blocks.
// Used for multimodal input such as text plus images.
func NewContentMessage(blocks []ContentBlock) UserMessage {
	var msg UserMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = blocks
	return msg
}

// Control request subtypes.
const (
	ControlCompact = "compact"
	ControlCancel  = "cancel"
)

// ControlRequest is an outgoing control message, used for in-band
// operations like context compaction.
type ControlRequest struct {
	Type    string `json:"type"` // always "control_request"
	Request struct {
		Subtype      string `json:"subtype"`
		Instructions string `json:"instructions,omitempty"` // optional compact guidance
	} `json:"request"`
}

// NewControlRequest builds a control request with the given subtype.
func NewControlRequest(subtype string) ControlRequest {
	var req ControlRequest
	req.Type = "control_request"
	req.Request.Subtype = subtype
	return req
}

// NewCompactRequest builds a compact control request with optional
// custom instructions.
func NewCompactRequest(instructions string) ControlRequest {
	req := NewControlRequest(ControlCompact)
	req.Request.Instructions = instructions
	return req
}
