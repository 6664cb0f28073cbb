package agent

import "github.com/agentmux/agentmux/protocol"

// EventKind identifies the semantic meaning of an Event.
type EventKind string

const (
	// EventSessionInit is emitted when the CLI announces its session ID
	// and model in the system init record.
	EventSessionInit EventKind = "session_init"

	// EventMessageStart begins a new streamed assistant message.
	EventMessageStart EventKind = "message_start"

	// EventTextDelta carries an incremental text fragment for the block
	// at Index. Concatenating deltas in arrival order reconstructs the
	// block's full text.
	EventTextDelta EventKind = "text_delta"

	// EventToolUseStart is emitted when the assistant begins a tool
	// invocation block, carrying the tool name and use ID.
	EventToolUseStart EventKind = "tool_use_start"

	// EventToolInputDelta carries an incremental fragment of a tool's
	// input JSON.
	EventToolInputDelta EventKind = "tool_input_delta"

	// EventBlockStop marks the end of the content block at Index.
	EventBlockStop EventKind = "block_stop"

	// EventStopReason reports why the assistant stopped generating
	// (e.g. "end_turn", "tool_use"), from the message_delta event.
	EventStopReason EventKind = "stop_reason"

	// EventMessageStop ends the current streamed message. Completed
	// holds the accumulated message.
	EventMessageStop EventKind = "message_stop"

	// EventAssistantMessage carries a complete assistant turn delivered
	// outside the delta stream (e.g. tool results echoing back).
	EventAssistantMessage EventKind = "assistant_message"

	// EventUserMessage carries a user turn echoed back by the CLI,
	// including tool results it synthesized.
	EventUserMessage EventKind = "user_message"

	// EventResult marks the end of one conversational turn, with cost
	// and token usage totals.
	EventResult EventKind = "result"
)

// Event is a semantic occurrence decoded from the subprocess stream.
// Only the fields relevant to its Kind are populated.
type Event struct {
	Kind      EventKind
	SessionID string // session_init
	Model     string // session_init, message_start

	MessageID string // message_start
	Index     int    // block-scoped events
	Text      string // text_delta, tool_input_delta
	ToolName  string // tool_use_start
	ToolUseID string // tool_use_start

	StopReason string // stop_reason

	Completed *PendingMessage // message_stop

	Message *protocol.Record // assistant_message, user_message (full record)

	Result *Result // result
}

// Result summarizes a completed conversational turn.
type Result struct {
	IsError      bool
	ErrorText    string
	DurationMs   int
	NumTurns     int
	CostUSD      float64
	TotalCostUSD float64
	InputTokens  int
	OutputTokens int
}
