package agent

import (
	"log/slog"
	"strings"

	"github.com/agentmux/agentmux/protocol"
)

// PendingMessage accumulates the assistant message currently being
// streamed. Blocks are indexed by the CLI's block index; text and tool
// input arrive as deltas and are concatenated in order.
type PendingMessage struct {
	ID     string
	Model  string
	Blocks []PendingBlock
}

// PendingBlock is one content block of an in-flight assistant message.
type PendingBlock struct {
	Type      string // "text" or "tool_use"
	Text      string // accumulated text deltas
	ToolName  string
	ToolUseID string
	InputJSON string // accumulated input_json deltas
	Stopped   bool
}

// ToolNames returns the names of all tool_use blocks in the message.
func (m *PendingMessage) ToolNames() []string {
	var names []string
	for _, b := range m.Blocks {
		if b.Type == protocol.BlockToolUse {
			names = append(names, b.ToolName)
		}
	}
	return names
}

// Demux translates raw protocol records into semantic events and owns
// the pending-message accumulation state. It is driven from a single
// goroutine and needs no locking.
type Demux struct {
	log     *slog.Logger
	current *PendingMessage
}

// NewDemux creates a Demux. log must not be nil.
func NewDemux(log *slog.Logger) *Demux {
	return &Demux{log: log}
}

// Pending returns the message currently being streamed, or nil.
func (d *Demux) Pending() *PendingMessage {
	return d.current
}

// Reset discards any in-flight message state. Called between subprocess
// generations so a half-streamed message from a dead process never
// bleeds into its successor.
func (d *Demux) Reset() {
	d.current = nil
}

// Feed processes one protocol record and returns the semantic events it
// produces. Records with types the demux does not understand are logged
// and produce no events; they must never abort the stream.
func (d *Demux) Feed(rec *protocol.Record) []Event {
	switch rec.Type {
	case protocol.RecordSystem:
		if rec.Subtype == "init" {
			d.log.Debug("session initialized", "sessionID", rec.SessionID, "model", rec.Model)
			return []Event{{Kind: EventSessionInit, SessionID: rec.SessionID, Model: rec.Model}}
		}
		d.log.Debug("ignoring system record", "subtype", rec.Subtype)
		return nil

	case protocol.RecordStreamEvent:
		if rec.Event == nil {
			d.log.Warn("stream_event record without event payload")
			return nil
		}
		return d.feedStreamEvent(rec.Event)

	case protocol.RecordAssistant:
		// Full assistant turns duplicate content already delivered via
		// deltas, but carry the authoritative block list (tool inputs
		// arrive complete here). Pass the record through.
		return []Event{{Kind: EventAssistantMessage, Message: rec}}

	case protocol.RecordUser:
		return []Event{{Kind: EventUserMessage, Message: rec}}

	case protocol.RecordResult:
		return []Event{{Kind: EventResult, Result: resultFromRecord(rec)}}

	default:
		d.log.Debug("ignoring record with unknown type", "type", rec.Type)
		return nil
	}
}

func (d *Demux) feedStreamEvent(ev *protocol.Event) []Event {
	switch ev.Type {
	case protocol.EventMessageStart:
		// A message_start while a message is already pending means the
		// previous message_stop was lost. Drop the stale accumulation
		// and start fresh rather than merging two messages.
		if d.current != nil {
			d.log.Warn("message_start while message pending, discarding stale message", "staleID", d.current.ID)
		}
		d.current = &PendingMessage{}
		out := Event{Kind: EventMessageStart}
		if ev.Message != nil {
			d.current.ID = ev.Message.ID
			d.current.Model = ev.Message.Model
			out.MessageID = ev.Message.ID
			out.Model = ev.Message.Model
		}
		return []Event{out}

	case protocol.EventContentBlockStart:
		if d.current == nil {
			d.log.Warn("content_block_start without message_start, synthesizing message")
			d.current = &PendingMessage{}
		}
		block := PendingBlock{Type: protocol.BlockText}
		out := Event{Index: ev.Index}
		if ev.ContentBlock != nil {
			block.Type = ev.ContentBlock.Type
			block.Text = ev.ContentBlock.Text
			block.ToolName = ev.ContentBlock.Name
			block.ToolUseID = ev.ContentBlock.ID
		}
		d.setBlock(ev.Index, block)
		if block.Type == protocol.BlockToolUse {
			out.Kind = EventToolUseStart
			out.ToolName = block.ToolName
			out.ToolUseID = block.ToolUseID
			return []Event{out}
		}
		// Text block starts carry no content worth surfacing; any
		// initial text arrives via the first delta.
		if block.Text != "" {
			out.Kind = EventTextDelta
			out.Text = block.Text
			return []Event{out}
		}
		return nil

	case protocol.EventContentBlockDelta:
		if ev.Delta == nil {
			return nil
		}
		if d.current == nil {
			d.log.Warn("content_block_delta without message_start, synthesizing message")
			d.current = &PendingMessage{}
		}
		switch ev.Delta.Type {
		case "text_delta":
			d.appendText(ev.Index, ev.Delta.Text)
			return []Event{{Kind: EventTextDelta, Index: ev.Index, Text: ev.Delta.Text}}
		case "input_json_delta":
			d.appendInputJSON(ev.Index, ev.Delta.PartialJSON)
			return []Event{{Kind: EventToolInputDelta, Index: ev.Index, Text: ev.Delta.PartialJSON}}
		default:
			d.log.Debug("ignoring delta with unknown type", "deltaType", ev.Delta.Type)
			return nil
		}

	case protocol.EventContentBlockStop:
		if d.current != nil && ev.Index < len(d.current.Blocks) {
			d.current.Blocks[ev.Index].Stopped = true
		}
		return []Event{{Kind: EventBlockStop, Index: ev.Index}}

	case protocol.EventMessageDelta:
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			return []Event{{Kind: EventStopReason, StopReason: ev.Delta.StopReason}}
		}
		return nil

	case protocol.EventMessageStop:
		completed := d.current
		d.current = nil
		if completed == nil {
			d.log.Warn("message_stop without pending message")
		}
		return []Event{{Kind: EventMessageStop, Completed: completed}}

	default:
		d.log.Debug("ignoring stream event with unknown type", "eventType", ev.Type)
		return nil
	}
}

// setBlock stores a block at the given index, growing the slice as
// needed. Indexes normally arrive in order, but gaps are tolerated.
func (d *Demux) setBlock(index int, block PendingBlock) {
	for len(d.current.Blocks) <= index {
		d.current.Blocks = append(d.current.Blocks, PendingBlock{})
	}
	d.current.Blocks[index] = block
}

func (d *Demux) appendText(index int, text string) {
	for len(d.current.Blocks) <= index {
		d.current.Blocks = append(d.current.Blocks, PendingBlock{Type: protocol.BlockText})
	}
	d.current.Blocks[index].Text += text
}

func (d *Demux) appendInputJSON(index int, fragment string) {
	for len(d.current.Blocks) <= index {
		d.current.Blocks = append(d.current.Blocks, PendingBlock{Type: protocol.BlockToolUse})
	}
	d.current.Blocks[index].InputJSON += fragment
}

func resultFromRecord(rec *protocol.Record) *Result {
	res := &Result{
		IsError:      rec.IsError || rec.Subtype == "error" || strings.HasPrefix(rec.Subtype, "error_"),
		DurationMs:   rec.DurationMs,
		NumTurns:     rec.NumTurns,
		CostUSD:      rec.CostUSD,
		TotalCostUSD: rec.TotalCostUSD,
	}
	if res.IsError {
		if rec.Error != "" {
			res.ErrorText = rec.Error
		} else {
			res.ErrorText = rec.Result
		}
	}
	if rec.Usage != nil {
		res.InputTokens = rec.Usage.InputTokens
		res.OutputTokens = rec.Usage.OutputTokens
	}
	return res
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	const maxLen = 200
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
