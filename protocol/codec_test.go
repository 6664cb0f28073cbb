package protocol

import (
	"strings"
	"testing"
)

func TestSplitSingleCompleteLine(t *testing.T) {
	var b LineBuffer
	lines := b.Split([]byte("hello world\n"))
	if len(lines) != 1 || lines[0] != "hello world" {
		t.Errorf("expected [hello world], got %v", lines)
	}
	if b.Pending() != "" {
		t.Errorf("expected empty pending, got %q", b.Pending())
	}
}

func TestSplitRetainsPartialLine(t *testing.T) {
	var b LineBuffer
	lines := b.Split([]byte("complete\npartial"))
	if len(lines) != 1 || lines[0] != "complete" {
		t.Errorf("expected [complete], got %v", lines)
	}
	if b.Pending() != "partial" {
		t.Errorf("expected pending %q, got %q", "partial", b.Pending())
	}

	lines = b.Split([]byte(" rest\n"))
	if len(lines) != 1 || lines[0] != "partial rest" {
		t.Errorf("expected [partial rest], got %v", lines)
	}
}

func TestSplitMultipleLinesOneChunk(t *testing.T) {
	var b LineBuffer
	lines := b.Split([]byte("one\ntwo\nthree\n"))
	want := []string{"one", "two", "three"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %v", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: expected %q, got %q", i, want[i], lines[i])
		}
	}
}

func TestSplitStripsCarriageReturn(t *testing.T) {
	var b LineBuffer
	lines := b.Split([]byte("windows line\r\n"))
	if len(lines) != 1 || lines[0] != "windows line" {
		t.Errorf("expected [windows line], got %v", lines)
	}
}

// Arbitrary chunking of the same byte stream must yield the same lines.
func TestSplitFragmentationInvariance(t *testing.T) {
	stream := `{"type":"system","subtype":"init","session_id":"abc"}` + "\n" +
		`{"type":"stream_event","event":{"type":"message_start"}}` + "\n" +
		`{"type":"result","subtype":"success"}` + "\n"

	// Reference: the whole stream in one chunk.
	var ref LineBuffer
	want := ref.Split([]byte(stream))

	for _, size := range []int{1, 2, 3, 7, 16, 64} {
		var b LineBuffer
		var got []string
		for i := 0; i < len(stream); i += size {
			end := min(i+size, len(stream))
			got = append(got, b.Split([]byte(stream[i:end]))...)
		}
		if len(got) != len(want) {
			t.Errorf("chunk size %d: expected %d lines, got %d", size, len(want), len(got))
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("chunk size %d, line %d: expected %q, got %q", size, i, want[i], got[i])
			}
		}
	}
}

func TestSplitResetDiscardsRemnant(t *testing.T) {
	var b LineBuffer
	b.Split([]byte("orphaned partial"))
	b.Reset()
	lines := b.Split([]byte("fresh\n"))
	if len(lines) != 1 || lines[0] != "fresh" {
		t.Errorf("expected [fresh], got %v", lines)
	}
}

func TestDecodeSystemInit(t *testing.T) {
	line := `{"type":"system","subtype":"init","session_id":"sess-123","model":"sonnet"}`
	rec, ok := Decode(line)
	if !ok {
		t.Fatal("expected record, got non-protocol line")
	}
	if rec.Type != RecordSystem || rec.Subtype != "init" {
		t.Errorf("unexpected type/subtype: %s/%s", rec.Type, rec.Subtype)
	}
	if rec.SessionID != "sess-123" {
		t.Errorf("expected session ID sess-123, got %q", rec.SessionID)
	}
	if rec.Model != "sonnet" {
		t.Errorf("expected model sonnet, got %q", rec.Model)
	}
}

func TestDecodeStreamEventDelta(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}}`
	rec, ok := Decode(line)
	if !ok {
		t.Fatal("expected record")
	}
	if rec.Event == nil {
		t.Fatal("expected event payload")
	}
	if rec.Event.Type != EventContentBlockDelta {
		t.Errorf("expected content_block_delta, got %q", rec.Event.Type)
	}
	if rec.Event.Delta == nil || rec.Event.Delta.Text != "Hello" {
		t.Errorf("expected delta text Hello, got %+v", rec.Event.Delta)
	}
}

func TestDecodeToolUseBlockStart(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_01","name":"Bash"}}}`
	rec, ok := Decode(line)
	if !ok {
		t.Fatal("expected record")
	}
	cb := rec.Event.ContentBlock
	if cb == nil || cb.Type != BlockToolUse || cb.Name != "Bash" || cb.ID != "toolu_01" {
		t.Errorf("unexpected content block: %+v", cb)
	}
}

func TestDecodeResultWithCost(t *testing.T) {
	line := `{"type":"result","subtype":"success","cost_usd":0.003,"total_cost_usd":0.015,"usage":{"input_tokens":100,"output_tokens":50}}`
	rec, ok := Decode(line)
	if !ok {
		t.Fatal("expected record")
	}
	if rec.CostUSD != 0.003 || rec.TotalCostUSD != 0.015 {
		t.Errorf("unexpected cost fields: %v / %v", rec.CostUSD, rec.TotalCostUSD)
	}
	if rec.Usage == nil || rec.Usage.InputTokens != 100 || rec.Usage.OutputTokens != 50 {
		t.Errorf("unexpected usage: %+v", rec.Usage)
	}
}

func TestDecodeNonProtocolLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"plain text", "progress: 42%"},
		{"empty", ""},
		{"whitespace", "   "},
		{"malformed JSON", `{"type":"system",`},
		{"JSON without type", `{"session_id":"abc"}`},
		{"JSON array", `["not","an","object"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec, ok := Decode(tt.line); ok {
				t.Errorf("expected non-protocol, got record %+v", rec)
			}
		})
	}
}

func TestEncodeAppendsSingleNewline(t *testing.T) {
	data, err := Encode(NewTextMessage("hi there"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(data)
	if !strings.HasSuffix(s, "\n") {
		t.Error("expected trailing newline")
	}
	if strings.Count(s, "\n") != 1 {
		t.Errorf("expected exactly one newline, got %d", strings.Count(s, "\n"))
	}
	if !strings.Contains(s, `"role":"user"`) {
		t.Errorf("expected user role in payload: %s", s)
	}
	if !strings.Contains(s, `"content":"hi there"`) {
		t.Errorf("expected text content in payload: %s", s)
	}
}

func TestEncodeContentMessage(t *testing.T) {
	blocks := []ContentBlock{
		{Type: BlockText, Text: "look at this"},
		{Type: BlockImage, Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "AAAA"}},
	}
	data, err := Encode(NewContentMessage(blocks))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"image"`) {
		t.Errorf("expected image block in payload: %s", s)
	}
	if !strings.Contains(s, `"media_type":"image/png"`) {
		t.Errorf("expected media type in payload: %s", s)
	}
}

func TestEncodeCompactRequest(t *testing.T) {
	data, err := Encode(NewCompactRequest("keep the test plan"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, `"type":"control_request"`) {
		t.Errorf("expected control_request type: %s", s)
	}
	if !strings.Contains(s, `"subtype":"compact"`) {
		t.Errorf("expected compact subtype: %s", s)
	}
	if !strings.Contains(s, `"instructions":"keep the test plan"`) {
		t.Errorf("expected instructions: %s", s)
	}
}

// A decoded record re-encoded and decoded again keeps the fields the
// stream consumers rely on.
func TestDecodeEncodeRoundTrip(t *testing.T) {
	line := `{"type":"assistant","message":{"id":"msg_01","role":"assistant","content":[{"type":"text","text":"done"}]},"session_id":"sess-9"}`
	rec, ok := Decode(line)
	if !ok {
		t.Fatal("expected record")
	}
	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec2, ok := Decode(strings.TrimSuffix(string(data), "\n"))
	if !ok {
		t.Fatal("expected re-decoded record")
	}
	if rec2.Message.ID != "msg_01" || len(rec2.Message.Content) != 1 || rec2.Message.Content[0].Text != "done" {
		t.Errorf("round trip lost fields: %+v", rec2.Message)
	}
}
