package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// LineBuffer reassembles newline-delimited records from arbitrarily
// fragmented reads. A process's stdout arrives in chunks that need not
// align with line boundaries, so the trailing partial line is retained
// until its terminator arrives.
//
// LineBuffer is not safe for concurrent use; each subprocess gets its own.
type LineBuffer struct {
	pending bytes.Buffer
}

// Split appends chunk to the buffer and returns all complete lines now
// available, with line terminators removed. Bytes after the last
// newline stay buffered for the next call.
func (b *LineBuffer) Split(chunk []byte) []string {
	b.pending.Write(chunk)

	var lines []string
	for {
		data := b.pending.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := string(data[:idx])
		b.pending.Next(idx + 1)
		// Tolerate CRLF output from the CLI on Windows.
		line = strings.TrimSuffix(line, "\r")
		lines = append(lines, line)
	}
	return lines
}

// Pending returns the buffered partial line, if any. Useful when a
// process exits mid-line and the remnant should still be surfaced.
func (b *LineBuffer) Pending() string {
	return b.pending.String()
}

// Reset discards any buffered partial line. Called between subprocess
// generations so a remnant from a dead process never prefixes output
// from its successor.
func (b *LineBuffer) Reset() {
	b.pending.Reset()
}

// Decode parses one complete line as a protocol record. It returns
// (nil, false) for lines that are not protocol records: blank lines,
// lines that are not JSON objects, malformed JSON, and JSON objects
// without a "type" field. Such lines are diagnostic output from the
// CLI (e.g. verbose progress messages) and must not abort the stream.
func Decode(line string) (*Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") {
		return nil, false
	}

	var rec Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, false
	}
	if rec.Type == "" {
		return nil, false
	}
	return &rec, true
}

// Encode marshals an outgoing message and appends exactly one line
// terminator, ready to be written to the subprocess stdin.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(data, '\n'), nil
}
