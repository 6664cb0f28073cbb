// Package history reads the conversation transcripts the agent CLI
// writes to disk, so restored and forked sessions can show their prior
// turns without replaying the conversation.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Message is one conversation turn recovered from a transcript file.
type Message struct {
	ID        string // assistant message ID, "" for user turns
	Role      string // "user" or "assistant"
	Text      string
	Timestamp time.Time
}

// transcriptLine mirrors one JSONL line of a CLI transcript. Content is
// a string for simple user turns and a block array otherwise.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		ID      string          `json:"id,omitempty"`
		Role    string          `json:"role,omitempty"`
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ProjectsDir returns the CLI's transcript root, ~/.claude/projects.
func ProjectsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".claude", "projects"), nil
}

// SessionFilePath returns the transcript path for a session run in
// workingDir. The CLI names project directories by replacing "/" and
// "." in the working directory path with "-".
func SessionFilePath(workingDir, sessionID string) (string, error) {
	root, err := ProjectsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, escapeProjectPath(workingDir), sessionID+".jsonl"), nil
}

func escapeProjectPath(path string) string {
	escaped := strings.ReplaceAll(path, "/", "-")
	return strings.ReplaceAll(escaped, ".", "-")
}

// ReadTranscript parses a transcript file into ordered messages.
//
// The CLI appends an assistant record per content block, so one
// logical message appears several times with the same message ID, each
// record carrying another slice of the content. Records are merged by
// ID: the message keeps its first position in file order and its text
// accumulates across records. Unparseable lines are skipped; a
// transcript with a corrupt line is still mostly usable.
func ReadTranscript(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	var messages []Message
	position := make(map[string]int) // assistant message ID -> index in messages

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec transcriptLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Type != "user" && rec.Type != "assistant" {
			continue
		}

		text := extractText(rec.Message.Content)
		if text == "" {
			continue
		}

		msg := Message{
			ID:        rec.Message.ID,
			Role:      rec.Type,
			Text:      text,
			Timestamp: parseTimestamp(rec.Timestamp),
		}

		if msg.ID != "" {
			if idx, seen := position[msg.ID]; seen {
				messages[idx].Text = mergeAssistantText(messages[idx].Text, msg.Text)
				continue
			}
			position[msg.ID] = len(messages)
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return messages, nil
}

// mergeAssistantText combines the text of two records sharing a
// message ID. Most records carry a new content block, which is
// appended; a record that restates everything so far (a cumulative
// snapshot) supersedes, and an exact repeat is dropped.
func mergeAssistantText(prev, next string) string {
	switch {
	case next == "" || prev == next:
		return prev
	case prev == "":
		return next
	case strings.Contains(next, prev):
		return next
	case strings.Contains(prev, next):
		return prev
	default:
		return prev + "\n" + next
	}
}

// extractText pulls displayable text out of a content payload, which is
// either a raw string or an array of content blocks.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
