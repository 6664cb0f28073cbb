package agent

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/agentmux/agentmux/exec"
	"github.com/agentmux/agentmux/logger"
)

// OneShotOptions configures a single non-streaming CLI invocation.
type OneShotOptions struct {
	WorkingDir string
	Model      string
	Timeout    time.Duration // defaults to DefaultOneShotTimeout
	MaxLen     int           // max result length in runes, 0 = no limit
	MaxWords   int           // max result word count, 0 = no limit
}

// DefaultOneShotTimeout bounds one-shot invocations. These are
// fire-and-forget helpers; a hung CLI must not hang the caller.
const DefaultOneShotTimeout = 30 * time.Second

// RunOneShot runs the CLI once in plain print mode and returns its
// sanitized output. Failures of any kind (spawn error, timeout,
// unusable output) yield ""; one-shot helpers are best-effort and the
// caller always has a fallback.
func RunOneShot(ctx context.Context, executor exec.CommandExecutor, binary, prompt string, opts OneShotOptions) string {
	log := logger.WithComponent("oneshot")

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultOneShotTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--print"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, prompt)

	output, err := executor.Output(ctx, opts.WorkingDir, binary, args...)
	if err != nil {
		log.Debug("one-shot invocation failed", "error", err)
		return ""
	}

	result := SanitizeOneShot(string(output), opts.MaxLen, opts.MaxWords)
	if result == "" {
		log.Debug("one-shot output unusable", "raw", truncateForLog(string(output)))
	}
	return result
}

// SanitizeOneShot normalizes raw one-shot output into a single usable
// line: surrounding whitespace, quotes, and code fences are stripped,
// only the first non-empty line is kept, and outputs exceeding the
// length or word bounds are rejected as "".
func SanitizeOneShot(raw string, maxLen, maxWords int) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	// Keep the first non-empty line; models sometimes add commentary.
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "```") {
			s = line
			break
		}
	}

	s = strings.Trim(s, "\"'`")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// Refuse control characters outright rather than guessing intent.
	for _, r := range s {
		if unicode.IsControl(r) {
			return ""
		}
	}

	if maxLen > 0 && len([]rune(s)) > maxLen {
		return ""
	}
	if maxWords > 0 && len(strings.Fields(s)) > maxWords {
		return ""
	}
	return s
}

// SuggestSessionName asks the CLI for a short session name based on the
// user's first prompt. Returns "" when no usable name was produced.
func SuggestSessionName(ctx context.Context, executor exec.CommandExecutor, binary, firstPrompt string, opts OneShotOptions) string {
	if opts.MaxLen == 0 {
		opts.MaxLen = 40
	}
	if opts.MaxWords == 0 {
		opts.MaxWords = 5
	}
	prompt := "Reply with a 2-4 word title for a conversation that starts with the following message. Reply with the title only, no quotes or punctuation.\n\n" + firstPrompt
	return RunOneShot(ctx, executor, binary, prompt, opts)
}

// TranslateText asks the CLI to translate text into the target
// language. Returns "" when no usable translation was produced.
func TranslateText(ctx context.Context, executor exec.CommandExecutor, binary, text, targetLanguage string, opts OneShotOptions) string {
	prompt := "Translate the following text to " + targetLanguage + ". Reply with the translation only.\n\n" + text
	return RunOneShot(ctx, executor, binary, prompt, opts)
}

// SummarizeActivity asks the CLI for a one-line summary of recent
// conversation activity. Returns "" when no usable summary was produced.
func SummarizeActivity(ctx context.Context, executor exec.CommandExecutor, binary, transcript string, opts OneShotOptions) string {
	if opts.MaxLen == 0 {
		opts.MaxLen = 120
	}
	prompt := "Reply with a single short sentence summarizing what is happening in this conversation excerpt. Reply with the sentence only.\n\n" + transcript
	return RunOneShot(ctx, executor, binary, prompt, opts)
}
