// Package exec provides an abstraction over command execution for testability.
// Production code uses real exec.Command while tests inject mock
// executors that return pre-recorded responses.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"slices"
	"sync"
)

// CommandExecutor abstracts command execution for testability.
// Production code uses RealExecutor, while tests use MockExecutor.
type CommandExecutor interface {
	// Run executes a command and returns stdout, stderr, and any error.
	Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error)

	// Output executes a command and returns stdout, or an error with
	// stderr context.
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// RealExecutor executes commands using os/exec.
type RealExecutor struct{}

// NewRealExecutor returns a new RealExecutor.
func NewRealExecutor() *RealExecutor {
	return &RealExecutor{}
}

// Run executes a command and returns stdout, stderr, and any error.
func (e *RealExecutor) Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Output executes a command and returns stdout. On failure the error
// includes captured stderr, which is where CLIs put the useful message.
func (e *RealExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	stdout, stderr, err := e.Run(ctx, dir, name, args...)
	if err != nil {
		if len(stderr) > 0 {
			return nil, fmt.Errorf("%s failed: %w: %s", name, err, bytes.TrimSpace(stderr))
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return stdout, nil
}

// MockCall records a single command invocation on a MockExecutor.
type MockCall struct {
	Dir  string
	Name string
	Args []string
}

// MockResponse is the canned result for a matched command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// CommandMatcher decides whether a rule applies to an invocation.
type CommandMatcher func(dir, name string, args []string) bool

type mockRule struct {
	match    CommandMatcher
	response MockResponse
}

// MockExecutor returns pre-recorded responses for matched commands and
// records every call for assertion. Unmatched commands are delegated to
// the fallback executor, or fail when fallback is nil.
type MockExecutor struct {
	mu       sync.Mutex
	rules    []mockRule
	calls    []MockCall
	fallback CommandExecutor
}

// NewMockExecutor returns a MockExecutor. fallback may be nil, in which
// case unmatched commands return an error.
func NewMockExecutor(fallback CommandExecutor) *MockExecutor {
	return &MockExecutor{fallback: fallback}
}

// AddRule registers a matcher with its canned response. Rules are
// evaluated in registration order; the first match wins.
func (e *MockExecutor) AddRule(match CommandMatcher, response MockResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, mockRule{match: match, response: response})
}

// AddExactMatch registers a rule matching name and args exactly.
func (e *MockExecutor) AddExactMatch(name string, args []string, response MockResponse) {
	e.AddRule(func(_, n string, a []string) bool {
		return n == name && slices.Equal(a, args)
	}, response)
}

// AddPrefixMatch registers a rule matching name and a leading args prefix.
func (e *MockExecutor) AddPrefixMatch(name string, prefixArgs []string, response MockResponse) {
	e.AddRule(func(_, n string, a []string) bool {
		if n != name || len(a) < len(prefixArgs) {
			return false
		}
		return slices.Equal(a[:len(prefixArgs)], prefixArgs)
	}, response)
}

// Calls returns a copy of all recorded invocations.
func (e *MockExecutor) Calls() []MockCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// ClearCalls discards recorded invocations.
func (e *MockExecutor) ClearCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
}

func (e *MockExecutor) dispatch(dir, name string, args []string) (*MockResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, MockCall{Dir: dir, Name: name, Args: slices.Clone(args)})
	for _, rule := range e.rules {
		if rule.match(dir, name, args) {
			resp := rule.response
			return &resp, nil
		}
	}
	return nil, nil
}

// Run implements CommandExecutor.
func (e *MockExecutor) Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr []byte, err error) {
	resp, err := e.dispatch(dir, name, args)
	if err != nil {
		return nil, nil, err
	}
	if resp != nil {
		return resp.Stdout, resp.Stderr, resp.Err
	}
	if e.fallback != nil {
		return e.fallback.Run(ctx, dir, name, args...)
	}
	return nil, nil, fmt.Errorf("no mock rule for command: %s %v", name, args)
}

// Output implements CommandExecutor.
func (e *MockExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	resp, err := e.dispatch(dir, name, args)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		if resp.Err != nil {
			return nil, resp.Err
		}
		return resp.Stdout, nil
	}
	if e.fallback != nil {
		return e.fallback.Output(ctx, dir, name, args...)
	}
	return nil, fmt.Errorf("no mock rule for command: %s %v", name, args)
}
