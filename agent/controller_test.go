package agent

import (
	"sync"
	"testing"
	"time"

	"github.com/agentmux/agentmux/protocol"
)

// fakeSupervisor satisfies ProcessSupervisor without spawning anything.
// Tests push signals directly onto its channel.
type fakeSupervisor struct {
	mu       sync.Mutex
	signals  chan Signal
	gen      uint64
	running  bool
	starts   []StartOptions
	sent     []any
	cancels  int
	startErr error
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{signals: make(chan Signal, signalBuffer)}
}

func (f *fakeSupervisor) Signals() <-chan Signal { return f.signals }

func (f *fakeSupervisor) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakeSupervisor) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSupervisor) Start(opts StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.gen++
	f.running = true
	f.starts = append(f.starts, opts)
	return nil
}

func (f *fakeSupervisor) Send(msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return ErrNotRunning
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSupervisor) RequestCancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return ErrNotRunning
	}
	f.cancels++
	return nil
}

func (f *fakeSupervisor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
}

// exit marks the fake stopped and pushes an exit signal for gen.
func (f *fakeSupervisor) exit(gen uint64, code int) {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.signals <- Signal{Kind: SignalExit, Generation: gen, Exit: &ExitStatus{Code: code}}
}

func (f *fakeSupervisor) pushLine(gen uint64, line string) {
	rec, ok := protocol.Decode(line)
	if !ok {
		f.signals <- Signal{Kind: SignalRawLine, Generation: gen, Line: line}
		return
	}
	f.signals <- Signal{Kind: SignalRecord, Generation: gen, Record: rec}
}

func (f *fakeSupervisor) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeSupervisor) lastStart() StartOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[len(f.starts)-1]
}

func newTestController(t *testing.T) (*Controller, *fakeSupervisor) {
	t.Helper()
	fake := newFakeSupervisor()
	c := newController(ControllerConfig{
		TabID:      "tab-1",
		Binary:     "claude",
		WorkingDir: "/tmp",
	}, testLogger(), fake)
	t.Cleanup(c.Stop)
	return c, fake
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drainUntil consumes notifications until match returns true, returning
// the matched notification.
func drainUntil(t *testing.T, c *Controller, what string, match func(Notification) bool) Notification {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case n, ok := <-c.Notifications():
			if !ok {
				t.Fatalf("notifications closed while waiting for %s", what)
			}
			if match(n) {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

const initLine = `{"type":"system","subtype":"init","session_id":"sess-1","model":"sonnet"}`

func TestSendStartsProcessAndSetsBusy(t *testing.T) {
	c, fake := newTestController(t)

	if err := c.SendText("hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !c.IsBusy() {
		t.Error("expected busy after send")
	}
	if fake.startCount() != 1 {
		t.Fatalf("expected one start, got %d", fake.startCount())
	}
	opts := fake.lastStart()
	if opts.SessionID != "tab-1" || opts.ResumeSessionID != "" {
		t.Errorf("expected fresh session under tab UUID, got %+v", opts)
	}
	if len(fake.sent) != 1 {
		t.Fatalf("expected one message sent, got %d", len(fake.sent))
	}
}

func TestInitTransitionsToRunning(t *testing.T) {
	c, fake := newTestController(t)
	c.Start()
	fake.pushLine(1, initLine)

	waitUntil(t, "running state", func() bool { return c.State() == StateRunning })
	if c.SessionID() != "sess-1" {
		t.Errorf("expected session ID sess-1, got %q", c.SessionID())
	}
	if c.Model() != "sonnet" {
		t.Errorf("expected model sonnet, got %q", c.Model())
	}
}

// Full streaming scenario: init, message start, two text deltas,
// message stop, then a result. Busy must hold until the result.
func TestStreamingScenario(t *testing.T) {
	c, fake := newTestController(t)
	c.SendText("explain this")
	fake.pushLine(1, initLine)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"content_block_stop","index":0}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_stop"}}`)

	var text string
	drainUntil(t, c, "message stop", func(n Notification) bool {
		if n.Kind == NoteStream && n.Event.Kind == EventTextDelta {
			text += n.Event.Text
		}
		return n.Kind == NoteStream && n.Event.Kind == EventMessageStop
	})
	if text != "Hello" {
		t.Errorf("expected streamed text Hello, got %q", text)
	}
	if !c.IsBusy() {
		t.Error("expected busy until result arrives")
	}

	fake.pushLine(1, `{"type":"result","subtype":"success","total_cost_usd":0.02,"usage":{"input_tokens":10,"output_tokens":5}}`)
	drainUntil(t, c, "result", func(n Notification) bool {
		return n.Kind == NoteStream && n.Event.Kind == EventResult
	})
	if c.IsBusy() {
		t.Error("expected busy cleared by result")
	}
	cost, in, out := c.Usage()
	if cost != 0.02 || in != 10 || out != 5 {
		t.Errorf("unexpected usage: %v %v %v", cost, in, out)
	}
}

func TestCancelAutoResumesExactlyOnce(t *testing.T) {
	c, fake := newTestController(t)
	c.SendText("work on something")
	fake.pushLine(1, initLine)
	waitUntil(t, "running state", func() bool { return c.State() == StateRunning })

	if err := c.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if c.IsBusy() {
		t.Error("expected busy cleared immediately on cancel")
	}
	if c.State() != StateCancelling {
		t.Errorf("expected cancelling state, got %s", c.State())
	}
	if fake.cancels != 1 {
		t.Errorf("expected one cancel request, got %d", fake.cancels)
	}

	// The kill lands; the controller resumes the session once.
	fake.exit(1, -1)
	waitUntil(t, "auto-resume start", func() bool { return fake.startCount() == 2 })
	opts := fake.lastStart()
	if opts.ResumeSessionID != "sess-1" {
		t.Errorf("expected resume of sess-1, got %+v", opts)
	}

	// If the resumed process dies abnormally, that's a crash, not
	// another cancel cycle.
	fake.exit(2, 1)
	waitUntil(t, "crashed state", func() bool { return c.State() == StateCrashed })
	if fake.startCount() != 2 {
		t.Errorf("expected no further auto-resume, got %d starts", fake.startCount())
	}
}

func TestAbnormalExitReportsCrashNoResume(t *testing.T) {
	c, fake := newTestController(t)
	c.SendText("hello")
	fake.pushLine(1, initLine)
	fake.signals <- Signal{Kind: SignalStderr, Generation: 1, Line: "segfault imminent"}
	fake.exit(1, 137)

	n := drainUntil(t, c, "crash note", func(n Notification) bool { return n.Kind == NoteCrash })
	if n.Exit.Code != 137 {
		t.Errorf("expected exit code 137, got %d", n.Exit.Code)
	}
	if len(n.Stderr) != 1 || n.Stderr[0] != "segfault imminent" {
		t.Errorf("expected stderr tail in crash note, got %v", n.Stderr)
	}
	if c.State() != StateCrashed {
		t.Errorf("expected crashed state, got %s", c.State())
	}
	if c.IsBusy() {
		t.Error("expected busy cleared on crash")
	}
	if fake.startCount() != 1 {
		t.Errorf("abnormal exit must not auto-resume, got %d starts", fake.startCount())
	}
}

func TestStaleExitIgnoredAfterRestart(t *testing.T) {
	c, fake := newTestController(t)
	c.Start()
	fake.pushLine(1, initLine)
	waitUntil(t, "running state", func() bool { return c.State() == StateRunning })

	// A second start replaces the process; the old generation's exit
	// arrives late and must not disturb the new one.
	c.Start()
	waitUntil(t, "second start", func() bool { return fake.startCount() == 2 })
	fake.pushLine(2, initLine)
	waitUntil(t, "running again", func() bool { return c.State() == StateRunning })

	fake.signals <- Signal{Kind: SignalExit, Generation: 1, Exit: &ExitStatus{Code: 1}}

	// Process a follow-up record to be sure the loop has consumed the
	// stale exit before asserting.
	fake.pushLine(2, `{"type":"stream_event","event":{"type":"message_start","message":{"id":"m"}}}`)
	drainUntil(t, c, "follow-up record", func(n Notification) bool {
		return n.Kind == NoteStream && n.Event.Kind == EventMessageStart
	})
	if c.State() != StateRunning {
		t.Errorf("stale exit clobbered state: %s", c.State())
	}
}

func TestApprovalGateOnToolUseStop(t *testing.T) {
	c, fake := newTestController(t)
	c.SendText("plan something")
	fake.pushLine(1, initLine)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"AskUserQuestion"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"tool_use"}}}`)

	n := drainUntil(t, c, "approval note", func(n Notification) bool { return n.Kind == NoteApproval })
	if len(n.Tools) != 1 || n.Tools[0] != "AskUserQuestion" {
		t.Errorf("expected AskUserQuestion gate, got %v", n.Tools)
	}
	if got := c.AwaitingApproval(); len(got) != 1 {
		t.Errorf("expected awaiting approval, got %v", got)
	}
}

func TestNonGatedToolUseDoesNotPause(t *testing.T) {
	c, fake := newTestController(t)
	c.SendText("read a file")
	fake.pushLine(1, initLine)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"Read"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"tool_use"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_stop"}}`)

	drainUntil(t, c, "message stop", func(n Notification) bool {
		if n.Kind == NoteApproval {
			t.Errorf("Read must not raise the approval gate")
		}
		return n.Kind == NoteStream && n.Event.Kind == EventMessageStop
	})
	if c.AwaitingApproval() != nil {
		t.Errorf("expected no approval gate, got %v", c.AwaitingApproval())
	}
}

func TestErrorResultClearsBusyAndGate(t *testing.T) {
	c, fake := newTestController(t)
	c.SendText("do a thing")
	fake.pushLine(1, initLine)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"ExitPlanMode"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"tool_use"}}}`)
	drainUntil(t, c, "approval note", func(n Notification) bool { return n.Kind == NoteApproval })

	fake.pushLine(1, `{"type":"result","subtype":"error","is_error":true,"error":"overloaded"}`)
	drainUntil(t, c, "error result", func(n Notification) bool {
		return n.Kind == NoteStream && n.Event.Kind == EventResult && n.Event.Result.IsError
	})
	if c.IsBusy() {
		t.Error("expected busy cleared by error result")
	}
	if c.AwaitingApproval() != nil {
		t.Error("expected approval gate cleared by error result")
	}
}

func TestApproveSendsAnswerAndClearsGate(t *testing.T) {
	c, fake := newTestController(t)
	c.SendText("plan")
	fake.pushLine(1, initLine)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"ExitPlanMode"}}}`)
	fake.pushLine(1, `{"type":"stream_event","event":{"type":"message_delta","delta":{"stop_reason":"tool_use"}}}`)
	drainUntil(t, c, "approval note", func(n Notification) bool { return n.Kind == NoteApproval })

	if err := c.Approve(true, ""); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if c.AwaitingApproval() != nil {
		t.Error("expected gate cleared after approval")
	}
	fake.mu.Lock()
	sent := len(fake.sent)
	fake.mu.Unlock()
	if sent != 2 {
		t.Errorf("expected approval answer sent, got %d messages", sent)
	}
}

func TestNonProtocolLineSurfacesAsDiagnostic(t *testing.T) {
	c, fake := newTestController(t)
	c.Start()
	fake.pushLine(1, initLine)
	fake.pushLine(1, "progress: 42%")

	n := drainUntil(t, c, "diagnostic note", func(n Notification) bool { return n.Kind == NoteDiagnostic })
	if n.Line != "progress: 42%" {
		t.Errorf("expected raw line preserved, got %q", n.Line)
	}
	waitUntil(t, "still starting or running", func() bool {
		s := c.State()
		return s == StateRunning || s == StateStarting
	})
}

func TestForkReplaysTranscriptBeforeTraffic(t *testing.T) {
	c, fake := newTestController(t)
	transcript := []TranscriptEntry{
		{Role: "user", Text: "original question"},
		{Role: "assistant", Text: "original answer"},
	}
	if err := c.StartFork("parent-sess", transcript, "half-typed input"); err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	n := drainUntil(t, c, "transcript note", func(n Notification) bool { return n.Kind == NoteTranscript })
	if len(n.Transcript) != 2 || n.Pending != "half-typed input" {
		t.Errorf("unexpected transcript note: %+v", n)
	}

	opts := fake.lastStart()
	if opts.ForkFromSessionID != "parent-sess" || opts.SessionID != "tab-1" {
		t.Errorf("unexpected fork options: %+v", opts)
	}
}

func TestCleanExitReturnsToIdle(t *testing.T) {
	c, fake := newTestController(t)
	c.Start()
	fake.pushLine(1, initLine)
	waitUntil(t, "running state", func() bool { return c.State() == StateRunning })

	fake.exit(1, 0)
	waitUntil(t, "idle state", func() bool { return c.State() == StateIdle })
	if fake.startCount() != 1 {
		t.Errorf("clean exit must not restart, got %d starts", fake.startCount())
	}
}

func TestStopClosesNotifications(t *testing.T) {
	fake := newFakeSupervisor()
	c := newController(ControllerConfig{TabID: "tab-2", Binary: "claude"}, testLogger(), fake)
	c.Stop()

	waitUntil(t, "notifications closed", func() bool {
		select {
		case _, ok := <-c.Notifications():
			return !ok
		default:
			return false
		}
	})
	if c.State() != StateStopped {
		t.Errorf("expected stopped state, got %s", c.State())
	}
	if err := c.SendText("too late"); err != ErrStopped {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestCancelBeforeInitGoesIdle(t *testing.T) {
	c, fake := newTestController(t)

	// Cancel lands before the init record, so no session ID is known.
	if err := c.SendText("hello"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := c.Cancel(); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	fake.exit(1, 137)

	waitUntil(t, "idle state", func() bool { return c.State() == StateIdle })

	// An intentional cancel must not surface as a crash or restart.
	drainUntil(t, c, "idle state note", func(n Notification) bool {
		if n.Kind == NoteCrash {
			t.Error("cancel must not produce a crash notification")
		}
		return n.Kind == NoteState && n.State == StateIdle
	})
	if fake.startCount() != 1 {
		t.Errorf("cancel with no session must not resume, got %d starts", fake.startCount())
	}
	if c.IsBusy() {
		t.Error("expected busy cleared")
	}
}

func TestAccessorsResponsiveWhileConsumerStalled(t *testing.T) {
	c, _ := newTestController(t)

	// Saturate the notification buffer so the next publish has to wait
	// for the consumer.
	for i := 0; i < cap(c.notifications); i++ {
		c.notifications <- Notification{Kind: NoteState, State: StateIdle}
	}

	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		_ = c.SendText("hello")
	}()

	// Give the send time to change state and block on its state note.
	time.Sleep(50 * time.Millisecond)
	select {
	case <-sendDone:
		t.Fatal("send completed despite stalled consumer")
	default:
	}

	// The stalled publish must not hold the lock the accessors need.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if got := c.State(); got != StateStarting {
			t.Errorf("expected starting state, got %s", got)
		}
		_ = c.IsBusy()
		_ = c.SessionID()
	}()
	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("accessors blocked while notification consumer stalled")
	}

	// Drain so the pending publish and shutdown complete promptly.
	for {
		select {
		case <-c.Notifications():
		case <-sendDone:
			for {
				select {
				case <-c.Notifications():
				default:
					return
				}
			}
		}
	}
}

func TestRetryAfterCrashResumes(t *testing.T) {
	c, fake := newTestController(t)
	c.SendText("hello")
	fake.pushLine(1, initLine)
	fake.exit(1, 1)
	waitUntil(t, "crashed state", func() bool { return c.State() == StateCrashed })

	if err := c.RetryAfterCrash(); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	opts := fake.lastStart()
	if opts.ResumeSessionID != "sess-1" {
		t.Errorf("expected retry to resume sess-1, got %+v", opts)
	}
}
