package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/agentmux/agentmux/protocol"
)

// State is a session controller's lifecycle state.
type State string

const (
	// StateIdle means no subprocess is running. Sending input starts one.
	StateIdle State = "idle"

	// StateStarting means a subprocess was spawned and the session init
	// record has not arrived yet.
	StateStarting State = "starting"

	// StateRunning means the subprocess announced its session and is
	// ready for traffic.
	StateRunning State = "running"

	// StateCancelling means the user cancelled the in-flight turn and
	// the controller is waiting for the killed process to exit before
	// auto-resuming the session.
	StateCancelling State = "cancelling"

	// StateCrashed means the subprocess exited abnormally and the
	// controller is waiting for the user to retry or dismiss.
	StateCrashed State = "crashed"

	// StateStopped means the controller was shut down.
	StateStopped State = "stopped"
)

// NotificationKind identifies what a Notification carries.
type NotificationKind string

const (
	// NoteState reports a lifecycle state change.
	NoteState NotificationKind = "state"

	// NoteStream delivers a semantic stream event.
	NoteStream NotificationKind = "stream"

	// NoteApproval reports that the conversation paused on tools that
	// require an explicit user decision.
	NoteApproval NotificationKind = "approval"

	// NoteCrash reports an abnormal subprocess exit.
	NoteCrash NotificationKind = "crash"

	// NoteDiagnostic delivers non-protocol CLI output and stderr lines.
	NoteDiagnostic NotificationKind = "diagnostic"

	// NoteTranscript replays prior conversation turns, ahead of any
	// live traffic, when a session is forked or restored.
	NoteTranscript NotificationKind = "transcript"

	// NoteError reports a runtime fault.
	NoteError NotificationKind = "error"
)

// TranscriptEntry is one replayed conversation turn.
type TranscriptEntry struct {
	Role string // "user" or "assistant"
	Text string
}

// Notification is one occurrence on a controller's notification
// channel. Only the fields relevant to its Kind are populated.
type Notification struct {
	Kind       NotificationKind
	State      State             // state
	Event      *Event            // stream
	Tools      []string          // approval: tool names that triggered the gate
	Exit       *ExitStatus       // crash
	Stderr     []string          // crash: recent stderr lines
	Line       string            // diagnostic
	Transcript []TranscriptEntry // transcript
	Pending    string            // transcript: unsent input carried over
	Err        error             // error
}

// ControllerConfig configures a session controller.
type ControllerConfig struct {
	// TabID is this session's local identity. It doubles as the session
	// ID handed to the CLI for new sessions, so local identity and CLI
	// session converge for sessions born here.
	TabID string

	Binary         string
	WorkingDir     string
	Model          string
	SystemPrompt   string
	PermissionMode PermissionMode
	AllowedTools   []string

	// ApprovalTools overrides DefaultApprovalTools when non-nil.
	ApprovalTools []string
}

// stderrTailSize bounds how many stderr lines are retained for crash
// diagnostics.
const stderrTailSize = 20

// ProcessSupervisor is the subprocess lifecycle surface the controller
// drives. Satisfied by *Supervisor; tests substitute a fake.
type ProcessSupervisor interface {
	Signals() <-chan Signal
	Generation() uint64
	IsRunning() bool
	Start(opts StartOptions) error
	Send(msg any) error
	RequestCancel() error
	Stop()
}

// Controller drives one conversational session: it owns the supervisor
// and demux, runs the lifecycle state machine, tracks busy and approval
// state, and publishes notifications for a UI to consume.
//
// All methods are safe for concurrent use. Notifications are published
// from a single internal goroutine, so their order is the stream order.
type Controller struct {
	cfg   ControllerConfig
	log   *slog.Logger
	sup   ProcessSupervisor
	demux *Demux
	ctrl  *Control

	notifications chan Notification

	mu              sync.Mutex
	state           State
	sessionID       string // minted by the CLI, reused across restarts
	model           string
	busy            bool
	cancelRequested bool
	resumeIssued    bool
	awaitingTools   []string // non-nil while the approval gate is up
	pendingTools    []string // tool names seen in the current message
	stderrTail      []string
	totalCostUSD    float64
	inputTokens     int
	outputTokens    int

	stopOnce sync.Once
	done     chan struct{}
	loopDone chan struct{}
}

// NewController creates a controller and starts its notification loop.
// No subprocess is spawned until input is sent or Start is called.
func NewController(cfg ControllerConfig, log *slog.Logger) *Controller {
	return newController(cfg, log, NewSupervisor(cfg.Binary, log))
}

func newController(cfg ControllerConfig, log *slog.Logger, sup ProcessSupervisor) *Controller {
	if cfg.ApprovalTools == nil {
		cfg.ApprovalTools = DefaultApprovalTools
	}
	c := &Controller{
		cfg:           cfg,
		log:           log,
		sup:           sup,
		demux:         NewDemux(log),
		ctrl:          NewControl(sup),
		notifications: make(chan Notification, signalBuffer),
		state:         StateIdle,
		done:          make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	go c.loop()
	return c
}

// Notifications returns the channel on which this controller publishes
// session activity. The channel is closed when the controller stops.
func (c *Controller) Notifications() <-chan Notification {
	return c.notifications
}

// TabID returns the session's local identity.
func (c *Controller) TabID() string {
	return c.cfg.TabID
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the CLI-minted session ID, or "" before init.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Model returns the model reported in the session init record.
func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// IsBusy reports whether a turn is in flight: set when input is sent,
// cleared only by a result record or cancellation.
func (c *Controller) IsBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// AwaitingApproval returns the tool names holding the approval gate, or
// nil when the gate is down.
func (c *Controller) AwaitingApproval() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingTools
}

// Usage returns accumulated cost and token totals across all turns.
func (c *Controller) Usage() (costUSD float64, inputTokens, outputTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalCostUSD, c.inputTokens, c.outputTokens
}

// Start spawns a subprocess for this session. If the session already
// has a CLI session ID it is resumed; otherwise a fresh session is
// created under the tab's UUID.
func (c *Controller) Start() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return ErrStopped
	}
	opts := c.startOptionsLocked()
	changed := c.setStateLocked(StateStarting)
	c.mu.Unlock()

	c.publishState(changed, StateStarting)
	return c.startWith(opts)
}

// Resume adopts an existing CLI session ID (e.g. restored from the
// session store) and spawns a subprocess resuming it.
func (c *Controller) Resume(sessionID string) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return ErrStopped
	}
	c.sessionID = sessionID
	opts := c.startOptionsLocked()
	changed := c.setStateLocked(StateStarting)
	c.mu.Unlock()

	c.publishState(changed, StateStarting)
	return c.startWith(opts)
}

// StartFork spawns a subprocess forked from parentSessionID under this
// tab's UUID. The pre-fork transcript and any unsent input are replayed
// to the consumer before the forked process produces live traffic.
func (c *Controller) StartFork(parentSessionID string, transcript []TranscriptEntry, pendingInput string) error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return ErrStopped
	}
	changed := c.setStateLocked(StateStarting)
	c.mu.Unlock()

	c.publishState(changed, StateStarting)
	c.publish(Notification{Kind: NoteTranscript, Transcript: transcript, Pending: pendingInput})

	opts := c.baseOptions()
	opts.SessionID = c.cfg.TabID
	opts.ForkFromSessionID = parentSessionID
	return c.startWith(opts)
}

func (c *Controller) baseOptions() StartOptions {
	return StartOptions{
		WorkingDir:     c.cfg.WorkingDir,
		Model:          c.cfg.Model,
		SystemPrompt:   c.cfg.SystemPrompt,
		PermissionMode: c.cfg.PermissionMode,
		AllowedTools:   c.cfg.AllowedTools,
	}
}

func (c *Controller) startOptionsLocked() StartOptions {
	opts := c.baseOptions()
	if c.sessionID != "" {
		opts.ResumeSessionID = c.sessionID
	} else {
		opts.SessionID = c.cfg.TabID
	}
	return opts
}

func (c *Controller) startWith(opts StartOptions) error {
	c.demux.Reset()
	if err := c.sup.Start(opts); err != nil {
		c.mu.Lock()
		changed := c.setStateLocked(StateIdle)
		c.mu.Unlock()
		c.publishState(changed, StateIdle)
		c.publish(Notification{Kind: NoteError, Err: err})
		return err
	}
	return nil
}

// SendText sends a plain text user turn, starting the subprocess first
// if none is running. Sending while the approval gate is up counts as
// the user's answer and clears the gate.
func (c *Controller) SendText(text string) error {
	if err := c.prepareSend(); err != nil {
		return err
	}
	if err := c.ctrl.SendText(text); err != nil {
		c.clearBusy()
		return err
	}
	return nil
}

// SendContent sends a user turn with structured content blocks.
func (c *Controller) SendContent(blocks []protocol.ContentBlock) error {
	if err := c.prepareSend(); err != nil {
		return err
	}
	if err := c.ctrl.SendContent(blocks); err != nil {
		c.clearBusy()
		return err
	}
	return nil
}

// prepareSend transitions state for an outgoing turn and lazily starts
// the subprocess.
func (c *Controller) prepareSend() error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return ErrStopped
	case StateCancelling:
		c.mu.Unlock()
		return ErrNotRunning
	}

	needStart := !c.sup.IsRunning()
	var opts StartOptions
	changed := false
	if needStart {
		opts = c.startOptionsLocked()
		changed = c.setStateLocked(StateStarting)
	}
	c.busy = true
	c.awaitingTools = nil
	c.mu.Unlock()

	if needStart {
		c.publishState(changed, StateStarting)
		if err := c.startWith(opts); err != nil {
			c.clearBusy()
			return err
		}
	}
	return nil
}

func (c *Controller) clearBusy() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Compact asks the CLI to compact its context. The compaction runs as a
// turn, so busy is set until its result arrives.
func (c *Controller) Compact(instructions string) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.busy = true
	c.mu.Unlock()

	if err := c.ctrl.Compact(instructions); err != nil {
		c.clearBusy()
		return err
	}
	return nil
}

// Cancel aborts the in-flight turn by killing the subprocess. Busy
// clears immediately; when the kill's exit arrives the session is
// resumed automatically, exactly once.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if !c.sup.IsRunning() {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.busy = false
	c.awaitingTools = nil
	c.cancelRequested = true
	c.resumeIssued = false
	changed := c.setStateLocked(StateCancelling)
	c.mu.Unlock()

	c.publishState(changed, StateCancelling)
	return c.sup.RequestCancel()
}

// Approve answers the approval gate. On approval an affirmative turn is
// sent; on rejection the feedback (or a default refusal) is sent so the
// assistant knows to change course.
func (c *Controller) Approve(approved bool, feedback string) error {
	c.mu.Lock()
	if c.awaitingTools == nil {
		c.mu.Unlock()
		return nil
	}
	c.awaitingTools = nil
	c.mu.Unlock()

	text := feedback
	if text == "" {
		if approved {
			text = "Approved, go ahead."
		} else {
			text = "No, don't do that."
		}
	}
	return c.SendText(text)
}

// RetryAfterCrash relaunches the session after an abnormal exit.
func (c *Controller) RetryAfterCrash() error {
	c.mu.Lock()
	if c.state != StateCrashed {
		c.mu.Unlock()
		return ErrNotRunning
	}
	opts := c.startOptionsLocked()
	changed := c.setStateLocked(StateStarting)
	c.mu.Unlock()

	c.publishState(changed, StateStarting)
	return c.startWith(opts)
}

// DismissCrash acknowledges an abnormal exit without relaunching.
func (c *Controller) DismissCrash() {
	c.mu.Lock()
	changed := false
	if c.state == StateCrashed {
		changed = c.setStateLocked(StateIdle)
	}
	c.mu.Unlock()
	c.publishState(changed, StateIdle)
}

// Stop shuts the controller down: the subprocess is terminated, the
// loop drained, and the notification channel closed. Safe to call
// multiple times.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		changed := c.setStateLocked(StateStopped)
		c.busy = false
		c.awaitingTools = nil
		c.mu.Unlock()

		c.publishState(changed, StateStopped)
		c.sup.Stop()
		close(c.done)
		<-c.loopDone
		close(c.notifications)
	})
}

// setStateLocked changes state, reporting whether it changed. Callers
// publish the NoteState via publishState after releasing mu: publish
// can block on a stalled consumer, and holding the lock meanwhile
// would freeze every accessor.
func (c *Controller) setStateLocked(next State) bool {
	if c.state == next {
		return false
	}
	c.log.Debug("state change", "from", c.state, "to", next)
	c.state = next
	return true
}

func (c *Controller) publishState(changed bool, state State) {
	if changed {
		c.publish(Notification{Kind: NoteState, State: state})
	}
}

// publish delivers a notification, dropping it if the consumer stalls.
func (c *Controller) publish(n Notification) {
	select {
	case <-c.done:
	default:
		select {
		case c.notifications <- n:
		case <-time.After(signalSendTimeout):
			c.log.Warn("dropping notification, consumer not draining", "kind", n.Kind)
		case <-c.done:
		}
	}
}

func (c *Controller) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			return
		case sig := <-c.sup.Signals():
			c.handleSignal(sig)
		}
	}
}

func (c *Controller) handleSignal(sig Signal) {
	// Signals from a replaced subprocess are history, not news.
	if sig.Generation != c.sup.Generation() {
		c.log.Debug("dropping stale signal", "kind", sig.Kind, "generation", sig.Generation)
		return
	}

	switch sig.Kind {
	case SignalRecord:
		for _, ev := range c.demux.Feed(sig.Record) {
			c.handleEvent(ev)
		}
	case SignalRawLine:
		c.publish(Notification{Kind: NoteDiagnostic, Line: sig.Line})
	case SignalStderr:
		c.mu.Lock()
		c.stderrTail = append(c.stderrTail, sig.Line)
		if len(c.stderrTail) > stderrTailSize {
			c.stderrTail = c.stderrTail[len(c.stderrTail)-stderrTailSize:]
		}
		c.mu.Unlock()
		c.publish(Notification{Kind: NoteDiagnostic, Line: sig.Line})
	case SignalExit:
		c.handleExit(sig.Exit)
	case SignalError:
		c.publish(Notification{Kind: NoteError, Err: sig.Err})
	}
}

func (c *Controller) handleEvent(ev Event) {
	switch ev.Kind {
	case EventSessionInit:
		c.mu.Lock()
		if c.sessionID == "" {
			c.sessionID = ev.SessionID
		} else if c.sessionID != ev.SessionID {
			// Resumes keep the original ID; a different one means the
			// CLI minted a fresh session (e.g. history was pruned).
			c.log.Warn("session ID changed on restart", "old", c.sessionID, "new", ev.SessionID)
			c.sessionID = ev.SessionID
		}
		c.model = ev.Model
		c.resumeIssued = false
		c.stderrTail = nil
		changed := c.setStateLocked(StateRunning)
		c.mu.Unlock()
		c.publishState(changed, StateRunning)

	case EventMessageStart:
		c.mu.Lock()
		c.pendingTools = nil
		c.mu.Unlock()

	case EventToolUseStart:
		c.mu.Lock()
		c.pendingTools = append(c.pendingTools, ev.ToolName)
		c.mu.Unlock()

	case EventStopReason:
		if ev.StopReason == "tool_use" {
			c.raiseApprovalGate()
		}

	case EventMessageStop:
		c.mu.Lock()
		c.pendingTools = nil
		c.mu.Unlock()

	case EventResult:
		c.mu.Lock()
		c.busy = false
		if ev.Result != nil {
			c.totalCostUSD = ev.Result.TotalCostUSD
			c.inputTokens += ev.Result.InputTokens
			c.outputTokens += ev.Result.OutputTokens
			if ev.Result.IsError {
				// A failed turn is over; nothing to approve.
				c.awaitingTools = nil
			}
		}
		c.mu.Unlock()
	}

	evCopy := ev
	c.publish(Notification{Kind: NoteStream, Event: &evCopy})
}

// raiseApprovalGate pauses the conversation when the current message
// stopped to use tools that need a user decision.
func (c *Controller) raiseApprovalGate() {
	c.mu.Lock()
	required := approvalSet(c.cfg.ApprovalTools)
	var gated []string
	for _, name := range c.pendingTools {
		if required[name] {
			gated = append(gated, name)
		}
	}
	if gated != nil {
		c.awaitingTools = gated
	}
	c.mu.Unlock()

	if gated != nil {
		c.publish(Notification{Kind: NoteApproval, Tools: gated})
	}
}

func (c *Controller) handleExit(status *ExitStatus) {
	c.demux.Reset()

	c.mu.Lock()
	c.busy = false
	c.pendingTools = nil

	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}

	// A user cancel kills the process; resume the session once so the
	// conversation continues where it left off. If the resumed process
	// dies too, that's a crash, not another cancel.
	if c.cancelRequested && !c.resumeIssued && c.sessionID != "" {
		c.cancelRequested = false
		c.resumeIssued = true
		opts := c.startOptionsLocked()
		changed := c.setStateLocked(StateStarting)
		c.mu.Unlock()

		c.publishState(changed, StateStarting)
		c.log.Info("auto-resuming after cancel", "sessionID", opts.ResumeSessionID)
		if err := c.startWith(opts); err != nil {
			c.log.Error("auto-resume failed", "error", err)
		}
		return
	}

	// A cancel before init has no session to resume; the kill's exit is
	// still intentional, not a crash.
	if c.cancelRequested {
		c.cancelRequested = false
		changed := c.setStateLocked(StateIdle)
		c.mu.Unlock()
		c.publishState(changed, StateIdle)
		return
	}

	if status != nil && status.Code != 0 {
		stderr := make([]string, len(c.stderrTail))
		copy(stderr, c.stderrTail)
		changed := c.setStateLocked(StateCrashed)
		c.mu.Unlock()

		c.publishState(changed, StateCrashed)
		c.publish(Notification{Kind: NoteCrash, Exit: status, Stderr: stderr})
		return
	}

	changed := c.setStateLocked(StateIdle)
	c.mu.Unlock()
	c.publishState(changed, StateIdle)
}
