package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentmux/agentmux/process"
	"github.com/agentmux/agentmux/protocol"
)

// PermissionMode controls how the subprocess handles tool permissions.
type PermissionMode string

const (
	// PermissionSupervised pre-authorizes only the composed allowed-tool
	// list; everything else requires interactive approval.
	PermissionSupervised PermissionMode = "supervised"

	// PermissionFull skips all permission prompts. Only appropriate when
	// the working directory is expendable.
	PermissionFull PermissionMode = "full"
)

// StartOptions configures one subprocess launch.
type StartOptions struct {
	// SessionID is the UUID to assign a brand-new session. Ignored when
	// ResumeSessionID is set without forking.
	SessionID string

	// ResumeSessionID resumes an existing CLI session.
	ResumeSessionID string

	// ForkFromSessionID resumes the parent session and forks it under
	// SessionID, inheriting the parent's conversation history.
	ForkFromSessionID string

	WorkingDir     string
	Model          string
	SystemPrompt   string
	PermissionMode PermissionMode
	AllowedTools   []string
}

// SignalKind identifies what a Signal carries.
type SignalKind int

const (
	// SignalRecord delivers a decoded protocol record.
	SignalRecord SignalKind = iota

	// SignalRawLine delivers a stdout line that was not a protocol
	// record (diagnostic output from the CLI).
	SignalRawLine

	// SignalStderr delivers one line of subprocess stderr.
	SignalStderr

	// SignalExit reports subprocess termination. Exactly one SignalExit
	// is delivered per generation.
	SignalExit

	// SignalError reports a runtime fault such as a failed stdin write.
	SignalError
)

// ExitStatus describes how a subprocess terminated.
type ExitStatus struct {
	Code   int    // exit code; -1 when killed by a signal
	Signal string // terminating signal name, if any
}

// Signal is one occurrence on a supervisor's signal channel. Generation
// identifies which subprocess launch produced it, so consumers can
// discard leftovers from a process that has since been replaced.
type Signal struct {
	Kind       SignalKind
	Generation uint64
	Record     *protocol.Record
	Line       string
	Exit       *ExitStatus
	Err        error
}

// signalBuffer sizes the signal channel. Deltas arrive in bursts; the
// consumer loop must not be able to stall the readers for long.
const signalBuffer = 256

// signalSendTimeout bounds how long a reader goroutine blocks when the
// consumer has stopped draining.
const signalSendTimeout = 5 * time.Second

// nestingEnvVars are scrubbed from the child environment. The CLI sets
// them in sessions it spawns, and their presence makes a child CLI
// believe it is running inside another agent session.
var nestingEnvVars = []string{
	"CLAUDECODE",
	"CLAUDE_CODE_ENTRYPOINT",
	"CLAUDE_CODE_SSE_PORT",
}

// Supervisor owns the lifecycle of one agent CLI subprocess at a time:
// spawning, stdin writes, stdout/stderr reading, and exit monitoring.
// Each launch gets a new generation number; signals stamped with an old
// generation are dropped before delivery.
type Supervisor struct {
	binary  string
	log     *slog.Logger
	signals chan Signal

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderr     io.ReadCloser
	running    bool
	generation uint64

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Stop() selects on this channel instead of calling cmd.Wait()
	// again, preventing undefined behavior from double Wait().
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a Supervisor for the given CLI binary.
func NewSupervisor(binary string, log *slog.Logger) *Supervisor {
	return &Supervisor{
		binary:  binary,
		log:     log,
		signals: make(chan Signal, signalBuffer),
	}
}

// Signals returns the channel on which this supervisor reports process
// activity. The channel is never closed; it is reused across launches.
func (s *Supervisor) Signals() <-chan Signal {
	return s.signals
}

// Generation returns the current launch generation. Zero means the
// supervisor has never started a process.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// IsRunning returns whether a subprocess is currently running.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pid returns the running subprocess PID, or 0.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// BuildCommandArgs builds the CLI argument list for the given options.
// Exported for testing to verify correct argument construction.
func BuildCommandArgs(opts StartOptions) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--replay-user-messages",
	}

	switch {
	case opts.ForkFromSessionID != "":
		// Resume the parent and fork under our own UUID, otherwise the
		// CLI generates its own ID and the fork can't be resumed later.
		args = append(args, "--resume", opts.ForkFromSessionID, "--fork-session")
		if opts.SessionID != "" {
			args = append(args, "--session-id", opts.SessionID)
		}
	case opts.ResumeSessionID != "":
		args = append(args, "--resume", opts.ResumeSessionID)
	case opts.SessionID != "":
		args = append(args, "--session-id", opts.SessionID)
	}

	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}

	if opts.PermissionMode == PermissionFull {
		args = append(args, "--dangerously-skip-permissions")
	} else {
		for _, tool := range opts.AllowedTools {
			args = append(args, "--allowedTools", tool)
		}
	}

	return args
}

// scrubEnv returns env with the nesting marker variables removed.
func scrubEnv(env []string) []string {
	scrubbed := make([]string, 0, len(env))
	for _, kv := range env {
		skip := false
		for _, name := range nestingEnvVars {
			if strings.HasPrefix(kv, name+"=") {
				skip = true
				break
			}
		}
		if !skip {
			scrubbed = append(scrubbed, kv)
		}
	}
	return scrubbed
}

// Start launches a new subprocess with the given options. Any running
// process is stopped first, so a resume or fork never races its
// predecessor for the session file.
func (s *Supervisor) Start(opts StartOptions) error {
	if s.IsRunning() {
		s.Stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("starting process")
	startTime := time.Now()

	args := BuildCommandArgs(opts)
	if opts.ForkFromSessionID != "" {
		s.log.Debug("forking session from parent", "parentSessionID", opts.ForkFromSessionID)
	}
	s.log.Debug("starting process", "command", s.binary+" "+strings.Join(args, " "))

	cmd := exec.Command(s.binary, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = scrubEnv(os.Environ())
	process.ConfigureGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.log.Error("failed to get stdin pipe", "error", err)
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		s.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		s.log.Error("failed to get stderr pipe", "error", err)
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		s.log.Error("failed to start process", "error", err)
		return fmt.Errorf("failed to start process: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.stderr = stderr
	s.running = true
	s.generation++
	s.waitDone = make(chan struct{})

	// Cancel any previous context to prevent goroutine leaks from prior runs
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	gen := s.generation
	ctx := s.ctx
	s.log.Info("process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid, "generation", gen)

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.readStdout(ctx, gen, stdout)
	}()
	go func() {
		defer s.wg.Done()
		s.readStderr(ctx, gen, stderr)
	}()
	go func() {
		defer s.wg.Done()
		s.monitorExit(ctx, gen, cmd)
	}()

	return nil
}

// Send encodes msg and writes it to the subprocess stdin.
func (s *Supervisor) Send(msg any) error {
	s.mu.Lock()
	stdin := s.stdin
	running := s.running
	s.mu.Unlock()

	if !running || stdin == nil {
		return ErrNotRunning
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to process: %w", err)
	}
	return nil
}

// RequestCancel forcefully terminates the current subprocess: close
// stdin, then kill the whole process tree. In-band interrupt requests
// are not honored reliably mid-generation, so cancellation is
// implemented as termination; completion is observed via SignalExit.
func (s *Supervisor) RequestCancel() error {
	s.mu.Lock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	pid := s.cmd.Process.Pid
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	s.mu.Unlock()

	s.log.Info("cancelling process", "pid", pid)
	return process.KillTree(pid)
}

// Stop terminates the subprocess and waits for its goroutines to
// finish. Safe to call multiple times and when nothing is running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	wasRunning := s.running

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	if !wasRunning {
		s.mu.Unlock()
		return
	}

	s.log.Debug("stopping process")
	s.running = false

	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}

	cmd := s.cmd
	waitDone := s.waitDone
	s.mu.Unlock()

	// monitorExit is the sole caller of cmd.Wait() and closes waitDone
	// when it completes. Give the process a moment to exit on stdin
	// EOF, then kill the tree.
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			s.log.Debug("process exited gracefully")
		case <-time.After(2 * time.Second):
			s.log.Debug("force killing process tree", "pid", cmd.Process.Pid)
			process.KillTree(cmd.Process.Pid)
			<-waitDone
		}
	}

	s.log.Debug("waiting for goroutines to complete")
	s.wg.Wait()
	s.log.Debug("all goroutines completed")

	s.mu.Lock()
	if s.stderr != nil {
		s.stderr.Close()
		s.stderr = nil
	}
	s.cmd = nil
	s.stdout = nil
	s.mu.Unlock()
}

// emit delivers a signal, dropping it if the consumer has stalled for
// signalSendTimeout. Dropping beats deadlocking the reader goroutines.
func (s *Supervisor) emit(sig Signal) {
	select {
	case s.signals <- sig:
	case <-time.After(signalSendTimeout):
		s.log.Warn("dropping signal, consumer not draining", "kind", sig.Kind, "generation", sig.Generation)
	}
}

// readStdout reads lines from the subprocess stdout, reassembling them
// through the line buffer and decoding each into a record or raw line.
// The line buffer is local to this invocation: a reader still draining
// a dead process's pipe must never deposit a trailing fragment where
// the replacement generation's reader would pick it up.
func (s *Supervisor) readStdout(ctx context.Context, gen uint64, stdout io.Reader) {
	s.log.Debug("output reader started", "generation", gen)

	var lineBuf protocol.LineBuffer
	reader := bufio.NewReader(stdout)
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			s.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		n, err := s.read(ctx, reader, buf)
		if n > 0 {
			s.deliverChunk(gen, &lineBuf, buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				s.log.Debug("EOF on stdout - process exited")
				// A process that died mid-line still produced output
				// worth surfacing.
				s.flushPending(gen, &lineBuf)
			} else if ctx.Err() == nil {
				s.log.Debug("error reading stdout", "error", err)
			}
			return
		}
	}
}

// read performs one blocking read in a goroutine so the loop can also
// observe cancellation. The channel is buffered so the read goroutine
// never leaks even if we return first.
func (s *Supervisor) read(ctx context.Context, reader *bufio.Reader, buf []byte) (int, error) {
	type readResult struct {
		n   int
		err error
	}
	resultCh := make(chan readResult, 1)

	go func() {
		n, err := reader.Read(buf)
		resultCh <- readResult{n: n, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case result := <-resultCh:
		return result.n, result.err
	}
}

func (s *Supervisor) deliverChunk(gen uint64, lineBuf *protocol.LineBuffer, chunk []byte) {
	for _, line := range lineBuf.Split(chunk) {
		s.deliverLine(gen, line)
	}
}

func (s *Supervisor) deliverLine(gen uint64, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	if rec, ok := protocol.Decode(line); ok {
		s.emit(Signal{Kind: SignalRecord, Generation: gen, Record: rec})
		return
	}
	s.log.Debug("non-protocol line from CLI", "line", truncateForLog(line))
	s.emit(Signal{Kind: SignalRawLine, Generation: gen, Line: line})
}

func (s *Supervisor) flushPending(gen uint64, lineBuf *protocol.LineBuffer) {
	remnant := lineBuf.Pending()
	lineBuf.Reset()
	if strings.TrimSpace(remnant) != "" {
		s.deliverLine(gen, remnant)
	}
}

// readStderr streams subprocess stderr line by line. Each line is
// logged immediately and surfaced as a signal, so startup failures are
// visible before the process exits.
func (s *Supervisor) readStderr(ctx context.Context, gen uint64, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.log.Debug("process stderr", "line", truncateForLog(line))
		s.emit(Signal{Kind: SignalStderr, Generation: gen, Line: line})
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.log.Debug("error reading stderr", "error", err)
	}
}

// monitorExit waits for the process to exit. It is the sole caller of
// cmd.Wait(); Stop() coordinates via the waitDone channel. The exit
// signal is emitted only when this generation is still current, so a
// stop-then-start race never delivers a stale exit for the new process.
func (s *Supervisor) monitorExit(ctx context.Context, gen uint64, cmd *exec.Cmd) {
	s.mu.Lock()
	waitDone := s.waitDone
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
		s.log.Debug("process exited", "error", err, "generation", gen)
		if waitDone != nil {
			close(waitDone)
		}
	case <-ctx.Done():
		s.log.Debug("process monitor - context cancelled, waiting for cmd.Wait()")
		// Stop() closes stdin and may kill the tree, which unblocks Wait().
		err = <-done
		if waitDone != nil {
			close(waitDone)
		}
		// The consumer initiated this stop; the exit is not news.
		return
	}

	status := exitStatusFromError(cmd, err)

	s.mu.Lock()
	stale := gen != s.generation || !s.running
	if !stale {
		s.running = false
		s.stdin = nil
	}
	s.mu.Unlock()

	if stale {
		s.log.Debug("ignoring exit from stale generation", "generation", gen, "code", status.Code)
		return
	}

	s.log.Info("process exit", "code", status.Code, "signal", status.Signal, "generation", gen)
	s.emit(Signal{Kind: SignalExit, Generation: gen, Exit: &status})
}

// exitStatusFromError derives an ExitStatus from cmd.Wait()'s result.
func exitStatusFromError(cmd *exec.Cmd, err error) ExitStatus {
	if err == nil {
		return ExitStatus{Code: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		status := ExitStatus{Code: exitErr.ExitCode()}
		if status.Code == -1 {
			status.Signal = exitSignalName(cmd.ProcessState)
		}
		return status
	}
	// Wait failed for a non-exit reason (e.g. pipes already broken).
	return ExitStatus{Code: -1}
}
