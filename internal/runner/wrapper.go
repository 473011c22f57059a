// Package runner owns one agent child process per session and turns its raw,
// ANSI-colored terminal stream into a sequence of typed events.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/agentdeck/internal/config"
	"github.com/ashureev/agentdeck/internal/domain"
)

// eventBufferSize bounds in-flight events per session. The coordinator
// consumes promptly; the buffer only absorbs short bursts.
const eventBufferSize = 256

// maxStderrTail caps accumulated stderr kept for early-exit diagnosis.
const maxStderrTail = 64 * 1024

// killEscalationDelay is the wait between SIGTERM and SIGKILL.
const killEscalationDelay = 2 * time.Second

// forceStopGrace is how long ForceStop waits after the exit command before
// signalling.
const forceStopGrace = 500 * time.Millisecond

// newlinePattern collapses newline sequences in outbound messages. The agent
// reads each physical newline as a separate submission, so multi-line input
// must be flattened to one line.
var newlinePattern = regexp.MustCompile(`(?:\r?\n)+`)

// ErrNotReady is returned when a message is sent to a session whose process
// is not accepting input.
var ErrNotReady = errors.New("session is not ready")

// Options configure one wrapped agent process.
type Options struct {
	SessionID   string
	SessionName string
	WorkDir     string
	Extensions  []string
	Recipe      *domain.Recipe
	RecipeEnv   map[string]string
	Provider    string
	Model       string
	Resume      bool
	AgentBin    string
	Runner      config.RunnerConfig
	Logger      *slog.Logger
}

// Wrapper supervises exactly one agent child process: it spawns it, feeds it
// input, classifies its output stream, and reports everything as events.
type Wrapper struct {
	opts       Options
	classifier *Classifier
	logger     *slog.Logger
	events     chan Event

	mu            sync.Mutex
	state         domain.Status
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	buf           strings.Builder
	partial       string
	flushTimer    *time.Timer
	historyLoaded bool
	stderrTail    bytes.Buffer
	recipePath    string
	exitDiagnosis string

	readyOnce  sync.Once
	readyCh    chan struct{}
	exitedCh   chan struct{}
	eventsOnce sync.Once
	readersWg  sync.WaitGroup
}

// New creates a wrapper in the created state. Start launches the process.
func New(opts Options) *Wrapper {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Wrapper{
		opts:       opts,
		classifier: NewClassifier(),
		logger:     logger,
		events:     make(chan Event, eventBufferSize),
		state:      domain.StatusCreated,
		readyCh:    make(chan struct{}),
		exitedCh:   make(chan struct{}),
	}
}

// Events returns the wrapper's event channel. It is closed once the process
// has exited and all events have been emitted.
func (w *Wrapper) Events() <-chan Event {
	return w.events
}

// State returns the current lifecycle status.
func (w *Wrapper) State() domain.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SessionName returns the durable session name this wrapper serves.
func (w *Wrapper) SessionName() string {
	return w.opts.SessionName
}

// Start launches the agent process and blocks until it is ready, the grace
// period elapses, or it exits early. Stream handlers are attached before
// anything is written to stdin.
func (w *Wrapper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != domain.StatusCreated {
		w.mu.Unlock()
		return fmt.Errorf("session %s already started", w.opts.SessionName)
	}
	if w.opts.Resume {
		w.state = domain.StatusResuming
	} else {
		w.state = domain.StatusStarting
	}

	var err error
	if w.opts.Recipe != nil {
		w.recipePath, err = writeRecipeFile(w.opts.Recipe)
		if err != nil {
			w.failStartLocked()
			w.mu.Unlock()
			return err
		}
	}

	cmd := exec.Command(w.opts.AgentBin, w.buildArgs()...)
	cmd.Dir = w.opts.WorkDir
	cmd.Env = os.Environ()
	for key, value := range w.opts.RecipeEnv {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.failStartLocked()
		w.mu.Unlock()
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.failStartLocked()
		w.mu.Unlock()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		w.failStartLocked()
		w.mu.Unlock()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.failStartLocked()
		w.mu.Unlock()
		return fmt.Errorf("spawn agent %q: %w", w.opts.AgentBin, err)
	}

	w.cmd = cmd
	w.stdin = stdin
	w.logger.Info("[RUNNER] Agent process started",
		"session", w.opts.SessionName,
		"pid", cmd.Process.Pid,
		"resume", w.opts.Resume,
	)

	w.readersWg.Add(2)
	go w.readStdout(stdout)
	go w.readStderr(stderr)
	go w.waitExit()
	w.mu.Unlock()

	select {
	case <-w.readyCh:
		return nil
	case <-w.exitedCh:
		w.mu.Lock()
		diagnosis := w.exitDiagnosis
		w.mu.Unlock()
		return errors.New(diagnosis)
	case <-time.After(w.opts.Runner.ReadyTimeout):
		// The process may have died at almost exactly the grace boundary,
		// in which case the select can pick this case over exitedCh.
		select {
		case <-w.exitedCh:
			w.mu.Lock()
			diagnosis := w.exitDiagnosis
			w.mu.Unlock()
			return errors.New(diagnosis)
		default:
		}
		// Not every invocation path emits an unambiguous readiness marker;
		// a live process past the grace period is treated as ready so
		// callers never hang.
		w.mu.Lock()
		w.markReadyLocked()
		w.mu.Unlock()
		return nil
	case <-ctx.Done():
		w.ForceStop()
		return fmt.Errorf("start session %s: %w", w.opts.SessionName, ctx.Err())
	}
}

// WaitReady blocks until the session reports ready, its process exits, or
// the context is done.
func (w *Wrapper) WaitReady(ctx context.Context) error {
	select {
	case <-w.readyCh:
		return nil
	case <-w.exitedCh:
		return fmt.Errorf("session %s exited before becoming ready", w.opts.SessionName)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage writes one user message to the agent. Multi-line input is
// flattened to a single physical line. If a prior turn is still in flight,
// it is either interrupted (when AutoInterrupt is set) or left to the
// agent's own turn-taking.
func (w *Wrapper) SendMessage(text string) error {
	w.mu.Lock()
	switch w.state {
	case domain.StatusCreated, domain.StatusStopping, domain.StatusStopped:
		state := w.state
		w.mu.Unlock()
		return fmt.Errorf("%w: session %s is %s", ErrNotReady, w.opts.SessionName, state)
	}
	if w.stdin == nil {
		w.mu.Unlock()
		return fmt.Errorf("%w: session %s has no input pipe", ErrNotReady, w.opts.SessionName)
	}

	if w.state == domain.StatusProcessing && w.opts.Runner.AutoInterrupt {
		w.interruptLocked()
	}

	// Outbound message is an immediate-flush trigger: whatever the agent
	// streamed so far belongs to the previous turn.
	w.flushLocked()
	w.state = domain.StatusProcessing
	stdin := w.stdin
	w.mu.Unlock()

	flat := newlinePattern.ReplaceAllString(strings.TrimSpace(text), " ")
	if _, err := io.WriteString(stdin, flat+"\n"); err != nil {
		return fmt.Errorf("write to agent stdin: %w", err)
	}
	return nil
}

// Interrupt sends an interrupt signal to the agent process. Best-effort: the
// agent may keep generating briefly. Buffered content is discarded, not
// flushed, since it belongs to the abandoned turn.
func (w *Wrapper) Interrupt() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interruptLocked()
	return nil
}

// Stop performs a graceful shutdown: exit command on stdin, then SIGTERM
// after the configured timeout, then SIGKILL.
func (w *Wrapper) Stop() {
	w.shutdown(w.opts.Runner.StopTimeout)
}

// ForceStop terminates the session with only a brief grace period. Always
// followed by cleanup of per-session ephemeral resources.
func (w *Wrapper) ForceStop() {
	w.shutdown(forceStopGrace)
}

func (w *Wrapper) shutdown(grace time.Duration) {
	w.mu.Lock()
	if w.state == domain.StatusStopped || w.state == domain.StatusStopping {
		w.mu.Unlock()
		<-w.exitedCh
		return
	}
	if w.cmd == nil {
		// Never started; nothing to wait for.
		w.failStartLocked()
		w.mu.Unlock()
		return
	}
	w.flushLocked()
	w.state = domain.StatusStopping
	stdin := w.stdin
	w.mu.Unlock()

	if stdin != nil {
		// A graceful exit command first; the agent saves its own state on the
		// way out.
		_, _ = io.WriteString(stdin, "exit\n")
		_ = stdin.Close()
	}

	select {
	case <-w.exitedCh:
		return
	case <-time.After(grace):
	}

	w.signal(syscall.SIGTERM)
	select {
	case <-w.exitedCh:
	case <-time.After(killEscalationDelay):
		w.logger.Warn("[RUNNER] SIGTERM ignored, killing", "session", w.opts.SessionName)
		w.signal(syscall.SIGKILL)
		<-w.exitedCh
	}
}

func (w *Wrapper) signal(sig syscall.Signal) {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(sig); err != nil {
		w.logger.Debug("[RUNNER] Signal failed", "session", w.opts.SessionName, "signal", sig, "error", err)
	}
}

// buildArgs constructs the agent invocation so multi-turn interactive
// behavior is preserved: recipe-file mode when a recipe is present, direct
// extension flags otherwise.
func (w *Wrapper) buildArgs() []string {
	args := []string{"session"}
	if w.opts.Resume {
		args = append(args, "--resume")
	}
	args = append(args, "--name", w.opts.SessionName)

	if w.recipePath != "" {
		args = append(args, "--recipe", w.recipePath)
	} else {
		for _, ext := range w.opts.Extensions {
			args = append(args, "--with-extension", ext)
		}
	}
	if w.opts.Provider != "" {
		args = append(args, "--provider", w.opts.Provider)
	}
	if w.opts.Model != "" {
		args = append(args, "--model", w.opts.Model)
	}
	if w.opts.Runner.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(w.opts.Runner.MaxTurns))
	}
	if w.opts.Runner.Debug {
		args = append(args, "--debug")
	}
	return args
}

func (w *Wrapper) readStdout(r io.Reader) {
	defer w.readersWg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.handleChunk(buf[:n])
		}
		if err != nil {
			w.drainPartial()
			return
		}
	}
}

// drainPartial classifies whatever unterminated line remains once the stream
// ends, so a closing answer without a trailing newline is not lost.
func (w *Wrapper) drainPartial() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.partial == "" {
		return
	}
	line := w.partial
	w.partial = ""
	w.processLineLocked(StripANSI(line))
}

// handleChunk splits a raw output chunk into complete lines, carrying any
// trailing partial line to the next chunk so a logical line split across
// chunk boundaries classifies identically to one received whole.
func (w *Wrapper) handleChunk(data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	text := w.partial + string(data)
	lines := strings.Split(text, "\n")
	w.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		w.processLineLocked(StripANSI(line))
	}
}

// processLineLocked classifies one line and routes it. Priority order:
// noise, readiness, tool, status, context marker, history replay, content.
func (w *Wrapper) processLineLocked(line string) {
	switch w.classifier.Classify(line) {
	case ClassNoise:
		return

	case ClassReady:
		w.markReadyLocked()

	case ClassTool:
		// Tool annotations are flushed out of band so they never glue to
		// streamed prose.
		w.flushLocked()
		w.emitMessageLocked(domain.RoleSystem, strings.TrimSpace(line), domain.SourceTool)

	case ClassStatus:
		w.flushLocked()
		w.emitMessageLocked(domain.RoleSystem, strings.TrimSpace(line), domain.SourceStream)

	case ClassContextMarker:
		// Not content; its appearance means this turn's answer is complete.
		w.flushLocked()

	case ClassContent:
		if w.opts.Resume && !w.historyLoaded {
			// Replayed prior conversation, emitted distinctly so consumers
			// can tell replay from new generation.
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				w.emitMessageLocked(domain.RoleAssistant, trimmed, domain.SourceHistory)
			}
			return
		}
		w.buf.WriteString(line)
		w.buf.WriteByte('\n')
		w.resetFlushTimerLocked()
	}
}

// markReadyLocked handles a readiness marker. While resuming, the first
// marker also closes out history replay; the marker line itself is always
// swallowed so a duplicate "ready" line never leaks into the conversation.
func (w *Wrapper) markReadyLocked() {
	if w.opts.Resume && !w.historyLoaded {
		w.historyLoaded = true
		w.logger.Info("[RUNNER] History replay complete", "session", w.opts.SessionName)
	}

	switch w.state {
	case domain.StatusStarting, domain.StatusResuming, domain.StatusProcessing, domain.StatusInterrupted:
		w.state = domain.StatusReady
		w.emitLocked(Event{Type: EventReady})
	case domain.StatusReady:
		// Repeated marker, nothing to do.
	default:
		return
	}
	w.readyOnce.Do(func() { close(w.readyCh) })
}

// flushLocked emits buffered conversational content as one message.
func (w *Wrapper) flushLocked() {
	if w.flushTimer != nil {
		w.flushTimer.Stop()
		w.flushTimer = nil
	}
	content := strings.TrimSpace(w.buf.String())
	w.buf.Reset()
	if content == "" {
		return
	}
	w.emitMessageLocked(domain.RoleAssistant, content, domain.SourceStream)
}

// discardLocked drops buffered content without emitting it.
func (w *Wrapper) discardLocked() {
	if w.flushTimer != nil {
		w.flushTimer.Stop()
		w.flushTimer = nil
	}
	w.buf.Reset()
}

// resetFlushTimerLocked (re)starts the debounce timer. The agent streams in
// arbitrarily small chunks; coalescing until a quiet period keeps each
// answer one coherent message instead of dozens of fragments.
func (w *Wrapper) resetFlushTimerLocked() {
	if w.flushTimer != nil {
		w.flushTimer.Stop()
	}
	w.flushTimer = time.AfterFunc(w.opts.Runner.DebounceInterval, func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.flushLocked()
	})
}

func (w *Wrapper) interruptLocked() {
	w.discardLocked()
	if w.cmd != nil && w.cmd.Process != nil {
		if err := w.cmd.Process.Signal(os.Interrupt); err != nil {
			w.logger.Debug("[RUNNER] Interrupt signal failed", "session", w.opts.SessionName, "error", err)
		}
	}
	if w.state == domain.StatusProcessing {
		w.state = domain.StatusInterrupted
	}
	w.emitLocked(Event{Type: EventInterrupted})
	w.logger.Info("[RUNNER] Session interrupted", "session", w.opts.SessionName)
}

func (w *Wrapper) emitMessageLocked(role domain.Role, content, source string) {
	msg := &domain.Message{
		Role:        role,
		Content:     content,
		Timestamp:   time.Now(),
		Source:      source,
		SessionName: w.opts.SessionName,
	}
	w.emitLocked(Event{Type: EventMessage, Message: msg})
}

func (w *Wrapper) emitLocked(ev Event) {
	ev.SessionID = w.opts.SessionID
	ev.SessionName = w.opts.SessionName
	w.events <- ev
}

func (w *Wrapper) readStderr(r io.Reader) {
	defer w.readersWg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStderrTail)
	for scanner.Scan() {
		line := strings.TrimSpace(StripANSI(scanner.Text()))
		if line == "" {
			continue
		}

		w.mu.Lock()
		if w.stderrTail.Len() < maxStderrTail {
			w.stderrTail.WriteString(line)
			w.stderrTail.WriteByte('\n')
		}
		live := w.state == domain.StatusReady ||
			w.state == domain.StatusProcessing ||
			w.state == domain.StatusInterrupted
		if live {
			// Runtime stream error: non-fatal, the session continues.
			w.emitLocked(Event{Type: EventError, Err: line})
		}
		w.mu.Unlock()
	}
}

// waitExit reaps the child process once both stream readers have drained.
func (w *Wrapper) waitExit() {
	w.readersWg.Wait()
	err := w.cmd.Wait()

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if err != nil {
		exitCode = -1
	}
	w.completeExit(exitCode)
}

// completeExit emits the terminal event and releases per-session resources.
// The closed event is emitted whether or not readiness was ever reached, so
// the consumer always learns about the dead process. The debounce timer must
// be stopped before the event channel closes; a late flush into a closed
// channel would panic.
func (w *Wrapper) completeExit(exitCode int) {
	w.mu.Lock()
	wasReady := w.isReady()
	ev := Event{Type: EventClosed, ExitCode: exitCode}
	if wasReady {
		w.flushLocked()
	} else {
		w.discardLocked()
		w.exitDiagnosis = DiagnoseEarlyExit(w.stderrTail.String(), exitCode)
		ev.Err = w.exitDiagnosis
		w.logger.Error("[RUNNER] Agent exited before readiness",
			"session", w.opts.SessionName,
			"exit_code", exitCode,
			"diagnosis", w.exitDiagnosis,
		)
	}
	w.emitLocked(ev)
	w.state = domain.StatusStopped
	w.cleanupLocked()
	w.mu.Unlock()

	close(w.exitedCh)
	w.eventsOnce.Do(func() { close(w.events) })
	w.logger.Info("[RUNNER] Agent process exited",
		"session", w.opts.SessionName,
		"exit_code", exitCode,
		"was_ready", wasReady,
	)
}

// isReady reports whether readiness was ever reached.
func (w *Wrapper) isReady() bool {
	select {
	case <-w.readyCh:
		return true
	default:
		return false
	}
}

// cleanupLocked removes per-session ephemeral resources.
func (w *Wrapper) cleanupLocked() {
	if w.recipePath != "" {
		if err := os.Remove(w.recipePath); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("[RUNNER] Failed to remove recipe file", "path", w.recipePath, "error", err)
		}
		w.recipePath = ""
	}
}

// failStartLocked resets state after a failed spawn.
func (w *Wrapper) failStartLocked() {
	w.state = domain.StatusStopped
	w.cleanupLocked()
	close(w.exitedCh)
	w.eventsOnce.Do(func() { close(w.events) })
}
