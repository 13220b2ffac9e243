package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	pty "github.com/creack/pty"
	types "github.com/synapse-agents/synapse/types"
	zap "go.uber.org/zap"
	term "golang.org/x/term"
)

const (
	// idleTickInterval is the cadence of the idle-inference ticker. A PTY
	// master read blocks for as long as the child stays quiet, so READY must
	// be inferred from a timer, never from reader wakes alone.
	idleTickInterval = 100 * time.Millisecond

	// maxRawBytes bounds the append-only raw output buffer.
	maxRawBytes = 64 * 1024

	// rawTailWindow is how much of the raw tail idle patterns may inspect.
	rawTailWindow = 1024

	// writeSettleDelay separates the payload from the submit sequence so
	// TUI apps register the text before the commit keystroke.
	writeSettleDelay = 150 * time.Millisecond

	// doneRelaxAfter is how long DONE stays sticky before relaxing to READY.
	doneRelaxAfter = 10 * time.Second
)

// ErrNotStarted is returned by Write and Interrupt before Start has opened
// the PTY (or after Stop).
var ErrNotStarted = fmt.Errorf("terminal controller is not running")

// StatusSink receives agent status transitions. Publishes happen only on
// change to avoid write amplification on the registry.
type StatusSink interface {
	PublishStatus(status types.AgentStatus)
}

// Options configures a Controller.
type Options struct {
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// SubmitSequence is the byte sequence that commits typed input
	// (e.g. "\n" for readline apps, "\r" for TUI apps).
	SubmitSequence string

	Idle         IdleDetection
	WaitingRegex string

	AgentID   string
	AgentType string
	AgentName string
	AgentRole string
	Port      int

	// InitialInstruction is the resolved bootstrap prompt, already merged
	// by the host CLI. Placeholders {{agent_id}}, {{agent_name}},
	// {{agent_role}} and {{port}} are substituted at injection time.
	InitialInstruction      string
	SkipInitialInstructions bool

	// OnIdentitySent fires once, when the initial instruction has been
	// injected or skipped. The A2A server's readiness gate hangs off it.
	OnIdentitySent func()

	StatusSink StatusSink
	Logger     *zap.Logger
}

// Controller owns one child CLI under one PTY: it injects text as if typed,
// observes output, and infers whether the child is idle, processing, or
// waiting for input.
type Controller struct {
	opts   Options
	logger *zap.Logger

	mu             sync.Mutex
	ptm            *os.File
	cmd            *exec.Cmd
	running        bool
	status         types.AgentStatus
	rawBuf         []byte
	render         *RenderBuffer
	lastOutputTime *time.Time
	doneAt         time.Time
	echo           io.Writer // set by RunInteractive; mirrors output to the human

	detector     *idleDetector
	waitingRe    *regexp.Regexp
	identity     identityState
	identityWait time.Duration
	writeMu      sync.Mutex
	readerDone   chan struct{}
	stopOnce     sync.Once
}

// identityState is the flag trio guarding the one-shot identity injection.
type identityState struct {
	sent    bool
	sending bool
}

// NewController creates a controller; Start spawns the child.
func NewController(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SubmitSequence == "" {
		opts.SubmitSequence = "\n"
	}

	c := &Controller{
		opts:         opts,
		logger:       logger,
		status:       types.AgentStatusProcessing,
		render:       NewRenderBuffer(),
		detector:     newIdleDetector(opts.Idle, logger),
		identityWait: identityWaitTimeout,
	}

	if opts.WaitingRegex != "" {
		re, err := regexp.Compile(opts.WaitingRegex)
		if err != nil {
			logger.Warn("waiting regex failed to compile, waiting detection disabled",
				zap.String("regex", opts.WaitingRegex),
				zap.Error(err))
		} else {
			c.waitingRe = re
		}
	}

	return c
}

// Start opens a PTY pair and spawns the child in a new session with the
// slave as its controlling terminal, then launches the reader and idle
// goroutines.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("controller already started")
	}

	cmd := exec.Command(c.opts.Command, c.opts.Args...)
	if c.opts.Dir != "" {
		cmd.Dir = c.opts.Dir
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range c.opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"SYNAPSE_AGENT_ID="+c.opts.AgentID,
		"SYNAPSE_AGENT_TYPE="+c.opts.AgentType,
	)

	// pty.Start sets Setsid on the child: it becomes its own session and
	// process-group leader, which gives kill(-pid) semantics for Interrupt.
	ptm, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty start: %w", err)
	}

	c.ptm = ptm
	c.cmd = cmd
	c.running = true
	c.readerDone = make(chan struct{})
	c.setStatusLocked(types.AgentStatusProcessing)

	c.logger.Info("child started",
		zap.String("command", c.opts.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("agent_id", c.opts.AgentID))

	go c.readLoop()
	go c.idleLoop()

	return nil
}

// readLoop drains the PTY master, feeding the raw and render buffers. The
// read blocks while the child is quiet; Stop unblocks it by closing the
// master. Idle inference runs on idleLoop's ticker, not here.
func (c *Controller) readLoop() {
	defer close(c.readerDone)

	buf := make([]byte, 4096)
	for {
		c.mu.Lock()
		ptm := c.ptm
		running := c.running
		c.mu.Unlock()
		if !running || ptm == nil {
			return
		}

		n, err := ptm.Read(buf)
		if n > 0 {
			c.consume(buf[:n])
			c.checkIdle(true)
		}
		if err != nil {
			// Read error means the slave side closed (child exited) or the
			// master was closed by Stop.
			c.handleChildExit(err)
			return
		}
	}
}

// idleLoop drives idle inference on a fixed cadence until the controller
// stops, so a quiet child still transitions to READY.
func (c *Controller) idleLoop() {
	ticker := time.NewTicker(idleTickInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return
		}
		c.checkIdle(false)
	}
}

// consume appends a chunk to both buffers and stamps last output time.
func (c *Controller) consume(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rawBuf = append(c.rawBuf, chunk...)
	if len(c.rawBuf) > maxRawBytes {
		c.rawBuf = c.rawBuf[len(c.rawBuf)-maxRawBytes:]
	}
	c.render.Write(chunk)
	if c.echo != nil {
		_, _ = c.echo.Write(chunk)
	}

	now := time.Now()
	c.lastOutputTime = &now
}

// checkIdle runs the idle-inference state machine. Called on every reader
// wake: newData true when bytes arrived, false on poll timeout.
func (c *Controller) checkIdle(newData bool) {
	c.mu.Lock()

	now := time.Now()

	// DONE is sticky for a while, then relaxes to READY.
	if c.status == types.AgentStatusDone {
		if now.Sub(c.doneAt) >= doneRelaxAfter {
			c.setStatusLocked(types.AgentStatusReady)
		} else if !newData {
			c.mu.Unlock()
			return
		}
	}

	if newData && c.status != types.AgentStatusProcessing {
		c.setStatusLocked(types.AgentStatusProcessing)
	}

	renderedTail := c.render.Tail(idlePatternWindow)
	rawTail := c.rawTailLocked()
	lastOutput := c.lastOutputTime

	if c.status == types.AgentStatusProcessing || c.status == types.AgentStatusWaiting {
		if c.waitingRe != nil && c.waitingRe.MatchString(renderedTail) {
			c.setStatusLocked(types.AgentStatusWaiting)
			c.mu.Unlock()
			return
		}
	}

	becameReady := false
	if c.status == types.AgentStatusProcessing {
		if c.detector.isIdle(renderedTail, rawTail, lastOutput, now) {
			c.setStatusLocked(types.AgentStatusReady)
			becameReady = true
		}
	}
	identityPending := becameReady && !c.identity.sent && !c.identity.sending
	c.mu.Unlock()

	if identityPending {
		go c.injectIdentity()
	}
}

func (c *Controller) rawTailLocked() string {
	if len(c.rawBuf) <= rawTailWindow {
		return string(c.rawBuf)
	}
	return string(c.rawBuf[len(c.rawBuf)-rawTailWindow:])
}

// setStatusLocked updates the status and publishes it only on change.
// Caller must hold c.mu.
func (c *Controller) setStatusLocked(status types.AgentStatus) {
	if c.status == status {
		return
	}
	c.status = status
	if status == types.AgentStatusDone {
		c.doneAt = time.Now()
	}

	c.logger.Debug("agent status changed", zap.String("status", string(status)))

	if c.opts.StatusSink != nil {
		// Publish without holding callers up; the sink does file I/O.
		go c.opts.StatusSink.PublishStatus(status)
	}
}

// Status returns the current inferred agent status.
func (c *Controller) Status() types.AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// MarkDone marks the agent as having finished a task. DONE relaxes back to
// READY automatically.
func (c *Controller) MarkDone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStatusLocked(types.AgentStatusDone)
}

// RenderedContext returns the displayable tail of the child's output. This
// is the only consumer-facing snapshot; the raw buffer is debug-only.
func (c *Controller) RenderedContext() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.render.String()
}

// IdentitySent reports whether the one-shot identity injection completed
// (or was skipped).
func (c *Controller) IdentitySent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity.sent
}

// Write injects text into the child PTY as if typed, followed by the submit
// sequence after a short settle delay. Atomic for a single message: the
// internal write mutex covers the (payload + submit) pair, but concurrent
// callers are otherwise responsible for their own ordering.
func (c *Controller) Write(text string) error {
	return c.WriteWithSubmit(text, c.opts.SubmitSequence)
}

// WriteWithSubmit is Write with an explicit submit sequence.
func (c *Controller) WriteWithSubmit(text, submitSeq string) error {
	c.mu.Lock()
	ptm := c.ptm
	running := c.running
	if running && ptm != nil {
		// The child is about to receive input; output will follow.
		c.setStatusLocked(types.AgentStatusProcessing)
	}
	c.mu.Unlock()

	if !running || ptm == nil {
		return ErrNotStarted
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := ptm.WriteString(text); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	time.Sleep(writeSettleDelay)
	if _, err := ptm.WriteString(submitSeq); err != nil {
		return fmt.Errorf("pty write submit: %w", err)
	}

	c.logger.Debug("wrote to child pty", zap.Int("bytes", len(text)))
	return nil
}

// Interrupt sends SIGINT to the child's process group, not just the PID, so
// any grandchildren the CLI spawned are interrupted too.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	cmd := c.cmd
	running := c.running
	if running {
		c.setStatusLocked(types.AgentStatusProcessing)
	}
	c.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil || pgid <= 0 {
		pgid = pid
	}
	if err := syscall.Kill(-pgid, syscall.SIGINT); err != nil {
		return fmt.Errorf("interrupt process group %d: %w", pgid, err)
	}

	c.logger.Info("interrupted child", zap.Int("pgid", pgid))
	return nil
}

// Stop terminates the child, closes the master and waits for the reader.
// Safe to call more than once; the second call is a no-op.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cmd := c.cmd
		ptm := c.ptm
		readerDone := c.readerDone
		c.running = false
		c.mu.Unlock()

		if cmd != nil && cmd.Process != nil {
			pid := cmd.Process.Pid
			pgid, err := syscall.Getpgid(pid)
			if err != nil || pgid <= 0 {
				pgid = pid
			}
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		}

		if ptm != nil {
			_ = ptm.Close()
		}

		if readerDone != nil {
			select {
			case <-readerDone:
			case <-time.After(2 * time.Second):
				c.logger.Warn("reader did not exit promptly")
			}
		}

		if cmd != nil {
			_ = cmd.Wait()
		}

		c.mu.Lock()
		c.ptm = nil
		c.mu.Unlock()

		c.logger.Info("controller stopped", zap.String("agent_id", c.opts.AgentID))
	})
}

// handleChildExit records an unexpected child exit observed by the reader.
func (c *Controller) handleChildExit(err error) {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	cmd := c.cmd
	c.mu.Unlock()

	if !wasRunning {
		return // Stop already tearing down
	}

	if cmd != nil {
		_ = cmd.Wait()
	}

	if err != io.EOF {
		c.logger.Warn("child exited", zap.Error(err))
	} else {
		c.logger.Info("child exited")
	}
}

// RunInteractive runs the child attached to the caller's terminal: the human
// types directly while the controller still observes output and the A2A
// server can inject messages. Terminal modes are restored on exit.
func (c *Controller) RunInteractive() error {
	c.mu.Lock()
	c.echo = os.Stdout
	c.mu.Unlock()

	if err := c.Start(); err != nil {
		return err
	}

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			return fmt.Errorf("set raw terminal mode: %w", err)
		}
		defer func() { _ = term.Restore(stdinFd, oldState) }()

		c.mu.Lock()
		ptm := c.ptm
		c.mu.Unlock()
		if ptm != nil {
			_ = pty.InheritSize(os.Stdin, ptm)
		}
	}

	// Relay human keystrokes into the PTY. Output relay to the human's
	// screen is handled by the reader through the echo writer.
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				c.mu.Lock()
				ptm := c.ptm
				c.mu.Unlock()
				if ptm == nil {
					return
				}
				if _, werr := ptm.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	c.waitForReader()
	return nil
}

func (c *Controller) waitForReader() {
	c.mu.Lock()
	readerDone := c.readerDone
	c.mu.Unlock()
	if readerDone != nil {
		<-readerDone
	}
}

// Wait blocks until the child exits and the reader drains.
func (c *Controller) Wait() {
	c.waitForReader()
}

// PID returns the child process id, or 0 when not running.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
