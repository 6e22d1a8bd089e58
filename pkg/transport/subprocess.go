package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

const maxLineSize = 16 << 20

// SubprocessAdapter runs one child process per conversation and speaks
// newline-delimited JSON-RPC over its stdin and stdout.
type SubprocessAdapter struct {
	opts   Options
	logger logging.Logger
}

// NewSubprocessAdapter creates a subprocess adapter.
func NewSubprocessAdapter(opts Options) *SubprocessAdapter {
	opts = opts.withDefaults()
	return &SubprocessAdapter{
		opts:   opts,
		logger: opts.Logger.WithFields(logging.Component("subprocess")),
	}
}

// Open spawns the backend's command in its own process group.
func (a *SubprocessAdapter) Open(ctx context.Context, desc registry.Descriptor) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, mcperrors.Cancelled("subprocess open", err)
	}

	// The process must outlive ctx, so it is not tied to it.
	cmd := exec.Command(desc.Command, desc.Args...)
	cmd.Dir = desc.Dir
	cmd.Env = os.Environ()
	for k, v := range desc.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, mcperrors.TransportFailure("subprocess", "open", err)
	}
	// Output pipes are created here rather than with StdoutPipe so that
	// reaping the child never waits on descendants that inherited them.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, mcperrors.TransportFailure("subprocess", "open", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdout, stdoutW)
		return nil, mcperrors.TransportFailure("subprocess", "open", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	closeAll(stdoutW, stderrW)
	if err != nil {
		_ = stdin.Close()
		closeAll(stdout, stderr)
		return nil, mcperrors.TransportFailure("subprocess", "spawn", err).
			WithContext(&mcperrors.Context{Backend: desc.Name, Component: "subprocess", Operation: "start"})
	}

	c := &subprocessConversation{
		convState:  newConvState(a.opts.ReceiveBuffer),
		desc:       desc,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderr:     stderr,
		writes:     make(chan []byte, a.opts.ReceiveBuffer),
		writerDone: make(chan struct{}),
		closing:    make(chan struct{}),
		grace:      a.opts.GracePeriod,
		logger:     a.logger.WithFields(logging.Backend(desc.Name), logging.Int("pid", cmd.Process.Pid)),
	}
	c.logger.Debug("subprocess started", logging.String("command", desc.Endpoint()))

	go c.writeLoop()
	c.run()
	return c, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Probe confirms the command resolves to an executable without starting it.
func (a *SubprocessAdapter) Probe(ctx context.Context, desc registry.Descriptor) error {
	if err := ctx.Err(); err != nil {
		return mcperrors.Cancelled("subprocess probe", err)
	}
	if _, err := exec.LookPath(desc.Command); err != nil {
		return mcperrors.TransportFailure("subprocess", "probe", err)
	}
	return nil
}

// Close implements Adapter. Subprocess conversations own their processes.
func (a *SubprocessAdapter) Close() error {
	return nil
}

type subprocessConversation struct {
	*convState

	desc   registry.Descriptor
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	// writes feeds writeLoop, the only goroutine touching stdin.
	writes     chan []byte
	writerDone chan struct{}

	grace     time.Duration
	logger    logging.Logger
	closing   chan struct{}
	closeOnce sync.Once

	protoErr atomic.Pointer[error]
	writeErr atomic.Pointer[error]
}

func (c *subprocessConversation) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// run starts the stdout and stderr readers and the reaper.
func (c *subprocessConversation) run() {
	var g errgroup.Group

	g.Go(func() error {
		return c.readFrames(c.stdout)
	})

	g.Go(func() error {
		scanner := bufio.NewScanner(c.stderr)
		scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
		for scanner.Scan() {
			c.logger.Debug("backend stderr", logging.String("line", scanner.Text()))
		}
		return nil
	})

	var readErr error
	readersDone := make(chan struct{})
	go func() {
		readErr = g.Wait()
		close(readersDone)
	}()

	go func() {
		waitErr := c.cmd.Wait()

		// Output still buffered in the pipes is read first. Descendants
		// holding the pipes open get the grace period, then the group is
		// killed and the pipes closed under them.
		timer := time.NewTimer(c.grace)
		select {
		case <-readersDone:
			timer.Stop()
		case <-timer.C:
			c.logger.Warn("backend output still open after exit, killing process group")
			_ = killProcessGroup(c.cmd)
			c.abandon()
			closeAll(c.stdout, c.stderr)
			<-readersDone
		}
		closeAll(c.stdout, c.stderr)

		c.finish(c.exitError(readErr, waitErr))
		c.logger.Debug("subprocess reaped", logging.Int("exit_code", c.cmd.ProcessState.ExitCode()))
	}()
}

func (c *subprocessConversation) readFrames(stdout io.Reader) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Parse(line)
		if err != nil {
			return c.protocolFailure(err)
		}
		// Once the consumer has gone, keep draining so the child never
		// blocks on a full pipe while it shuts down.
		c.deliver(msg)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		if errors.Is(err, bufio.ErrTooLong) {
			return c.protocolFailure(err)
		}
		return mcperrors.TransportFailure("subprocess", "read", err)
	}
	return nil
}

// protocolFailure records a malformed frame and kills the process; nothing
// further from it can be trusted.
func (c *subprocessConversation) protocolFailure(cause error) error {
	var err error = mcperrors.BackendProtocolError(c.desc.Name, cause)
	c.protoErr.Store(&err)
	c.logger.Warn("malformed frame from backend, terminating", logging.ErrorField(cause))
	_ = killProcessGroup(c.cmd)
	return err
}

func (c *subprocessConversation) exitError(readErr, waitErr error) error {
	if p := c.protoErr.Load(); p != nil {
		return *p
	}
	if c.isClosing() {
		return nil
	}
	code := -1
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	cause := waitErr
	if p := c.writeErr.Load(); p != nil {
		cause = *p
	}
	if cause == nil {
		cause = readErr
	}
	if cause == nil {
		cause = io.EOF
	}
	return mcperrors.ProcessExited(c.desc.Command, code, cause).
		WithContext(&mcperrors.Context{Backend: c.desc.Name, Component: "subprocess", Operation: "wait"})
}

// writeLoop copies queued lines to stdin. A child that stops reading blocks
// only this goroutine; closing stdin releases it.
func (c *subprocessConversation) writeLoop() {
	defer close(c.writerDone)

	w := bufio.NewWriter(c.stdin)
	for {
		select {
		case line := <-c.writes:
			_, err := w.Write(line)
			if err == nil && len(c.writes) == 0 {
				err = w.Flush()
			}
			if err != nil {
				c.writeFailure(err)
				return
			}
		case <-c.closing:
			return
		case <-c.done:
			return
		}
	}
}

// writeFailure kills a child whose stdin can no longer be written, so its
// pending requests fail now rather than at their deadlines.
func (c *subprocessConversation) writeFailure(err error) {
	if c.isClosing() {
		return
	}
	c.writeErr.Store(&err)
	c.logger.Warn("writing to backend failed, terminating", logging.ErrorField(err))
	_ = killProcessGroup(c.cmd)
}

// Send queues msg as one line for the child's stdin. It blocks only while
// the queue is full, and gives up when ctx ends.
func (c *subprocessConversation) Send(ctx context.Context, msg *protocol.Message) error {
	if c.finished() || c.isClosing() {
		return c.closedError("subprocess")
	}
	if err := ctx.Err(); err != nil {
		return mcperrors.Cancelled("subprocess send", err)
	}

	line, err := encodeLine(msg)
	if err != nil {
		return mcperrors.InvalidMessage("unencodable message", err)
	}

	select {
	case c.writes <- line:
		return nil
	case <-c.writerDone:
		if p := c.writeErr.Load(); p != nil {
			return mcperrors.TransportFailure("subprocess", "write", *p)
		}
		return c.closedError("subprocess")
	case <-c.done:
		return c.closedError("subprocess")
	case <-ctx.Done():
		return mcperrors.Cancelled("subprocess send", ctx.Err())
	}
}

// Close closes stdin, waits up to the grace period for the process to exit
// and then kills its process group. It blocks until the process has been
// reaped, which takes at most two grace periods.
func (c *subprocessConversation) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.abandon()
		_ = c.stdin.Close()

		timer := time.NewTimer(c.grace)
		defer timer.Stop()

		select {
		case <-c.done:
		case <-timer.C:
			c.logger.Warn("subprocess ignored stdin close, killing", logging.Duration("grace", c.grace))
			_ = killProcessGroup(c.cmd)
			<-c.done
		}
	})
	return nil
}

// encodeLine renders msg on a single line terminated by '\n'.
func encodeLine(msg *protocol.Message) ([]byte, error) {
	raw, err := msg.Raw()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(raw) + 1)
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("compacting frame: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
