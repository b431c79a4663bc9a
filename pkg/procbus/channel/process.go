package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
)

// ShutdownGrace is how long Close waits for a worker to exit after its
// stdin is closed.
const ShutdownGrace = 5 * time.Second

// Command describes a worker process to spawn.
type Command struct {
	// Name identifies the worker in logs.
	Name string
	// Path is the executable to run.
	Path string
	Args []string
	// Env is appended to the current environment.
	Env []string
	Dir string
}

// Process is a spawned worker whose stdin and stdout carry a Stream.
// Anything the worker writes to stderr is logged line by line.
type Process struct {
	*Stream

	cmd    *exec.Cmd
	cancel context.CancelFunc
	logger *slog.Logger

	stderrDone chan struct{}
	waitOnce   sync.Once
	waitErr    error
}

// Spawn starts the command and connects a Stream to its stdin and stdout.
// Cancelling ctx kills the process.
func Spawn(ctx context.Context, c Command, codec envelope.Codec, opts ...Option) (*Process, error) {
	if c.Path == "" {
		return nil, errors.New("command path is required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("worker", c.Name))

	procCtx, cancel := context.WithCancel(ctx)

	// #nosec G204 -- the command comes from the hub configuration
	cmd := exec.CommandContext(procCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start worker %q: %w", c.Name, err)
	}
	logger.Debug("worker process started", slog.Int("pid", cmd.Process.Pid))

	p := &Process{
		cmd:        cmd,
		cancel:     cancel,
		logger:     logger,
		stderrDone: make(chan struct{}),
	}
	p.Stream = NewStream(stdout, stdin, codec, append(opts, WithLogger(logger))...)

	go p.scanStderr(stderr)
	return p, nil
}

// PID returns the process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		<-p.Stream.readEnd
		p.waitErr = p.cmd.Wait()
		p.cancel()
		p.logger.Debug("worker process exited", slog.Any("error", p.waitErr))
	})
	return p.waitErr
}

// Close closes the stream, which closes the worker's stdin, and waits for
// the process to exit. A worker still running after ShutdownGrace is killed.
func (p *Process) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
	defer cancel()
	return p.Shutdown(ctx)
}

// Shutdown closes the stream and waits for the process to exit or ctx to
// be done, whichever comes first. On ctx expiry the process is killed.
func (p *Process) Shutdown(ctx context.Context) error {
	_ = p.Stream.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.Wait() }()

	select {
	case err := <-exited:
		return ignoreSignalExit(err)
	case <-ctx.Done():
		p.cancel()
		return ignoreSignalExit(<-exited)
	}
}

func (p *Process) scanStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info("worker stderr", slog.String("line", scanner.Text()))
	}
}

func ignoreSignalExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		return nil
	}
	return err
}

// Stdio returns a Stream over the current process's stdin and stdout.
// Workers spawned by the hub use it to talk back. Logs must go to stderr.
func Stdio(codec envelope.Codec, opts ...Option) *Stream {
	return NewStream(os.Stdin, os.Stdout, codec, opts...)
}
