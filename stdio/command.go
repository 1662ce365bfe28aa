package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes how to launch a server child process. The process's
// stdin/stdout carry the JSON-RPC stream; stderr is drained and forwarded to
// the client's logger as a diagnostic channel.
type Command struct {
	// Path is the executable to run. Required.
	Path string
	// Args are passed verbatim to the executable.
	Args []string
	// Env entries are appended to the parent environment.
	Env []string
	// Dir is the working directory. Empty means inherit.
	Dir string
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}
	return c.Path + " " + strings.Join(c.Args, " ")
}

// StartCommand launches the child process described by cmd and returns a
// Client connected to its stdio streams. The child is owned by the Client:
// Close (or stream teardown on any exit path) closes its stdin, waits for a
// graceful exit, and escalates to a kill after the configured grace period.
func StartCommand(ctx context.Context, cmd Command, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cmd.Path) == "" {
		return nil, errors.New("missing command path")
	}

	ec := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	if len(cmd.Env) > 0 {
		ec.Env = append(os.Environ(), cmd.Env...)
	}
	ec.Dir = cmd.Dir

	stdin, err := ec.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := ec.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := ec.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := ec.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	p := &process{cmd: ec, stdin: stdin}
	c := newClient(stdout, stdin, p, cmd.String(), opts...)
	go c.drainStderr(stderr)
	return c, nil
}

// process owns the child for the lifetime of a connection.
type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// shutdown closes the child's stdin to signal completion, waits up to grace
// for a clean exit, then kills and reaps the process. Safe to call once.
func (p *process) shutdown(grace time.Duration, log *slog.Logger) {
	_ = p.stdin.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- p.cmd.Wait() }()

	select {
	case err := <-waitCh:
		if err != nil {
			log.Debug("server process exited", slog.String("err", err.Error()))
		}
		return
	case <-time.After(grace):
	}

	log.Warn("server process did not exit in time, killing", slog.Duration("grace", grace))
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-waitCh
}

// drainStderr forwards the child's stderr lines to the logger. The stream is
// never parsed as protocol traffic.
func (c *Client) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), c.maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.log.LogAttrs(c.baseCtx, slog.LevelDebug, "server stderr", slog.String("line", line))
	}
	if err := sc.Err(); err != nil {
		// An overlong line stops the scanner; keep consuming so the child
		// never blocks on a full stderr pipe.
		c.log.LogAttrs(c.baseCtx, slog.LevelDebug, "server stderr no longer parsed", slog.String("err", err.Error()))
		_, _ = io.Copy(io.Discard, r)
	}
}
