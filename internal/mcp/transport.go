package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Transport carries framed JSON-RPC messages.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

const maxMessageBytes = 4 << 20

var errTransportClosed = errors.New("transport closed")

// StdioTransport talks to a server subprocess over its stdin/stdout, one
// JSON message per line.
type StdioTransport struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan []byte
	readErr error

	mu     sync.Mutex
	closed bool
}

func NewStdioTransport(cfg ServerConfig, logger *slog.Logger) (*StdioTransport, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+os.ExpandEnv(v))
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", cfg.Command, err)
	}

	t := &StdioTransport{cmd: cmd, stdin: stdin, lines: make(chan []byte, 16)}
	go t.read(stdout)
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			logger.Debug("mcp stderr", "server", cfg.Name, "line", sc.Text())
		}
	}()
	return t, nil
}

// read is the single reader of stdout; Receive consumes its output.
func (t *StdioTransport) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxMessageBytes)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if len(line) == 0 {
			continue
		}
		t.lines <- line
	}
	t.readErr = sc.Err()
	if t.readErr == nil {
		t.readErr = io.EOF
	}
	close(t.lines)
}

func (t *StdioTransport) Send(_ context.Context, msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if _, err := t.stdin.Write(append(msg, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (t *StdioTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case line, ok := <-t.lines:
		if !ok {
			return nil, t.readErr
		}
		return json.RawMessage(line), nil
	}
}

// Close kills the subprocess and reaps it.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	_ = t.cmd.Wait()
	return nil
}

// ReconnectableTransport restarts the server when a send fails, with
// exponential backoff.
type ReconnectableTransport struct {
	cfg      ServerConfig
	logger   *slog.Logger
	maxRetry int

	mu        sync.Mutex
	transport *StdioTransport
	swapped   chan struct{}
}

func NewReconnectableTransport(cfg ServerConfig, logger *slog.Logger) (*ReconnectableTransport, error) {
	t, err := NewStdioTransport(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &ReconnectableTransport{cfg: cfg, logger: logger, maxRetry: 3, transport: t, swapped: make(chan struct{})}, nil
}

func (r *ReconnectableTransport) Send(ctx context.Context, msg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.transport.Send(ctx, msg)
	if err == nil {
		return nil
	}
	backoff := time.Second
	for attempt := 1; attempt <= r.maxRetry; attempt++ {
		r.logger.Info("mcp reconnecting", "server", r.cfg.Name, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		_ = r.transport.Close()
		next, startErr := NewStdioTransport(r.cfg, r.logger)
		if startErr != nil {
			continue
		}
		r.transport = next
		close(r.swapped)
		r.swapped = make(chan struct{})
		if err := next.Send(ctx, msg); err == nil {
			r.logger.Info("mcp reconnected", "server", r.cfg.Name)
			return nil
		}
	}
	return fmt.Errorf("mcp %s: reconnect failed after %d attempts: %w", r.cfg.Name, r.maxRetry, err)
}

// Receive reads from the current subprocess, following it across restarts.
func (r *ReconnectableTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	for {
		r.mu.Lock()
		t, swapped := r.transport, r.swapped
		r.mu.Unlock()
		msg, err := t.Receive(ctx)
		if err == nil {
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		// The current process ended: wait for a replacement or give up.
		select {
		case <-swapped:
			continue
		case <-time.After(time.Duration(1<<r.maxRetry) * time.Second):
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *ReconnectableTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transport.Close()
}
