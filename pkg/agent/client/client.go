// Package client drives a management agent session over a Transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gluufederation/gluu-engine/pkg/agent/protocol"
)

// ErrClosed is returned for commands sent on a closed or broken session.
var ErrClosed = errors.New("agent session is closed")

// Transport uploads and launches the agent process.
type Transport interface {
	// Upload copies the agent binary to remotePath
	Upload(ctx context.Context, localPath, remotePath string) error
	// Execute starts the agent and returns its stdin and stdout
	Execute(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Cleanup removes the agent binary
	Cleanup(ctx context.Context, remotePath string) error
}

// Config contains client configuration options.
type Config struct {
	Transport Transport
	// LocalPath is the agent binary to upload. Empty means the binary is
	// already present at RemotePath.
	LocalPath      string
	RemotePath     string
	StartupTimeout time.Duration
}

// Client manages one agent session. Commands are serialized.
type Client struct {
	cfg     Config
	encoder *protocol.Encoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	msgs    chan *protocol.Message
	readErr error
	ready   *protocol.ReadyMessage

	cmdMu  sync.Mutex
	mu     sync.Mutex
	closed bool
}

// New creates a session client. Start must be called before use.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.RemotePath == "" {
		cfg.RemotePath = "/usr/local/bin/gluu-agent"
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}

	return &Client{cfg: cfg}, nil
}

// Start uploads the agent if configured, launches it and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	if c.cfg.LocalPath != "" {
		if err := c.cfg.Transport.Upload(ctx, c.cfg.LocalPath, c.cfg.RemotePath); err != nil {
			return fmt.Errorf("failed to upload agent: %w", err)
		}
	}

	stdin, stdout, err := c.cfg.Transport.Execute(ctx, c.cfg.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.msgs = make(chan *protocol.Message, 16)
	go c.readLoop(protocol.NewDecoder(stdout))

	timer := time.NewTimer(c.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout waiting for READY message")
	case msg, ok := <-c.msgs:
		if !ok {
			return fmt.Errorf("agent exited before READY: %w", c.readErr)
		}
		if msg.Type != protocol.MessageTypeReady {
			return fmt.Errorf("expected READY, got %s", msg.Type)
		}
		var ready protocol.ReadyMessage
		if err := msg.Unmarshal(&ready); err != nil {
			return err
		}
		c.ready = &ready
		return nil
	}
}

func (c *Client) readLoop(dec *protocol.Decoder) {
	defer close(c.msgs)
	for {
		msg, err := dec.Decode()
		if err != nil {
			c.readErr = err
			return
		}
		c.msgs <- msg
	}
}

// Execute sends a command and waits for its DONE or ERROR reply. Events are
// forwarded to eventCh when it is non-nil. Replies to earlier commands that
// were abandoned by a cancelled context are discarded.
func (c *Client) Execute(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (*protocol.DoneMessage, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if c.isClosed() {
		return nil, ErrClosed
	}

	if err := c.encoder.EncodeCommand(cmd); err != nil {
		c.markClosed()
		return nil, fmt.Errorf("%w: failed to send command: %v", ErrClosed, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case msg, ok := <-c.msgs:
			if !ok {
				c.markClosed()
				return nil, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
			}

			switch msg.Type {
			case protocol.MessageTypeEvent:
				var event protocol.EventMessage
				if err := msg.Unmarshal(&event); err != nil {
					return nil, fmt.Errorf("failed to parse event: %w", err)
				}
				if eventCh != nil && event.CommandID == cmd.ID {
					eventCh <- &event
				}

			case protocol.MessageTypeDone:
				var done protocol.DoneMessage
				if err := msg.Unmarshal(&done); err != nil {
					return nil, fmt.Errorf("failed to parse done: %w", err)
				}
				if done.CommandID != cmd.ID {
					continue
				}
				return &done, nil

			case protocol.MessageTypeError:
				var errMsg protocol.ErrorMessage
				if err := msg.Unmarshal(&errMsg); err != nil {
					return nil, fmt.Errorf("failed to parse error: %w", err)
				}
				if errMsg.CommandID != "" && errMsg.CommandID != cmd.ID {
					continue
				}
				return nil, &errMsg

			case protocol.MessageTypeExit:
				c.markClosed()
				return nil, fmt.Errorf("%w: agent exited", ErrClosed)

			default:
				return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
			}
		}
	}
}

// Ready returns the READY message received during startup.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Alive reports whether the session can still carry commands.
func (c *Client) Alive() bool {
	return !c.isClosed()
}

// Close ends the session and removes an uploaded agent binary.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed && c.stdin == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin, stdout := c.stdin, c.stdout
	c.stdin, c.stdout = nil, nil
	c.mu.Unlock()

	var errs []error
	if stdin != nil {
		if err := stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if stdout != nil {
		if err := stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}

	if c.cfg.LocalPath != "" {
		// The agent may already have removed itself.
		_ = c.cfg.Transport.Cleanup(ctx, c.cfg.RemotePath)
	}

	return errors.Join(errs...)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
