// Package runner implements the command loop of the management agent that
// runs inside every workload container.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/gluufederation/gluu-engine/pkg/agent/handlers"
	"github.com/gluufederation/gluu-engine/pkg/agent/protocol"
)

// Exit reasons reported in the EXIT message.
const (
	ReasonStdinClosed = "stdin_closed"
	ReasonShutdown    = "shutdown"
	ReasonTTLExpired  = "ttl_expired"
	ReasonCancelled   = "cancelled"
	ReasonError       = "error"
)

// Options configures an agent.
type Options struct {
	// AgentID is announced in the READY message.
	AgentID string
	// TTL ends the session after this long. Zero means no limit.
	TTL time.Duration
	// SelfDelete removes the agent binary on exit.
	SelfDelete bool
}

// Runner serves protocol commands read from in and writes replies to out.
type Runner struct {
	opts      Options
	encoder   *protocol.Encoder
	decoder   *protocol.Decoder
	startTime time.Time
	commands  int
}

// New creates a runner over the given streams.
func New(in io.Reader, out io.Writer, opts Options) *Runner {
	return &Runner{
		opts:      opts,
		encoder:   protocol.NewEncoder(out),
		decoder:   protocol.NewDecoder(in),
		startTime: time.Now(),
	}
}

type decoded struct {
	msg *protocol.Message
	err error
}

// Serve announces READY and handles commands until the input closes, a
// shutdown command arrives, the TTL expires or ctx is cancelled. It returns
// the process exit code.
func (r *Runner) Serve(ctx context.Context) int {
	if r.opts.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.TTL)
		defer cancel()
	}

	if err := r.encoder.EncodeReady(r.ready()); err != nil {
		return 1
	}

	// The decoder blocks on stdin, so reads happen on their own goroutine.
	msgs := make(chan decoded)
	go func() {
		for {
			msg, err := r.decoder.Decode()
			select {
			case msgs <- decoded{msg, err}:
			case <-ctx.Done():
				return
			}
			if errors.Is(err, io.EOF) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			reason := ReasonCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = ReasonTTLExpired
			}
			return r.exit(reason, 0)

		case d := <-msgs:
			if errors.Is(d.err, io.EOF) {
				return r.exit(ReasonStdinClosed, 0)
			}
			if d.err != nil {
				_ = r.encoder.EncodeError(&protocol.ErrorMessage{
					Code:    protocol.CodeInvalidCommand,
					Message: d.err.Error(),
				})
				continue
			}

			cmd, err := commandFrom(d.msg)
			if err != nil {
				_ = r.encoder.EncodeError(&protocol.ErrorMessage{
					Code:    protocol.CodeInvalidCommand,
					Message: err.Error(),
				})
				continue
			}

			if stop := r.process(ctx, cmd); stop {
				return r.exit(ReasonShutdown, 0)
			}
		}
	}
}

func commandFrom(msg *protocol.Message) (*protocol.CommandMessage, error) {
	if msg.Type != protocol.MessageTypeCommand {
		return nil, fmt.Errorf("expected CMD message, got %s", msg.Type)
	}
	var cmd protocol.CommandMessage
	if err := msg.Unmarshal(&cmd); err != nil {
		return nil, err
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// process runs one command and reports whether the agent should stop.
func (r *Runner) process(ctx context.Context, cmd *protocol.CommandMessage) bool {
	r.commands++

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
	defer cancel()

	eventCh := make(chan *protocol.EventMessage, 10)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for evt := range eventCh {
			_ = r.encoder.EncodeEvent(evt)
		}
	}()

	start := time.Now()
	result, code, err := r.handle(cmdCtx, cmd, eventCh)
	close(eventCh)
	wg.Wait()

	if err != nil {
		if cmdCtx.Err() != nil && ctx.Err() == nil {
			code = protocol.CodeTimeout
		}
		_ = r.encoder.EncodeError(&protocol.ErrorMessage{
			CommandID: cmd.ID,
			Code:      code,
			Message:   err.Error(),
		})
		return false
	}

	_ = r.encoder.EncodeDone(&protocol.DoneMessage{
		CommandID: cmd.ID,
		Result:    result,
		Duration:  time.Since(start).Seconds(),
	})

	return cmd.Type == protocol.CommandTypeShutdown
}

func (r *Runner) handle(ctx context.Context, cmd *protocol.CommandMessage, eventCh chan<- *protocol.EventMessage) (json.RawMessage, string, error) {
	var (
		result any
		err    error
		code   = protocol.CodeExecFailed
	)

	switch cmd.Type {
	case protocol.CommandTypePing, protocol.CommandTypeShutdown:
		result = &protocol.PingResult{
			AgentID: r.opts.AgentID,
			Uptime:  int64(time.Since(r.startTime).Seconds()),
		}

	case protocol.CommandTypeExec:
		var params protocol.ExecParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, protocol.CodeInvalidCommand, err
		}
		eventCh <- &protocol.EventMessage{CommandID: cmd.ID, Level: "debug", Message: "running: " + params.Command}
		result, err = (&handlers.ExecHandler{}).Handle(ctx, &params, eventCh)

	case protocol.CommandTypeFileWrite:
		var params protocol.FileWriteParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, protocol.CodeInvalidCommand, err
		}
		code = protocol.CodeFileError
		result, err = (&handlers.FileWriteHandler{}).Handle(ctx, &params, eventCh)

	case protocol.CommandTypeFileRead:
		var params protocol.FileReadParams
		if err := protocol.ParseParams(cmd.Params, &params); err != nil {
			return nil, protocol.CodeInvalidCommand, err
		}
		code = protocol.CodeFileError
		result, err = (&handlers.FileReadHandler{}).Handle(ctx, &params, eventCh)

	default:
		return nil, protocol.CodeUnknownCommand, fmt.Errorf("unsupported command type: %s", cmd.Type)
	}

	if err != nil {
		return nil, code, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, protocol.CodeExecFailed, fmt.Errorf("failed to marshal result: %w", err)
	}
	return raw, "", nil
}

func (r *Runner) ready() *protocol.ReadyMessage {
	return &protocol.ReadyMessage{
		AgentID:  r.opts.AgentID,
		Version:  protocol.Version,
		Platform: goruntime.GOOS,
		Arch:     goruntime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.CommandTypePing):      true,
			string(protocol.CommandTypeExec):      true,
			string(protocol.CommandTypeFileWrite): true,
			string(protocol.CommandTypeFileRead):  true,
		},
	}
}

func (r *Runner) exit(reason string, code int) int {
	if r.opts.SelfDelete {
		if path, err := os.Executable(); err == nil {
			_ = os.Remove(path)
		}
	}

	_ = r.encoder.EncodeExit(&protocol.ExitMessage{
		Reason:        reason,
		ExitCode:      code,
		CommandsTotal: r.commands,
	})
	return code
}
