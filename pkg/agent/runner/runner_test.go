package runner

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/gluufederation/gluu-engine/pkg/agent/protocol"
)

type session struct {
	enc  *protocol.Encoder
	dec  *protocol.Decoder
	in   *io.PipeWriter
	done chan int
}

func startRunner(t *testing.T, ctx context.Context, opts Options) *session {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	s := &session{
		enc:  protocol.NewEncoder(inW),
		dec:  protocol.NewDecoder(outR),
		in:   inW,
		done: make(chan int, 1),
	}

	go func() {
		code := New(inR, outW, opts).Serve(ctx)
		_ = outW.Close()
		s.done <- code
	}()

	msg, err := s.dec.Decode()
	if err != nil {
		t.Fatalf("failed to read READY: %v", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		t.Fatalf("expected READY, got %s", msg.Type)
	}
	return s
}

func (s *session) send(t *testing.T, cmd *protocol.CommandMessage) {
	t.Helper()
	if err := s.enc.EncodeCommand(cmd); err != nil {
		t.Fatalf("failed to send command: %v", err)
	}
}

// reply skips events and returns the terminal message for a command.
func (s *session) reply(t *testing.T) *protocol.Message {
	t.Helper()
	for {
		msg, err := s.dec.Decode()
		if err != nil {
			t.Fatalf("failed to read reply: %v", err)
		}
		if msg.Type != protocol.MessageTypeEvent {
			return msg
		}
	}
}

func TestRunnerExec(t *testing.T) {
	s := startRunner(t, context.Background(), Options{AgentID: "abc123456789"})

	cmd, _ := protocol.NewCommand("c1", protocol.CommandTypeExec, 10*time.Second, &protocol.ExecParams{Command: "echo ok; exit 2"})
	s.send(t, cmd)

	msg := s.reply(t)
	if msg.Type != protocol.MessageTypeDone {
		t.Fatalf("expected DONE, got %s", msg.Type)
	}

	var done protocol.DoneMessage
	if err := msg.Unmarshal(&done); err != nil {
		t.Fatal(err)
	}
	var res protocol.ExecResult
	if err := protocol.ParseParams(done.Result, &res); err != nil {
		t.Fatal(err)
	}
	if done.CommandID != "c1" || res.ExitCode != 2 || res.Stdout != "ok\n" {
		t.Errorf("unexpected result %+v / %+v", done, res)
	}

	_ = s.in.Close()
	msg = s.reply(t)
	if msg.Type != protocol.MessageTypeExit {
		t.Fatalf("expected EXIT, got %s", msg.Type)
	}
	var exit protocol.ExitMessage
	_ = msg.Unmarshal(&exit)
	if exit.Reason != ReasonStdinClosed || exit.CommandsTotal != 1 {
		t.Errorf("unexpected exit %+v", exit)
	}
	if code := <-s.done; code != 0 {
		t.Errorf("exit code = %d", code)
	}
}

func TestRunnerPingAndShutdown(t *testing.T) {
	s := startRunner(t, context.Background(), Options{AgentID: "abc123456789"})

	ping, _ := protocol.NewCommand("p1", protocol.CommandTypePing, time.Second, nil)
	s.send(t, ping)

	msg := s.reply(t)
	var done protocol.DoneMessage
	_ = msg.Unmarshal(&done)
	var pong protocol.PingResult
	_ = protocol.ParseParams(done.Result, &pong)
	if pong.AgentID != "abc123456789" {
		t.Errorf("unexpected ping result %+v", pong)
	}

	stop, _ := protocol.NewCommand("s1", protocol.CommandTypeShutdown, time.Second, nil)
	s.send(t, stop)
	if msg := s.reply(t); msg.Type != protocol.MessageTypeDone {
		t.Fatalf("expected DONE for shutdown, got %s", msg.Type)
	}

	msg = s.reply(t)
	var exit protocol.ExitMessage
	_ = msg.Unmarshal(&exit)
	if exit.Reason != ReasonShutdown {
		t.Errorf("expected shutdown reason, got %s", exit.Reason)
	}
	<-s.done
}

func TestRunnerReportsErrors(t *testing.T) {
	s := startRunner(t, context.Background(), Options{})
	defer s.in.Close()

	cmd, _ := protocol.NewCommand("r1", protocol.CommandTypeFileRead, time.Second, &protocol.FileReadParams{Path: "/does/not/exist"})
	s.send(t, cmd)

	msg := s.reply(t)
	if msg.Type != protocol.MessageTypeError {
		t.Fatalf("expected ERROR, got %s", msg.Type)
	}
	var e protocol.ErrorMessage
	_ = msg.Unmarshal(&e)
	if e.CommandID != "r1" || e.Code != protocol.CodeFileError {
		t.Errorf("unexpected error %+v", e)
	}

	// A non-command message is rejected without ending the session.
	_ = s.enc.EncodeDone(&protocol.DoneMessage{CommandID: "bogus"})
	msg = s.reply(t)
	_ = msg.Unmarshal(&e)
	if msg.Type != protocol.MessageTypeError || e.Code != protocol.CodeInvalidCommand {
		t.Errorf("expected INVALID_COMMAND error, got %s %+v", msg.Type, e)
	}

	s.send(t, mustPing(t))
	if msg := s.reply(t); msg.Type != protocol.MessageTypeDone {
		t.Errorf("session should still serve commands, got %s", msg.Type)
	}
}

func TestRunnerTTL(t *testing.T) {
	s := startRunner(t, context.Background(), Options{TTL: 50 * time.Millisecond})
	defer s.in.Close()

	msg := s.reply(t)
	var exit protocol.ExitMessage
	_ = msg.Unmarshal(&exit)
	if msg.Type != protocol.MessageTypeExit || exit.Reason != ReasonTTLExpired {
		t.Errorf("expected ttl exit, got %s %+v", msg.Type, exit)
	}
}

func mustPing(t *testing.T) *protocol.CommandMessage {
	t.Helper()
	cmd, err := protocol.NewCommand("ping", protocol.CommandTypePing, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	return cmd
}
