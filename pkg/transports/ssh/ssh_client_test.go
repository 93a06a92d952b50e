package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// reply is the scripted outcome of one remote command.
type reply struct {
	stdout string
	stderr string
	status uint32
}

// hostServer is an SSH server that answers a fixed set of host commands
// and serves SFTP from the local file system.
type hostServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	commands map[string]reply
	conns    atomic.Int32
}

func newHostServer(t *testing.T, commands map[string]reply) *hostServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "gluu" && string(pass) == "s3cr3t" {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", c.User())
		},
		PublicKeyCallback: func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	if commands == nil {
		commands = map[string]reply{}
	}
	commands["true"] = reply{}

	s := &hostServer{listener: listener, config: config, commands: commands}
	go s.serve()
	t.Cleanup(func() { _ = listener.Close() })
	return s
}

func (s *hostServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *hostServer) handle(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	s.conns.Add(1)

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.session(channel, requests)
	}
}

func (s *hostServer) session(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}
			_ = req.Reply(true, nil)

			r, ok := s.commands[payload.Command]
			if !ok {
				r = reply{stderr: "sh: " + payload.Command + ": not found\n", status: 127}
			}
			_, _ = channel.Write([]byte(r.stdout))
			_, _ = channel.Stderr().Write([]byte(r.stderr))
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{r.status}))
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *hostServer) clientConfig(user string) *Config {
	host, portStr, _ := net.SplitHostPort(s.listener.Addr().String())
	port, _ := strconv.Atoi(portStr)

	cfg := DefaultConfig(host, user)
	cfg.Port = port
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "s3cr3t"
	cfg.StrictHostKeyChecking = false
	cfg.ConnectionTimeout = 5 * time.Second
	return cfg
}

// connect returns a client connected to s as the gluu user.
func (s *hostServer) connect(t *testing.T) *SSHClient {
	t.Helper()
	client, err := NewSSHClient(s.clientConfig("gluu"))
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestExecuteCommand(t *testing.T) {
	server := newHostServer(t, map[string]reply{
		"ip -4 -o addr show dev docker0": {
			stdout: "4: docker0    inet 172.17.0.1/16 brd 172.17.255.255 scope global docker0\n",
		},
		"weave attach 10.2.1.5/24 abc123456789": {stdout: "10.2.1.5\n"},
		"weave dns-add abc123456789 -h abc123456789.ldap.gluu.local": {
			stderr: "WARNING: existing record kept\n",
		},
		"weave attach 10.2.1.6/24 ffffffffffff": {
			stderr: "Error: No such container: ffffffffffff\n",
			status: 1,
		},
	})
	client := server.connect(t)

	tests := []struct {
		name       string
		cmd        string
		wantStdout string
		wantStderr string
		wantExit   int
	}{
		{
			name:       "bridge address",
			cmd:        "ip -4 -o addr show dev docker0",
			wantStdout: "4: docker0    inet 172.17.0.1/16 brd 172.17.255.255 scope global docker0",
		},
		{
			name:       "overlay attach",
			cmd:        "weave attach 10.2.1.5/24 abc123456789",
			wantStdout: "10.2.1.5",
		},
		{
			name:       "stderr on success",
			cmd:        "weave dns-add abc123456789 -h abc123456789.ldap.gluu.local",
			wantStderr: "WARNING: existing record kept",
		},
		{
			name:       "command fails",
			cmd:        "weave attach 10.2.1.6/24 ffffffffffff",
			wantStderr: "Error: No such container: ffffffffffff",
			wantExit:   1,
		},
		{
			name:       "command missing on host",
			cmd:        "weave ps",
			wantStderr: "sh: weave ps: not found",
			wantExit:   127,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := client.ExecuteCommand(context.Background(), tt.cmd)
			if stdout != tt.wantStdout {
				t.Errorf("stdout = %q, want %q", stdout, tt.wantStdout)
			}
			if stderr != tt.wantStderr {
				t.Errorf("stderr = %q, want %q", stderr, tt.wantStderr)
			}

			if tt.wantExit == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if te.ExitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d", te.ExitCode, tt.wantExit)
			}
			if te.Temporary() {
				t.Error("a failed command is not temporary")
			}
		})
	}
}

func TestConnect_Errors(t *testing.T) {
	server := newHostServer(t, nil)

	t.Run("rejected password", func(t *testing.T) {
		cfg := server.clientConfig("gluu")
		cfg.Password = "wrong"
		client, err := NewSSHClient(cfg)
		if err != nil {
			t.Fatal(err)
		}

		err = client.Connect(context.Background())
		var te *TransportError
		if !errors.As(err, &te) {
			t.Fatalf("expected TransportError, got %v", err)
		}
		if !te.IsAuthError || te.Temporary() {
			t.Errorf("expected permanent auth error, got auth=%v temporary=%v", te.IsAuthError, te.Temporary())
		}
	})

	t.Run("host down", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		_, portStr, _ := net.SplitHostPort(l.Addr().String())
		_ = l.Close()

		cfg := server.clientConfig("gluu")
		cfg.Port, _ = strconv.Atoi(portStr)
		client, err := NewSSHClient(cfg)
		if err != nil {
			t.Fatal(err)
		}

		if err := client.Connect(context.Background()); !IsTemporary(err) {
			t.Errorf("expected temporary error, got %v", err)
		}
	})
}

func TestConnect_KeyAuthReusesConnection(t *testing.T) {
	server := newHostServer(t, nil)

	cfg := server.clientConfig("root")
	cfg.AuthMethod = AuthMethodKey
	cfg.Password = ""
	cfg.PrivateKeyPath = writeTestKey(t)

	client, err := NewSSHClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := client.Connect(ctx); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if n := server.conns.Load(); n != 1 {
		t.Errorf("expected one connection, got %d", n)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect failed: %v", err)
	}

	_, _, err = client.ExecuteCommand(ctx, "true")
	var te *TransportError
	if !errors.As(err, &te) || te.Temporary() {
		t.Errorf("expected permanent error on a closed client, got %v", err)
	}
}

func TestUploadFile(t *testing.T) {
	client := newHostServer(t, nil).connect(t)

	localPath := filepath.Join(t.TempDir(), "gluu.db")
	if err := os.WriteFile(localPath, []byte("snapshot"), 0o600); err != nil {
		t.Fatal(err)
	}
	remotePath := filepath.ToSlash(filepath.Join(t.TempDir(), "backups", "gluu.db"))

	if err := client.UploadFile(context.Background(), localPath, remotePath, 0o640); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	data, err := os.ReadFile(remotePath)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(data) != "snapshot" {
		t.Errorf("expected 'snapshot', got %q", data)
	}
	if _, err := os.Stat(remotePath + ".part"); !os.IsNotExist(err) {
		t.Error("expected partial upload to be renamed away")
	}
}

func TestUploadFile_MissingLocalFile(t *testing.T) {
	client := newHostServer(t, nil).connect(t)

	err := client.UploadFile(context.Background(), filepath.Join(t.TempDir(), "nope"), "/tmp/nope", 0)
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "upload" {
		t.Fatalf("expected upload TransportError, got %v", err)
	}
	if IsTemporary(err) {
		t.Error("missing local file should not be temporary")
	}
}
