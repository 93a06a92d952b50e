package network

import (
	"context"
	"fmt"
	"time"

	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/transports/ssh"
)

// SSHRunner runs host commands over a fresh SSH connection per call.
type SSHRunner struct {
	// KnownHostsPath enables host key checking when set.
	KnownHostsPath string

	// ConnectionTimeout bounds the dial. Zero keeps the transport default.
	ConnectionTimeout time.Duration

	// dial is replaced in tests.
	dial func(cfg *ssh.Config) (ssh.Transport, error)
}

// NewSSHRunner returns a runner using the SSH settings of each host record.
func NewSSHRunner(knownHostsPath string, timeout time.Duration) *SSHRunner {
	return &SSHRunner{KnownHostsPath: knownHostsPath, ConnectionTimeout: timeout}
}

// Config returns the transport configuration for host.
func (r *SSHRunner) Config(host *model.Host) *ssh.Config {
	user := host.SSHUser
	if user == "" {
		user = "root"
	}
	cfg := ssh.DefaultConfig(host.Address, user)
	if host.SSHPort > 0 {
		cfg.Port = host.SSHPort
	}
	cfg.PrivateKeyPath = host.SSHKeyPath
	cfg.KnownHostsPath = r.KnownHostsPath
	cfg.StrictHostKeyChecking = r.KnownHostsPath != ""
	if r.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = r.ConnectionTimeout
	}
	return cfg
}

// Run implements Runner.
func (r *SSHRunner) Run(ctx context.Context, host *model.Host, cmd string) (string, error) {
	if host.Address == "" {
		return "", fmt.Errorf("host %s has no address", host.Name)
	}

	dial := r.dial
	if dial == nil {
		dial = func(cfg *ssh.Config) (ssh.Transport, error) { return ssh.NewSSHClient(cfg) }
	}
	transport, err := dial(r.Config(host))
	if err != nil {
		return "", err
	}
	if err := transport.Connect(ctx); err != nil {
		return "", err
	}
	defer func() { _ = transport.Disconnect() }()

	stdout, _, err := transport.ExecuteCommand(ctx, cmd)
	return stdout, err
}
