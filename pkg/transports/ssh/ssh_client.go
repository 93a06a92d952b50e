package ssh

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over a single SSH connection.
type SSHClient struct {
	config *Config

	client      *ssh.Client
	connMu      sync.Mutex
	isConnected bool
}

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{config: config}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("existing connection is dead, reconnecting")
		_ = c.client.Close()
		c.isConnected = false
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, ExitCode: -1, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after we gave up.
		go func() {
			if client := <-connChan; client != nil {
				_ = client.Close()
			}
		}()
		return newError("connect", ctx.Err(), true)
	case err := <-errChan:
		te := newError("connect", err, true)
		if isAuthFailure(err) {
			te.IsTemporary = false
			te.IsAuthError = true
		}
		return te
	case client := <-connChan:
		c.client = client
		c.isConnected = true

		log.Debug().Str("address", address).Msg("SSH connection established")
		return nil
	}
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}

	log.Debug().Str("host", c.config.Host).Msg("closing SSH connection")

	err := c.client.Close()
	c.client = nil
	c.isConnected = false

	if err != nil {
		return newError("disconnect", err, false)
	}
	return nil
}

// healthCheckInternal runs a no-op command to check that a cached connection is alive.
// The caller holds connMu.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return newError("healthcheck", err, true)
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return newError("healthcheck", err, true)
	}
	return nil
}

// getClient returns the underlying SSH client.
func (c *SSHClient) getClient() (*ssh.Client, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil, newError("get-client", fmt.Errorf("not connected"), false)
	}

	return c.client, nil
}

func isAuthFailure(err error) bool {
	// x/crypto/ssh reports rejected credentials only through the message.
	return err != nil && containsAny(err.Error(), "unable to authenticate", "no supported methods remain")
}
