// Package ssh provides the SSH transport used to reach hosts directly:
// overlay network commands and recovery snapshot uploads over SFTP.
package ssh

import (
	"context"
	"errors"
)

// Transport is a connection to one host.
type Transport interface {
	// Connect establishes the connection. Calling it on a live connection
	// is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	// ExecuteCommand runs a command on the remote host and returns its
	// trimmed stdout and stderr. A non-zero exit is a *TransportError.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// UploadFile copies a local file to remotePath over SFTP, creating
	// parent directories. A mode of 0 keeps the server default.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "execute", "upload")
	Op string

	// Err is the underlying error
	Err error

	// ExitCode is the remote exit status of a failed command, or -1.
	ExitCode int

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// IsTemporary reports whether err is a transport error worth trying again
// later, such as a refused connection.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.IsTemporary
}

func newError(op string, err error, temporary bool) *TransportError {
	return &TransportError{Op: op, Err: err, ExitCode: -1, IsTemporary: temporary}
}
