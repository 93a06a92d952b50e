package runner

import (
	"context"
	"io"
)

// LocalTransport runs an agent in-process over pipes. It satisfies the
// session client's Transport and is used where no container is involved.
type LocalTransport struct {
	Options Options
}

// Upload is a no-op; the agent is linked into the current binary.
func (t *LocalTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	return nil
}

// Execute starts the agent loop on its own goroutine. It stops when stdin
// is closed.
func (t *LocalTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	opts := t.Options
	opts.SelfDelete = false

	go func() {
		New(inR, outW, opts).Serve(context.WithoutCancel(ctx))
		_ = outW.Close()
		_ = inR.Close()
	}()

	return inW, outR, nil
}

// Cleanup is a no-op.
func (t *LocalTransport) Cleanup(ctx context.Context, remotePath string) error {
	return nil
}
