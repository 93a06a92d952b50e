package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/ory/dockertest/docker"

	"github.com/gluufederation/gluu-engine/pkg/agent/client"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
)

// ExecTransport launches the management agent inside a container through
// the engine exec API. It implements client.Transport.
type ExecTransport struct {
	api       *docker.Client
	container string
}

// Upload copies the agent binary into the container as an executable.
func (t *ExecTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read agent binary: %w", err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(remotePath),
		Mode: 0o755,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write archive header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to close archive: %w", err)
	}

	err = t.api.UploadToContainer(t.container, docker.UploadToContainerOptions{
		InputStream: &buf,
		Path:        path.Dir(remotePath),
		Context:     ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to upload agent to %s: %w", t.container, err)
	}
	return nil
}

// Execute starts the agent and wires its stdio to the returned pipes. The
// exec session ends when the agent exits or stdin is closed.
func (t *ExecTransport) Execute(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	exec, err := t.api.CreateExec(docker.CreateExecOptions{
		Container:    t.container,
		Cmd:          []string{remotePath, "--id", t.container},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Context:      ctx,
	})
	if err != nil {
		if IsUnreachable(err) {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return nil, nil, fmt.Errorf("failed to create exec in %s: %w", t.container, err)
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	go func() {
		err := t.api.StartExec(exec.ID, docker.StartExecOptions{
			InputStream:  inR,
			OutputStream: outW,
			ErrorStream:  io.Discard,
			Context:      context.WithoutCancel(ctx),
		})
		if err == nil {
			err = io.EOF
		}
		_ = outW.CloseWithError(err)
		_ = inR.Close()
	}()

	return inW, outR, nil
}

// Cleanup removes the agent binary from the container.
func (t *ExecTransport) Cleanup(ctx context.Context, remotePath string) error {
	exec, err := t.api.CreateExec(docker.CreateExecOptions{
		Container:    t.container,
		Cmd:          []string{"rm", "-f", remotePath},
		AttachStdout: true,
		AttachStderr: true,
		Context:      ctx,
	})
	if err != nil {
		return fmt.Errorf("failed to create cleanup exec in %s: %w", t.container, err)
	}

	return t.api.StartExec(exec.ID, docker.StartExecOptions{
		OutputStream: io.Discard,
		ErrorStream:  io.Discard,
		Context:      ctx,
	})
}

// AgentDialer resolves an agent id, which is the short runtime id of the
// workload container, to an exec transport on the engine running it.
// Containers without a node record yet are reached through the cluster
// manager endpoint.
type AgentDialer struct {
	factory *Factory
	store   stores.Store
}

// NewAgentDialer creates a dialer backed by factory.
func NewAgentDialer(factory *Factory, store stores.Store) *AgentDialer {
	return &AgentDialer{factory: factory, store: store}
}

// Dial returns a transport for the agent in container agentID.
func (d *AgentDialer) Dial(ctx context.Context, agentID string) (client.Transport, error) {
	node, err := stores.FirstAs[model.Node](ctx, d.store, stores.TableNodes, stores.Where("runtime_id", agentID))
	switch {
	case err == nil:
		c, err := d.factory.Docker(ctx, node.HostID)
		if err != nil {
			return nil, err
		}
		return c.ExecTransport(agentID), nil
	case errors.Is(err, stores.ErrNotFound):
		c, err := d.factory.Manager()
		if err != nil {
			return nil, err
		}
		return c.ExecTransport(agentID), nil
	default:
		return nil, fmt.Errorf("failed to resolve agent %s: %w", agentID, err)
	}
}
