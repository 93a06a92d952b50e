package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ory/dockertest/docker"

	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// stopTimeout is how long the engine waits for a container to exit before
// killing it, in seconds.
const stopTimeout = 10

// TLSConfig holds client certificate paths for a TLS engine endpoint.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

// Enabled reports whether client certificates are configured.
func (c TLSConfig) Enabled() bool {
	return c.CertPath != "" && c.KeyPath != ""
}

// DockerClient implements Client against a Docker engine API endpoint.
type DockerClient struct {
	api      *docker.Client
	endpoint string
	logger   *telemetry.Logger
}

// NewDockerClient connects to endpoint, using client certificates when tls
// is enabled.
func NewDockerClient(endpoint string, tls TLSConfig, logger *telemetry.Logger) (*DockerClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("engine endpoint is required")
	}
	if logger == nil {
		logger = telemetry.Nop()
	}

	var (
		api *docker.Client
		err error
	)
	if tls.Enabled() {
		api, err = docker.NewTLSClient(endpoint, tls.CertPath, tls.KeyPath, tls.CAPath)
	} else {
		api, err = docker.NewClient(endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create engine client for %s: %w", endpoint, err)
	}

	return &DockerClient{
		api:      api,
		endpoint: endpoint,
		logger:   logger.WithField("endpoint", endpoint),
	}, nil
}

// Endpoint returns the engine endpoint this client talks to.
func (c *DockerClient) Endpoint() string {
	return c.endpoint
}

// Ping checks that the engine answers.
func (c *DockerClient) Ping(_ context.Context) error {
	if err := c.api.Ping(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, c.endpoint, err)
	}
	return nil
}

// ImageExists implements Client.
func (c *DockerClient) ImageExists(_ context.Context, name string) (bool, error) {
	_, err := c.api.InspectImage(name)
	if errors.Is(err, docker.ErrNoSuchImage) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to inspect image %s: %w", name, err)
	}
	return true, nil
}

// BuildImage implements Client. The raw JSON stream is scanned for error
// records rather than trusting the API call to report them.
func (c *DockerClient) BuildImage(ctx context.Context, contextDir, tag string) (bool, error) {
	var out bytes.Buffer
	err := c.api.BuildImage(docker.BuildImageOptions{
		Name:                tag,
		ContextDir:          contextDir,
		OutputStream:        &out,
		RawJSONStream:       true,
		RmTmpContainer:      true,
		ForceRmTmpContainer: true,
		Context:             ctx,
	})
	if err != nil {
		if IsUnreachable(err) {
			return false, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		c.logger.WithError(err).Warnf("build of image %s failed", tag)
		return false, nil
	}

	result := ParseBuildOutput(&out)
	for _, line := range result.Lines {
		c.logger.Debug(line)
	}
	if result.Err != nil {
		c.logger.WithError(result.Err).Warnf("build of image %s failed", tag)
		return false, nil
	}

	c.logger.Infof("image %s built", tag)
	return true, nil
}

// CreateAndStart implements Client.
func (c *DockerClient) CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error) {
	opts := createOptions(spec)
	opts.Context = ctx

	container, err := c.api.CreateContainer(opts)
	switch {
	case err == nil:
	case IsConflict(err):
		c.logger.Warnf("container name %s is already in use", spec.Name)
		return "", nil
	case IsNotFound(err):
		c.logger.Warnf("image %s is not available", spec.Image)
		return "", nil
	case IsUnreachable(err):
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	default:
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := c.api.StartContainer(container.ID, nil); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	c.logger.Infof("container %s started with id %s", spec.Name, container.ID)
	return container.ID, nil
}

// InspectAddress implements Client.
func (c *DockerClient) InspectAddress(_ context.Context, id string) (string, error) {
	container, err := c.api.InspectContainer(id)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if container.NetworkSettings == nil {
		return "", nil
	}
	if container.NetworkSettings.IPAddress != "" {
		return container.NetworkSettings.IPAddress, nil
	}
	for _, network := range container.NetworkSettings.Networks {
		if network.IPAddress != "" {
			return network.IPAddress, nil
		}
	}
	return "", nil
}

// Stop implements Client.
func (c *DockerClient) Stop(_ context.Context, name string) error {
	err := c.api.StopContainer(name, stopTimeout)
	var notRunning *docker.ContainerNotRunning
	switch {
	case err == nil, errors.As(err, &notRunning):
		return nil
	case IsNotFound(err):
		c.logger.Debugf("container %s not found, nothing to stop", name)
		return nil
	case IsUnreachable(err):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("failed to stop container %s: %w", name, err)
}

// Remove implements Client.
func (c *DockerClient) Remove(_ context.Context, name string) error {
	err := c.api.RemoveContainer(docker.RemoveContainerOptions{
		ID:            name,
		Force:         true,
		RemoveVolumes: true,
	})
	switch {
	case err == nil:
		return nil
	case IsNotFound(err):
		c.logger.Debugf("container %s not found, nothing to remove", name)
		return nil
	case IsUnreachable(err):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("failed to remove container %s: %w", name, err)
}

// ExecTransport returns an agent transport that runs inside container.
func (c *DockerClient) ExecTransport(container string) *ExecTransport {
	return &ExecTransport{api: c.api, container: container}
}

func createOptions(spec ContainerSpec) docker.CreateContainerOptions {
	exposed := make(map[docker.Port]struct{}, len(spec.Ports))
	bindings := make(map[docker.Port][]docker.PortBinding, len(spec.Ports))
	for _, p := range spec.Ports {
		port := docker.Port(p.Port())
		exposed[port] = struct{}{}
		binding := docker.PortBinding{HostIP: p.HostIP}
		if p.HostPort != 0 {
			binding.HostPort = strconv.Itoa(p.HostPort)
		}
		bindings[port] = append(bindings[port], binding)
	}

	binds := make([]string, 0, len(spec.Volumes))
	for _, v := range spec.Volumes {
		binds = append(binds, v.Bind())
	}

	ulimits := make([]docker.ULimit, 0, len(spec.Ulimits))
	for _, u := range spec.Ulimits {
		ulimits = append(ulimits, docker.ULimit{Name: u.Name, Soft: u.Soft, Hard: u.Hard})
	}

	return docker.CreateContainerOptions{
		Name: spec.Name,
		Config: &docker.Config{
			Image:        spec.Image,
			Hostname:     spec.Hostname,
			Env:          spec.Env,
			ExposedPorts: exposed,
		},
		HostConfig: &docker.HostConfig{
			Binds:           binds,
			PortBindings:    bindings,
			PublishAllPorts: true,
			DNS:             spec.DNS,
			DNSSearch:       spec.DNSSearch,
			Ulimits:         ulimits,
		},
	}
}
