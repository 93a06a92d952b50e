// Package runtime talks to the container engine on a host: image
// management, container lifecycle and exec sessions for the management
// agent.
package runtime

import (
	"context"
	"fmt"
	"strings"
)

// Client is the container runtime surface used by the orchestrator.
type Client interface {
	// ImageExists reports whether the image is present on the engine.
	ImageExists(ctx context.Context, name string) (bool, error)

	// BuildImage builds contextDir into tag. It returns false when the
	// engine reports a build error or the build output cannot be parsed.
	BuildImage(ctx context.Context, contextDir, tag string) (bool, error)

	// CreateAndStart creates and starts a container. A name conflict or a
	// missing image is logged and reported as an empty id with a nil error.
	CreateAndStart(ctx context.Context, spec ContainerSpec) (string, error)

	// InspectAddress returns the container address on the engine network.
	InspectAddress(ctx context.Context, id string) (string, error)

	// Stop stops a container. A missing container is not an error.
	Stop(ctx context.Context, name string) error

	// Remove force-removes a container. A missing container is not an error.
	Remove(ctx context.Context, name string) error
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name      string
	Image     string
	Hostname  string
	Ports     []PortBinding
	Volumes   []Volume
	Env       []string
	Ulimits   []Ulimit
	DNS       []string
	DNSSearch []string
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	ContainerPort int    `yaml:"container" validate:"required,min=1,max=65535"`
	HostPort      int    `yaml:"host" validate:"omitempty,min=1,max=65535"`
	Protocol      string `yaml:"protocol" validate:"omitempty,oneof=tcp udp"`
	HostIP        string `yaml:"host_ip" validate:"omitempty,ip"`
}

// Port returns the engine port key, e.g. "443/tcp".
func (p PortBinding) Port() string {
	proto := p.Protocol
	if proto == "" {
		proto = "tcp"
	}
	return fmt.Sprintf("%d/%s", p.ContainerPort, proto)
}

// Volume binds a host path into the container.
type Volume struct {
	HostPath      string `yaml:"host" validate:"required"`
	ContainerPath string `yaml:"container" validate:"required"`
	ReadOnly      bool   `yaml:"read_only"`
}

// Bind returns the engine bind string.
func (v Volume) Bind() string {
	parts := []string{v.HostPath, v.ContainerPath}
	if v.ReadOnly {
		parts = append(parts, "ro")
	}
	return strings.Join(parts, ":")
}

// Ulimit is a resource limit applied to the container.
type Ulimit struct {
	Name string `yaml:"name" validate:"required"`
	Soft int64  `yaml:"soft"`
	Hard int64  `yaml:"hard"`
}

// PlacementEnv returns the scheduling constraint that pins a container to
// a host when it is created through a cluster manager.
func PlacementEnv(hostName string) string {
	return "constraint:node==" + hostName
}
