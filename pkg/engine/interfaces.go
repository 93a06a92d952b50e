package engine

import (
	"context"
	"strings"

	"github.com/gluufederation/gluu-engine/pkg/installer"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/runtime"
)

// Runtimes hands out a container engine client for a host. It is
// implemented by *runtime.Factory, which falls back to the cluster manager
// when the host record is gone.
type Runtimes interface {
	ForHost(ctx context.Context, hostID string) (runtime.Client, error)
}

// Agents manages the remote management agent bound to each workload. It is
// implemented by *agent.Hub.
type Agents interface {
	RegisterAgent(ctx context.Context, id string) error
	UnregisterAgent(ctx context.Context, id string) error
	IsRegistered(ctx context.Context, id string) (bool, error)
}

// Installers builds the installer for a node. It is implemented by
// *installer.Registry.
type Installers interface {
	New(env installer.Env) (installer.Installer, error)
}

// Network assigns overlay addresses and DNS aliases on a host.
type Network interface {
	// BridgeAddress returns the address of the host's container bridge,
	// used as the DNS server of new containers. An empty address means
	// the container keeps the engine default.
	BridgeAddress(ctx context.Context, host *model.Host) (string, error)

	// Attach gives the container an overlay address in CIDR notation.
	Attach(ctx context.Context, host *model.Host, cidr, runtimeID string) error

	// AddDNS registers domain for the container with the overlay DNS.
	AddDNS(ctx context.Context, host *model.Host, runtimeID, domain string) error
}

// Distributor pushes a snapshot of the record store to recovery targets.
// Implementations log per-target failures and return an error only when no
// snapshot could be taken or every target failed.
type Distributor interface {
	Distribute(ctx context.Context) error
}

// Profile is the container shape of one node type.
type Profile struct {
	// Image is the image name, without a tag when the deploy image tag
	// applies.
	Image string `yaml:"image" validate:"required"`

	// BuildContext lists the files fetched to build Image when the host
	// does not have it.
	BuildContext []string `yaml:"build_context" validate:"omitempty,dive,url"`

	Ports   []runtime.PortBinding `yaml:"ports" validate:"dive"`
	Volumes []runtime.Volume      `yaml:"volumes" validate:"dive"`
	Ulimits []runtime.Ulimit      `yaml:"ulimits" validate:"dive"`
	Env     []string              `yaml:"env"`
}

// ImageRef returns the image reference to run, applying tag unless the
// image already names one.
func (p Profile) ImageRef(tag string) string {
	if tag == "" {
		return p.Image
	}
	// A colon after the last slash is a tag; one before it is a registry port.
	if i := strings.LastIndex(p.Image, ":"); i > strings.LastIndex(p.Image, "/") {
		return p.Image
	}
	return p.Image + ":" + tag
}
