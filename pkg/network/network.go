// Package network wires containers into the weave overlay of their host:
// the docker bridge address used as DNS server, the overlay address attach
// and the weaveDNS alias of each workload.
package network

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// DefaultBridge is the interface docker attaches containers to.
const DefaultBridge = "docker0"

// Runner runs a shell command on a host and returns its stdout.
type Runner interface {
	Run(ctx context.Context, host *model.Host, cmd string) (string, error)
}

// Weave drives the weave CLI on each host through a Runner.
type Weave struct {
	runner Runner
	bridge string
	logger *telemetry.Logger
}

// Option configures a Weave.
type Option func(*Weave)

// WithBridge overrides the bridge interface name.
func WithBridge(name string) Option {
	return func(w *Weave) { w.bridge = name }
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(w *Weave) { w.logger = logger }
}

// NewWeave returns a Weave running its commands with runner.
func NewWeave(runner Runner, opts ...Option) *Weave {
	w := &Weave{runner: runner, bridge: DefaultBridge, logger: telemetry.Nop()}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.NewComponentLogger("network")
	return w
}

// BridgeAddress returns the IPv4 address of the host's docker bridge, where
// weaveDNS listens.
func (w *Weave) BridgeAddress(ctx context.Context, host *model.Host) (string, error) {
	out, err := w.runner.Run(ctx, host, "ip -4 -o addr show dev "+w.bridge)
	if err != nil {
		return "", fmt.Errorf("failed to read %s address on %s: %w", w.bridge, host.Name, err)
	}
	addr, err := parseBridgeAddress(out)
	if err != nil {
		return "", fmt.Errorf("host %s: %w", host.Name, err)
	}
	w.logger.Debugf("bridge %s on %s has address %s", w.bridge, host.Name, addr)
	return addr, nil
}

// Attach gives the container an address on the overlay network.
func (w *Weave) Attach(ctx context.Context, host *model.Host, cidr, runtimeID string) error {
	if _, err := netip.ParsePrefix(cidr); err != nil {
		return fmt.Errorf("invalid overlay address %q: %w", cidr, err)
	}
	if !safeArg(runtimeID) {
		return fmt.Errorf("invalid container id %q", runtimeID)
	}
	if _, err := w.runner.Run(ctx, host, fmt.Sprintf("weave attach %s %s", cidr, runtimeID)); err != nil {
		return fmt.Errorf("weave attach on %s: %w", host.Name, err)
	}
	w.logger.Infof("attached %s to container %s on %s", cidr, runtimeID, host.Name)
	return nil
}

// AddDNS registers domain for the container in weaveDNS.
func (w *Weave) AddDNS(ctx context.Context, host *model.Host, runtimeID, domain string) error {
	if !safeArg(runtimeID) {
		return fmt.Errorf("invalid container id %q", runtimeID)
	}
	if !safeArg(domain) {
		return fmt.Errorf("invalid domain name %q", domain)
	}
	if _, err := w.runner.Run(ctx, host, fmt.Sprintf("weave dns-add %s -h %s", runtimeID, domain)); err != nil {
		return fmt.Errorf("weave dns-add on %s: %w", host.Name, err)
	}
	w.logger.Infof("registered %s for container %s", domain, runtimeID)
	return nil
}

var argPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// safeArg reports whether s can be passed unquoted to a remote shell.
func safeArg(s string) bool {
	return argPattern.MatchString(s)
}

// parseBridgeAddress extracts the address from `ip -o addr` output, e.g.
// "4: docker0    inet 172.17.0.1/16 brd 172.17.255.255 scope global docker0".
func parseBridgeAddress(out string) (string, error) {
	fields := strings.Fields(out)
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] != "inet" {
			continue
		}
		prefix, err := netip.ParsePrefix(fields[i+1])
		if err != nil {
			return "", fmt.Errorf("unexpected bridge address %q: %w", fields[i+1], err)
		}
		return prefix.Addr().String(), nil
	}
	return "", fmt.Errorf("bridge has no IPv4 address")
}
