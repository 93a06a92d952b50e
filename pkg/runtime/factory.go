package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// Factory builds engine clients for hosts and caches them per endpoint.
type Factory struct {
	store      stores.Store
	manager    string
	managerTLS TLSConfig
	logger     *telemetry.Logger

	mu      sync.Mutex
	clients map[string]*DockerClient
}

// NewFactory creates a factory. managerEndpoint is the cluster manager
// engine used when a host record no longer exists.
func NewFactory(store stores.Store, managerEndpoint string, managerTLS TLSConfig, logger *telemetry.Logger) *Factory {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Factory{
		store:      store,
		manager:    managerEndpoint,
		managerTLS: managerTLS,
		logger:     logger.NewComponentLogger("runtime"),
		clients:    make(map[string]*DockerClient),
	}
}

// ForHost returns the runtime client for hostID.
func (f *Factory) ForHost(ctx context.Context, hostID string) (Client, error) {
	c, err := f.Docker(ctx, hostID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Docker returns the engine client for hostID, falling back to the cluster
// manager when the host record is missing.
func (f *Factory) Docker(ctx context.Context, hostID string) (*DockerClient, error) {
	host, err := stores.GetAs[model.Host](ctx, f.store, stores.TableHosts, hostID)
	if errors.Is(err, stores.ErrNotFound) {
		f.logger.Warnf("host %s not found, using cluster manager endpoint", hostID)
		return f.Manager()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load host %s: %w", hostID, err)
	}

	tls := TLSConfig{
		CertPath: host.TLSCertPath,
		KeyPath:  host.TLSKeyPath,
		CAPath:   host.TLSCAPath,
	}
	return f.client(host.DockerEndpoint, tls)
}

// Manager returns the cluster manager engine client.
func (f *Factory) Manager() (*DockerClient, error) {
	if f.manager == "" {
		return nil, fmt.Errorf("no cluster manager endpoint configured")
	}
	return f.client(f.manager, f.managerTLS)
}

func (f *Factory) client(endpoint string, tls TLSConfig) (*DockerClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[endpoint]; ok {
		return c, nil
	}

	c, err := NewDockerClient(endpoint, tls, f.logger)
	if err != nil {
		return nil, err
	}
	f.clients[endpoint] = c
	return c, nil
}
