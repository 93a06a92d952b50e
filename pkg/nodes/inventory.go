package nodes

import (
	"context"
	"errors"
	"fmt"

	"github.com/gluufederation/gluu-engine/pkg/engine"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/stores"
)

// ClusterRequest describes a new cluster.
type ClusterRequest struct {
	Name              string `json:"name" validate:"required"`
	Description       string `json:"description"`
	DomainSuffix      string `json:"domain_suffix" validate:"required,fqdn"`
	OxClusterHostname string `json:"ox_cluster_hostname" validate:"required,hostname_rfc1123"`
	OrgName           string `json:"org_name" validate:"required"`
	OrgShortName      string `json:"org_short_name" validate:"required"`
	CountryCode       string `json:"country_code" validate:"required,iso3166_1_alpha2"`
	City              string `json:"city" validate:"required"`
	State             string `json:"state" validate:"required"`
	AdminEmail        string `json:"admin_email" validate:"required,email"`
	AdminPassword     string `json:"admin_pw" validate:"required,min=6"`
	WeaveIPNetwork    string `json:"weave_ip_network" validate:"omitempty,cidrv4"`
}

// HostRequest describes a new host.
type HostRequest struct {
	Name           string         `json:"name" validate:"required"`
	Type           model.HostType `json:"type" validate:"required,oneof=master worker"`
	Address        string         `json:"address" validate:"required,hostname_rfc1123|ip"`
	DockerEndpoint string         `json:"docker_endpoint" validate:"required"`
	SSHPort        int            `json:"ssh_port" validate:"omitempty,min=1,max=65535"`
	SSHUser        string         `json:"ssh_user"`
	SSHKeyPath     string         `json:"ssh_key_path"`
	TLSCertPath    string         `json:"tls_cert_path" validate:"required_with=TLSKeyPath"`
	TLSKeyPath     string         `json:"tls_key_path" validate:"required_with=TLSCertPath"`
	TLSCAPath      string         `json:"tls_ca_path"`
}

// CreateCluster records a cluster.
func (s *Service) CreateCluster(ctx context.Context, req ClusterRequest) (*model.Cluster, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, engine.NewValidationError("invalid cluster request", describeErrors(err))
	}

	c := model.NewCluster(req.Name, req.DomainSuffix, req.WeaveIPNetwork)
	c.Description = req.Description
	c.OxClusterHostname = req.OxClusterHostname
	c.OrgName = req.OrgName
	c.OrgShortName = req.OrgShortName
	c.CountryCode = req.CountryCode
	c.City = req.City
	c.State = req.State
	c.AdminEmail = req.AdminEmail
	c.SetAdminPassword(req.AdminPassword)

	if err := s.store.Persist(ctx, stores.TableClusters, c); err != nil {
		return nil, fmt.Errorf("failed to save cluster: %w", err)
	}
	s.logger.WithField("cluster", c.Name).Info("cluster created")
	return c, nil
}

// GetCluster returns the cluster with the given id or name.
func (s *Service) GetCluster(ctx context.Context, idOrName string) (*model.Cluster, error) {
	return lookup[model.Cluster](ctx, s.store, stores.TableClusters, "cluster", idOrName)
}

// ListClusters returns every cluster.
func (s *Service) ListClusters(ctx context.Context) ([]*model.Cluster, error) {
	return stores.AllAs[model.Cluster](ctx, s.store, stores.TableClusters)
}

// DeleteCluster removes a cluster that has no nodes left.
func (s *Service) DeleteCluster(ctx context.Context, idOrName string) error {
	c, err := s.GetCluster(ctx, idOrName)
	if err != nil {
		return err
	}
	n, err := s.store.Count(ctx, stores.TableNodes, stores.Where("cluster_id", c.ID))
	if err != nil {
		return fmt.Errorf("failed to count cluster nodes: %w", err)
	}
	if n > 0 {
		return engine.NewPermanentError(fmt.Sprintf("cannot delete cluster %s: %d nodes remain", c.Name, n), nil).
			WithCode(engine.ErrCodeForbidden)
	}
	if _, err := s.store.DeleteWhere(ctx, stores.TableClusters, stores.Where("id", c.ID)); err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	return nil
}

// CreateHost records a host.
func (s *Service) CreateHost(ctx context.Context, req HostRequest) (*model.Host, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, engine.NewValidationError("invalid host request", describeErrors(err))
	}

	if req.Type == model.HostTypeMaster {
		masters, err := s.store.Count(ctx, stores.TableHosts, stores.Where("type", model.HostTypeMaster))
		if err != nil {
			return nil, fmt.Errorf("failed to count master hosts: %w", err)
		}
		if masters > 0 {
			return nil, engine.NewConflictError("a master host is already registered", nil)
		}
	}

	h := model.NewHost(req.Name, req.Type, req.Address, req.DockerEndpoint)
	if req.SSHPort > 0 {
		h.SSHPort = req.SSHPort
	}
	if req.SSHUser != "" {
		h.SSHUser = req.SSHUser
	}
	h.SSHKeyPath = req.SSHKeyPath
	h.TLSCertPath = req.TLSCertPath
	h.TLSKeyPath = req.TLSKeyPath
	h.TLSCAPath = req.TLSCAPath

	if err := s.store.Persist(ctx, stores.TableHosts, h); err != nil {
		return nil, fmt.Errorf("failed to save host: %w", err)
	}
	s.logger.WithField("host", h.Name).Infof("%s host registered", h.Type)
	return h, nil
}

// GetHost returns the host with the given id or name.
func (s *Service) GetHost(ctx context.Context, idOrName string) (*model.Host, error) {
	return lookup[model.Host](ctx, s.store, stores.TableHosts, "host", idOrName)
}

// ListHosts returns every host.
func (s *Service) ListHosts(ctx context.Context) ([]*model.Host, error) {
	return stores.AllAs[model.Host](ctx, s.store, stores.TableHosts)
}

// DeleteHost removes a host that runs no nodes.
func (s *Service) DeleteHost(ctx context.Context, idOrName string) error {
	h, err := s.GetHost(ctx, idOrName)
	if err != nil {
		return err
	}
	n, err := s.store.Count(ctx, stores.TableNodes, stores.Where("host_id", h.ID))
	if err != nil {
		return fmt.Errorf("failed to count host nodes: %w", err)
	}
	if n > 0 {
		return engine.NewPermanentError(fmt.Sprintf("cannot delete host %s: %d nodes remain", h.Name, n), nil).
			WithCode(engine.ErrCodeForbidden)
	}
	if _, err := s.store.DeleteWhere(ctx, stores.TableHosts, stores.Where("id", h.ID)); err != nil {
		return fmt.Errorf("failed to delete host: %w", err)
	}
	return nil
}

func lookup[T any](ctx context.Context, store stores.Store, table, kind, idOrName string) (*T, error) {
	v, err := stores.FirstAs[T](ctx, store, table, stores.Any("id", idOrName, "name", idOrName))
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, engine.NewNotFoundError(kind, idOrName)
		}
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, idOrName, err)
	}
	return v, nil
}
