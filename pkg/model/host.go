package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Host is a machine running a container engine, also called a provider.
type Host struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           HostType  `json:"type"`
	Address        string    `json:"address"`
	SSHPort        int       `json:"ssh_port"`
	SSHUser        string    `json:"ssh_user"`
	SSHKeyPath     string    `json:"ssh_key_path"`
	DockerEndpoint string    `json:"docker_endpoint"`
	TLSCertPath    string    `json:"tls_cert_path,omitempty"`
	TLSKeyPath     string    `json:"tls_key_path,omitempty"`
	TLSCAPath      string    `json:"tls_ca_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewHost returns a host record with a fresh id.
func NewHost(name string, hostType HostType, address, dockerEndpoint string) *Host {
	return &Host{
		ID:             uuid.NewString(),
		Name:           name,
		Type:           hostType,
		Address:        address,
		SSHPort:        22,
		SSHUser:        "root",
		DockerEndpoint: dockerEndpoint,
		CreatedAt:      time.Now().UTC(),
	}
}

// RecordID implements stores.Record.
func (h *Host) RecordID() string { return h.ID }

// Validate checks the record invariants.
func (h *Host) Validate() error {
	if h.ID == "" {
		return errors.New("host id is required")
	}
	if h.Name == "" {
		return errors.New("host name is required")
	}
	if h.DockerEndpoint == "" {
		return errors.New("host docker endpoint is required")
	}
	if h.Type != HostTypeMaster && h.Type != HostTypeWorker {
		return errors.New("host type must be master or worker")
	}
	return nil
}

// UsesTLS reports whether the engine endpoint requires client certificates.
func (h *Host) UsesTLS() bool {
	return h.TLSCertPath != "" && h.TLSKeyPath != ""
}
