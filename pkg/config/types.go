package config

import (
	"time"

	"github.com/gluufederation/gluu-engine/pkg/agent"
	"github.com/gluufederation/gluu-engine/pkg/engine"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/runtime"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// Config is the engine configuration file.
type Config struct {
	Database DatabaseConfig          `yaml:"database"`
	Log      telemetry.LoggingConfig `yaml:"log"`
	Deploy   DeployConfig            `yaml:"deploy"`
	Runtime  RuntimeConfig           `yaml:"runtime"`
	Agent    agent.Config            `yaml:"agent"`

	// Profiles are the container shapes per node type. Types missing from
	// the file keep their built-in profile.
	Profiles map[model.NodeType]engine.Profile `yaml:"profiles" validate:"dive,keys,oneof=ldap oxauth oxtrust oxidp nginx,endkeys"`

	Network  NetworkConfig           `yaml:"network"`
	Recovery RecoveryConfig          `yaml:"recovery"`
	Policy   PolicyConfig            `yaml:"policy"`
	Metrics  telemetry.MetricsConfig `yaml:"metrics"`
	Tracing  telemetry.TracingConfig `yaml:"tracing"`
}

// DatabaseConfig configures the record store.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns int `yaml:"max_open_conns" validate:"min=0"`
}

// DeployConfig holds the settings of setup and teardown tasks. They are
// reloaded while the engine runs.
type DeployConfig struct {
	// ConnectDelay is waited between container start and agent
	// registration.
	ConnectDelay time.Duration `yaml:"connect_delay" validate:"min=0"`

	// ExecDelay is waited between agent registration and the first
	// command.
	ExecDelay time.Duration `yaml:"exec_delay" validate:"min=0"`

	// ImageTag is appended to profile images that carry no tag.
	ImageTag string `yaml:"image_tag"`

	// Workers bounds concurrent setups and teardowns.
	Workers int `yaml:"workers" validate:"min=1"`

	// QueueSize is the number of tasks waiting for a worker.
	QueueSize int `yaml:"queue_size" validate:"min=1"`

	// LogDir receives one log file per setup or teardown attempt.
	LogDir string `yaml:"log_dir"`

	// TemplatesDir overrides the built-in installer templates.
	TemplatesDir string `yaml:"templates_dir"`
}

// RuntimeConfig configures container engine access.
type RuntimeConfig struct {
	// ManagerEndpoint is the cluster manager engine, used when a host
	// record is gone.
	ManagerEndpoint string            `yaml:"manager_endpoint"`
	ManagerTLS      runtime.TLSConfig `yaml:"manager_tls"`
}

// NetworkConfig configures the weave overlay.
type NetworkConfig struct {
	// Enabled turns on bridge DNS, overlay attach and DNS registration.
	Enabled bool `yaml:"enabled"`

	// Bridge is the docker bridge interface on each host.
	Bridge string `yaml:"bridge"`

	// DNSSearch is the search domain list of new containers.
	DNSSearch []string `yaml:"dns_search" validate:"dive,hostname_rfc1123"`

	KnownHostsPath    string        `yaml:"known_hosts_path"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" validate:"min=0"`
}

// RecoveryConfig configures off-host store snapshots.
type RecoveryConfig struct {
	Targets        []string      `yaml:"targets" validate:"dive,sftpurl"`
	PrivateKeyPath string        `yaml:"private_key_path" validate:"required_with=Targets"`
	KnownHostsPath string        `yaml:"known_hosts_path"`
	Compress       bool          `yaml:"compress"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Paths are .rego files or directories loaded next to the built-in
	// policies.
	Paths []string `yaml:"paths"`

	// Disabled names built-in policies to switch off.
	Disabled []string `yaml:"disabled"`

	// Watch reloads Paths when they change.
	Watch bool `yaml:"watch"`
}

// ValidationError is a single invalid field.
type ValidationError struct {
	// Path is the field path, e.g. "deploy.workers".
	Path string `json:"path"`

	// Message is the error message.
	Message string `json:"message"`
}
