package config

import (
	"time"

	"github.com/gluufederation/gluu-engine/pkg/agent"
	"github.com/gluufederation/gluu-engine/pkg/engine"
	"github.com/gluufederation/gluu-engine/pkg/model"
	"github.com/gluufederation/gluu-engine/pkg/network"
	"github.com/gluufederation/gluu-engine/pkg/runtime"
	"github.com/gluufederation/gluu-engine/pkg/telemetry"
)

// dockerfileBase hosts the Dockerfile of every workload image.
const dockerfileBase = "https://raw.githubusercontent.com/GluuFederation/gluu-docker/master/ubuntu/14.04/"

// Default returns the configuration used for settings absent from the file.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:         "/var/lib/gluu-engine/db.sqlite",
			MaxOpenConns: 1,
		},
		Log: telemetry.DefaultLoggingConfig(),
		Deploy: DeployConfig{
			ConnectDelay: engine.DefaultConnectDelay,
			ExecDelay:    engine.DefaultExecDelay,
			Workers:      4,
			QueueSize:    64,
			LogDir:       "/var/log/gluu-engine",
		},
		Agent: agent.Config{
			RemotePath:     "/usr/local/bin/gluu-agent",
			StartupTimeout: 30 * time.Second,
			CommandTimeout: 10 * time.Minute,
		},
		Profiles: DefaultProfiles(),
		Network: NetworkConfig{
			Bridge:            network.DefaultBridge,
			DNSSearch:         []string{"weave.local"},
			ConnectionTimeout: 30 * time.Second,
		},
		Recovery: RecoveryConfig{
			Timeout: 5 * time.Minute,
		},
		Metrics: telemetry.DefaultMetricsConfig(),
		Tracing: telemetry.DefaultTracingConfig(),
	}
}

// DefaultProfiles returns the built-in container shape of every node type.
func DefaultProfiles() map[model.NodeType]engine.Profile {
	profile := func(image string) engine.Profile {
		return engine.Profile{
			Image:        image,
			BuildContext: []string{dockerfileBase + image + "/Dockerfile"},
		}
	}

	ldap := profile("gluuopendj")
	ldap.Ulimits = []runtime.Ulimit{{Name: "nofile", Soft: 65536, Hard: 131072}}

	oxtrust := profile("gluuoxtrust")
	oxtrust.Ports = []runtime.PortBinding{{ContainerPort: 8443, HostPort: 8443, HostIP: "127.0.0.1"}}
	oxtrust.Volumes = []runtime.Volume{{HostPath: "/var/gluu/webapps/oxidp/override", ContainerPath: "/opt/idp"}}

	nginx := profile("gluunginx")
	nginx.Ports = []runtime.PortBinding{
		{ContainerPort: 80, HostPort: 80, HostIP: "0.0.0.0"},
		{ContainerPort: 443, HostPort: 443, HostIP: "0.0.0.0"},
	}

	return map[model.NodeType]engine.Profile{
		model.NodeTypeLDAP:    ldap,
		model.NodeTypeOxAuth:  profile("gluuoxauth"),
		model.NodeTypeOxTrust: oxtrust,
		model.NodeTypeOxIDP:   profile("gluuoxidp"),
		model.NodeTypeNginx:   nginx,
	}
}
