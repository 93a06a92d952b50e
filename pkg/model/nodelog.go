package model

import (
	"time"

	"github.com/google/uuid"
)

// NodeLog tracks where a node's setup and teardown logs live and how far
// each has progressed.
type NodeLog struct {
	ID              string    `json:"id"`
	NodeName        string    `json:"node_name"`
	State           LogState  `json:"state"`
	SetupLogPath    string    `json:"setup_log_path"`
	TeardownLogPath string    `json:"teardown_log_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewNodeLog returns a log record for a node whose setup is starting.
func NewNodeLog(nodeName, setupLogPath string) *NodeLog {
	return &NodeLog{
		ID:           uuid.NewString(),
		NodeName:     nodeName,
		State:        LogSetupInProgress,
		SetupLogPath: setupLogPath,
		CreatedAt:    time.Now().UTC(),
	}
}

// RecordID implements stores.Record.
func (l *NodeLog) RecordID() string { return l.ID }

// AgentKey is an accepted remote management agent identity.
type AgentKey struct {
	ID         string    `json:"id"`
	Version    string    `json:"version,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// RecordID implements stores.Record.
func (k *AgentKey) RecordID() string { return k.ID }
