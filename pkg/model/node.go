package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ShortIDLength is the length of a runtime container id in its short form.
const ShortIDLength = 12

// ShortID truncates a runtime container id to its short form.
func ShortID(id string) string {
	if len(id) > ShortIDLength {
		return id[:ShortIDLength]
	}
	return id
}

// Node is a single provisioned workload.
type Node struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	RuntimeID      string            `json:"runtime_id"`
	Type           NodeType          `json:"type"`
	ClusterID      string            `json:"cluster_id"`
	HostID         string            `json:"host_id"`
	IP             string            `json:"ip"`
	DomainName     string            `json:"domain_name"`
	WeaveIP        string            `json:"weave_ip,omitempty"`
	WeavePrefixLen int               `json:"weave_prefixlen,omitempty"`
	State          State             `json:"state"`
	OxauthNodeID   string            `json:"oxauth_node_id,omitempty"`
	Attrs          map[string]string `json:"attrs,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewNode builds a node record in the IN_PROGRESS state. The container
// name is derived from the image name and a random suffix.
func NewNode(nodeType NodeType, image, clusterID, hostID string) *Node {
	id := uuid.NewString()
	now := time.Now().UTC()
	return &Node{
		ID:        id,
		Name:      fmt.Sprintf("%s_%s", image, uuid.NewString()[:8]),
		Type:      nodeType,
		ClusterID: clusterID,
		HostID:    hostID,
		State:     StateInProgress,
		Attrs:     map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// RecordID implements stores.Record.
func (n *Node) RecordID() string { return n.ID }

// Validate checks the record invariants.
func (n *Node) Validate() error {
	if n.ID == "" {
		return errors.New("node id is required")
	}
	if n.Name == "" {
		return errors.New("node name is required")
	}
	if !n.Type.Valid() {
		return fmt.Errorf("unsupported node type: %s", n.Type)
	}
	if n.State == StateSuccess {
		if n.RuntimeID == "" {
			return errors.New("node in SUCCESS state must have a runtime id")
		}
		if n.IP == "" {
			return errors.New("node in SUCCESS state must have an address")
		}
	}
	return nil
}

// CIDR returns the overlay address in CIDR notation, or "" when the node has
// no overlay allocation.
func (n *Node) CIDR() string {
	if n.WeaveIP == "" {
		return ""
	}
	return fmt.Sprintf("%s/%d", n.WeaveIP, n.WeavePrefixLen)
}

// Attr returns a workload attribute or def when unset.
func (n *Node) Attr(key, def string) string {
	if v, ok := n.Attrs[key]; ok && v != "" {
		return v
	}
	return def
}

// SetAttr sets a workload attribute.
func (n *Node) SetAttr(key, value string) {
	if n.Attrs == nil {
		n.Attrs = map[string]string{}
	}
	n.Attrs[key] = value
}

// Touch records a modification.
func (n *Node) Touch() {
	n.UpdatedAt = time.Now().UTC()
}
