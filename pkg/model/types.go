package model

import "fmt"

// NodeType identifies the kind of workload a node runs.
type NodeType string

const (
	NodeTypeLDAP    NodeType = "ldap"
	NodeTypeOxAuth  NodeType = "oxauth"
	NodeTypeOxTrust NodeType = "oxtrust"
	NodeTypeOxIDP   NodeType = "oxidp"
	NodeTypeNginx   NodeType = "nginx"
)

// NodeTypes lists every supported workload type.
var NodeTypes = []NodeType{
	NodeTypeLDAP,
	NodeTypeOxAuth,
	NodeTypeOxTrust,
	NodeTypeOxIDP,
	NodeTypeNginx,
}

// Valid reports whether t is a supported workload type.
func (t NodeType) Valid() bool {
	for _, nt := range NodeTypes {
		if nt == t {
			return true
		}
	}
	return false
}

// ParseNodeType converts a string into a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unsupported node type: %s", s)
	}
	return t, nil
}

// State is the lifecycle state of a node.
type State string

const (
	StateNone       State = "NONE"
	StateInProgress State = "IN_PROGRESS"
	StateSuccess    State = "SUCCESS"
	StateFailed     State = "FAILED"
	StateDisabled   State = "DISABLED"
)

// Deployed reports whether a node in this state has a running installation
// that teardown must undo.
func (s State) Deployed() bool {
	return s == StateSuccess || s == StateDisabled
}

// LogState tracks the progress of a node's setup or teardown log.
type LogState string

const (
	LogSetupInProgress    LogState = "SETUP_IN_PROGRESS"
	LogSetupFinished      LogState = "SETUP_FINISHED"
	LogTeardownInProgress LogState = "TEARDOWN_IN_PROGRESS"
	LogTeardownFinished   LogState = "TEARDOWN_FINISHED"
)

// HostType distinguishes the cluster-manager host from worker hosts.
type HostType string

const (
	HostTypeMaster HostType = "master"
	HostTypeWorker HostType = "worker"
)
