package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityWarning is reported but does not block the request.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"
)

// Policy represents an admission rule with its Rego code. The module must
// define a `deny` set in its package; each element is either a message
// string or an object with "message" and optionally "severity".
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation is a single denied rule.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists warning violations and policies that failed to
	// evaluate.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedAt       time.Time     `json:"evaluated_at"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Denied returns the messages of blocking violations.
func (r *Result) Denied() []string {
	var msgs []string
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			msgs = append(msgs, v.Message)
		}
	}
	return msgs
}

// Input is the document policies see as `input`.
type Input struct {
	// Operation is "create" or "delete".
	Operation string `json:"operation"`

	Node    NodeInput    `json:"node"`
	Cluster ClusterInput `json:"cluster"`
	Host    HostInput    `json:"host"`

	// Nodes are the nodes already recorded in the cluster.
	Nodes []NodeInput `json:"nodes"`
}

// NodeInput is the policy view of a node.
type NodeInput struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name,omitempty"`
	Type         string `json:"type"`
	HostID       string `json:"host_id"`
	State        string `json:"state,omitempty"`
	OxauthNodeID string `json:"oxauth_node_id,omitempty"`
}

// ClusterInput is the policy view of a cluster.
type ClusterInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// HostInput is the policy view of a host.
type HostInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}
