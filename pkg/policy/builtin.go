package policy

// BuiltinPolicies returns the admission rules every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		singleOxtrustPolicy(),
		gatewayUpstreamPolicy(),
		directoryFirstPolicy(),
	}
}

// singleOxtrustPolicy allows one oxtrust node per host.
func singleOxtrustPolicy() Policy {
	return Policy{
		Name:        "single-oxtrust",
		Description: "A host runs at most one oxtrust node",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"placement"},
		Rego: `package gluu.admission.oxtrust

import rego.v1

deny contains msg if {
	input.operation == "create"
	input.node.type == "oxtrust"
	some other in input.nodes
	other.type == "oxtrust"
	other.host_id == input.node.host_id
	msg := sprintf("cannot deploy more oxtrust nodes to host %s: %s already runs there", [input.host.name, other.name])
}
`,
	}
}

// gatewayUpstreamPolicy requires nginx nodes to name an existing oxauth node.
func gatewayUpstreamPolicy() Policy {
	return Policy{
		Name:        "gateway-upstream",
		Description: "An nginx node must reference an oxauth node of the same cluster",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"topology"},
		Rego: `package gluu.admission.gateway

import rego.v1

deny contains msg if {
	input.operation == "create"
	input.node.type == "nginx"
	not input.node.oxauth_node_id
	msg := "nginx node requires oxauth_node_id"
}

deny contains msg if {
	input.operation == "create"
	input.node.type == "nginx"
	id := input.node.oxauth_node_id
	not oxauth_exists(id)
	msg := sprintf("oxauth node %s does not exist in cluster %s", [id, input.cluster.name])
}

oxauth_exists(id) if {
	some n in input.nodes
	n.type == "oxauth"
	n.id == id
}
`,
	}
}

// directoryFirstPolicy requires a working ldap node before other workloads.
func directoryFirstPolicy() Policy {
	return Policy{
		Name:        "directory-first",
		Description: "Non-ldap nodes need a SUCCESS ldap node in the cluster",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"topology"},
		Rego: `package gluu.admission.directory

import rego.v1

deny contains msg if {
	input.operation == "create"
	input.node.type != "ldap"
	not ldap_ready
	msg := sprintf("cluster %s has no ldap node in SUCCESS state", [input.cluster.name])
}

ldap_ready if {
	some n in input.nodes
	n.type == "ldap"
	n.state == "SUCCESS"
}
`,
	}
}
