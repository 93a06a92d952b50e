// Package policy provides Open Policy Agent (OPA) admission control for node
// requests.
//
// Every create or delete request is turned into an Input document (the
// requested node, its cluster and host, and the nodes already recorded in
// the cluster) and evaluated against a set of Rego policies. A policy
// contributes to its package's `deny` set; any violation with error severity
// rejects the request.
//
// # Built-in Policies
//
//   - single-oxtrust: a host runs at most one oxtrust node
//   - gateway-upstream: nginx nodes reference an existing oxauth node
//   - directory-first: other workloads need a SUCCESS ldap node
//
// # Custom Policies
//
// Additional .rego files can be loaded from disk with Engine.LoadPolicies
// and kept current with Engine.WatchPolicies:
//
//	# description: keep identity providers off worker hosts
//	# severity: error
//	package gluu.admission.custom
//
//	import rego.v1
//
//	deny contains msg if {
//		input.node.type == "oxidp"
//		input.host.type != "master"
//		msg := "oxidp nodes run on the master host"
//	}
//
// Built-in policies can be switched off by name with Engine.DisablePolicy.
package policy
