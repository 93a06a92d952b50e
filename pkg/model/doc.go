// Package model defines the records managed by gluu-engine: workload nodes,
// clusters, hosts, node logs and accepted agent keys.
package model
