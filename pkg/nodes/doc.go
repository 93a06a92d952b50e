// Package nodes handles node, cluster and host requests.
//
// A create request is validated, checked against the admission policies,
// given an overlay address and persisted as IN_PROGRESS before its setup is
// queued; the caller gets the record back immediately. A delete request is
// refused while the node is IN_PROGRESS unless forced. The record is only
// removed, and its overlay address released, once the teardown ran.
package nodes
