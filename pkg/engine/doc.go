// Package engine provides the provisioning orchestrator of the gluu engine.
//
// # Overview
//
// The Orchestrator turns a persisted node record into a running, configured
// workload and back. It coordinates three collaborators that fail
// independently:
//
//   - the container engine of the node's host (Runtimes)
//   - the management agent running inside the container (Agents, Remote)
//   - the record store, which is the only source of truth for progress
//
// # Setup
//
// Setup runs as a background task on the shared Pool:
//
//  1. Resolve the host bridge address used as the container DNS server
//  2. Ensure the image exists, building it from the profile build context
//     when it does not, then create and start the container
//  3. Persist the short runtime id, wait the connect delay, register the
//     agent, wait the exec delay
//  4. Check the agent answers
//  5. Persist the container address and domain name
//  6. Attach the overlay address and register the DNS alias
//  7. Run the installer, persist SUCCESS, then run the post-setup hook
//
// Any failure in steps 1 to 7 rolls the node back: the container is
// stopped, the agent unregistered and the node persisted as FAILED. Panics
// are recovered into the same path. Whatever the outcome, the node log is
// marked SETUP_FINISHED and the recovery snapshot is distributed exactly
// once.
//
// # Teardown
//
// Teardown persists IN_PROGRESS, runs the installer teardown only for nodes
// that were SUCCESS or DISABLED and whose host still exists, removes the
// container, unregisters the agent and marks the node log
// TEARDOWN_FINISHED. The record itself is deleted by the caller through
// the ThenFunc.
//
// # Concurrency
//
// Tasks for different nodes run concurrently. Callers must not start two
// tasks for the same node; the nodes service refuses to tear down a node
// that is IN_PROGRESS unless forced. Settle delays are fixed sleeps and a
// failed step is never retried.
//
// # Error Classification
//
// Errors are classified for logging and metrics:
//
//   - Transient: container engine or agent unreachable
//   - Conflict: container name in use, image unavailable
//   - Permanent: installer failure, invalid request, missing record
package engine
