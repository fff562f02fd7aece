// Package hypervisor defines the contract between the orchestration engine
// and the container hypervisor's management API.
//
// The orchestrator only ever talks to the Client interface; concrete
// adapters live in the pve and docker subpackages. Each adapter maps its
// wire-level failures onto the Transient/Permanent taxonomy in this
// package, which drives the orchestrator's bounded retry policy.
//
// Components:
//   - Client: create/start/stop/delete/status/config operations
//   - Spec: desired container configuration
//   - Handle: (node, container id) pair identifying a container
//   - Error: classified failure with Transient/Permanent kind
//
// Example Usage:
//
//	handle, err := client.CreateContainer(ctx, spec)
//	if hypervisor.IsTransient(err) {
//		// retry with backoff
//	}
package hypervisor
