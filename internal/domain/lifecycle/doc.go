// Package lifecycle executes deployment and lifecycle operations against
// the hypervisor and drives instances through the status state machine.
//
// The orchestrator is the queue pool's executor: every claimed task maps
// to exactly one lifecycle flow (deploy, start, stop, restart, delete).
// Transient hypervisor failures are retried with bounded backoff;
// permanent failures move the instance to error with a deployment log
// entry naming the failed step. Failed deployments always release their
// allocated ports before settling in error.
package lifecycle
