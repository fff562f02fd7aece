// Package pve implements the hypervisor client against a
// Proxmox-VE-style LXC management API.
//
// Mutating endpoints return an asynchronous task id; the client polls
// the task status until completion, bounded by the configured call
// timeout. Transport failures, timeouts and 5xx responses classify as
// transient, 4xx as permanent, and a 404 on a container path as
// ErrNotFound.
package pve
