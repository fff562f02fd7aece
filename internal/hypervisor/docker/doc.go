// Package docker implements the hypervisor client against a local
// Docker daemon for single-host and development setups. The allocated
// public port binds to the instance's primary service port and the
// internal port to the secondary one.
package docker
