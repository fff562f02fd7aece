// Package main is the entry point for the deployment orchestration server.
//
// The server manages the lifecycle of containerized application instances
// on hypervisor hosts: deploy, start, stop, restart, clone and delete,
// with port allocation from configured ranges and a durable task queue
// executing the container work asynchronously.
//
// Architecture:
//
//	API clients → HTTP facade → task queue → worker pool → hypervisor
//
// The server provides:
//   - REST API for instance management (202-accepted, never blocking)
//   - Durable per-instance-serialized task queue
//   - Port pair allocation with a database-backed free list
//   - Catalog of deployable application templates
//   - Prometheus metrics and rate limiting
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for single-node development
//
// Usage:
//
//	# Proxmox-style hypervisor
//	./server -port 8000 -hypervisor pve
//
//	# Local Docker daemon
//	./server -hypervisor docker -db stevedore.db
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown (drains in-flight tasks)
package main
