// Package server provides HTTP server setup and initialization for the
// orchestration engine.
//
// This package wires all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (logging, tracing, metrics, CORS, rate limiting, identity)
//   - Database connection and schema migration
//   - Port allocator and catalog registry
//   - Hypervisor driver selection (pve or docker)
//   - Task queue store and worker pool
//
// Server Lifecycle:
//  1. Load configuration from environment/flags
//  2. Initialize logger (production or development)
//  3. Open and migrate the database
//  4. Seed the catalog from disk plus built-in templates
//  5. Build the hypervisor client for the configured driver
//  6. Setup HTTP routes and middleware
//  7. Start the worker pool, then the HTTP server
//  8. Graceful shutdown on signal: drain workers, close database
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.New(cfg)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
