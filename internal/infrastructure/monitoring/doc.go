/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for the
orchestration engine, tracking HTTP requests, hypervisor API calls, task
queue depth, port allocation, and instance lifecycle counts.

# Features

- HTTP request metrics (latency, throughput, size)
- Hypervisor call metrics (duration, status)
- Task queue metrics (depth, redeliveries, outcomes)
- Instance lifecycle metrics (per-status gauges, deploy outcomes)
- Port range usage gauges
- System metrics (uptime)

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Record custom metrics
	metrics.RecordDeploy("success")
	metrics.SetPortRange("public", 12, 888)

	// Time hypervisor operations
	timer := monitoring.NewTimer(metrics, "create")
	// ... perform operation ...
	timer.Stop("success")

# Metrics Endpoint

Expose metrics via the standard Prometheus endpoint:

	import "github.com/prometheus/client_golang/prometheus/promhttp"
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
*/
package monitoring
