// Package harness runs connection-entity scenarios against the real runtime.
//
// # Scenario Format
//
// Scenarios are YAML files with the following structure:
//
//	name: k1_start_connection
//	description: "What this scenario validates"
//	start: "2024-01-01T12:00:00Z"   # optional, fake clock origin
//	interval_seconds: 10            # optional, health check period
//	steps:
//	  - call: { key: k1, operation: Initialize }
//	  - call: { key: k1, operation: EstablishConnection }
//	    error: NOT_INITIALIZED      # optional, expected rejection code
//	  - advance: 10s                # move the clock, firing due timers
//	  - restart: true               # reopen the store and recover
//	  - expect:
//	      key: k1
//	      status: Connected
//	      version: 3
//	      initialized: true
//	      timers:
//	        - { operation: HealthCheck, fire_at: "2024-01-01T12:00:10Z" }
//	      hooks: [RequestConnect]
//
// # Determinism
//
// Every scenario runs on a fresh SQLite file with a fake wall clock,
// sequential operation IDs and a recording provider. Timers are fired one
// fire time at a time and each fired operation is awaited before the next
// step, so the trace of a scenario is identical across runs and suitable for
// golden file comparison.
package harness
