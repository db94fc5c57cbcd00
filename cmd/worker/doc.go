// Package main is the entry point for the gradebox worker.
//
// The worker consumes sandbox requests from the broker queue, runs them on
// the local container runtime with a bounded number in flight and publishes
// the replies. Prometheus metrics are served on metrics.address when
// metrics.enabled is set.
package main
