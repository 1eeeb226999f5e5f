// Package metrics defines the Prometheus collectors exported by the engine.
package metrics
