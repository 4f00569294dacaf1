// Package metrics defines the Prometheus metrics exported by the voice link.
package metrics
