// Package server implements the optional HTTP monitoring API: health,
// effective configuration, link statistics and Prometheus metrics.
package server
