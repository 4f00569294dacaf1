// Package link wires the transport, the receive queue and the two pipelines
// into one duplex voice session and manages its lifecycle.
package link
