// Package pipeline implements the driven pipeline shared by the capture and
// playback paths.
//
// The audio subsystem calls Pipeline.Callback once per device buffer. Each
// call checks the shared lifecycle token and either runs the direction's
// handler or stops doing network work and lets Run tear the stream down.
// CaptureHandler encodes and sends; PlaybackHandler polls received datagrams
// and never blocks the device.
package pipeline
