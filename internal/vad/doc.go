// Package vad provides energy-based voice activity detection for the capture
// and playback streams. Detection only feeds statistics and metrics; audio is
// always transmitted and played unchanged.
package vad
