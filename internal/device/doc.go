// Package device adapts audio subsystems to pipeline drivers.
//
// The portaudio backend negotiates one format for both default devices and
// runs a callback stream per direction. The null backend is a clock that
// needs no hardware.
package device
