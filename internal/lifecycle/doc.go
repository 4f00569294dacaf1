// Package lifecycle holds the run-state shared by both pipelines.
//
// A Token moves Running -> Stopping -> Stopped and never backwards. Shutdown
// requests write it; pipelines only read it.
package lifecycle
