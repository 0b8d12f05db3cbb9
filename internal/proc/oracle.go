// Package proc provides process inspection for the change classifier's
// process-correlation layer. The Oracle interface is the pluggable seam:
// production code uses the /proc-backed implementation, tests substitute
// a fake.
package proc

import "time"

// ProcessInfo describes a process that holds (or recently held) a file open.
type ProcessInfo struct {
	PID     int
	Cmdline string
	// Started is the process start time, when known. Zero when the
	// platform cannot provide it.
	Started time.Time
}

// Oracle answers "who is touching this file" questions. Implementations
// must be safe for concurrent use.
type Oracle interface {
	// Owners returns the processes currently holding path open. An empty
	// slice with a nil error means no live owner was found (the writer may
	// have already exited).
	Owners(path string) ([]ProcessInfo, error)

	// Alive reports whether the process with the given PID exists.
	Alive(pid int) bool
}
