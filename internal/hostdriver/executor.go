package hostdriver

import "context"

// Executor abstracts command execution for local (os/exec) or remote (SSH)
// targets. Not Docker-specific — runs any shell command.
type Executor interface {
	// Run executes a command and returns buffered stdout.
	Run(ctx context.Context, command string, args ...string) (string, error)
	// Host returns a label identifying the execution target (e.g. "local",
	// a hostname).
	Host() string
}
