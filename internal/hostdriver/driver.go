// Package hostdriver manages one instance per container on a container
// host: create, start, restart, inspect, list, device rewrite, and
// non-interactive command execution.
package hostdriver

import (
	"context"

	"github.com/newellz2/lxrmq-go/internal/model"
)

// ExecResult is the outcome of a non-interactive command run inside an
// instance.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Driver is the host-side capability the Instance Service and Port
// Allocator depend on. All operations are blocking from the caller's
// perspective; the Instance Service runs each request on its own worker
// goroutine.
type Driver interface {
	// Create provisions a new instance from spec and returns the driver's
	// view of it. spec.ID is assigned by the caller before Create is
	// invoked.
	Create(ctx context.Context, spec model.Instance) (model.Instance, error)
	// Start brings a created-but-stopped instance up.
	Start(ctx context.Context, id string) error
	// Restart restarts a running instance.
	Restart(ctx context.Context, id string) error
	// Status returns the instance's current status string.
	Status(ctx context.Context, id string) (string, error)
	// Get returns the driver's current view of one instance.
	Get(ctx context.Context, id string) (model.Instance, error)
	// List returns the driver's current view of every instance it manages
	// — the source the Port Allocator uses to compute the allocated set
	// (see portalloc.LiveInstanceLister).
	List(ctx context.Context) ([]model.Instance, error)
	// UpdateDevice stages a device change for instance id; Save commits it.
	// Drivers that cannot mutate devices of a running instance (e.g.
	// DockerCLI) still implement these as local bookkeeping — see
	// DockerCLI's doc comment.
	UpdateDevice(ctx context.Context, id, deviceName string, dev model.Device) error
	// Save commits any device changes staged by UpdateDevice.
	Save(ctx context.Context, id string) error
	// Execute runs a non-interactive command inside instance id and
	// returns its stdout, stderr, and exit code.
	Execute(ctx context.Context, id string, argv []string) (ExecResult, error)
	// Delete tears down a partially- or fully-created instance. Used by
	// the create pipeline's failure compensation.
	Delete(ctx context.Context, id string) error
}
