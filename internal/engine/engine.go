// Package engine defines the abstraction for the hypervisor backends that
// host runner VMs. Each backend (tart, Docker, GCP) implements the Engine
// interface so the lifecycle code remains hypervisor-agnostic.
package engine

import (
	"context"
	"time"
)

// Engine is the contract every hypervisor backend must satisfy.
//
// All VMs are strictly ephemeral: each one hosts exactly one runner
// agent and is then permanently deleted (not stopped, not paused).
// The full lifecycle is:
//
//	Clone → Configure → Run ‖ (ResolveAddress → bootstrap → agent) → Delete
//
// Instances are addressed by name.  The name is chosen by the caller
// and is unique per lifecycle.
type Engine interface {
	// Check verifies the backend is usable (binary present, daemon
	// reachable, credentials valid).  A failure is fatal at startup.
	Check(ctx context.Context) error

	// Clone creates a new stopped instance called name from image.
	Clone(ctx context.Context, image, name string) error

	// Configure sets the CPU count and memory size (in MB) of a cloned
	// instance before it first boots.
	Configure(ctx context.Context, name string, cpus, memoryMB int) error

	// Run boots the instance and blocks until it stops on its own or
	// ctx is cancelled.  Cancelling ctx stops the instance.
	Run(ctx context.Context, name string) error

	// ResolveAddress returns the network address of a booted instance,
	// waiting at most wait for it to become known.
	ResolveAddress(ctx context.Context, name string, wait time.Duration) (string, error)

	// Delete permanently destroys the instance.  Deleting an instance
	// that is already gone must not return an error.
	Delete(ctx context.Context, name string) error

	// Close releases client resources held by the backend.  It does not
	// delete instances.
	Close() error
}
