package runner

import (
	"errors"
	"sync"
	"time"
)

// Error taxonomy for a lifecycle.  Every failure in Result.Err wraps one of
// these; ErrCleanupTimeout only ever appears in Result.CleanupErr.
var (
	ErrProvisioning      = errors.New("provisioning failed")
	ErrAddressResolution = errors.New("address resolution failed")
	ErrBootstrap         = errors.New("bootstrap failed")
	ErrCredentialFetch   = errors.New("credential fetch failed")
	ErrCleanupTimeout    = errors.New("cleanup timed out")
)

// State is a phase of a runner lifecycle.
type State int

const (
	Provisioning State = iota
	AwaitingNetwork
	Bootstrapping
	Running
	Cancelling
	Cleanup
	Terminated
)

func (s State) String() string {
	switch s {
	case Provisioning:
		return "provisioning"
	case AwaitingNetwork:
		return "awaiting_network"
	case Bootstrapping:
		return "bootstrapping"
	case Running:
		return "running"
	case Cancelling:
		return "cancelling"
	case Cleanup:
		return "cleanup"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Result describes how one lifecycle ended.
type Result struct {
	// Instance is the VM name.
	Instance string

	// States lists every state the lifecycle entered, in order.
	States []State

	// Err is nil when the lifecycle ended through a subtask exit or
	// external cancellation, and wraps one of the sentinel errors
	// otherwise.
	Err error

	// CleanupErr reports a failed or abandoned delete.  It never causes
	// a retry.
	CleanupErr error

	// Cancelled is set when the caller's context ended the lifecycle.
	Cancelled bool

	// ExitCode is the agent's exit code, or -1 when the agent never ran
	// to completion.
	ExitCode int

	// Lines is the number of agent output lines forwarded.
	Lines int

	// Duration is the wall time from provisioning to termination.
	Duration time.Duration
}

// Failed reports whether the lifecycle should count against the slot's
// backoff.
func (r Result) Failed() bool { return r.Err != nil }

// tracker records state transitions.  Both subtasks report into it
// concurrently.
type tracker struct {
	mu     sync.Mutex
	states []State
	notify func(State)
}

func (t *tracker) enter(s State) {
	t.mu.Lock()
	// Subtasks may both try to move past a state; keep each one once.
	if n := len(t.states); n > 0 && t.states[n-1] >= s {
		t.mu.Unlock()
		return
	}
	t.states = append(t.states, s)
	t.mu.Unlock()

	if t.notify != nil {
		t.notify(s)
	}
}

func (t *tracker) current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) == 0 {
		return Provisioning
	}
	return t.states[len(t.states)-1]
}

func (t *tracker) snapshot() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.states...)
}
