// Package remote defines how cidermill gets the runner agent into a VM and
// starts it: copy a bootstrap payload, then launch a command whose combined
// stdout/stderr is streamed back live.
package remote

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Target identifies the machine a command runs on.  Backends use whichever
// fields they need: SSH dials Address as User, docker exec uses Instance.
type Target struct {
	Instance string
	Address  string
	User     string
}

// Command is an argv to run in Dir on the target.
type Command struct {
	Dir  string
	Args []string
}

// Shell renders the command as a POSIX shell string with every argument
// single-quoted.
func (c Command) Shell() string {
	quoted := make([]string, len(c.Args))
	for i, a := range c.Args {
		quoted[i] = Quote(a)
	}
	cmd := strings.Join(quoted, " ")
	if c.Dir == "" || c.Dir == "." {
		return cmd
	}
	return "cd " + Quote(c.Dir) + " && " + cmd
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Process is a command started by Execute.
type Process interface {
	// Output yields the interleaved stdout and stderr of the process.  It
	// reaches EOF once the process has exited and all output is drained.
	Output() io.Reader

	// Wait blocks until the process exits.  A non-zero exit code is
	// reported as *ExitError.
	Wait() error
}

// Executor is the contract every remote execution backend satisfies.
type Executor interface {
	// Copy places the local files at paths into dir on the target,
	// preserving their base names and permission bits.
	Copy(ctx context.Context, target Target, dir string, paths []string) error

	// Execute starts cmd on the target.  Cancelling ctx kills the remote
	// process.
	Execute(ctx context.Context, target Target, cmd Command) (Process, error)
}

// ExitError reports a remote process that exited with a non-zero code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote process exited with code %d", e.Code)
}
