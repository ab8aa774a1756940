// Package effector defines the pluggable screen-unlock backend and a
// default implementation that shells out to a configured binary.
package effector

import (
	"context"
	"os/exec"
)

// Effector performs the actual unlock action on the host. It is
// invoked once per authorized /unlock, after the response has been
// written; a failure is logged by the caller and never rolls back the
// authorization.
type Effector interface {
	Unlock(ctx context.Context) error
}

// CommandEffector shells out to an external binary (e.g. a
// screen-locker's unlock helper), the same pattern the rest of the
// corpus uses to drive a sandbox runtime via exec.CommandContext.
type CommandEffector struct {
	Path string
	Args []string
}

// NewCommandEffector returns an Effector that runs path with args.
func NewCommandEffector(path string, args ...string) *CommandEffector {
	return &CommandEffector{Path: path, Args: args}
}

func (e *CommandEffector) Unlock(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.Path, e.Args...)
	return cmd.Run()
}

// RecorderEffector is a test double that records invocations instead
// of touching the host, matching the corpus's habit of keeping
// side-effecting backends behind a one-method interface so tests can
// substitute a recorder.
type RecorderEffector struct {
	Calls int
	Err   error
}

func (e *RecorderEffector) Unlock(ctx context.Context) error {
	e.Calls++
	return e.Err
}
