package support

import (
	"context"
	"os/exec"
)

// CommandRunner executes an external program and returns its combined output.
// Host control surfaces (netsh, wevtutil, netstat, taskkill) are reached through
// a CommandRunner so tests can script their output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// RunCommand is the CommandRunner backed by os/exec.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
