package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openfroyo/rollout/pkg/engine"
)

// ShellRunner runs commands through a shell on the control machine.
type ShellRunner struct {
	// Shell defaults to /bin/sh.
	Shell string
	Dir   string
	Env   []string
}

var _ engine.CommandRunner = ShellRunner{}

// Run executes command with "sh -c" and returns its trimmed combined
// output.
func (r ShellRunner) Run(ctx context.Context, command string) (string, error) {
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	cmd.WaitDelay = waitDelay

	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		if ctx.Err() != nil {
			return output, ctx.Err()
		}
		return output, fmt.Errorf("command %q failed: %w", command, err)
	}
	return output, nil
}
