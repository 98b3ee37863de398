package util

import (
	"context"
	"fmt"
	"os/exec"
)

// RequireBinary verifies the binary is on PATH.
func RequireBinary(name string) error {
	_, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("required binary not found: %s", name)
	}
	return nil
}

// Command builds an exec.Cmd running with the process environment plus env.
func Command(ctx context.Context, name string, args []string, env map[string]string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	extra := make([]string, 0, len(env))
	for k, v := range env {
		extra = append(extra, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = MergeEnv(extra)
	return cmd
}
