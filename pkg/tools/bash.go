package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const maxCommandOutput = 30000

type bashArgs struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to execute"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Working directory for the command"`
}

// Bash returns the bash descriptor. Its mutex key serializes shell
// execution so two subprocesses cannot interleave in the same working
// directory.
func (b *Builtins) Bash() *Descriptor {
	return &Descriptor{
		Name:         "bash",
		Description:  "Execute a shell command and return combined stdout and stderr. Supports pipes and redirects.",
		Parameters:   MustSchema[bashArgs](),
		Permission:   PermissionAsk,
		MutexKey:     "shell",
		Capabilities: Capabilities{Shell: true},
		Handler:      b.bash,
	}
}

func (b *Builtins) bash(ctx context.Context, args map[string]interface{}) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command must not be empty")
	}

	workingDir, _ := args["working_dir"].(string)
	if workingDir == "" {
		workingDir = b.cfg.WorkingDir
	}
	if workingDir != "" {
		if err := b.guard.Check(workingDir); err != nil {
			return "", err
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir

	output, err := cmd.CombinedOutput()
	text := string(output)
	if len(text) > maxCommandOutput {
		text = text[:maxCommandOutput] + "\n... (output truncated)"
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return fmt.Sprintf("%s\n(exit code %d)", text, exitErr.ExitCode()), nil
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return text, nil
}
