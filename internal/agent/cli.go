package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CLIInvoker runs agent turns by shelling out to a coding-agent binary in
// non-interactive mode. The session string is passed through so the binary
// can resume prior conversation state.
type CLIInvoker struct {
	// Binary is the agent executable; defaults to "claude".
	Binary string
	// ExtraArgs are appended before the prompt.
	ExtraArgs []string
}

// NewCLIInvoker creates an invoker for the default binary.
func NewCLIInvoker() *CLIInvoker {
	return &CLIInvoker{Binary: "claude"}
}

func (c *CLIInvoker) Invoke(ctx context.Context, prompt, session string) (string, error) {
	binary := c.Binary
	if binary == "" {
		binary = "claude"
	}

	args := []string{
		"--print", // Non-interactive mode
		"--session-id", session,
	}
	args = append(args, c.ExtraArgs...)
	args = append(args, "-p", prompt)

	cmd := exec.CommandContext(ctx, binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return "", fmt.Errorf("%s: %w: %s", binary, err, detail)
		}
		return "", fmt.Errorf("%s: %w", binary, err)
	}

	return strings.TrimSpace(stdout.String()), nil
}
