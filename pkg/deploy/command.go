package deploy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const defaultCommandTimeout = 30 * time.Second

// Runner executes reload and health-check commands through the host shell
// with a bounded timeout. A command that exceeds its timeout is forcibly
// killed and treated as failed, never left running.
type Runner struct {
	logger  *slog.Logger
	shell   string
	timeout time.Duration
}

func NewRunner(logger *slog.Logger, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Runner{logger: logger, shell: "/bin/sh", timeout: timeout}
}

// Run executes command and returns an error on non-zero exit or timeout.
// Stdout/stderr are captured for diagnostics and folded into the error.
func (r *Runner) Run(ctx context.Context, command string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	r.logger.With("command", command, "duration", time.Since(start)).Debug("command finished")
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("command timed out after %s: %s", r.timeout, command)
		}
		return fmt.Errorf("command failed: %w: %s", err, snippet(output.Bytes()))
	}
	return nil
}

func snippet(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}
