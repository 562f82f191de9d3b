// Package scan classifies completed uploads before they are offloaded: a
// structural archive check through an external archive tool, then an antivirus
// pass that feeds the progressive ban policy.
package scan

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"lfingest/pkg/log"
)

// ToolResult is the outcome of one external tool invocation.
type ToolResult struct {
	ExitCode int
	Output   string
	TimedOut bool
	Overflow bool
	StartErr error
}

// InfrastructureFailure reports whether the tool could not produce a verdict
// because of host-side limits rather than the file itself.
func (r ToolResult) InfrastructureFailure() bool {
	return r.StartErr != nil || r.TimedOut || r.Overflow
}

// boundedBuffer keeps at most limit bytes of combined output and records overflow.
// Writes never fail so the child process is not killed by a broken pipe.
type boundedBuffer struct {
	mu       sync.Mutex
	data     []byte
	limit    int
	overflow bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.limit - len(b.data)
	if len(p) > room {
		if room > 0 {
			b.data = append(b.data, p[:room]...)
		}
		b.overflow = true
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// runTool runs name with args under timeout, capturing at most limit bytes of output.
func runTool(ctx context.Context, timeout time.Duration, limit int, name string, args ...string) ToolResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output := &boundedBuffer{limit: limit}
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 - binary comes from configuration
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	result := ToolResult{
		Output:   string(output.data),
		Overflow: output.overflow,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		log.Warn().Str("tool", name).Dur("timeout", timeout).Msg("External tool timed out")
		return result
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		result.StartErr = err
		result.ExitCode = -1
		log.Error().Err(err).Str("tool", name).Msg("Failed to run external tool")
	}
	return result
}
