package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"warpgate/internal/logging"
	"warpgate/internal/types"
)

const maxBuildOutput = 64 * 1024

// CommandBuilder runs a local command as the build step. The proposal is
// described to the command through WARPGATE_* environment variables and
// the proposed file content is written to stdin.
type CommandBuilder struct {
	Command []string
	Dir     string
	Timeout time.Duration
	Env     []string
}

// NewCommandBuilder creates a builder for command.
func NewCommandBuilder(command []string, dir string, timeout time.Duration) *CommandBuilder {
	return &CommandBuilder{Command: command, Dir: dir, Timeout: timeout}
}

// Build runs the command. A non-zero exit is an unsuccessful BuildResult,
// not an error; errors mean the command could not be run at all.
func (b *CommandBuilder) Build(ctx context.Context, a *types.Approval, p *types.Proposal) (*BuildResult, error) {
	if len(b.Command) == 0 {
		return nil, errors.New("build command is empty")
	}
	timer := logging.StartTimer(logging.CategoryCollab, "Build")
	defer timer.Stop()

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = append(os.Environ(), b.Env...)
	cmd.Env = append(cmd.Env,
		"WARPGATE_APPROVAL_ID="+a.ID,
		"WARPGATE_PROPOSAL_ID="+p.ID,
		"WARPGATE_BUILD_REF="+a.BuildRef,
		"WARPGATE_FILE_PATH="+p.FilePath,
		"WARPGATE_AGENT_TYPE="+string(p.AgentType),
	)
	cmd.Stdin = strings.NewReader(p.CodeAfter)

	var out bytes.Buffer
	lw := &limitedWriter{w: &out, max: maxBuildOutput}
	cmd.Stdout = lw
	cmd.Stderr = lw

	logging.Collab("build %s: running %s", a.BuildRef, strings.Join(b.Command, " "))
	err := cmd.Run()

	res := &BuildResult{Output: out.String()}
	if lw.truncated {
		res.Output += "\n[output truncated]"
	}
	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("build timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			logging.CollabWarn("build %s failed with exit code %d", a.BuildRef, res.ExitCode)
			return res, nil
		}
		return nil, fmt.Errorf("failed to run build: %w", err)
	}
	res.Success = true
	return res, nil
}

// limitedWriter caps captured output and drops the rest.
type limitedWriter struct {
	w         io.Writer
	max       int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	if remaining := lw.max - lw.written; n > remaining {
		lw.truncated = true
		p = p[:remaining]
	}
	written, err := lw.w.Write(p)
	lw.written += written
	if err != nil {
		return written, err
	}
	return n, nil
}
