package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/api"
)

type Executor interface {
	Execute(ctx context.Context, job api.ClaimResponse) (json.RawMessage, error)
}

// CommandExecutor runs an external command per claimed run. The prompt is
// written to stdin and run metadata is exported as RUNQUEUE_* variables.
// JSON on stdout becomes the result; any other output is wrapped.
type CommandExecutor struct {
	Command []string
	Env     []string
	Timeout time.Duration
}

const maxOutputTail = 4096

func (e CommandExecutor) Execute(ctx context.Context, job api.ClaimResponse) (json.RawMessage, error) {
	if len(e.Command) == 0 || strings.TrimSpace(e.Command[0]) == "" {
		return nil, errors.New("command is required")
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = strings.NewReader(job.Prompt)
	cmd.Env = append(append(os.Environ(), e.Env...),
		"RUNQUEUE_RUN_ID="+job.Run.ID,
		"RUNQUEUE_SESSION_ID="+job.Run.SessionID,
		"RUNQUEUE_USER_ID="+job.UserID,
		"RUNQUEUE_SDK_SESSION_ID="+job.SDKSessionID,
		"RUNQUEUE_SCHEDULE_MODE="+job.Run.ScheduleMode,
		"RUNQUEUE_CONFIG_SNAPSHOT="+string(job.ConfigSnapshot),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command timed out: %w", ctx.Err())
		}
		msg := strings.TrimSpace(tail(stderr.String(), maxOutputTail))
		if msg == "" {
			return nil, fmt.Errorf("command failed: %w", err)
		}
		return nil, fmt.Errorf("command failed: %w: %s", err, msg)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, nil
	}
	if json.Valid(out) {
		return json.RawMessage(out), nil
	}
	wrapped, err := json.Marshal(map[string]string{"output": string(out)})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
