// Package runner executes terraform stage commands as subprocesses with a
// deadline and captures their output for the benchmark record.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// CaptureLimit caps the stdout/stderr bytes kept per stage.
const CaptureLimit = 64 * 1024

// TruncationMarker is appended when captured output exceeds CaptureLimit.
const TruncationMarker = "\n...[truncated]"

// Request describes one stage command.
type Request struct {
	Stage   string
	Dir     string
	Command []string
	Env     map[string]string
	Timeout time.Duration
}

// Outcome records how a stage command went. ExitCode is nil when the process
// never produced one (spawn failure or timeout kill).
type Outcome struct {
	Stage      string    `json:"stage"`
	Command    []string  `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ExitCode   *int      `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	TimedOut   bool      `json:"timed_out"`
	Err        string    `json:"error,omitempty"`
	Success    bool      `json:"success"`
}

// Duration reports how long the stage command ran.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Executor runs stage commands. The pipeline depends on this interface so
// tests can substitute scripted outcomes for real terraform processes.
type Executor interface {
	Run(ctx context.Context, req Request) Outcome
}

// Exec is the production Executor backed by os/exec.
type Exec struct{}

// Run spawns the command in its own process, waits up to the request timeout,
// and returns the captured outcome. A timeout kills the process and is
// recorded distinctly from a non-zero exit.
func (Exec) Run(ctx context.Context, req Request) Outcome {
	out := Outcome{
		Stage:     req.Stage,
		Command:   append([]string(nil), req.Command...),
		StartedAt: time.Now().UTC(),
	}

	if len(req.Command) == 0 {
		out.FinishedAt = time.Now().UTC()
		out.Err = "empty command"
		return out
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, req.Command[0], req.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergeEnv(os.Environ(), req.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out.FinishedAt = time.Now().UTC()
	out.Stdout = Truncate(stdout.String())
	out.Stderr = Truncate(stderr.String())

	timedOut := runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if timedOut {
		out.TimedOut = true
		out.Err = fmt.Sprintf("timed out after %s", req.Timeout)
		return out
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			out.ExitCode = &code
			out.Err = fmt.Sprintf("exit status %d", code)
		} else {
			out.Err = err.Error()
		}
		return out
	}

	zero := 0
	out.ExitCode = &zero
	out.Success = true
	return out
}

// Truncate caps s at CaptureLimit bytes and marks the cut.
func Truncate(s string) string {
	if len(s) <= CaptureLimit {
		return s
	}
	return s[:CaptureLimit] + TruncationMarker
}

// StageEnv is the pinned environment every terraform invocation gets:
// static emulator credentials and non-interactive terraform behaviour.
func StageEnv(region string) map[string]string {
	if region == "" {
		region = "us-east-1"
	}
	return map[string]string{
		"AWS_ACCESS_KEY_ID":     "test",
		"AWS_SECRET_ACCESS_KEY": "test",
		"AWS_DEFAULT_REGION":    region,
		"AWS_REGION":            region,
		"TF_IN_AUTOMATION":      "1",
		"TF_INPUT":              "0",
		"CHECKPOINT_DISABLE":    "1",
		"NO_COLOR":              "1",
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	merged := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if _, override := extra[key]; override {
			continue
		}
		merged = append(merged, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, fmt.Sprintf("%s=%s", k, extra[k]))
	}
	return merged
}
