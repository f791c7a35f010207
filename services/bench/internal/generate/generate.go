// Package generate supplies raw model responses to the pipeline. The model
// client itself stays outside the harness: responses come either from a
// directory of pre-generated files or from an external command that talks to
// the model and prints the response on stdout.
package generate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Source produces the raw response for one (model, task, repetition) unit.
type Source interface {
	Response(ctx context.Context, model, taskID string, repetition int, prompt string) (string, error)
}

// Dir reads pre-generated responses from <root>/<model>/<task>.md, with an
// optional repetition suffix (<task>_2.md) when runs differ per repetition.
type Dir struct {
	Root string
}

var responseExtensions = []string{".md", ".txt"}

func (d Dir) Response(_ context.Context, model, taskID string, repetition int, _ string) (string, error) {
	var candidates []string
	for _, ext := range responseExtensions {
		candidates = append(candidates, filepath.Join(d.Root, model, fmt.Sprintf("%s_%d%s", taskID, repetition, ext)))
	}
	for _, ext := range responseExtensions {
		candidates = append(candidates, filepath.Join(d.Root, model, taskID+ext))
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read response: %w", err)
		}
	}
	return "", fmt.Errorf("no response file for model %q task %q under %s", model, taskID, d.Root)
}

// File serves one fixed response regardless of model and task. Used by the
// single-run CLI path with --response-file.
type File struct {
	Path string
}

func (f File) Response(_ context.Context, _, _ string, _ int, _ string) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(data), nil
}

// Command invokes an external model client. The prompt arrives on stdin and
// the model name and task id in the environment; stdout is the response.
type Command struct {
	Argv    []string
	Timeout time.Duration
}

func (c Command) Response(ctx context.Context, model, taskID string, repetition int, prompt string) (string, error) {
	if len(c.Argv) == 0 {
		return "", errors.New("generate: empty command")
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Stdin = bytes.NewBufferString(prompt)
	cmd.Env = append(os.Environ(),
		"TFBENCH_MODEL="+model,
		"TFBENCH_TASK="+taskID,
		fmt.Sprintf("TFBENCH_REPETITION=%d", repetition),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("model client failed: %w (stderr: %s)", err, stderr.String())
	}
	return stdout.String(), nil
}
