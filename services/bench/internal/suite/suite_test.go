package suite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfbench/pkg/bus"
	"tfbench/services/bench/internal/generate"
	"tfbench/services/bench/internal/pipeline"
	"tfbench/services/bench/internal/results"
	"tfbench/services/bench/internal/runner"
	"tfbench/services/bench/internal/taskspec"
)

const goodResponse = "```terraform\nresource \"aws_vpc\" \"main\" {\n  cidr_block = \"10.0.0.0/16\"\n}\n```"

// countingExec succeeds every stage and tracks peak concurrency.
type countingExec struct {
	delay   time.Duration
	current atomic.Int32
	peak    atomic.Int32
}

func (c *countingExec) Run(_ context.Context, req runner.Request) runner.Outcome {
	cur := c.current.Add(1)
	for {
		peak := c.peak.Load()
		if cur <= peak || c.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.current.Add(-1)

	zero := 0
	now := time.Now().UTC()
	return runner.Outcome{
		Stage: req.Stage, Command: req.Command,
		StartedAt: now, FinishedAt: now,
		ExitCode: &zero, Success: true,
	}
}

type staticSource struct {
	response string
	failFor  string
}

func (s staticSource) Response(_ context.Context, model, _ string, _ int, _ string) (string, error) {
	if s.failFor != "" && model == s.failFor {
		return "", errors.New("model client unavailable")
	}
	return s.response, nil
}

type capturingBus struct {
	mu       sync.Mutex
	subjects []string
}

func (b *capturingBus) Publish(_ context.Context, subj string, _ any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subj)
	return nil
}

func newOrchestrator(t *testing.T, exec runner.Executor, source generate.Source) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		Pipeline: &pipeline.Pipeline{
			Exec:         exec,
			TerraformBin: "terraform",
			Region:       "us-east-1",
			Timeouts:     pipeline.Timeouts{Default: time.Minute, Plan: time.Minute, Apply: time.Minute, Destroy: time.Minute},
		},
		Source:   source,
		Recorder: &results.Recorder{Root: t.TempDir()},
		WorkRoot: t.TempDir(),
		Workers:  2,
	}
}

func specs(ids ...string) []taskspec.Spec {
	out := make([]taskspec.Spec, 0, len(ids))
	for _, id := range ids {
		out = append(out, taskspec.Spec{ID: id})
	}
	return out
}

func TestRunFullMatrix(t *testing.T) {
	o := newOrchestrator(t, &countingExec{}, staticSource{response: goodResponse})

	summary, err := o.Run(context.Background(), []string{"model-a", "model-b"}, specs("task_1", "task_2"), 2)
	require.NoError(t, err)

	assert.Equal(t, 8, summary.Total)
	assert.Equal(t, 8, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	require.Len(t, summary.Runs, 8)

	// One record directory per cell.
	for _, model := range []string{"model-a", "model-b"} {
		for _, task := range []string{"task_1", "task_2"} {
			for rep := 1; rep <= 2; rep++ {
				path := filepath.Join(o.Recorder.Root, model, task, fmt.Sprintf("run_%d", rep), results.RecordFileName)
				_, err := os.Stat(path)
				assert.NoError(t, err, path)
			}
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	exec := &countingExec{delay: 5 * time.Millisecond}
	o := newOrchestrator(t, exec, staticSource{response: goodResponse})
	o.Workers = 2

	_, err := o.Run(context.Background(), []string{"m"}, specs("t1", "t2", "t3", "t4"), 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, exec.peak.Load(), int32(2))
}

func TestRunIsolatesUnitFailures(t *testing.T) {
	o := newOrchestrator(t, &countingExec{}, staticSource{response: goodResponse, failFor: "model-bad"})

	summary, err := o.Run(context.Background(), []string{"model-good", "model-bad"}, specs("task_1"), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.ByCategory[categoryHarness])
}

func TestRunRecordsFailureCategories(t *testing.T) {
	o := newOrchestrator(t, &countingExec{}, staticSource{response: "no code here, sorry"})

	summary, err := o.Run(context.Background(), []string{"m"}, specs("task_1"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ByCategory[pipeline.CategoryGeneration])
}

func TestRunPublishesEvents(t *testing.T) {
	b := &capturingBus{}
	o := newOrchestrator(t, &countingExec{}, staticSource{response: goodResponse})
	o.Bus = b

	_, err := o.Run(context.Background(), []string{"m"}, specs("task_1"), 1)
	require.NoError(t, err)

	assert.Contains(t, b.subjects, bus.SuiteStartedSubject)
	assert.Contains(t, b.subjects, bus.RunStartedSubject)
	assert.Contains(t, b.subjects, bus.RunFinishedSubject)
}

func TestRunSingleUsesRepetitionIndex(t *testing.T) {
	exec := &countingExec{}
	o := newOrchestrator(t, exec, staticSource{response: goodResponse})

	rec, err := o.RunSingle(context.Background(), "model-a", taskspec.Spec{ID: "task_1"}, 3)
	require.NoError(t, err)

	assert.Equal(t, 3, rec.Repetition)
	assert.Equal(t, pipeline.VerdictSuccess, rec.Verdict)

	// Exactly one pipeline ran, landing in the run_3 directory.
	path := filepath.Join(o.Recorder.Root, "model-a", "task_1", "run_3", results.RecordFileName)
	_, err = os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(o.Recorder.Root, "model-a", "task_1", "run_1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunValidation(t *testing.T) {
	o := newOrchestrator(t, &countingExec{}, staticSource{response: goodResponse})

	_, err := o.Run(context.Background(), nil, specs("task_1"), 1)
	require.Error(t, err)

	_, err = o.Run(context.Background(), []string{"m"}, nil, 1)
	require.Error(t, err)
}

func TestMetricsObserveRun(t *testing.T) {
	m := NewMetrics()
	o := newOrchestrator(t, &countingExec{}, staticSource{response: goodResponse, failFor: "model-bad"})
	o.Metrics = m

	_, err := o.Run(context.Background(), []string{"model-good", "model-bad"}, specs("task_1"), 1)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues(pipeline.VerdictSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues(pipeline.VerdictFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failuresTotal.WithLabelValues(categoryHarness)))
}
