// Package suite fans a benchmark matrix (models x tasks x repetitions) out
// over a bounded worker pool. A run failing is data, not an error: the suite
// keeps going and the verdict table at the end shows what happened.
package suite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"tfbench/pkg/bus"
	"tfbench/pkg/render"
	"tfbench/services/bench/internal/generate"
	"tfbench/services/bench/internal/pipeline"
	"tfbench/services/bench/internal/results"
	"tfbench/services/bench/internal/taskspec"
)

// categoryHarness marks runs that never reached the pipeline because the
// harness itself failed for that unit (work dir, prompt, response source).
const categoryHarness = "HARNESS"

// unit is one cell of the benchmark matrix.
type unit struct {
	model      string
	spec       taskspec.Spec
	repetition int
}

// RunStore persists run records to a database. Satisfied by *results.Store.
type RunStore interface {
	SaveRun(ctx context.Context, suiteID *uuid.UUID, rec results.Record) error
}

// Publisher emits run lifecycle events. Satisfied by *bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Orchestrator runs benchmark suites.
type Orchestrator struct {
	Pipeline *pipeline.Pipeline
	Source   generate.Source
	Render   *render.Engine
	Recorder *results.Recorder
	Log      *log.Logger

	WorkRoot string
	Workers  int

	// Optional collaborators.
	Store   RunStore
	SuiteID *uuid.UUID
	Bus     Publisher
	Metrics *Metrics
}

type runEvent struct {
	RunID      string `json:"run_id"`
	Model      string `json:"model"`
	TaskID     string `json:"task_id"`
	Repetition int    `json:"repetition"`
	Verdict    string `json:"verdict,omitempty"`
	Category   string `json:"category,omitempty"`
}

// Run executes the full matrix and returns the suite summary. The returned
// error covers harness-level failures only (no tasks, results root not
// writable); individual run failures land in the summary.
func (o *Orchestrator) Run(ctx context.Context, models []string, tasks []taskspec.Spec, repetitions int) (results.Summary, error) {
	if o.Pipeline == nil || o.Source == nil || o.Recorder == nil {
		return results.Summary{}, errors.New("suite: pipeline, source, and recorder are required")
	}
	if len(models) == 0 {
		return results.Summary{}, errors.New("suite: no models")
	}
	if len(tasks) == 0 {
		return results.Summary{}, errors.New("suite: no tasks")
	}
	if repetitions < 1 {
		repetitions = 1
	}
	workers := o.Workers
	if workers < 1 {
		workers = 1
	}

	if err := os.MkdirAll(o.Recorder.Root, 0o755); err != nil {
		return results.Summary{}, fmt.Errorf("create results root: %w", err)
	}

	startedAt := time.Now().UTC()
	suiteID := uuid.New().String()
	if o.SuiteID != nil {
		suiteID = o.SuiteID.String()
	}

	if o.Log != nil {
		o.Log.Printf("[INFO] suite %s: %d models x %d tasks x %d repetitions, %d workers",
			suiteID, len(models), len(tasks), repetitions, workers)
	}
	o.publish(ctx, bus.SuiteStartedSubject, map[string]any{
		"suite_id": suiteID,
		"models":   models,
		"total":    len(models) * len(tasks) * repetitions,
	})

	units := make(chan unit)
	records := make(chan results.Record)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range units {
				records <- o.runUnit(ctx, u)
			}
		}()
	}

	go func() {
		defer close(units)
		for _, model := range models {
			for _, spec := range tasks {
				for rep := 1; rep <= repetitions; rep++ {
					select {
					case units <- unit{model: model, spec: spec, repetition: rep}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		close(records)
	}()

	var collected []results.Record
	for rec := range records {
		collected = append(collected, rec)
	}

	summary := results.BuildSummary(suiteID, startedAt, collected)
	if _, err := o.Recorder.WriteSummary(summary); err != nil {
		return summary, fmt.Errorf("write suite summary: %w", err)
	}
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

// RunSingle executes one matrix cell at the given repetition index. Unlike
// Run it writes no suite summary; the run record is the product.
func (o *Orchestrator) RunSingle(ctx context.Context, model string, spec taskspec.Spec, repetition int) (results.Record, error) {
	if o.Pipeline == nil || o.Source == nil || o.Recorder == nil {
		return results.Record{}, errors.New("suite: pipeline, source, and recorder are required")
	}
	if repetition < 1 {
		repetition = 1
	}
	if err := os.MkdirAll(o.Recorder.Root, 0o755); err != nil {
		return results.Record{}, fmt.Errorf("create results root: %w", err)
	}
	return o.runUnit(ctx, unit{model: model, spec: spec, repetition: repetition}), nil
}

// runUnit executes one matrix cell end to end. Every failure mode becomes a
// record; nothing here stops the suite.
func (o *Orchestrator) runUnit(ctx context.Context, u unit) results.Record {
	runID := uuid.New().String()
	run := pipeline.Run{
		RunID:      runID,
		TaskID:     u.spec.ID,
		ModelName:  u.model,
		Repetition: u.repetition,
		WorkDir:    filepath.Join(o.WorkRoot, u.model, u.spec.ID, fmt.Sprintf("run_%d", u.repetition)),
	}

	o.publish(ctx, bus.RunStartedSubject, runEvent{
		RunID: runID, Model: u.model, TaskID: u.spec.ID, Repetition: u.repetition,
	})

	rec := o.executeUnit(ctx, run, u)

	o.Metrics.ObserveRun(rec.Verdict, rec.FailureCategory, rec.Timings)
	o.publish(ctx, bus.RunFinishedSubject, runEvent{
		RunID: runID, Model: u.model, TaskID: u.spec.ID, Repetition: u.repetition,
		Verdict: rec.Verdict, Category: rec.FailureCategory,
	})

	if _, err := o.Recorder.Write(rec); err != nil && o.Log != nil {
		o.Log.Printf("[ERROR] run %s: writing record: %v", runID, err)
	}
	if o.Store != nil {
		if err := o.Store.SaveRun(ctx, o.SuiteID, rec); err != nil && o.Log != nil {
			o.Log.Printf("[ERROR] run %s: saving to database: %v", runID, err)
		}
	}
	return rec
}

func (o *Orchestrator) executeUnit(ctx context.Context, run pipeline.Run, u unit) results.Record {
	prompt := ""
	if o.Render != nil && u.spec.PromptFile != "" {
		rendered, err := o.Render.RenderFile(u.spec.PromptPath(), render.PromptData{
			TaskID: u.spec.ID,
			Vars:   u.spec.Vars,
		})
		if err != nil {
			return o.harnessFailure(run, fmt.Errorf("render prompt: %w", err))
		}
		prompt = rendered
	}

	response, err := o.Source.Response(ctx, u.model, u.spec.ID, u.repetition, prompt)
	if err != nil {
		return o.harnessFailure(run, fmt.Errorf("obtain response: %w", err))
	}

	res, err := o.Pipeline.Execute(ctx, run, u.spec, response)
	if err != nil {
		return o.harnessFailure(run, err)
	}
	return results.FromPipeline(res)
}

func (o *Orchestrator) harnessFailure(run pipeline.Run, err error) results.Record {
	if o.Log != nil {
		o.Log.Printf("[ERROR] run %s (%s/%s rep %d): %v", run.RunID, run.ModelName, run.TaskID, run.Repetition, err)
	}
	return results.Record{
		RunID:           run.RunID,
		ModelName:       run.ModelName,
		TaskID:          run.TaskID,
		Repetition:      run.Repetition,
		Verdict:         pipeline.VerdictFailure,
		FailureCategory: categoryHarness,
		Extraction:      pipeline.Extraction{Reason: err.Error()},
		Timings:         map[string]float64{},
		StartedAt:       time.Now().UTC(),
	}
}

// publish sends an event when a bus is configured. Best effort: the suite
// never fails because a dashboard missed an event.
func (o *Orchestrator) publish(ctx context.Context, subj string, v any) {
	if o.Bus == nil {
		return
	}
	if err := o.Bus.Publish(ctx, subj, v); err != nil && o.Log != nil {
		o.Log.Printf("[WARN] publish %s: %v", subj, err)
	}
}
