// Package pipeline drives one benchmark run through the stage sequence:
// extract the generated code, then fmt, init, validate, plan, apply, check,
// re-plan for idempotency, and destroy. The first failing stage decides the
// failure category; destroy always runs once apply was attempted, and a
// destroy failure after an earlier one is recorded as a cleanup flag, not as
// the primary category.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"tfbench/pkg/telemetry"
	"tfbench/services/bench/internal/checks"
	"tfbench/services/bench/internal/extract"
	"tfbench/services/bench/internal/runner"
	"tfbench/services/bench/internal/taskspec"
)

// Stage names, in canonical order.
const (
	StageGenerated   = "GENERATED"
	StageFormatted   = "FORMATTED"
	StageInitialized = "INITIALIZED"
	StageValidated   = "VALIDATED"
	StagePlanned     = "PLANNED"
	StageApplied     = "APPLIED"
	StageChecked     = "CHECKED"
	StageIdempotent  = "IDEMPOTENT"
	StageDestroyed   = "DESTROYED"
)

// StageOrder is the canonical stage sequence.
var StageOrder = []string{
	StageGenerated,
	StageFormatted,
	StageInitialized,
	StageValidated,
	StagePlanned,
	StageApplied,
	StageChecked,
	StageIdempotent,
	StageDestroyed,
}

// Failure categories.
const (
	CategoryGeneration  = "GENERATION"
	CategorySyntax      = "SYNTAX"
	CategoryInit        = "INIT"
	CategoryValidate    = "VALIDATE"
	CategoryPlan        = "PLAN"
	CategoryApply       = "APPLY"
	CategoryChecks      = "CHECKS"
	CategoryIdempotency = "IDEMPOTENCY"
	CategoryDestroy     = "DESTROY"
)

var stageCategory = map[string]string{
	StageGenerated:   CategoryGeneration,
	StageFormatted:   CategorySyntax,
	StageInitialized: CategoryInit,
	StageValidated:   CategoryValidate,
	StagePlanned:     CategoryPlan,
	StageApplied:     CategoryApply,
	StageChecked:     CategoryChecks,
	StageIdempotent:  CategoryIdempotency,
	StageDestroyed:   CategoryDestroy,
}

// Classify maps a failed stage to its failure category.
func Classify(stage string) string {
	return stageCategory[stage]
}

// Verdicts.
const (
	VerdictSuccess = "SUCCESS"
	VerdictFailure = "FAILURE"
)

// Run identifies one benchmark unit: a model's response to a task, executed
// in its own work directory.
type Run struct {
	RunID      string
	TaskID     string
	ModelName  string
	Repetition int
	WorkDir    string
	ResultDir  string
}

// Extraction summarizes what the extractor did for the record.
type Extraction struct {
	Strategy        string   `json:"strategy,omitempty"`
	CandidateBlocks int      `json:"candidate_blocks"`
	Files           []string `json:"files,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// Result is the full outcome of one pipeline execution.
type Result struct {
	Run             Run
	Verdict         string
	FailureCategory string
	FailedStage     string
	CleanupFailed   bool
	Stages          []runner.Outcome
	Checks          []checks.Result
	Extraction      Extraction
	StartedAt       time.Time
	Duration        time.Duration
	Timings         map[string]float64
}

// CheckRunner evaluates post-apply checks. Satisfied by *checks.Checker.
type CheckRunner interface {
	Run(ctx context.Context, defs []taskspec.CheckDef, outputs checks.Outputs) []checks.Result
}

// Timeouts carries the per-tier stage deadlines.
type Timeouts struct {
	Default time.Duration
	Plan    time.Duration
	Apply   time.Duration
	Destroy time.Duration
}

// Pipeline executes runs. All collaborators are injected so tests can script
// stage outcomes without terraform or an emulator.
type Pipeline struct {
	Exec         runner.Executor
	Checks       CheckRunner
	Log          *log.Logger
	TerraformBin string
	Region       string
	Timeouts     Timeouts
}

const planFile = "plan.bin"

// Execute runs the full stage sequence for one unit. The returned error is a
// harness failure (work dir not writable, unrenderable vars); everything the
// benchmark measures, including every terraform failure, lands in the Result.
func (p *Pipeline) Execute(ctx context.Context, run Run, spec taskspec.Spec, response string) (Result, error) {
	if p.Exec == nil {
		return Result{}, errors.New("pipeline: nil executor")
	}

	res := Result{
		Run:       run,
		Verdict:   VerdictFailure,
		StartedAt: time.Now().UTC(),
		Timings:   make(map[string]float64),
	}
	defer func() {
		res.Duration = time.Since(res.StartedAt)
	}()

	tracer := telemetry.Tracer()
	ctx, span := tracer.Start(ctx, "pipeline.run")
	span.SetAttributes(
		attribute.String("bench.run_id", run.RunID),
		attribute.String("bench.task_id", run.TaskID),
		attribute.String("bench.model", run.ModelName),
	)
	defer span.End()

	varArgs, err := spec.VarArgs()
	if err != nil {
		return res, fmt.Errorf("render task vars: %w", err)
	}

	// GENERATED: extraction failure is a benchmark result, a write failure
	// is a harness error.
	genStart := time.Now().UTC()
	artifact, extractErr := extract.Extract(response)
	res.Extraction = Extraction{Strategy: artifact.Strategy, CandidateBlocks: artifact.CandidateBlocks}
	if extractErr != nil {
		res.Extraction.Reason = extractErr.Error()
		p.fail(&res, StageGenerated)
		return res, nil
	}
	for name := range artifact.Files {
		res.Extraction.Files = append(res.Extraction.Files, name)
	}
	sort.Strings(res.Extraction.Files)
	if err := writeArtifact(run.WorkDir, artifact); err != nil {
		return res, fmt.Errorf("write extracted files: %w", err)
	}
	genOutcome := runner.Outcome{
		Stage:      StageGenerated,
		StartedAt:  genStart,
		FinishedAt: time.Now().UTC(),
		Stdout:     fmt.Sprintf("%s: %s\n", artifact.Strategy, strings.Join(res.Extraction.Files, ", ")),
		Success:    true,
	}
	res.Stages = append(res.Stages, genOutcome)
	res.Timings[StageGenerated] = genOutcome.Duration().Seconds()

	env := runner.StageEnv(p.Region)

	// FORMATTED runs two commands but records one stage outcome: fmt to
	// normalize, then fmt -check to verify the rewrite settled.
	fmtOutcome := p.runStage(ctx, run, StageFormatted, []string{p.TerraformBin, "fmt"}, env, p.Timeouts.Default)
	if fmtOutcome.Success {
		check := p.runStage(ctx, run, StageFormatted, []string{p.TerraformBin, "fmt", "-check"}, env, p.Timeouts.Default)
		fmtOutcome = mergeOutcomes(fmtOutcome, check)
	}
	res.Stages = append(res.Stages, fmtOutcome)
	res.Timings[StageFormatted] = fmtOutcome.Duration().Seconds()
	if !fmtOutcome.Success {
		p.fail(&res, StageFormatted)
		return res, nil
	}

	type stageCmd struct {
		stage   string
		command []string
		timeout time.Duration
	}

	preApply := []stageCmd{
		{StageInitialized, []string{p.TerraformBin, "init"}, p.Timeouts.Default},
		{StageValidated, []string{p.TerraformBin, "validate"}, p.Timeouts.Default},
		{StagePlanned, append([]string{p.TerraformBin, "plan", "-out", planFile}, varArgs...), p.Timeouts.Plan},
	}

	for _, sc := range preApply {
		outcome := p.runStage(ctx, run, sc.stage, sc.command, env, sc.timeout)
		res.Stages = append(res.Stages, outcome)
		res.Timings[sc.stage] = outcome.Duration().Seconds()
		if !outcome.Success {
			p.fail(&res, sc.stage)
			return res, nil
		}
	}

	// APPLIED. From here on destroy always runs, whatever happens.
	applyOutcome := p.runStage(ctx, run, StageApplied, []string{p.TerraformBin, "apply", "-auto-approve", planFile}, env, p.Timeouts.Apply)
	res.Stages = append(res.Stages, applyOutcome)
	res.Timings[StageApplied] = applyOutcome.Duration().Seconds()

	if applyOutcome.Success {
		p.captureOutputs(ctx, run, env)

		// CHECKED: no subprocess, but it is a stage outcome like any other.
		checkStart := time.Now().UTC()
		checkResults, checkErr := p.runChecks(ctx, run, spec)
		res.Checks = checkResults
		checksPassed := checkErr == nil && checks.AllPassed(checkResults)

		passed := 0
		for _, cr := range checkResults {
			if cr.Pass {
				passed++
			}
		}
		checkOutcome := runner.Outcome{
			Stage:      StageChecked,
			StartedAt:  checkStart,
			FinishedAt: time.Now().UTC(),
			Stdout:     fmt.Sprintf("%d of %d checks passed\n", passed, len(checkResults)),
			Success:    checksPassed,
		}
		if checkErr != nil {
			checkOutcome.Err = checkErr.Error()
		}
		res.Stages = append(res.Stages, checkOutcome)
		res.Timings[StageChecked] = checkOutcome.Duration().Seconds()

		if checksPassed {
			// IDEMPOTENT: a second plan must report no changes.
			idemCmd := append([]string{p.TerraformBin, "plan", "-detailed-exitcode"}, varArgs...)
			idemOutcome := p.runStage(ctx, run, StageIdempotent, idemCmd, env, p.Timeouts.Plan)
			res.Stages = append(res.Stages, idemOutcome)
			res.Timings[StageIdempotent] = idemOutcome.Duration().Seconds()
			if !idemOutcome.Success {
				p.fail(&res, StageIdempotent)
			}
		} else {
			p.fail(&res, StageChecked)
			if checkErr != nil && p.Log != nil {
				p.Log.Printf("[ERROR] run %s: checks aborted: %v", run.RunID, checkErr)
			}
		}
	} else {
		p.fail(&res, StageApplied)
	}

	// DESTROYED: apply was attempted, so resources may exist either way.
	destroyCmd := append([]string{p.TerraformBin, "destroy", "-auto-approve"}, varArgs...)
	destroyOutcome := p.runStage(ctx, run, StageDestroyed, destroyCmd, env, p.Timeouts.Destroy)
	res.Stages = append(res.Stages, destroyOutcome)
	res.Timings[StageDestroyed] = destroyOutcome.Duration().Seconds()
	if !destroyOutcome.Success {
		res.CleanupFailed = true
		if res.FailureCategory == "" {
			p.fail(&res, StageDestroyed)
		}
	}

	if res.FailureCategory == "" {
		res.Verdict = VerdictSuccess
	}
	return res, nil
}

func (p *Pipeline) fail(res *Result, stage string) {
	if res.FailureCategory != "" {
		return
	}
	res.FailedStage = stage
	res.FailureCategory = Classify(stage)
	if p.Log != nil {
		p.Log.Printf("[WARN] run %s failed at %s (%s)", res.Run.RunID, stage, res.FailureCategory)
	}
}

func (p *Pipeline) runStage(ctx context.Context, run Run, stage string, command []string, env map[string]string, timeout time.Duration) runner.Outcome {
	ctx, span := telemetry.Tracer().Start(ctx, "stage."+stage)
	defer span.End()

	if timeout <= 0 {
		timeout = p.Timeouts.Default
	}
	outcome := p.Exec.Run(ctx, runner.Request{
		Stage:   stage,
		Dir:     run.WorkDir,
		Command: command,
		Env:     env,
		Timeout: timeout,
	})
	span.SetAttributes(attribute.Bool("bench.stage_success", outcome.Success))
	return outcome
}

// captureOutputs records `terraform output -json` into the work dir so the
// checker can resolve output lookups. Best effort: a failure here surfaces
// later as checks that cannot find their outputs.
func (p *Pipeline) captureOutputs(ctx context.Context, run Run, env map[string]string) {
	outcome := p.Exec.Run(ctx, runner.Request{
		Stage:   "outputs",
		Dir:     run.WorkDir,
		Command: []string{p.TerraformBin, "output", "-json"},
		Env:     env,
		Timeout: p.Timeouts.Default,
	})
	if !outcome.Success {
		if p.Log != nil {
			p.Log.Printf("[WARN] run %s: capturing outputs failed: %s", run.RunID, outcome.Err)
		}
		return
	}
	path := filepath.Join(run.WorkDir, "outputs.json")
	if err := os.WriteFile(path, []byte(outcome.Stdout), 0o644); err != nil && p.Log != nil {
		p.Log.Printf("[WARN] run %s: writing outputs.json: %v", run.RunID, err)
	}
}

func (p *Pipeline) runChecks(ctx context.Context, run Run, spec taskspec.Spec) ([]checks.Result, error) {
	if len(spec.Checks) == 0 {
		return nil, nil
	}
	if p.Checks == nil {
		return nil, errors.New("no checker configured but task defines checks")
	}

	outputs, err := checks.LoadOutputs(filepath.Join(run.WorkDir, "outputs.json"))
	if err != nil {
		// Unreadable outputs fail every check individually so the record
		// still shows one row per definition.
		return checks.FailAll(spec.Checks, fmt.Sprintf("reading outputs.json: %v", err)), nil
	}
	return p.Checks.Run(ctx, spec.Checks, outputs), nil
}

// mergeOutcomes folds two commands run under one stage into a single outcome.
// Timestamps span both; output and failure details are combined.
func mergeOutcomes(first, second runner.Outcome) runner.Outcome {
	merged := second
	merged.StartedAt = first.StartedAt
	merged.Command = append(append([]string{}, first.Command...), append([]string{"&&"}, second.Command...)...)
	merged.Stdout = joinOutput(first.Stdout, second.Stdout)
	merged.Stderr = joinOutput(first.Stderr, second.Stderr)
	merged.TimedOut = first.TimedOut || second.TimedOut
	merged.Success = first.Success && second.Success
	return merged
}

func joinOutput(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if !strings.HasSuffix(a, "\n") {
		a += "\n"
	}
	return a + b
}

func writeArtifact(workDir string, artifact extract.Artifact) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}
	for name, content := range artifact.Files {
		if err := os.WriteFile(filepath.Join(workDir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
