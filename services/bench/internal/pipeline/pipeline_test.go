package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tfbench/services/bench/internal/checks"
	"tfbench/services/bench/internal/runner"
	"tfbench/services/bench/internal/taskspec"
)

const goodResponse = "```terraform\nresource \"aws_vpc\" \"main\" {\n  cidr_block = \"10.0.0.0/16\"\n}\n```"

// scriptExec fakes the stage runner. failures maps a stage name to the exit
// code it should fail with; the special key "outputs" covers the post-apply
// output capture. failFmtCheck fails only the fmt -check invocation.
type scriptExec struct {
	failures      map[string]int
	timeouts      map[string]bool
	failFmtCheck  bool
	outputsStdout string
	calls         []runner.Request
}

func (s *scriptExec) Run(_ context.Context, req runner.Request) runner.Outcome {
	s.calls = append(s.calls, req)
	now := time.Now().UTC()
	out := runner.Outcome{
		Stage:      req.Stage,
		Command:    req.Command,
		StartedAt:  now,
		FinishedAt: now.Add(10 * time.Millisecond),
	}

	if s.timeouts[req.Stage] {
		out.TimedOut = true
		out.Err = "timed out after " + req.Timeout.String()
		return out
	}
	if s.failFmtCheck && len(req.Command) > 1 && req.Command[len(req.Command)-1] == "-check" {
		one := 1
		out.ExitCode = &one
		out.Err = "exit status"
		return out
	}
	if code, fail := s.failures[req.Stage]; fail {
		out.ExitCode = &code
		out.Err = "exit status"
		return out
	}

	zero := 0
	out.ExitCode = &zero
	out.Success = true
	if req.Stage == "outputs" {
		out.Stdout = `{"vpc_id":{"value":"vpc-1"}}`
		if s.outputsStdout != "" {
			out.Stdout = s.outputsStdout
		}
	}
	return out
}

func (s *scriptExec) stageRuns(stage string) int {
	n := 0
	for _, c := range s.calls {
		if c.Stage == stage {
			n++
		}
	}
	return n
}

type fakeChecks struct {
	results []checks.Result
	seen    checks.Outputs
}

func (f *fakeChecks) Run(_ context.Context, _ []taskspec.CheckDef, outputs checks.Outputs) []checks.Result {
	f.seen = outputs
	return f.results
}

func newPipeline(exec *scriptExec, checker CheckRunner) *Pipeline {
	return &Pipeline{
		Exec:         exec,
		Checks:       checker,
		TerraformBin: "terraform",
		Region:       "us-east-1",
		Timeouts: Timeouts{
			Default: 60 * time.Second,
			Plan:    120 * time.Second,
			Apply:   300 * time.Second,
			Destroy: 300 * time.Second,
		},
	}
}

func newRun(t *testing.T) Run {
	t.Helper()
	return Run{
		RunID:      "run-1",
		TaskID:     "task_1",
		ModelName:  "model-a",
		Repetition: 1,
		WorkDir:    t.TempDir(),
	}
}

// stageNames projects the recorded outcomes onto their stage names.
func stageNames(res Result) []string {
	var stages []string
	for _, o := range res.Stages {
		stages = append(stages, o.Stage)
	}
	return stages
}

// assertNoRepeatedStages guards the one-outcome-per-stage rule.
func assertNoRepeatedStages(t *testing.T, res Result) {
	t.Helper()
	seen := make(map[string]bool)
	for _, o := range res.Stages {
		assert.False(t, seen[o.Stage], "stage %s recorded more than once", o.Stage)
		seen[o.Stage] = true
	}
}

func TestExecuteFullSuccess(t *testing.T) {
	exec := &scriptExec{}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{ID: "task_1"}, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, VerdictSuccess, res.Verdict)
	assert.Empty(t, res.FailureCategory)
	assert.False(t, res.CleanupFailed)

	// All nine stages, canonical order, every one successful.
	assert.Equal(t, StageOrder, stageNames(res))
	for _, o := range res.Stages {
		assert.True(t, o.Success, o.Stage)
	}

	// fmt ran twice (rewrite, then -check) but FORMATTED is one outcome
	// carrying both commands.
	assert.Equal(t, 2, exec.stageRuns(StageFormatted))
	var formatted runner.Outcome
	for _, o := range res.Stages {
		if o.Stage == StageFormatted {
			formatted = o
		}
	}
	assert.Contains(t, strings.Join(formatted.Command, " "), "fmt && terraform fmt -check")

	assert.Equal(t, 1, exec.stageRuns(StageDestroyed))
	assert.Contains(t, res.Timings, StageApplied)
	assert.Contains(t, res.Timings, StageGenerated)
	assert.Contains(t, res.Timings, StageChecked)
}

func TestExecuteStageSequences(t *testing.T) {
	tests := []struct {
		name     string
		failures map[string]int
		want     []string
	}{
		{
			name:     "validate failure stops before plan",
			failures: map[string]int{StageValidated: 1},
			want:     []string{StageGenerated, StageFormatted, StageInitialized, StageValidated},
		},
		{
			name:     "apply failure still records cleanup",
			failures: map[string]int{StageApplied: 1},
			want: []string{StageGenerated, StageFormatted, StageInitialized, StageValidated,
				StagePlanned, StageApplied, StageDestroyed},
		},
		{
			name:     "idempotency failure keeps all nine",
			failures: map[string]int{StageIdempotent: 2},
			want:     StageOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := &scriptExec{failures: tt.failures}
			p := newPipeline(exec, nil)

			res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
			require.NoError(t, err)

			assert.Equal(t, tt.want, stageNames(res))
			assertNoRepeatedStages(t, res)
		})
	}
}

func TestExecuteFmtCheckFailure(t *testing.T) {
	exec := &scriptExec{failFmtCheck: true}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, CategorySyntax, res.FailureCategory)
	assert.Equal(t, []string{StageGenerated, StageFormatted}, stageNames(res))
	assert.Equal(t, 2, exec.stageRuns(StageFormatted), "fmt succeeded, -check failed")
	assert.False(t, res.Stages[1].Success)
}

func TestExecuteExtractionFailure(t *testing.T) {
	exec := &scriptExec{}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, "I cannot write terraform for that.")
	require.NoError(t, err)

	assert.Equal(t, VerdictFailure, res.Verdict)
	assert.Equal(t, CategoryGeneration, res.FailureCategory)
	assert.Equal(t, StageGenerated, res.FailedStage)
	assert.NotEmpty(t, res.Extraction.Reason)
	assert.Empty(t, res.Stages, "nothing ran, nothing recorded")
	assert.Empty(t, exec.calls, "no terraform commands after extraction failure")
}

func TestExecuteValidateFailureSkipsApplyAndDestroy(t *testing.T) {
	exec := &scriptExec{failures: map[string]int{StageValidated: 1}}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, CategoryValidate, res.FailureCategory)
	assert.Equal(t, 0, exec.stageRuns(StageApplied))
	assert.Equal(t, 0, exec.stageRuns(StageDestroyed), "destroy only runs when apply was attempted")
}

func TestExecuteApplyFailureStillDestroys(t *testing.T) {
	exec := &scriptExec{failures: map[string]int{StageApplied: 1}}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, CategoryApply, res.FailureCategory)
	assert.Equal(t, 1, exec.stageRuns(StageDestroyed))
	assert.Equal(t, 0, exec.stageRuns(StageChecked))
	assert.False(t, res.CleanupFailed)
}

func TestExecuteApplyTimeout(t *testing.T) {
	exec := &scriptExec{timeouts: map[string]bool{StageApplied: true}}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, CategoryApply, res.FailureCategory)
	var applyOutcome runner.Outcome
	for _, o := range res.Stages {
		if o.Stage == StageApplied {
			applyOutcome = o
		}
	}
	assert.True(t, applyOutcome.TimedOut)
	assert.Nil(t, applyOutcome.ExitCode)
	assert.Equal(t, 1, exec.stageRuns(StageDestroyed))
}

func TestExecuteCheckFailure(t *testing.T) {
	exec := &scriptExec{}
	checker := &fakeChecks{results: []checks.Result{
		{CheckID: "vpc_exists", Pass: true},
		{CheckID: "subnet_count", Pass: false, Observed: "1", Expected: "count=2"},
	}}
	p := newPipeline(exec, checker)

	spec := taskspec.Spec{Checks: []taskspec.CheckDef{{ID: "vpc_exists", Resource: "aws_vpc", Lookup: "output:vpc_id"}}}
	res, err := p.Execute(context.Background(), newRun(t), spec, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, CategoryChecks, res.FailureCategory)
	assert.Len(t, res.Checks, 2)
	assert.Equal(t, 0, exec.stageRuns(StageIdempotent), "idempotency skipped after check failure")
	assert.Equal(t, 1, exec.stageRuns(StageDestroyed))

	// CHECKED is recorded as a failed stage outcome of its own.
	assert.Equal(t, []string{StageGenerated, StageFormatted, StageInitialized, StageValidated,
		StagePlanned, StageApplied, StageChecked, StageDestroyed}, stageNames(res))
	checked := res.Stages[6]
	assert.False(t, checked.Success)
	assert.Contains(t, checked.Stdout, "1 of 2 checks passed")

	// The checker received the captured outputs.
	v, ok := checker.seen.Value("vpc_id")
	require.True(t, ok)
	assert.Equal(t, "vpc-1", v)
}

func TestExecuteUnreadableOutputsFailsEachCheck(t *testing.T) {
	exec := &scriptExec{outputsStdout: "not json at all"}
	checker := &fakeChecks{}
	p := newPipeline(exec, checker)

	spec := taskspec.Spec{Checks: []taskspec.CheckDef{
		{ID: "vpc_exists", Resource: "aws_vpc", Lookup: "output:vpc_id"},
		{ID: "subnet_count", Resource: "aws_subnet", Lookup: "tag:task_1"},
	}}
	res, err := p.Execute(context.Background(), newRun(t), spec, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, CategoryChecks, res.FailureCategory)
	require.Len(t, res.Checks, 2, "one row per definition even without outputs")
	for _, cr := range res.Checks {
		assert.False(t, cr.Pass)
		assert.Equal(t, checks.ObservedNotFound, cr.Observed)
		assert.Contains(t, cr.Detail, "outputs.json")
	}
	assert.Nil(t, checker.seen, "probers never ran")
}

func TestExecuteIdempotencyFailure(t *testing.T) {
	exec := &scriptExec{failures: map[string]int{StageIdempotent: 2}}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, CategoryIdempotency, res.FailureCategory)
	assert.Equal(t, 1, exec.stageRuns(StageDestroyed))
}

func TestExecuteDestroyFailureIsSecondary(t *testing.T) {
	exec := &scriptExec{failures: map[string]int{StageApplied: 1, StageDestroyed: 1}}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, CategoryApply, res.FailureCategory, "apply failure stays primary")
	assert.True(t, res.CleanupFailed)
}

func TestExecuteDestroyFailureIsPrimaryWhenAloneFailing(t *testing.T) {
	exec := &scriptExec{failures: map[string]int{StageDestroyed: 1}}
	p := newPipeline(exec, nil)

	res, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	assert.Equal(t, VerdictFailure, res.Verdict)
	assert.Equal(t, CategoryDestroy, res.FailureCategory)
	assert.True(t, res.CleanupFailed)
}

func TestExecuteVarArgsOnPlanApplyDestroy(t *testing.T) {
	exec := &scriptExec{}
	p := newPipeline(exec, nil)

	spec := taskspec.Spec{Vars: map[string]any{"cidr": "10.0.0.0/16"}}
	_, err := p.Execute(context.Background(), newRun(t), spec, goodResponse)
	require.NoError(t, err)

	for _, call := range exec.calls {
		joined := strings.Join(call.Command, " ")
		switch call.Stage {
		case StagePlanned, StageIdempotent, StageDestroyed:
			assert.Contains(t, joined, "-var cidr=10.0.0.0/16", call.Stage)
		case StageFormatted, StageInitialized, StageValidated:
			assert.NotContains(t, joined, "-var", call.Stage)
		}
	}
}

func TestExecuteWritesArtifact(t *testing.T) {
	exec := &scriptExec{}
	p := newPipeline(exec, nil)
	run := newRun(t)

	_, err := p.Execute(context.Background(), run, taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(run.WorkDir, "main.tf"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "aws_vpc")
}

func TestExecuteStageTimeoutTiers(t *testing.T) {
	exec := &scriptExec{}
	p := newPipeline(exec, nil)

	_, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)

	for _, call := range exec.calls {
		switch call.Stage {
		case StageApplied, StageDestroyed:
			assert.Equal(t, 300*time.Second, call.Timeout, call.Stage)
		case StagePlanned, StageIdempotent:
			assert.Equal(t, 120*time.Second, call.Timeout, call.Stage)
		case StageFormatted, StageInitialized, StageValidated, "outputs":
			assert.Equal(t, 60*time.Second, call.Timeout, call.Stage)
		}
	}
}

func TestExecutePinnedEnv(t *testing.T) {
	exec := &scriptExec{}
	p := newPipeline(exec, nil)

	_, err := p.Execute(context.Background(), newRun(t), taskspec.Spec{}, goodResponse)
	require.NoError(t, err)
	require.NotEmpty(t, exec.calls)
	for _, call := range exec.calls {
		assert.Equal(t, "test", call.Env["AWS_ACCESS_KEY_ID"])
		assert.Equal(t, "1", call.Env["TF_IN_AUTOMATION"])
	}
}

func TestClassify(t *testing.T) {
	want := map[string]string{
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
	for stage, category := range want {
		assert.Equal(t, category, Classify(stage))
	}
	assert.Empty(t, Classify("UNKNOWN"))
}
