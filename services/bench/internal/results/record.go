// Package results persists benchmark outcomes: one JSON record plus stage
// logs per run, an aggregate summary per suite, an optional database row per
// run, and an optional signed archive of the whole results tree.
package results

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tfbench/services/bench/internal/checks"
	"tfbench/services/bench/internal/pipeline"
	"tfbench/services/bench/internal/runner"
)

// RecordFileName is the per-run result document.
const RecordFileName = "benchmark_result.json"

// CheckFileName holds the check results beside the record.
const CheckFileName = "check.json"

// Record is the durable form of one pipeline result.
type Record struct {
	RunID           string              `json:"run_id"`
	ModelName       string              `json:"model"`
	TaskID          string              `json:"task"`
	Repetition      int                 `json:"repetition"`
	Verdict         string              `json:"verdict"`
	FailureCategory string              `json:"failure_category,omitempty"`
	FailedStage     string              `json:"failed_stage,omitempty"`
	CleanupFailed   bool                `json:"cleanup_failed"`
	Extraction      pipeline.Extraction `json:"extraction"`
	Stages          []runner.Outcome    `json:"stages"`
	Checks          []checks.Result     `json:"checks,omitempty"`
	Timings         map[string]float64  `json:"timings"`
	StartedAt       time.Time           `json:"started_at"`
	DurationSeconds float64             `json:"duration_seconds"`
}

// FromPipeline converts a pipeline result into its durable record.
func FromPipeline(res pipeline.Result) Record {
	return Record{
		RunID:           res.Run.RunID,
		ModelName:       res.Run.ModelName,
		TaskID:          res.Run.TaskID,
		Repetition:      res.Run.Repetition,
		Verdict:         res.Verdict,
		FailureCategory: res.FailureCategory,
		FailedStage:     res.FailedStage,
		CleanupFailed:   res.CleanupFailed,
		Extraction:      res.Extraction,
		Stages:          res.Stages,
		Checks:          res.Checks,
		Timings:         res.Timings,
		StartedAt:       res.StartedAt,
		DurationSeconds: res.Duration.Seconds(),
	}
}

// Recorder writes run records under a results root, one directory per
// (model, task, repetition).
type Recorder struct {
	Root string
	Log  *log.Logger
}

// RunDir returns the directory a run's record lands in.
func (r *Recorder) RunDir(model, taskID string, repetition int) string {
	return filepath.Join(r.Root, model, taskID, fmt.Sprintf("run_%d", repetition))
}

// Write persists the record, its check results, and per-stage terraform logs.
// It returns the run directory.
func (r *Recorder) Write(rec Record) (string, error) {
	dir := r.RunDir(rec.ModelName, rec.TaskID, rec.Repetition)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, RecordFileName), rec); err != nil {
		return "", err
	}
	if len(rec.Checks) > 0 {
		if err := writeJSON(filepath.Join(dir, CheckFileName), rec.Checks); err != nil {
			return "", err
		}
	}
	if err := r.writeStageLogs(dir, rec.Stages); err != nil {
		return "", err
	}

	if r.Log != nil {
		r.Log.Printf("[INFO] recorded %s/%s run %d: %s", rec.ModelName, rec.TaskID, rec.Repetition, rec.Verdict)
	}
	return dir, nil
}

func (r *Recorder) writeStageLogs(dir string, stages []runner.Outcome) error {
	byStage := make(map[string]*strings.Builder)
	var order []string
	for _, outcome := range stages {
		name := strings.ToLower(outcome.Stage)
		builder, ok := byStage[name]
		if !ok {
			builder = &strings.Builder{}
			byStage[name] = builder
			order = append(order, name)
		}
		if len(outcome.Command) > 0 {
			fmt.Fprintf(builder, "$ %s\n", strings.Join(outcome.Command, " "))
		}
		if outcome.Stdout != "" {
			builder.WriteString(outcome.Stdout)
			if !strings.HasSuffix(outcome.Stdout, "\n") {
				builder.WriteByte('\n')
			}
		}
		if outcome.Stderr != "" {
			builder.WriteString(outcome.Stderr)
			if !strings.HasSuffix(outcome.Stderr, "\n") {
				builder.WriteByte('\n')
			}
		}
		if outcome.Err != "" {
			fmt.Fprintf(builder, "error: %s\n", outcome.Err)
		}
	}

	for _, name := range order {
		path := filepath.Join(dir, "logs", fmt.Sprintf("terraform_%s.txt", name))
		if err := os.WriteFile(path, []byte(byStage[name].String()), 0o644); err != nil {
			return fmt.Errorf("write stage log: %w", err)
		}
	}
	return nil
}

// SummaryRow is one line of the suite verdict table.
type SummaryRow struct {
	Model         string `json:"model"`
	Task          string `json:"task"`
	Repetition    int    `json:"repetition"`
	Verdict       string `json:"verdict"`
	Category      string `json:"category,omitempty"`
	CleanupFailed bool   `json:"cleanup_failed,omitempty"`
}

// Summary aggregates a whole suite.
type Summary struct {
	SuiteID    string         `json:"suite_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	ByCategory map[string]int `json:"by_category"`
	Runs       []SummaryRow   `json:"runs"`
}

// BuildSummary folds run records into a suite summary.
func BuildSummary(suiteID string, startedAt time.Time, records []Record) Summary {
	s := Summary{
		SuiteID:    suiteID,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Total:      len(records),
		ByCategory: make(map[string]int),
	}
	for _, rec := range records {
		if rec.Verdict == pipeline.VerdictSuccess {
			s.Succeeded++
		} else {
			s.Failed++
			if rec.FailureCategory != "" {
				s.ByCategory[rec.FailureCategory]++
			}
		}
		s.Runs = append(s.Runs, SummaryRow{
			Model:         rec.ModelName,
			Task:          rec.TaskID,
			Repetition:    rec.Repetition,
			Verdict:       rec.Verdict,
			Category:      rec.FailureCategory,
			CleanupFailed: rec.CleanupFailed,
		})
	}
	sort.Slice(s.Runs, func(i, j int) bool {
		a, b := s.Runs[i], s.Runs[j]
		if a.Model != b.Model {
			return a.Model < b.Model
		}
		if a.Task != b.Task {
			return a.Task < b.Task
		}
		return a.Repetition < b.Repetition
	})
	return s
}

// WriteSummary writes the suite summary JSON under the results root and
// returns its path.
func (r *Recorder) WriteSummary(summary Summary) (string, error) {
	if err := os.MkdirAll(r.Root, 0o755); err != nil {
		return "", fmt.Errorf("create results root: %w", err)
	}
	name := fmt.Sprintf("benchmark_suite_%s.json", summary.FinishedAt.Format("20060102_150405"))
	path := filepath.Join(r.Root, name)
	if err := writeJSON(path, summary); err != nil {
		return "", err
	}
	return path, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
