package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"tfbench/pkg/bus"
	"tfbench/pkg/render"
	"tfbench/pkg/sandbox"
	"tfbench/pkg/telemetry"
	"tfbench/services/bench/internal/checks"
	"tfbench/services/bench/internal/config"
	"tfbench/services/bench/internal/generate"
	"tfbench/services/bench/internal/pipeline"
	"tfbench/services/bench/internal/results"
	"tfbench/services/bench/internal/runner"
	"tfbench/services/bench/internal/suite"
	"tfbench/services/bench/internal/taskspec"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "tfbench",
		Short:         "Benchmark harness for model-generated terraform",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newSuiteCommand())
	cmd.AddCommand(newTasksCommand())
	cmd.AddCommand(newArchiveCommand())
	cmd.AddCommand(newVerifyCommand())
	return cmd
}

// harness bundles everything one benchmark execution needs.
type harness struct {
	cfg      config.Config
	logger   *log.Logger
	shutdown func(context.Context) error
	pipeline *pipeline.Pipeline
	sandbox  *sandbox.Sandbox
}

func newHarness(ctx context.Context) (*harness, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	shutdown, _, logger, err := telemetry.Init(ctx, "tfbench")
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	sb, err := sandbox.New(ctx, sandbox.Options{
		Endpoint:  cfg.AWSEndpoint,
		Region:    cfg.AWSRegion,
		AccessKey: cfg.AWSAccessKey,
		SecretKey: cfg.AWSSecretKey,
	})
	if err != nil {
		return nil, fmt.Errorf("sandbox clients: %w", err)
	}

	p := &pipeline.Pipeline{
		Exec:         runner.Exec{},
		Checks:       &checks.Checker{EC2: sb.EC2, S3: sb.S3, IAM: sb.IAM, Log: logger},
		Log:          logger,
		TerraformBin: cfg.TerraformBin,
		Region:       cfg.AWSRegion,
		Timeouts: pipeline.Timeouts{
			Default: cfg.DefaultTimeout,
			Plan:    cfg.PlanTimeout,
			Apply:   cfg.ApplyTimeout,
			Destroy: cfg.DestroyTimeout,
		},
	}

	return &harness{cfg: cfg, logger: logger, shutdown: shutdown, pipeline: p, sandbox: sb}, nil
}

func (h *harness) close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.shutdown(shutdownCtx); err != nil {
		h.logger.Printf("[WARN] telemetry shutdown: %v", err)
	}
}

func responseSource(responseFile, responseDir, responseCmd string) (generate.Source, error) {
	set := 0
	for _, v := range []string{responseFile, responseDir, responseCmd} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("choose one of --response-file, --response-dir, --response-cmd")
	}
	switch {
	case responseFile != "":
		return generate.File{Path: responseFile}, nil
	case responseDir != "":
		return generate.Dir{Root: responseDir}, nil
	case responseCmd != "":
		return generate.Command{Argv: strings.Fields(responseCmd), Timeout: 10 * time.Minute}, nil
	default:
		return nil, errors.New("a response source is required (--response-file, --response-dir, or --response-cmd)")
	}
}

func newRunCommand() *cobra.Command {
	var (
		model        string
		taskID       string
		repetition   int
		responseFile string
		responseDir  string
		responseCmd  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one benchmark pipeline for a single model and task",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			h, err := newHarness(ctx)
			if err != nil {
				return err
			}
			defer h.close(ctx)

			source, err := responseSource(responseFile, responseDir, responseCmd)
			if err != nil {
				return err
			}

			spec, err := taskspec.Load(filepath.Join(h.cfg.TasksDir, taskID))
			if err != nil {
				return fmt.Errorf("load task %q: %w", taskID, err)
			}

			if err := h.sandbox.Health(ctx); err != nil {
				return fmt.Errorf("emulator health: %w", err)
			}

			o := &suite.Orchestrator{
				Pipeline: h.pipeline,
				Source:   source,
				Render:   render.New(),
				Recorder: &results.Recorder{Root: h.cfg.ResultsRoot, Log: h.logger},
				Log:      h.logger,
				WorkRoot: h.cfg.WorkRoot,
				Workers:  1,
			}

			rec, err := o.RunSingle(ctx, model, spec, repetition)
			if err != nil {
				return err
			}

			printSummary(cmd, results.BuildSummary(rec.RunID, rec.StartedAt, []results.Record{rec}))
			// A failed run is a benchmark result, not a harness error.
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model name being benchmarked")
	cmd.Flags().StringVar(&taskID, "task", "", "Task id (directory under the tasks dir)")
	cmd.Flags().IntVar(&repetition, "repetition", 1, "Repetition index for the run directory")
	cmd.Flags().StringVar(&responseFile, "response-file", "", "File holding the raw model response")
	cmd.Flags().StringVar(&responseDir, "response-dir", "", "Directory of pre-generated responses (<model>/<task>.md)")
	cmd.Flags().StringVar(&responseCmd, "response-cmd", "", "External model client command (prompt on stdin, response on stdout)")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newSuiteCommand() *cobra.Command {
	var (
		modelsFile  string
		tasksArg    string
		repetitions int
		workers     int
		responseDir string
		responseCmd string
		archivePath string
		label       string
	)

	cmd := &cobra.Command{
		Use:   "suite",
		Short: "Run the full benchmark matrix (models x tasks x repetitions)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			h, err := newHarness(ctx)
			if err != nil {
				return err
			}
			defer h.close(ctx)

			models, err := loadModels(modelsFile)
			if err != nil {
				return err
			}

			tasks, err := selectTasks(h.cfg.TasksDir, tasksArg)
			if err != nil {
				return err
			}

			source, err := responseSource("", responseDir, responseCmd)
			if err != nil {
				return err
			}

			if err := h.sandbox.Health(ctx); err != nil {
				return fmt.Errorf("emulator health: %w", err)
			}

			o := &suite.Orchestrator{
				Pipeline: h.pipeline,
				Source:   source,
				Render:   render.New(),
				Recorder: &results.Recorder{Root: h.cfg.ResultsRoot, Log: h.logger},
				Log:      h.logger,
				WorkRoot: h.cfg.WorkRoot,
				Workers:  workers,
			}
			if o.Workers <= 0 {
				o.Workers = h.cfg.Workers
			}

			if h.cfg.MetricsAddr != "" {
				o.Metrics = suite.NewMetrics()
				go func() {
					if err := o.Metrics.Serve(ctx, h.cfg.MetricsAddr, h.logger); err != nil {
						h.logger.Printf("[ERROR] metrics listener: %v", err)
					}
				}()
			}

			if h.cfg.NATSURL != "" {
				b, err := bus.New(h.cfg.NATSURL)
				if err != nil {
					h.logger.Printf("[WARN] event bus unavailable: %v", err)
				} else {
					defer b.Close()
					o.Bus = b
				}
			}

			var store *results.Store
			if h.cfg.DatabaseDSN != "" {
				store, err = results.OpenStore(ctx, h.cfg.DatabaseDSN)
				if err != nil {
					return fmt.Errorf("results database: %w", err)
				}
				taskIDs := make([]string, 0, len(tasks))
				for _, t := range tasks {
					taskIDs = append(taskIDs, t.ID)
				}
				suiteID, err := store.CreateSuite(ctx, label, models, taskIDs, repetitions)
				if err != nil {
					return fmt.Errorf("create suite row: %w", err)
				}
				o.Store = store
				o.SuiteID = &suiteID
				defer func() {
					if err := store.FinishSuite(context.Background(), suiteID); err != nil {
						h.logger.Printf("[WARN] finish suite row: %v", err)
					}
				}()
			}

			summary, err := o.Run(ctx, models, tasks, repetitions)
			if err != nil {
				return err
			}

			printSummary(cmd, summary)

			if archivePath != "" {
				if h.cfg.SigningKeyFile == "" {
					return errors.New("--archive requires BENCH_SIGNING_KEY")
				}
				signer, err := results.NewSignerFromFile(h.cfg.SigningKeyFile)
				if err != nil {
					return err
				}
				if _, err := results.Archive(ctx, h.cfg.ResultsRoot, archivePath, summary.SuiteID, signer); err != nil {
					return fmt.Errorf("archive results: %w", err)
				}
				cmd.Printf("wrote signed archive %s\n", archivePath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelsFile, "models", "", "YAML file listing model names")
	cmd.Flags().StringVar(&tasksArg, "tasks", "all", "Task selection: 'all' or comma-separated task ids")
	cmd.Flags().IntVar(&repetitions, "repetitions", 1, "Repetitions per (model, task) pair")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent runs (default from BENCH_WORKERS)")
	cmd.Flags().StringVar(&responseDir, "response-dir", "", "Directory of pre-generated responses")
	cmd.Flags().StringVar(&responseCmd, "response-cmd", "", "External model client command")
	cmd.Flags().StringVar(&archivePath, "archive", "", "Write a signed tar.zst of the results tree after the suite")
	cmd.Flags().StringVar(&label, "label", "benchmark", "Suite label for the results database")
	_ = cmd.MarkFlagRequired("models")
	return cmd
}

func newTasksCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List discovered benchmark tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				dir = cfg.TasksDir
			}

			specs, err := taskspec.Discover(dir)
			if err != nil {
				return err
			}
			for _, spec := range specs {
				cmd.Printf("%-24s checks=%d vars=%d\n", spec.ID, len(spec.Checks), len(spec.Vars))
			}
			if len(specs) == 0 {
				cmd.Println("no tasks found")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Tasks directory (default from BENCH_TASKS_DIR)")
	return cmd
}

func newArchiveCommand() *cobra.Command {
	var (
		resultsDir string
		output     string
		suiteID    string
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Create a signed tar.zst archive of a results tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.SigningKeyFile == "" {
				return errors.New("BENCH_SIGNING_KEY is required")
			}
			signer, err := results.NewSignerFromFile(cfg.SigningKeyFile)
			if err != nil {
				return err
			}
			if resultsDir == "" {
				resultsDir = cfg.ResultsRoot
			}
			if suiteID == "" {
				suiteID = uuid.New().String()
			}

			manifest, err := results.Archive(cmd.Context(), resultsDir, output, suiteID, signer)
			if err != nil {
				return err
			}
			cmd.Printf("wrote %s (%d files)\n", output, len(manifest.Files))
			return nil
		},
	}

	cmd.Flags().StringVar(&resultsDir, "results", "", "Results directory to archive (default from BENCH_RESULTS_ROOT)")
	cmd.Flags().StringVar(&output, "output", "", "Destination archive file (tar.zst)")
	cmd.Flags().StringVar(&suiteID, "suite-id", "", "Suite id to embed in the manifest")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var (
		archivePath string
		publicKey   string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a signed results archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			var signer *results.Signer
			var err error
			if publicKey != "" {
				signer, err = results.NewVerifier(publicKey)
			} else {
				cfg, cfgErr := config.Load()
				if cfgErr != nil {
					return cfgErr
				}
				if cfg.SigningKeyFile == "" {
					return errors.New("provide --public-key or BENCH_SIGNING_KEY")
				}
				signer, err = results.NewSignerFromFile(cfg.SigningKeyFile)
			}
			if err != nil {
				return err
			}

			manifest, err := results.VerifyArchive(cmd.Context(), archivePath, signer)
			if err != nil {
				return err
			}
			cmd.Printf("verified archive signed at %s (%d files)\n",
				manifest.CreatedAt.Format(time.RFC3339), len(manifest.Files))
			return nil
		},
	}

	cmd.Flags().StringVar(&archivePath, "file", "", "Archive to verify")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "Base64 Ed25519 public key")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadModels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read models file: %w", err)
	}

	var doc struct {
		Models []string `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse models file: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("%s lists no models", path)
	}
	return doc.Models, nil
}

func selectTasks(dir, selection string) ([]taskspec.Spec, error) {
	specs, err := taskspec.Discover(dir)
	if err != nil {
		return nil, err
	}

	if selection == "" || selection == "all" {
		return specs, nil
	}

	wanted := make(map[string]bool)
	for _, id := range strings.Split(selection, ",") {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			wanted[trimmed] = true
		}
	}

	var selected []taskspec.Spec
	for _, spec := range specs {
		if wanted[spec.ID] {
			selected = append(selected, spec)
			delete(wanted, spec.ID)
		}
	}
	if len(wanted) > 0 {
		var missing []string
		for id := range wanted {
			missing = append(missing, id)
		}
		return nil, fmt.Errorf("unknown tasks: %s", strings.Join(missing, ", "))
	}
	return selected, nil
}

func printSummary(cmd *cobra.Command, summary results.Summary) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODEL\tTASK\tREP\tVERDICT\tCATEGORY")
	for _, row := range summary.Runs {
		category := row.Category
		if row.CleanupFailed {
			category += " (cleanup failed)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", row.Model, row.Task, row.Repetition, row.Verdict, category)
	}
	_ = w.Flush()
	cmd.Printf("%d/%d succeeded\n", summary.Succeeded, summary.Total)
}
