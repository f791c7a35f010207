package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

// Config carries everything the benchmark needs from the environment.
// Optional subsystems (results database, event bus, metrics listener,
// archive signing) activate only when their variable is set.
type Config struct {
	// Layout on disk.
	WorkRoot    string
	ResultsRoot string
	TasksDir    string

	// Terraform invocation.
	TerraformBin   string
	DefaultTimeout time.Duration
	PlanTimeout    time.Duration
	ApplyTimeout   time.Duration
	DestroyTimeout time.Duration

	// Cloud emulator.
	AWSEndpoint  string
	AWSRegion    string
	AWSAccessKey string
	AWSSecretKey string

	// Suite execution.
	Workers int

	// Optional subsystems.
	DatabaseDSN    string
	NATSURL        string
	MetricsAddr    string
	SigningKeyFile string
}

func Load() (Config, error) {
	cfg := Config{}

	cfg.WorkRoot = getEnv("BENCH_WORK_ROOT", filepath.Join(os.TempDir(), "tfbench"))
	cfg.ResultsRoot = getEnv("BENCH_RESULTS_ROOT", "results")
	cfg.TasksDir = getEnv("BENCH_TASKS_DIR", "tasks")

	cfg.TerraformBin = getEnv("BENCH_TERRAFORM_BIN", "terraform")

	var err error
	if cfg.DefaultTimeout, err = getEnvSeconds("BENCH_STAGE_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PlanTimeout, err = getEnvSeconds("BENCH_PLAN_TIMEOUT", 120*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ApplyTimeout, err = getEnvSeconds("BENCH_APPLY_TIMEOUT", 300*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DestroyTimeout, err = getEnvSeconds("BENCH_DESTROY_TIMEOUT", 300*time.Second); err != nil {
		return Config{}, err
	}

	cfg.AWSEndpoint = getEnv("BENCH_AWS_ENDPOINT", "http://localhost:4566")
	cfg.AWSRegion = getEnv("BENCH_AWS_REGION", "us-east-1")
	cfg.AWSAccessKey = getEnv("BENCH_AWS_ACCESS_KEY", "test")
	cfg.AWSSecretKey = getEnv("BENCH_AWS_SECRET_KEY", "test")

	cfg.Workers = getEnvInt("BENCH_WORKERS", defaultWorkers())
	if cfg.Workers <= 0 {
		return Config{}, fmt.Errorf("BENCH_WORKERS must be positive, got %d", cfg.Workers)
	}

	cfg.DatabaseDSN = os.Getenv("BENCH_DB_DSN")
	cfg.NATSURL = os.Getenv("BENCH_NATS_URL")
	cfg.MetricsAddr = os.Getenv("BENCH_METRICS_ADDR")
	cfg.SigningKeyFile = os.Getenv("BENCH_SIGNING_KEY")
	if cfg.SigningKeyFile != "" {
		if _, err := os.Stat(cfg.SigningKeyFile); err != nil {
			return Config{}, fmt.Errorf("BENCH_SIGNING_KEY: %w", err)
		}
	}

	return cfg, nil
}

// defaultWorkers mirrors the usual cap for concurrent terraform runs against
// one emulator: beyond a few workers, init and apply contend on the endpoint.
func defaultWorkers() int {
	n := runtime.NumCPU()
	if n > 4 {
		return 4
	}
	if n < 1 {
		return 1
	}
	return n
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(secs) * time.Second, nil
}
