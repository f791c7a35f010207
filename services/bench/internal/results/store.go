package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tfbench/pkg/db"
)

// SuiteRow is the database form of one suite.
type SuiteRow struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Label       string         `gorm:"type:text;not null"`
	Models      datatypes.JSON `gorm:"type:jsonb"`
	Tasks       datatypes.JSON `gorm:"type:jsonb"`
	Repetitions int            `gorm:"type:int;not null;default:1"`
	StartedAt   time.Time      `gorm:"type:timestamptz;not null"`
	FinishedAt  *time.Time     `gorm:"type:timestamptz"`
}

func (SuiteRow) TableName() string { return "suites" }

// RunRow is the database form of one run record.
type RunRow struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SuiteID         *uuid.UUID        `gorm:"type:uuid;index"`
	ModelName       string            `gorm:"type:text;not null;index"`
	TaskID          string            `gorm:"type:text;not null;index"`
	Repetition      int               `gorm:"type:int;not null"`
	Verdict         string            `gorm:"type:text;not null"`
	FailureCategory string            `gorm:"type:text"`
	CleanupFailed   bool              `gorm:"type:boolean;not null;default:false"`
	Stages          datatypes.JSON    `gorm:"type:jsonb"`
	Checks          datatypes.JSON    `gorm:"type:jsonb"`
	Timings         datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt       time.Time         `gorm:"type:timestamptz;not null"`
	FinishedAt      *time.Time        `gorm:"type:timestamptz"`
}

func (RunRow) TableName() string { return "bench_runs" }

// Store persists suites and run records to Postgres. It is optional: the
// benchmark runs fine with JSON records alone.
type Store struct {
	orm *gorm.DB
}

// OpenStore connects to the database, applies migrations, and returns a Store.
func OpenStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect results db: %w", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("migrate results db: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open orm: %w", err)
	}
	return &Store{orm: orm}, nil
}

// CreateSuite inserts a suite row and returns its id.
func (s *Store) CreateSuite(ctx context.Context, label string, models, tasks []string, repetitions int) (uuid.UUID, error) {
	if s == nil {
		return uuid.Nil, errors.New("nil store")
	}

	modelsJSON, err := json.Marshal(models)
	if err != nil {
		return uuid.Nil, err
	}
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return uuid.Nil, err
	}

	row := SuiteRow{
		ID:          uuid.New(),
		Label:       label,
		Models:      modelsJSON,
		Tasks:       tasksJSON,
		Repetitions: repetitions,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, fmt.Errorf("insert suite: %w", err)
	}
	return row.ID, nil
}

// FinishSuite stamps the suite's finish time.
func (s *Store) FinishSuite(ctx context.Context, suiteID uuid.UUID) error {
	if s == nil {
		return errors.New("nil store")
	}
	now := time.Now().UTC()
	return s.orm.WithContext(ctx).
		Model(&SuiteRow{}).
		Where("id = ?", suiteID).
		Update("finished_at", &now).Error
}

// SaveRun inserts one run record.
func (s *Store) SaveRun(ctx context.Context, suiteID *uuid.UUID, rec Record) error {
	if s == nil {
		return errors.New("nil store")
	}

	stagesJSON, err := json.Marshal(rec.Stages)
	if err != nil {
		return err
	}
	checksJSON, err := json.Marshal(rec.Checks)
	if err != nil {
		return err
	}
	timings := make(datatypes.JSONMap, len(rec.Timings))
	for stage, seconds := range rec.Timings {
		timings[stage] = seconds
	}

	runID, err := uuid.Parse(rec.RunID)
	if err != nil {
		runID = uuid.New()
	}
	finished := rec.StartedAt.Add(time.Duration(rec.DurationSeconds * float64(time.Second)))

	row := RunRow{
		ID:              runID,
		SuiteID:         suiteID,
		ModelName:       rec.ModelName,
		TaskID:          rec.TaskID,
		Repetition:      rec.Repetition,
		Verdict:         rec.Verdict,
		FailureCategory: rec.FailureCategory,
		CleanupFailed:   rec.CleanupFailed,
		Stages:          stagesJSON,
		Checks:          checksJSON,
		Timings:         timings,
		StartedAt:       rec.StartedAt,
		FinishedAt:      &finished,
	}
	if err := s.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}
