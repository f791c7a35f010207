package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Suite struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Label       string         `gorm:"type:text;not null"`
	Models      datatypes.JSON `gorm:"type:jsonb"`
	Tasks       datatypes.JSON `gorm:"type:jsonb"`
	Repetitions int            `gorm:"type:int;not null;default:1"`
	StartedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	FinishedAt  *time.Time     `gorm:"type:timestamptz"`
}

type BenchRun struct {
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
	StartedAt       time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	FinishedAt      *time.Time        `gorm:"type:timestamptz"`
	Suite           Suite             `gorm:"foreignKey:SuiteID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type ResultArchive struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	SuiteID   *uuid.UUID        `gorm:"type:uuid;index"`
	SHA256    string            `gorm:"type:text;not null"`
	URL       string            `gorm:"type:text;not null"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Suite     Suite             `gorm:"foreignKey:SuiteID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Suite{},
		&BenchRun{},
		&ResultArchive{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&BenchRun{}, "Suite"); err != nil {
		return err
	}
	if err := m.CreateConstraint(&ResultArchive{}, "Suite"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&ResultArchive{},
		&BenchRun{},
		&Suite{},
	); err != nil {
		return err
	}

	return nil
}
