package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harborline/stevedore/internal/domain/deploylog"
	"github.com/harborline/stevedore/internal/domain/instance"
	"github.com/harborline/stevedore/internal/infrastructure/config"
	"github.com/harborline/stevedore/internal/queue"
)

// Open connects to the configured database. Sqlite is the single-node
// default; postgres is for shared deployments.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}

	switch cfg.Driver {
	case "sqlite", "":
		db, err := gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// Sqlite serializes writers; a single connection avoids busy errors
		// under the worker pool.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case "postgres":
		db, err := gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// Migrate creates the schema and the indexes AutoMigrate cannot express.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&instance.Instance{}, &deploylog.Entry{}, &queue.Task{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	// Partial unique index enforcing at most one pending or running task
	// per instance. Both sqlite and postgres support this form.
	err := db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active
		 ON tasks(instance_id) WHERE status IN ('pending','running')`,
	).Error
	if err != nil {
		return fmt.Errorf("failed to create task uniqueness index: %w", err)
	}
	// Backstop for the check-then-create hostname validation in the API:
	// two racing creates of the same hostname get exactly one winner.
	err = db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_hostname_live
		 ON instances(hostname) WHERE deleted_at IS NULL`,
	).Error
	if err != nil {
		return fmt.Errorf("failed to create hostname uniqueness index: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
