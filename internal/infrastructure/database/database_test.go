package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/stevedore/internal/infrastructure/config"
)

func TestOpenAndMigrateSqlite(t *testing.T) {
	db, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, Migrate(db))
	// Migrate is idempotent across restarts.
	require.NoError(t, Migrate(db))

	for _, table := range []string{"instances", "deployment_logs", "tasks"} {
		assert.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}

	// The partial index rejects a second active task for one instance.
	insertTask := `INSERT INTO tasks (id, instance_id, operation, status, attempts, not_before, created_at, updated_at)
		VALUES (?, 'inst_1', ?, 'pending', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`
	require.NoError(t, db.Exec(insertTask, "task_1", "deploy").Error)
	assert.Error(t, db.Exec(insertTask, "task_2", "stop").Error)

	// A finished task does not block new work.
	require.NoError(t, db.Exec(
		`UPDATE tasks SET status = 'succeeded' WHERE id = 'task_1'`,
	).Error)
	assert.NoError(t, db.Exec(insertTask, "task_3", "stop").Error)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
