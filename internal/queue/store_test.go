package queue

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Task{}))
	// Partial unique index backing the one-active-task-per-instance guarantee
	require.NoError(t, db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_one_active
		 ON tasks(instance_id) WHERE status IN ('pending','running')`,
	).Error)
	return NewStore(db)
}

func TestEnqueueAssignsID(t *testing.T) {
	store := testStore(t)

	taskID, err := store.Enqueue(context.Background(), "inst_1", OpDeploy)
	require.NoError(t, err)
	assert.Contains(t, taskID, "task_")

	task, err := store.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, OpDeploy, task.Operation)
	assert.Equal(t, 0, task.Attempts)
}

func TestEnqueueRejectsUnknownOperation(t *testing.T) {
	store := testStore(t)

	_, err := store.Enqueue(context.Background(), "inst_1", Operation("explode"))
	assert.Error(t, err)
}

func TestEnqueueConflict(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "inst_1", OpStop)
	require.NoError(t, err)

	// Second operation while the first is pending
	_, err = store.Enqueue(ctx, "inst_1", OpDelete)
	assert.ErrorIs(t, err, ErrConflictingOperation)

	// A different instance is unaffected
	_, err = store.Enqueue(ctx, "inst_2", OpDelete)
	assert.NoError(t, err)
}

func TestEnqueueConflictWhileRunning(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "inst_1", OpStop)
	require.NoError(t, err)

	task, err := store.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	_, err = store.Enqueue(ctx, "inst_1", OpDelete)
	assert.ErrorIs(t, err, ErrConflictingOperation)

	// Finalization frees the instance for the next operation
	require.NoError(t, store.Succeed(ctx, task.ID, "worker-1"))
	_, err = store.Enqueue(ctx, "inst_1", OpDelete)
	assert.NoError(t, err)
}

func TestConcurrentEnqueueOneWinner(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Enqueue(ctx, "inst_1", OpStop)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrConflictingOperation)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one concurrent enqueue may win")
}

func TestClaimOrderAndLease(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "inst_1", OpDeploy)
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, "inst_2", OpDeploy)
	require.NoError(t, err)

	task, err := store.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, first, task.ID, "oldest task claims first")
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, "worker-1", task.LeaseOwner)
	assert.Equal(t, 1, task.Attempts)
	require.NotNil(t, task.LeaseExpiresAt)

	task2, err := store.Claim(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task2)
	assert.Equal(t, second, task2.ID)

	// Nothing runnable left
	task3, err := store.Claim(ctx, "worker-3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task3)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	taskID, err := store.Enqueue(ctx, "inst_1", OpDeploy)
	require.NoError(t, err)

	// worker-1 claims, then "crashes": the clock advances past its lease
	now := time.Now()
	store.withNow(func() time.Time { return now })
	task, err := store.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	store.withNow(func() time.Time { return now.Add(2 * time.Minute) })
	redelivered, err := store.Claim(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, redelivered)
	assert.Equal(t, taskID, redelivered.ID)
	assert.Equal(t, "worker-2", redelivered.LeaseOwner)
	assert.Equal(t, 2, redelivered.Attempts, "redelivery counts as a new attempt")
}

func TestUnexpiredLeaseIsNotStolen(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "inst_1", OpDeploy)
	require.NoError(t, err)

	task, err := store.Claim(ctx, "worker-1", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, task)

	stolen, err := store.Claim(ctx, "worker-2", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, stolen)
}

func TestFailRecordsError(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	taskID, err := store.Enqueue(ctx, "inst_1", OpDeploy)
	require.NoError(t, err)
	_, err = store.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Fail(ctx, taskID, "worker-1", "hypervisor unreachable"))

	task, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	assert.Equal(t, "hypervisor unreachable", task.LastError)
	assert.Empty(t, task.LeaseOwner)
}

func TestFinalizeRequiresRunning(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	taskID, err := store.Enqueue(ctx, "inst_1", OpDeploy)
	require.NoError(t, err)

	assert.Error(t, store.Succeed(ctx, taskID, "worker-1"), "pending task cannot be finalized")
}

func TestStaleWorkerCannotFinalizeReclaimedTask(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	taskID, err := store.Enqueue(ctx, "inst_1", OpDeploy)
	require.NoError(t, err)

	// worker-1 claims and stalls past its lease; worker-2 reclaims.
	now := time.Now()
	store.withNow(func() time.Time { return now })
	_, err = store.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	store.withNow(func() time.Time { return now.Add(2 * time.Minute) })
	reclaimed, err := store.Claim(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)

	// The stale worker wakes up; its finalization must not land.
	assert.Error(t, store.Succeed(ctx, taskID, "worker-1"))
	task, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, "worker-2", task.LeaseOwner)

	// The current owner finalizes normally.
	require.NoError(t, store.Succeed(ctx, taskID, "worker-2"))
}

func TestStats(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	a, _ := store.Enqueue(ctx, "inst_1", OpDeploy)
	_, _ = store.Enqueue(ctx, "inst_2", OpDeploy)
	_, err := store.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Succeed(ctx, a, "worker-1"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 1, stats.Succeeded)
}
