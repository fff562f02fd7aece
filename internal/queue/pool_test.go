package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/stevedore/internal/infrastructure/logging"
	"github.com/harborline/stevedore/internal/infrastructure/monitoring"
)

type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
	fail     map[string]error
}

func (e *recordingExecutor) Execute(ctx context.Context, task *Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, task.InstanceID)
	if err, ok := e.fail[task.InstanceID]; ok {
		return err
	}
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.executed)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPoolExecutesTasks(t *testing.T) {
	store := testStore(t)
	exec := &recordingExecutor{}
	pool := NewPool(store, exec, PoolConfig{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
		LeaseTimeout: time.Minute,
	}, logging.NewNop())

	ctx := context.Background()
	taskA, err := store.Enqueue(ctx, "inst_a", OpDeploy)
	require.NoError(t, err)
	taskB, err := store.Enqueue(ctx, "inst_b", OpStop)
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool { return exec.count() == 2 })

	for _, id := range []string{taskA, taskB} {
		task, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusSucceeded, task.Status)
	}
}

func TestPoolMarksFailedTasks(t *testing.T) {
	store := testStore(t)
	exec := &recordingExecutor{
		fail: map[string]error{"inst_a": errors.New("deploy blew up")},
	}
	pool := NewPool(store, exec, PoolConfig{
		Workers:      1,
		PollInterval: 20 * time.Millisecond,
		LeaseTimeout: time.Minute,
	}, logging.NewNop())

	ctx := context.Background()
	taskID, err := store.Enqueue(ctx, "inst_a", OpDeploy)
	require.NoError(t, err)

	pool.Start()
	defer pool.Stop()

	waitFor(t, 5*time.Second, func() bool {
		task, err := store.Get(ctx, taskID)
		return err == nil && task.Status == StatusFailed
	})

	task, err := store.Get(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, "deploy blew up", task.LastError)
}

// NewMetrics registers on the default Prometheus registry, so exactly one
// test in this package may construct a Metrics.
func TestPoolRecordsRedeliveryAndQueueDepth(t *testing.T) {
	store := testStore(t)
	m := monitoring.NewMetrics()
	pool := NewPool(store, &recordingExecutor{}, PoolConfig{
		Workers:      1,
		PollInterval: 20 * time.Millisecond,
		LeaseTimeout: time.Minute,
	}, logging.NewNop()).WithMetrics(m)

	ctx := context.Background()
	_, err := store.Enqueue(ctx, "inst_a", OpDeploy)
	require.NoError(t, err)

	now := time.Now()
	store.withNow(func() time.Time { return now })
	_, err = store.Claim(ctx, "worker-dead", time.Minute)
	require.NoError(t, err)

	// The lease lapses and another worker reclaims the task.
	store.withNow(func() time.Time { return now.Add(2 * time.Minute) })
	task, err := store.Claim(ctx, "worker-live", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)

	pool.run(ctx, "worker-live", task)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues(string(StatusSucceeded))))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues(string(StatusPending))))
}

func TestPoolStopDrains(t *testing.T) {
	store := testStore(t)
	exec := &recordingExecutor{}
	pool := NewPool(store, exec, PoolConfig{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
		LeaseTimeout: time.Minute,
	}, logging.NewNop())

	pool.Start()
	pool.Stop()

	// Stop returns only after every worker goroutine exited; enqueueing
	// afterwards must leave the task untouched.
	taskID, err := store.Enqueue(context.Background(), "inst_a", OpDeploy)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	task, err := store.Get(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, task.Status)
}
