package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ErrConflictingOperation indicates the instance already has a task in
// flight. A second operation is rejected, never queued behind the first,
// so callers get immediate feedback instead of surprise ordering.
var ErrConflictingOperation = errors.New("operation already in progress")

// claimCandidates bounds how many runnable tasks a single Claim pass
// inspects before giving up the poll round.
const claimCandidates = 10

// Stats summarizes queue depth per task status.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
}

// Store is the durable task queue backed by the relational store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a task store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// withNow overrides the clock; test hook.
func (s *Store) withNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Enqueue creates a task for the instance, enforcing at most one active
// task per instance. The transactional check is backed by a partial
// unique index on tasks(instance_id) for pending/running rows, so a race
// between two enqueuers still yields exactly one winner.
func (s *Store) Enqueue(ctx context.Context, instanceID string, op Operation) (string, error) {
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", op)
	}

	task := Task{
		InstanceID: instanceID,
		Operation:  op,
		Status:     StatusPending,
		NotBefore:  s.now(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&Task{}).
			Where("instance_id = ? AND status IN ?", instanceID,
				[]Status{StatusPending, StatusRunning}).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return ErrConflictingOperation
		}
		return tx.Create(&task).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflictingOperation) || isUniqueViolation(err) {
			return "", ErrConflictingOperation
		}
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	return task.ID, nil
}

// Claim leases the oldest runnable task to the worker: a pending task
// whose not_before has passed, or a running task whose lease expired
// (crash redelivery). Returns nil when nothing is runnable.
func (s *Store) Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*Task, error) {
	now := s.now()

	var candidates []Task
	err := s.db.WithContext(ctx).
		Where("(status = ? AND not_before <= ?) OR (status = ? AND lease_expires_at <= ?)",
			StatusPending, now, StatusRunning, now).
		Order("created_at ASC").
		Limit(claimCandidates).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("scan runnable tasks: %w", err)
	}

	for i := range candidates {
		task, ok, err := s.tryClaim(ctx, &candidates[i], workerID, now, leaseTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return task, nil
		}
		// Another worker won this candidate; try the next one.
	}
	return nil, nil
}

// tryClaim performs the optimistic guarded update for one candidate.
func (s *Store) tryClaim(ctx context.Context, candidate *Task, workerID string, now time.Time, leaseTTL time.Duration) (*Task, bool, error) {
	expires := now.Add(leaseTTL)

	q := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", candidate.ID, candidate.Status)
	if candidate.Status == StatusRunning {
		// Only steal a running task from its previous owner's expired lease.
		q = q.Where("lease_owner = ? AND lease_expires_at <= ?", candidate.LeaseOwner, now)
	}

	res := q.Updates(map[string]interface{}{
		"status":           StatusRunning,
		"lease_owner":      workerID,
		"lease_expires_at": expires,
		"attempts":         gorm.Expr("attempts + 1"),
	})
	if res.Error != nil {
		return nil, false, fmt.Errorf("claim task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}

	var task Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", candidate.ID).Error; err != nil {
		return nil, false, fmt.Errorf("reload claimed task: %w", err)
	}
	return &task, true, nil
}

// Succeed finalizes a task as succeeded.
func (s *Store) Succeed(ctx context.Context, taskID, workerID string) error {
	return s.finalize(ctx, taskID, workerID, StatusSucceeded, "")
}

// Fail finalizes a task as permanently failed.
func (s *Store) Fail(ctx context.Context, taskID, workerID, errText string) error {
	return s.finalize(ctx, taskID, workerID, StatusFailed, errText)
}

// finalize guards on the lease owner as well as the status: a worker
// whose lease expired and whose task was reclaimed must not finalize the
// new owner's in-flight execution.
func (s *Store) finalize(ctx context.Context, taskID, workerID string, status Status, errText string) error {
	res := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ? AND lease_owner = ?", taskID, StatusRunning, workerID).
		Updates(map[string]interface{}{
			"status":           status,
			"lease_owner":      "",
			"lease_expires_at": nil,
			"last_error":       errText,
		})
	if res.Error != nil {
		return fmt.Errorf("finalize task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("task %s is not running under this lease", taskID)
	}
	return nil
}

// Get retrieves a task by ID.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// Stats returns queue depth per status; read-only observability query.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	type row struct {
		Status Status
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&Task{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	var stats Stats
	for _, r := range rows {
		switch r.Status {
		case StatusPending:
			stats.Pending = r.Count
		case StatusRunning:
			stats.Running = r.Count
		case StatusSucceeded:
			stats.Succeeded = r.Count
		case StatusFailed:
			stats.Failed = r.Count
		}
	}
	return stats, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
