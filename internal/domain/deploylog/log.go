// Package deploylog keeps the append-only audit trail of lifecycle steps
// per instance. Entries are written only by the orchestrator; because a
// single worker owns an instance's task at a time, the per-instance order
// by primary key is a total order.
package deploylog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Level classifies a log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Entry is one immutable deployment log record.
type Entry struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string    `gorm:"size:64;not null;index" json:"instance_id"`
	Level      Level     `gorm:"size:8;not null" json:"level"`
	Step       string    `gorm:"size:64;not null" json:"step"`
	Message    string    `gorm:"type:text;not null" json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// TableName overrides the default table name.
func (Entry) TableName() string {
	return "deployment_logs"
}

// Store provides append and query access to the deployment log.
type Store struct {
	db *gorm.DB
}

// NewStore creates a deployment log store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Append writes one entry for the instance.
func (s *Store) Append(ctx context.Context, instanceID string, level Level, step, message string) error {
	entry := Entry{
		InstanceID: instanceID,
		Level:      level,
		Step:       step,
		Message:    message,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("append deployment log: %w", err)
	}
	return nil
}

// List returns the instance's entries in append order.
func (s *Store) List(ctx context.Context, instanceID string, limit, offset int) ([]Entry, error) {
	if limit < 1 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id ASC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list deployment log: %w", err)
	}
	return entries, nil
}

// Purge deletes all entries for an instance. Called only when the
// instance record itself is removed after a completed delete.
func (s *Store) Purge(ctx context.Context, instanceID string) error {
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("purge deployment log: %w", err)
	}
	return nil
}
