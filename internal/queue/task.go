package queue

import (
	"time"

	"gorm.io/gorm"

	"github.com/harborline/stevedore/internal/shared/id"
)

// Operation is a lifecycle operation carried by a task. The set is
// closed; the orchestrator matches it exhaustively.
type Operation string

const (
	OpDeploy  Operation = "deploy"
	OpStart   Operation = "start"
	OpStop    Operation = "stop"
	OpRestart Operation = "restart"
	OpDelete  Operation = "delete"
	OpClone   Operation = "clone"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpDeploy, OpStart, OpStop, OpRestart, OpDelete, OpClone:
		return true
	}
	return false
}

// Status is the queue-side task state, separate from the instance
// lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Task is one durable unit of lifecycle work. Once enqueued it survives
// a worker crash: a running task whose lease expires becomes claimable
// again (at-least-once delivery), which is why every hypervisor call the
// orchestrator makes is idempotent or pre-checked.
type Task struct {
	ID         string    `gorm:"primaryKey;size:64" json:"id"`
	InstanceID string    `gorm:"size:64;not null;index" json:"instance_id"`
	Operation  Operation `gorm:"size:16;not null" json:"operation"`
	Status     Status    `gorm:"size:16;not null;index" json:"status"`

	Attempts  int       `gorm:"not null;default:0" json:"attempts"`
	NotBefore time.Time `gorm:"not null" json:"not_before"`

	LeaseOwner     string     `gorm:"size:64" json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	LastError string `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName overrides the default table name.
func (Task) TableName() string {
	return "tasks"
}

// BeforeCreate assigns a prefixed ULID when none is set.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = id.NewTaskID().String()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = time.Now()
	}
	return nil
}
