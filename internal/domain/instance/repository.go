package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the instance does not exist (or was removed).
	ErrNotFound = errors.New("instance not found")
	// ErrInvalidTransition indicates a status write the transition table
	// forbids, or a guarded write that raced with another status change.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrHostnameTaken indicates another live instance holds the hostname.
	ErrHostnameTaken = errors.New("hostname already in use")
)

// ListFilter narrows and paginates instance listings. An empty UserID
// lists across all users (elevated callers only).
type ListFilter struct {
	UserID  string
	Status  Status
	Search  string
	Page    int
	PerPage int
}

// Repository is the persistent store of application instances.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates an instance repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Create persists a new instance row. The hostname uniqueness index
// backs the caller's check-then-create validation; a racing duplicate
// surfaces as ErrHostnameTaken.
func (r *Repository) Create(ctx context.Context, inst *Instance) error {
	if err := r.db.WithContext(ctx).Create(inst).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrHostnameTaken
		}
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

// Get retrieves an instance by ID.
func (r *Repository) Get(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	err := r.db.WithContext(ctx).First(&inst, "id = ?", instanceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return &inst, nil
}

// List returns a page of instances matching the filter plus the total
// match count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Instance, int64, error) {
	q := r.db.WithContext(ctx).Model(&Instance{})

	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Search != "" {
		q = q.Where("hostname LIKE ?", "%"+strings.ToLower(filter.Search)+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count instances: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 {
		perPage = 20
	}

	var instances []Instance
	err := q.Order("created_at DESC").
		Limit(perPage).
		Offset((page - 1) * perPage).
		Find(&instances).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list instances: %w", err)
	}
	return instances, total, nil
}

// Transition performs a guarded status write: the update only lands when
// the current status is one of from and the transition table allows the
// change. A guard miss returns ErrInvalidTransition; a missing row
// returns ErrNotFound.
func (r *Repository) Transition(ctx context.Context, instanceID string, to Status, from ...Status) error {
	allowed := make([]Status, 0, len(from))
	for _, f := range from {
		if CanTransition(f, to) {
			allowed = append(allowed, f)
		}
	}
	if len(allowed) == 0 {
		return fmt.Errorf("%w: no legal path to %s", ErrInvalidTransition, to)
	}

	res := r.db.WithContext(ctx).Model(&Instance{}).
		Where("id = ? AND status IN ?", instanceID, allowed).
		Update("status", to)
	if res.Error != nil {
		return fmt.Errorf("transition instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, instanceID); err != nil {
			return err
		}
		return fmt.Errorf("%w: to %s", ErrInvalidTransition, to)
	}
	return nil
}

// SetContainerRef records the hypervisor container handle after creation.
func (r *Repository) SetContainerRef(ctx context.Context, instanceID, node, containerID string) error {
	res := r.db.WithContext(ctx).Model(&Instance{}).
		Where("id = ?", instanceID).
		Updates(map[string]interface{}{
			"container_node": node,
			"container_id":   containerID,
		})
	if res.Error != nil {
		return fmt.Errorf("set container ref: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConfig persists changed resource configuration.
func (r *Repository) UpdateConfig(ctx context.Context, inst *Instance) error {
	res := r.db.WithContext(ctx).Model(&Instance{}).
		Where("id = ?", inst.ID).
		Updates(map[string]interface{}{
			"cores":         inst.Cores,
			"memory_mb":     inst.MemoryMB,
			"disk_gb":       inst.DiskGB,
			"env":           inst.Env,
			"volumes":       inst.Volumes,
			"service_ports": inst.ServicePorts,
		})
	if res.Error != nil {
		return fmt.Errorf("update instance config: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove soft-deletes the instance row. The caller must have released
// the instance's ports first.
func (r *Repository) Remove(ctx context.Context, instanceID string) error {
	res := r.db.WithContext(ctx).Delete(&Instance{}, "id = ?", instanceID)
	if res.Error != nil {
		return fmt.Errorf("remove instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// HostnameTaken reports whether a non-deleted instance already uses the
// hostname.
func (r *Repository) HostnameTaken(ctx context.Context, hostname string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Instance{}).
		Where("hostname = ?", hostname).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check hostname: %w", err)
	}
	return count > 0, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// CountByStatus returns the number of non-deleted instances per status.
func (r *Repository) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	type row struct {
		Status Status
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&Instance{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	counts := make(map[Status]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
