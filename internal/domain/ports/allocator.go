package ports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gorm.io/gorm"

	"github.com/harborline/stevedore/internal/domain/instance"
)

// ErrPoolExhausted indicates a range has no free port left. It is a
// permanent failure: retrying will not help until an instance is deleted.
var ErrPoolExhausted = errors.New("port pool exhausted")

// claimRetries bounds the unique-violation retry loop. The process-local
// mutex makes collisions rare; they only happen when another process
// shares the database.
const claimRetries = 3

// Range is an inclusive port interval.
type Range struct {
	Min int
	Max int
}

// Size returns the number of ports in the range.
func (r Range) Size() int {
	return r.Max - r.Min + 1
}

// Contains reports whether port falls inside the range.
func (r Range) Contains(port int) bool {
	return port >= r.Min && port <= r.Max
}

// Overlaps reports whether two ranges share any port.
func (r Range) Overlaps(other Range) bool {
	return r.Min <= other.Max && other.Min <= r.Max
}

// Pair is one allocated (public, internal) port pair.
type Pair struct {
	Public   int
	Internal int
}

// RangeStats describes usage of one range.
type RangeStats struct {
	Used      int `json:"used"`
	Available int `json:"available"`
	Total     int `json:"total"`
}

// Stats describes usage of both ranges.
type Stats struct {
	Public   RangeStats `json:"public"`
	Internal RangeStats `json:"internal"`
}

// Allocator assigns unique (public, internal) port pairs from two
// configured non-overlapping ranges. The set of allocated ports is
// derived from non-deleted instance rows, never from an in-memory cache:
// the database is the single authority across workers and processes.
type Allocator struct {
	db       *gorm.DB
	public   Range
	internal Range

	// Serializes the scan-and-claim critical section inside this process.
	// The unique indexes on the port columns are the cross-process
	// backstop.
	mu sync.Mutex
}

// NewAllocator creates an allocator over the given ranges.
func NewAllocator(db *gorm.DB, public, internal Range) (*Allocator, error) {
	if public.Min > public.Max {
		return nil, fmt.Errorf("invalid public range %d-%d", public.Min, public.Max)
	}
	if internal.Min > internal.Max {
		return nil, fmt.Errorf("invalid internal range %d-%d", internal.Min, internal.Max)
	}
	if public.Overlaps(internal) {
		return nil, fmt.Errorf("public range %d-%d overlaps internal range %d-%d",
			public.Min, public.Max, internal.Min, internal.Max)
	}
	return &Allocator{db: db, public: public, internal: internal}, nil
}

// AllocateFor reserves the lowest free port of each range and claims the
// pair on the instance row, all inside one transaction. Two concurrent
// calls never return the same port: the scan and the claim are
// indivisible under the allocator mutex, and a unique-constraint
// violation from an external writer retries the pick.
func (a *Allocator) AllocateFor(ctx context.Context, instanceID string) (Pair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pair Pair
	var err error
	for attempt := 0; attempt < claimRetries; attempt++ {
		pair, err = a.claim(ctx, instanceID)
		if err == nil || !isUniqueViolation(err) {
			return pair, err
		}
	}
	return Pair{}, fmt.Errorf("allocate ports: %w", err)
}

func (a *Allocator) claim(ctx context.Context, instanceID string) (Pair, error) {
	var pair Pair
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		public, err := lowestFree(tx, "public_port", a.public)
		if err != nil {
			return err
		}
		internal, err := lowestFree(tx, "internal_port", a.internal)
		if err != nil {
			return err
		}

		res := tx.Model(&instance.Instance{}).
			Where("id = ?", instanceID).
			Updates(map[string]interface{}{
				"public_port":   public,
				"internal_port": internal,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return instance.ErrNotFound
		}

		pair = Pair{Public: public, Internal: internal}
		return nil
	})
	if err != nil {
		return Pair{}, err
	}
	return pair, nil
}

// lowestFree scans allocated ports of one column and picks the lowest
// unused port in the range.
func lowestFree(tx *gorm.DB, column string, r Range) (int, error) {
	var used []int
	err := tx.Model(&instance.Instance{}).
		Where(column+" IS NOT NULL").
		Pluck(column, &used).Error
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", column, err)
	}

	taken := make(map[int]struct{}, len(used))
	for _, p := range used {
		taken[p] = struct{}{}
	}
	for port := r.Min; port <= r.Max; port++ {
		if _, ok := taken[port]; !ok {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: no free port in %d-%d", ErrPoolExhausted, r.Min, r.Max)
}

// Release returns a pair to the free pool. Releasing an already-free
// port is a no-op, which makes every failure-branch release idempotent.
func (a *Allocator) Release(ctx context.Context, pair Pair) error {
	if err := a.releaseColumn(ctx, "public_port", pair.Public); err != nil {
		return err
	}
	return a.releaseColumn(ctx, "internal_port", pair.Internal)
}

func (a *Allocator) releaseColumn(ctx context.Context, column string, port int) error {
	if port == 0 {
		return nil
	}
	err := a.db.WithContext(ctx).Model(&instance.Instance{}).
		Where(column+" = ?", port).
		Update(column, nil).Error
	if err != nil {
		return fmt.Errorf("release %s %d: %w", column, port, err)
	}
	return nil
}

// ReleaseInstance clears whatever ports the instance holds. Safe to call
// on an instance with nothing allocated.
func (a *Allocator) ReleaseInstance(ctx context.Context, instanceID string) error {
	err := a.db.WithContext(ctx).Model(&instance.Instance{}).
		Where("id = ?", instanceID).
		Updates(map[string]interface{}{
			"public_port":   nil,
			"internal_port": nil,
		}).Error
	if err != nil {
		return fmt.Errorf("release instance ports: %w", err)
	}
	return nil
}

// Stats reports usage per range from a plain read; it never takes the
// allocator mutex, so observability cannot block allocation.
func (a *Allocator) Stats(ctx context.Context) (Stats, error) {
	publicUsed, err := a.countUsed(ctx, "public_port", a.public)
	if err != nil {
		return Stats{}, err
	}
	internalUsed, err := a.countUsed(ctx, "internal_port", a.internal)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Public: RangeStats{
			Used:      publicUsed,
			Available: a.public.Size() - publicUsed,
			Total:     a.public.Size(),
		},
		Internal: RangeStats{
			Used:      internalUsed,
			Available: a.internal.Size() - internalUsed,
			Total:     a.internal.Size(),
		},
	}, nil
}

func (a *Allocator) countUsed(ctx context.Context, column string, r Range) (int, error) {
	var count int64
	err := a.db.WithContext(ctx).Model(&instance.Instance{}).
		Where(column+" BETWEEN ? AND ?", r.Min, r.Max).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count %s usage: %w", column, err)
	}
	return int(count), nil
}

// isUniqueViolation detects a unique-constraint failure without binding
// to one driver's error type.
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
