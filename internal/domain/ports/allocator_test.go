package ports

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/harborline/stevedore/internal/domain/instance"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&instance.Instance{}))
	return db
}

func createInstance(t *testing.T, db *gorm.DB, hostname string) *instance.Instance {
	t.Helper()
	inst := &instance.Instance{
		UserID:    "user-1",
		CatalogID: "nginx",
		Hostname:  hostname,
		HostID:    "host-a",
		Image:     "nginx:latest",
		Cores:     1,
		MemoryMB:  256,
		DiskGB:    2,
		Status:    instance.StatusPending,
	}
	require.NoError(t, db.Create(inst).Error)
	return inst
}

func TestNewAllocatorValidatesRanges(t *testing.T) {
	db := testDB(t)

	_, err := NewAllocator(db, Range{Min: 9000, Max: 8100}, Range{Min: 9100, Max: 9999})
	assert.Error(t, err)

	_, err = NewAllocator(db, Range{Min: 8100, Max: 9200}, Range{Min: 9100, Max: 9999})
	assert.Error(t, err, "overlapping ranges must be rejected")

	_, err = NewAllocator(db, Range{Min: 8100, Max: 8999}, Range{Min: 9100, Max: 9999})
	assert.NoError(t, err)
}

func TestAllocatePicksLowestFree(t *testing.T) {
	db := testDB(t)
	alloc, err := NewAllocator(db, Range{Min: 8100, Max: 8102}, Range{Min: 9100, Max: 9102})
	require.NoError(t, err)
	ctx := context.Background()

	a := createInstance(t, db, "a-01")
	pair, err := alloc.AllocateFor(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, Pair{Public: 8100, Internal: 9100}, pair)

	b := createInstance(t, db, "b-01")
	pair, err = alloc.AllocateFor(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, Pair{Public: 8101, Internal: 9101}, pair)

	// Releasing the first pair makes its ports the lowest free again
	require.NoError(t, alloc.Release(ctx, Pair{Public: 8100, Internal: 9100}))
	c := createInstance(t, db, "c-01")
	pair, err = alloc.AllocateFor(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, Pair{Public: 8100, Internal: 9100}, pair)
}

func TestAllocateMissingInstance(t *testing.T) {
	db := testDB(t)
	alloc, err := NewAllocator(db, Range{Min: 8100, Max: 8102}, Range{Min: 9100, Max: 9102})
	require.NoError(t, err)

	_, err = alloc.AllocateFor(context.Background(), "inst_missing")
	assert.ErrorIs(t, err, instance.ErrNotFound)
}

func TestFullDefaultRangeExhausts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping 900-allocation scan in short mode")
	}

	db := testDB(t)
	alloc, err := NewAllocator(db, Range{Min: 8100, Max: 8999}, Range{Min: 9100, Max: 9999})
	require.NoError(t, err)
	ctx := context.Background()

	// 900 allocations against the 900-port default public range succeed
	for i := 0; i < 900; i++ {
		inst := createInstance(t, db, fmt.Sprintf("inst-%03d", i))
		pair, err := alloc.AllocateFor(ctx, inst.ID)
		require.NoError(t, err, "allocation %d", i+1)
		assert.True(t, pair.Public >= 8100 && pair.Public <= 8999)
	}

	// The 901st fails with ErrPoolExhausted
	extra := createInstance(t, db, "inst-900")
	_, err = alloc.AllocateFor(ctx, extra.ID)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	db := testDB(t)
	alloc, err := NewAllocator(db, Range{Min: 8100, Max: 8149}, Range{Min: 9100, Max: 9149})
	require.NoError(t, err)
	ctx := context.Background()

	const n = 20
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = createInstance(t, db, fmt.Sprintf("conc-%02d", i)).ID
	}

	var wg sync.WaitGroup
	results := make([]Pair, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = alloc.AllocateFor(ctx, ids[i])
		}(i)
	}
	wg.Wait()

	seenPublic := make(map[int]bool)
	seenInternal := make(map[int]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seenPublic[results[i].Public], "public port %d allocated twice", results[i].Public)
		assert.False(t, seenInternal[results[i].Internal], "internal port %d allocated twice", results[i].Internal)
		seenPublic[results[i].Public] = true
		seenInternal[results[i].Internal] = true
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	db := testDB(t)
	alloc, err := NewAllocator(db, Range{Min: 8100, Max: 8102}, Range{Min: 9100, Max: 9102})
	require.NoError(t, err)
	ctx := context.Background()

	inst := createInstance(t, db, "a-01")
	pair, err := alloc.AllocateFor(ctx, inst.ID)
	require.NoError(t, err)

	require.NoError(t, alloc.Release(ctx, pair))
	// Releasing an already-free pair is a no-op, not an error
	require.NoError(t, alloc.Release(ctx, pair))
	// A never-allocated pair is fine too
	require.NoError(t, alloc.Release(ctx, Pair{Public: 8102, Internal: 9102}))
}

func TestReleaseInstance(t *testing.T) {
	db := testDB(t)
	alloc, err := NewAllocator(db, Range{Min: 8100, Max: 8102}, Range{Min: 9100, Max: 9102})
	require.NoError(t, err)
	ctx := context.Background()

	inst := createInstance(t, db, "a-01")
	_, err = alloc.AllocateFor(ctx, inst.ID)
	require.NoError(t, err)

	require.NoError(t, alloc.ReleaseInstance(ctx, inst.ID))

	stats, err := alloc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Public.Used)

	// Idempotent on an instance with nothing allocated
	require.NoError(t, alloc.ReleaseInstance(ctx, inst.ID))
}

func TestStats(t *testing.T) {
	db := testDB(t)
	alloc, err := NewAllocator(db, Range{Min: 8100, Max: 8104}, Range{Min: 9100, Max: 9104})
	require.NoError(t, err)
	ctx := context.Background()

	stats, err := alloc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, RangeStats{Used: 0, Available: 5, Total: 5}, stats.Public)

	for i := 0; i < 2; i++ {
		inst := createInstance(t, db, fmt.Sprintf("s-%d", i))
		_, err := alloc.AllocateFor(ctx, inst.ID)
		require.NoError(t, err)
	}

	stats, err = alloc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, RangeStats{Used: 2, Available: 3, Total: 5}, stats.Public)
	assert.Equal(t, RangeStats{Used: 2, Available: 3, Total: 5}, stats.Internal)
}
