package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nivalis-io/ipa-orchestrator/internal/objectstore"
)

var day = time.Date(2024, 2, 10, 9, 30, 0, 0, time.UTC)

func TestStampedName(t *testing.T) {
	assert.Equal(t, "ipa_maule_monthly_stats_LU20240210.csv",
		StampedName("ipa_maule_monthly_stats.csv", day))
	assert.Equal(t, "readme_LU20240210", StampedName("readme", day))
}

func TestArchivePublishedMovesExisting(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	svc := NewService(store, "exports")

	require.NoError(t, store.Write(ctx, "exports/monthly/stats.csv", []byte("v1")))

	dst, found, err := svc.ArchivePublished(ctx, "exports/monthly/stats.csv", day)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "exports/archive/monthly/stats_LU20240210.csv", dst)

	// The published location is vacated and the archive holds the bytes.
	exists, err := store.Exists(ctx, "exports/monthly/stats.csv")
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := store.Read(ctx, dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)
}

func TestArchivePublishedNothingToMove(t *testing.T) {
	svc := NewService(objectstore.NewMemory(), "exports")
	dst, found, err := svc.ArchivePublished(context.Background(), "exports/monthly/stats.csv", day)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, dst)
}

func TestScanPriorPrefersToday(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	svc := NewService(store, "exports")

	require.NoError(t, store.Write(ctx, "exports/archive/monthly/stats_LU20240115.csv", []byte("old")))
	require.NoError(t, store.Write(ctx, "exports/archive/monthly/stats_LU20240210.csv", []byte("today")))

	found, ok, err := svc.ScanPrior(ctx, "exports/monthly/stats.csv", day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exports/archive/monthly/stats_LU20240210.csv", found)
}

func TestScanPriorFallsBackToNewest(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	svc := NewService(store, "exports")

	require.NoError(t, store.Write(ctx, "exports/archive/monthly/stats_LU20231201.csv", []byte("a")))
	require.NoError(t, store.Write(ctx, "exports/archive/monthly/stats_LU20240115.csv", []byte("b")))
	// A different stem must not match.
	require.NoError(t, store.Write(ctx, "exports/archive/monthly/stats_extra_LU20240201.csv", []byte("c")))

	found, ok, err := svc.ScanPrior(ctx, "exports/monthly/stats.csv", day)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "exports/archive/monthly/stats_LU20240115.csv", found)
}

func TestScanPriorNoArchive(t *testing.T) {
	svc := NewService(objectstore.NewMemory(), "exports")
	_, ok, err := svc.ScanPrior(context.Background(), "exports/monthly/stats.csv", day)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRollbackRestoresBytes(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	svc := NewService(store, "exports")

	require.NoError(t, store.Write(ctx, "exports/archive/monthly/stats_LU20240115.csv", []byte("good")))
	require.NoError(t, store.Write(ctx, "exports/monthly/stats.csv", []byte("partial")))

	require.NoError(t, svc.Rollback(ctx, "exports/archive/monthly/stats_LU20240115.csv", "exports/monthly/stats.csv"))

	data, err := store.Read(ctx, "exports/monthly/stats.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), data)

	// The archived copy is kept for future rollbacks.
	archived, err := store.Read(ctx, "exports/archive/monthly/stats_LU20240115.csv")
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), archived)
}
