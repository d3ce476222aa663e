package loc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "poses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_Session(t *testing.T) {
	s := openTestStore(t)
	_, err := uuid.Parse(s.Session())
	assert.NoError(t, err)
}

func TestStore_RecordPose(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snap := testSnapshot()
		snap.Estimate.Position.X = float64(100 * i)
		snap.GlobalSearch = i == 0
		snap.Timestamp = time.Unix(1700000000+int64(i), 0)
		require.NoError(t, s.RecordPose(ctx, snap))
	}

	recs, err := s.RecentPoses(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	newest := recs[0]
	assert.Equal(t, 200.0, newest.X)
	assert.Equal(t, 910.0, newest.Y)
	assert.InDelta(t, 90, newest.Heading, 1e-9)
	assert.Equal(t, 8, newest.ValidSensors)
	assert.True(t, newest.Validated)
	assert.False(t, newest.GlobalSearch)
	assert.True(t, newest.Timestamp.Equal(time.Unix(1700000002, 0)))
	assert.Equal(t, s.Session(), newest.Session)

	assert.Equal(t, 100.0, recs[1].X)
}

func TestStore_SessionsAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poses.db")
	ctx := context.Background()

	first, err := OpenStore(path)
	require.NoError(t, err)
	require.NoError(t, first.RecordPose(ctx, testSnapshot()))
	require.NoError(t, first.Close())

	second, err := OpenStore(path)
	require.NoError(t, err)
	defer second.Close()

	assert.NotEqual(t, first.Session(), second.Session())
	recs, err := second.RecentPoses(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStore_Events(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordEvent(ctx, "reset", "validation failed"))
	require.NoError(t, s.RecordEvent(ctx, "reset", "operator"))
	require.NoError(t, s.RecordEvent(ctx, "global_search", ""))

	n, err := s.CountEvents(ctx, "reset")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountEvents(ctx, "kidnap")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
