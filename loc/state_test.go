package loc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTracker_Update(t *testing.T) {
	st := NewStateTracker()
	assert.False(t, st.HasSnapshot())
	_, ok := st.Latest()
	assert.False(t, ok)

	snap := testSnapshot()
	snap.Sensors = []SensorStatus{{Name: "front", Distance: 500, Valid: true, Healthy: true}}
	st.Update(snap)

	// mutating the caller's slice must not leak into the tracker
	snap.Sensors[0].Distance = 1

	got, ok := st.Latest()
	require.True(t, ok)
	assert.Equal(t, 500.0, got.Sensors[0].Distance)

	got.Sensors[0].Distance = 2
	again, _ := st.Latest()
	assert.Equal(t, 500.0, again.Sensors[0].Distance, "Latest returns a copy")
}

func TestStateTracker_Trail(t *testing.T) {
	st := NewStateTracker()
	st.trailLength = 3

	for i := 0; i < 5; i++ {
		snap := testSnapshot()
		snap.Estimate.Position = Point{X: float64(i), Y: 0}
		st.Update(snap)
	}

	trail := st.Trail()
	require.Len(t, trail, 3)
	assert.Equal(t, 2.0, trail[0].X, "oldest entries are dropped")
	assert.Equal(t, 4.0, trail[2].X)

	st.ClearTrail()
	assert.Empty(t, st.Trail())
	assert.True(t, st.HasSnapshot(), "clearing the trail keeps the snapshot")
}

func TestStateTracker_Subscribe(t *testing.T) {
	st := NewStateTracker()
	ch, cancel := st.Subscribe(1)

	st.Update(testSnapshot())
	select {
	case snap := <-ch:
		assert.Equal(t, 1215.0, snap.Estimate.Position.X)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the update")
	}

	// a full buffer drops updates instead of blocking
	st.Update(testSnapshot())
	st.Update(testSnapshot())

	cancel()
	cancel()
	for range ch {
	}
	assert.Empty(t, st.subscribers)
}

func TestStateTracker_PoseCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "last_pose.json")
	st := NewStateTrackerWithCache(path)
	st.Update(testSnapshot())

	est, err := LoadLastPose(path)
	require.NoError(t, err)
	assert.Equal(t, testSnapshot().Estimate, *est)

	_, err = LoadLastPose(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("[]"), 0644))
	_, err = LoadLastPose(path)
	assert.Error(t, err)
}
