package loc

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAll(t *testing.T) {
	f := newBoxField(t, 2000, 1000)
	rc := NewRayCaster(f, 5000)
	sensors := []SensorDescriptor{
		{Name: "east", Angle: 0},
		{Name: "north", Angle: math.Pi / 2},
		{Name: "west", Angle: math.Pi},
		{Name: "south", Angle: 3 * math.Pi / 2},
	}
	sim := NewSimSource(rc, sensors, Point{X: 300, Y: 500}, 0, 0, 7)
	sim.SetFailed(1, true)
	sim.SetStalled(2, true)

	start := time.Now()
	readings := ReadAll(context.Background(), sim, 20*time.Millisecond, 40, 1500, nil)
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, readings, 4)
	// 1700 mm is healthy but beyond the sensing range
	assert.Equal(t, Reading{Distance: 1700, Valid: false, Healthy: true}, readings[0])
	assert.Equal(t, Reading{}, readings[1], "failed read")
	assert.Equal(t, Reading{}, readings[2], "timed out read")
	assert.InDelta(t, 500, readings[3].Distance, 1e-9)
	assert.True(t, readings[3].Valid)

	valid, healthy := CountReadings(readings)
	assert.Equal(t, 1, valid)
	assert.Equal(t, 2, healthy)
}

// hungSource blocks every read until release is closed, ignoring ctx
type hungSource struct {
	sensors []SensorDescriptor
	release chan struct{}
	calls   atomic.Int32
}

func (h *hungSource) Sensors() []SensorDescriptor { return h.sensors }

func (h *hungSource) ReadDistance(context.Context, int) (float64, error) {
	h.calls.Add(1)
	<-h.release
	return 500, nil
}

func (h *hungSource) Heading(context.Context) (float64, error) {
	h.calls.Add(1)
	<-h.release
	return 1, nil
}

func TestReadAll_HungSensorKeepsOneRead(t *testing.T) {
	src := &hungSource{sensors: []SensorDescriptor{{Name: "front"}}, release: make(chan struct{})}
	guard := newInflight()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		readings := readAll(ctx, src, guard, 5*time.Millisecond, 40, 2000, nil)
		assert.Equal(t, Reading{}, readings[0], "cycle %d", i)
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load(), "a stuck read is not started again")
	assert.True(t, guard.running(0))

	close(src.release)
	require.Eventually(t, func() bool { return !guard.running(0) }, time.Second, time.Millisecond)

	readings := readAll(ctx, src, guard, 50*time.Millisecond, 40, 2000, nil)
	assert.Equal(t, Reading{Distance: 500, Valid: true, Healthy: true}, readings[0])
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestReadWithTimeout_HungHeading(t *testing.T) {
	src := &hungSource{release: make(chan struct{})}
	guard := newInflight()

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		_, err := readWithTimeout(ctx, guard, headingReadKey, ErrNoHeading, src.Heading)
		cancel()
		assert.ErrorIs(t, err, ErrNoHeading)
	}
	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)

	close(src.release)
	require.Eventually(t, func() bool { return !guard.running(headingReadKey) }, time.Second, time.Millisecond)

	h, err := readWithTimeout(context.Background(), guard, headingReadKey, ErrNoHeading, src.Heading)
	require.NoError(t, err)
	assert.Equal(t, 1.0, h)
}

func TestReadAll_AppliesCalibration(t *testing.T) {
	lv := NewLatestValues([]SensorDescriptor{{Name: "a"}, {Name: "b"}})
	require.NoError(t, lv.SetDistance(0, 100))
	require.NoError(t, lv.SetDistance(1, 100))

	cal := &Calibration{Sensors: map[string]SensorCalibration{"a": {Scale: 1, Offset: 25}}}
	readings := ReadAll(context.Background(), lv, 0, 40, 2000, cal)
	assert.Equal(t, 125.0, readings[0].Distance)
	assert.Equal(t, 100.0, readings[1].Distance)
}

func TestLatestValues(t *testing.T) {
	lv := NewLatestValues([]SensorDescriptor{{Name: "front"}, {Name: "back"}})
	ctx := context.Background()

	_, err := lv.ReadDistance(ctx, 0)
	assert.ErrorIs(t, err, ErrNoSample)
	_, err = lv.ReadDistance(ctx, 5)
	assert.Error(t, err)
	_, err = lv.Heading(ctx)
	assert.ErrorIs(t, err, ErrNoHeading)

	require.NoError(t, lv.SetDistanceByName("back", 420))
	assert.Error(t, lv.SetDistanceByName("side", 1))
	assert.Error(t, lv.SetDistance(-1, 1))

	d, err := lv.ReadDistance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 420.0, d)

	// repeated reads return the last sample
	d, err = lv.ReadDistance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 420.0, d)
}

func TestLatestValues_HeadingIsRelativeToFirstSample(t *testing.T) {
	lv := NewLatestValues(nil)
	ctx := context.Background()

	lv.SetAbsoluteHeading(Radians(350))
	h, err := lv.Heading(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0, h, 1e-12)

	lv.SetAbsoluteHeading(Radians(20))
	h, err = lv.Heading(ctx)
	require.NoError(t, err)
	assert.InDelta(t, Radians(30), h, 1e-9)
}

func TestStaticHeading(t *testing.T) {
	h, err := StaticHeading(1.5).Heading(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, h)
}

// ---------------------------------------------------------------------------
// SimSource
// ---------------------------------------------------------------------------

func TestSimSource(t *testing.T) {
	f := newBoxField(t, 2000, 1000)
	rc := NewRayCaster(f, 5000)
	sensors := []SensorDescriptor{{Name: "east", Angle: 0}}
	sim := NewSimSource(rc, sensors, Point{X: 500, Y: 500}, 0, 0, 1)
	ctx := context.Background()

	d, err := sim.ReadDistance(ctx, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1500, d, 1e-9)

	sim.SetBias(-2000)
	d, err = sim.ReadDistance(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, d, "negative distances clamp to zero")
	sim.SetBias(0)

	sim.SetOverride(0, 77)
	d, _ = sim.ReadDistance(ctx, 0)
	assert.Equal(t, 77.0, d)
	sim.ClearOverrides()

	sim.SetPose(Point{X: 1500, Y: 500}, math.Pi)
	p, h := sim.Pose()
	assert.Equal(t, Point{X: 1500, Y: 500}, p)
	assert.Equal(t, math.Pi, h)
	d, _ = sim.ReadDistance(ctx, 0)
	assert.InDelta(t, 1500, d, 1e-9)

	_, err = sim.ReadDistance(ctx, 3)
	assert.Error(t, err)

	sim.SetHeadingAvailable(false)
	_, err = sim.Heading(ctx)
	assert.True(t, errors.Is(err, ErrNoHeading))
}

func TestSimSource_NoiseIsSeeded(t *testing.T) {
	f := newBoxField(t, 2000, 1000)
	rc := NewRayCaster(f, 5000)
	sensors := []SensorDescriptor{{Name: "east", Angle: 0}}

	a := NewSimSource(rc, sensors, Point{X: 500, Y: 500}, 0, 10, 99)
	b := NewSimSource(rc, sensors, Point{X: 500, Y: 500}, 0, 10, 99)
	for i := 0; i < 5; i++ {
		da, _ := a.ReadDistance(context.Background(), 0)
		db, _ := b.ReadDistance(context.Background(), 0)
		assert.Equal(t, da, db)
		assert.InDelta(t, 1500, da, 80)
	}
}
