package loc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFitSensor(t *testing.T) {
	t.Run("linear fit", func(t *testing.T) {
		raw := []float64{100, 200, 300, 400}
		truth := make([]float64, len(raw))
		for i, r := range raw {
			truth[i] = 1.05*r - 12
		}

		sc, err := FitSensor(raw, truth)
		require.NoError(t, err)
		assert.InDelta(t, 1.05, sc.Scale, 1e-9)
		assert.InDelta(t, -12, sc.Offset, 1e-9)
		assert.Equal(t, 4, sc.Samples)
	})

	t.Run("offset only when raw values repeat", func(t *testing.T) {
		sc, err := FitSensor([]float64{500, 500}, []float64{520, 530})
		require.NoError(t, err)
		assert.Equal(t, 1.0, sc.Scale)
		assert.InDelta(t, 25, sc.Offset, 1e-9)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := FitSensor(nil, nil)
		assert.Error(t, err)
		_, err = FitSensor([]float64{1}, []float64{1, 2})
		assert.Error(t, err)
	})
}

func TestCalibration_Apply(t *testing.T) {
	var nilCal *Calibration
	assert.Equal(t, 123.0, nilCal.Apply("front", 123))
	assert.Nil(t, nilCal.Names())

	cal := &Calibration{Sensors: map[string]SensorCalibration{
		"front": {Scale: 2, Offset: 10},
		"left":  {Scale: 0, Offset: 99},
	}}
	assert.Equal(t, 210.0, cal.Apply("front", 100))
	assert.Equal(t, 100.0, cal.Apply("left", 100), "zero scale is treated as uncalibrated")
	assert.Equal(t, 100.0, cal.Apply("back", 100))
	assert.Equal(t, []string{"front", "left"}, cal.Names())
}

func TestCalibrate_RecoversBias(t *testing.T) {
	f := defaultField(t)
	rc := NewRayCaster(f, DefaultMaxDistance)
	sensors := defaultDescriptors()

	var samples []CalibrationSample
	for _, p := range []Point{{X: 1215, Y: 910}, {X: 500, Y: 500}, {X: 1800, Y: 1200}, {X: 900, Y: 1400}} {
		raw := make([]float64, len(sensors))
		for i, s := range sensors {
			truth := rc.CastSensor(p, 0, s.Angle)
			raw[i] = (truth + 30) / 1.02
		}
		samples = append(samples, CalibrationSample{Position: p, Raw: raw})
	}

	cal, err := Calibrate(rc, sensors, samples)
	require.NoError(t, err)
	require.Len(t, cal.Sensors, len(sensors))

	for _, s := range sensors {
		sc := cal.Sensors[s.Name]
		assert.InDelta(t, 1.02, sc.Scale, 1e-6, s.Name)
		assert.InDelta(t, -30, sc.Offset, 1e-3, s.Name)

		corrected := cal.Apply(s.Name, (1000+30)/1.02)
		assert.InDelta(t, 1000, corrected, 1e-3)
	}
}

func TestCalibrate_SkipsMissingReadings(t *testing.T) {
	f := newBoxField(t, 2000, 1000)
	rc := NewRayCaster(f, 5000)
	sensors := []SensorDescriptor{{Name: "east", Angle: 0}, {Name: "west", Angle: 3.141592653589793}}

	samples := []CalibrationSample{
		{Position: Point{X: 500, Y: 500}, Raw: []float64{1500, 0}},
		{Position: Point{X: 1000, Y: 500}, Raw: []float64{1000}},
	}
	cal, err := Calibrate(rc, sensors, samples)
	require.NoError(t, err)
	assert.Equal(t, []string{"east"}, cal.Names())

	_, err = Calibrate(rc, sensors, nil)
	assert.Error(t, err)

	_, err = Calibrate(rc, sensors, []CalibrationSample{{Raw: []float64{0, 0}}})
	assert.Error(t, err)
}

func TestCalibration_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "cal.json")

	cal, err := LoadCalibration(path)
	require.NoError(t, err)
	assert.Nil(t, cal, "missing file yields no calibration")

	want := &Calibration{Sensors: map[string]SensorCalibration{
		"front": {Scale: 1.01, Offset: -4, Samples: 5},
		"back":  {Scale: 0.99, Offset: 2, Samples: 5},
	}}
	require.NoError(t, SaveCalibration(path, want))
	assert.NotZero(t, want.LastUpdated)

	got, err := LoadCalibration(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("calibration round trip mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = LoadCalibration(path)
	assert.Error(t, err)
}
