package loc

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orthogonalSensors() []SensorDescriptor {
	return []SensorDescriptor{
		{Name: "east", Angle: 0},
		{Name: "north", Angle: math.Pi / 2},
		{Name: "west", Angle: math.Pi},
		{Name: "south", Angle: 3 * math.Pi / 2},
	}
}

func TestErrorSurface(t *testing.T) {
	rc := NewRayCaster(newBoxField(t, 2000, 1000), 5000)
	sensors := orthogonalSensors()
	truth := Point{X: 550, Y: 450}
	model := NewErrorModel(rc, sensors, syntheticReadings(rc, sensors, truth, 0))

	s := NewErrorSurface(model, 0, 100)
	c, r := s.Dims()
	assert.Equal(t, 20, c)
	assert.Equal(t, 10, r)
	assert.Equal(t, 50.0, s.X(0))
	assert.Equal(t, 950.0, s.Y(9))

	at, minErr := s.Minimum()
	assert.Equal(t, truth, at)
	assert.InDelta(t, 0, minErr, 1e-9)
	assert.InDelta(t, 0, s.Z(5, 4), 1e-9)
	assert.Greater(t, s.Z(19, 9), 1000.0)
}

func TestSaveErrorPlot(t *testing.T) {
	rc := NewRayCaster(newBoxField(t, 2000, 1000), 5000)
	sensors := orthogonalSensors()
	truth := Point{X: 550, Y: 450}
	model := NewErrorModel(rc, sensors, syntheticReadings(rc, sensors, truth, 0))
	s := NewErrorSurface(model, 0, 200)

	path := filepath.Join(t.TempDir(), "surface.png")
	estimate := Point{X: 560, Y: 440}
	require.NoError(t, SaveErrorPlot(s, &estimate, &truth, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	assert.Error(t, SaveErrorPlot(s, nil, nil, filepath.Join(t.TempDir(), "surface.unknown")))
}
