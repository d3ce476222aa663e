package loc

import (
	"encoding/json"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func featuresByLayer(t *testing.T, snap *Snapshot, trail []TrailPoint) map[string][]orb.Geometry {
	t.Helper()
	fc := FieldFeatures(newBoxField(t, 2000, 1000), snap, trail)
	out := make(map[string][]orb.Geometry)
	for _, f := range fc.Features {
		layer, _ := f.Properties["layer"].(string)
		out[layer] = append(out[layer], f.Geometry)
	}
	return out
}

func TestFieldFeatures_FieldOnly(t *testing.T) {
	layers := featuresByLayer(t, nil, nil)

	require.Len(t, layers["field"], 1)
	poly, ok := layers["field"][0].(orb.Polygon)
	require.True(t, ok)
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2000, 1000}}, poly.Bound())

	assert.Len(t, layers["wall"], 4)
	assert.Empty(t, layers["robot"])
	assert.Empty(t, layers["trail"], "a single point is not a trail")
}

func TestFieldFeatures_RobotAndRays(t *testing.T) {
	fc := FieldFeatures(newBoxField(t, 2000, 1000), renderSnapshot(), renderTrail())

	var robot, trail bool
	rays := 0
	for _, f := range fc.Features {
		switch f.Properties["layer"] {
		case "robot":
			robot = true
			assert.Equal(t, "robot", f.ID)
			assert.Equal(t, orb.Point{1000, 500}, f.Geometry)
			assert.Equal(t, true, f.Properties["validated"])
		case "trail":
			trail = true
			ls := f.Geometry.(orb.LineString)
			assert.Len(t, ls, 3, "collinear trail points are simplified away")
			assert.Equal(t, 4, f.Properties["points"])
			assert.InDelta(t, 300, f.Properties["length"].(float64), 1e-9)
		case "ray":
			rays++
			if f.Properties["sensor"] == "front" {
				ls := f.Geometry.(orb.LineString)
				assert.InDelta(t, 2000, ls[1][0], 1e-9)
			}
		}
	}
	assert.True(t, robot)
	assert.True(t, trail)
	assert.Equal(t, 2, rays, "unhealthy sensors have no ray")

	data, err := json.Marshal(fc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"FeatureCollection"`)
	assert.Contains(t, string(data), `"wall-0"`)
}
