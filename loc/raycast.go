package loc

import (
	"math"
)

// parallelEpsilon is the direction component below which a ray is treated
// as parallel to a wall.
const parallelEpsilon = 1e-6

// RayCaster predicts sensor distances against a field map
type RayCaster struct {
	field       *FieldMap
	maxDistance float64
}

// NewRayCaster creates a caster that reports maxDistance when a ray hits
// nothing.
func NewRayCaster(field *FieldMap, maxDistance float64) *RayCaster {
	return &RayCaster{field: field, maxDistance: maxDistance}
}

// Field returns the map the caster reads
func (rc *RayCaster) Field() *FieldMap { return rc.field }

// MaxDistance returns the no-hit distance
func (rc *RayCaster) MaxDistance() float64 { return rc.maxDistance }

// Cast returns the distance from origin along worldAngle (radians) to the
// nearest wall strictly in front of the origin.
func (rc *RayCaster) Cast(origin Point, worldAngle float64) float64 {
	dx := math.Cos(worldAngle)
	dy := math.Sin(worldAngle)

	best := math.Inf(1)
	for i := range rc.field.walls {
		if t, ok := intersect(&rc.field.walls[i], origin, dx, dy); ok && t < best {
			best = t
		}
	}

	if math.IsInf(best, 1) {
		return rc.maxDistance
	}
	return best
}

// CastSensor predicts the reading of a sensor mounted at sensorAngle on a
// robot at position with the given heading.
func (rc *RayCaster) CastSensor(position Point, heading, sensorAngle float64) float64 {
	return rc.Cast(position, heading+sensorAngle)
}

// intersect returns the ray parameter t of the hit with a wall, if any.
func intersect(w *WallSegment, o Point, dx, dy float64) (float64, bool) {
	switch w.Type {
	case WallVertical:
		if math.Abs(dx) < parallelEpsilon {
			return 0, false
		}
		t := (w.X - o.X) / dx
		if t <= 0 {
			return 0, false
		}
		y := o.Y + t*dy
		if y < w.YMin || y > w.YMax {
			return 0, false
		}
		return t, true
	case WallHorizontal:
		if math.Abs(dy) < parallelEpsilon {
			return 0, false
		}
		t := (w.Y - o.Y) / dy
		if t <= 0 {
			return 0, false
		}
		x := o.X + t*dx
		if x < w.XMin || x > w.XMax {
			return 0, false
		}
		return t, true
	}
	return 0, false
}
