package loc

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Default field geometry in millimeters
const (
	DefaultFieldWidth  = 2430.0
	DefaultFieldHeight = 1820.0
	DefaultGoalWidth   = 600.0
	DefaultGoalDepth   = 74.0
)

// FieldMap is the immutable set of walls the robot can see, plus the
// rectangle the robot is confined to. It is safe for concurrent reads.
type FieldMap struct {
	width  float64
	height float64
	walls  []WallSegment
}

// NewFieldMap validates the wall set and builds a field map.
// An empty wall list is a configuration error.
func NewFieldMap(width, height float64, walls []WallSegment) (*FieldMap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("field dimensions must be positive, got %.0fx%.0f", width, height)
	}
	if len(walls) == 0 {
		return nil, fmt.Errorf("field must define at least one wall")
	}

	for i, w := range walls {
		switch w.Type {
		case WallVertical:
			if w.YMin > w.YMax {
				return nil, fmt.Errorf("wall[%d]: yMin %.1f > yMax %.1f", i, w.YMin, w.YMax)
			}
		case WallHorizontal:
			if w.XMin > w.XMax {
				return nil, fmt.Errorf("wall[%d]: xMin %.1f > xMax %.1f", i, w.XMin, w.XMax)
			}
		default:
			return nil, fmt.Errorf("wall[%d]: unknown type %q", i, w.Type)
		}
	}

	copied := make([]WallSegment, len(walls))
	copy(copied, walls)
	return &FieldMap{width: width, height: height, walls: copied}, nil
}

// NewFieldMapFromConfig builds the field map described by a config
func NewFieldMapFromConfig(fc FieldConfig) (*FieldMap, error) {
	return NewFieldMap(fc.Width, fc.Height, fc.Walls)
}

// Width returns the field width in mm
func (f *FieldMap) Width() float64 { return f.width }

// Height returns the field height in mm
func (f *FieldMap) Height() float64 { return f.height }

// Walls returns a copy of the wall segments
func (f *FieldMap) Walls() []WallSegment {
	out := make([]WallSegment, len(f.walls))
	copy(out, f.walls)
	return out
}

// Center returns the middle of the field
func (f *FieldMap) Center() Point {
	return Point{X: f.width / 2, Y: f.height / 2}
}

// Bound returns the playable rectangle
func (f *FieldMap) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{f.width, f.height}}
}

// Contains reports whether p lies inside the field expanded by margin on
// every side.
func (f *FieldMap) Contains(p Point, margin float64) bool {
	return f.Bound().Pad(margin).Contains(orb.Point{p.X, p.Y})
}

// ClampToField pulls a point back inside the playable rectangle
func (f *FieldMap) ClampToField(p Point) Point {
	return Point{X: Clamp(p.X, 0, f.width), Y: Clamp(p.Y, 0, f.height)}
}

// EdgeDistances returns the distance from p to the left, right, bottom and
// top edges of the field.
func (f *FieldMap) EdgeDistances(p Point) (left, right, bottom, top float64) {
	return p.X, f.width - p.X, p.Y, f.height - p.Y
}

// MinDimension returns the smaller of width and height
func (f *FieldMap) MinDimension() float64 {
	return math.Min(f.width, f.height)
}

// DefaultWalls builds a rectangular boundary with a goal recess centered on
// the left and right walls. Each recess leaves a gap in the side wall, a back
// wall goalDepth behind it, and two goal-side walls.
func DefaultWalls(width, height, goalWidth, goalDepth float64) []WallSegment {
	goalLow := (height - goalWidth) / 2
	goalHigh := (height + goalWidth) / 2

	walls := []WallSegment{
		{Type: WallHorizontal, Y: 0, XMin: 0, XMax: width},
		{Type: WallHorizontal, Y: height, XMin: 0, XMax: width},
	}

	if goalWidth <= 0 || goalWidth >= height {
		return append(walls,
			WallSegment{Type: WallVertical, X: 0, YMin: 0, YMax: height},
			WallSegment{Type: WallVertical, X: width, YMin: 0, YMax: height},
		)
	}

	for _, side := range []struct{ x, back float64 }{
		{x: 0, back: -goalDepth},
		{x: width, back: width + goalDepth},
	} {
		walls = append(walls,
			WallSegment{Type: WallVertical, X: side.x, YMin: 0, YMax: goalLow},
			WallSegment{Type: WallVertical, X: side.x, YMin: goalHigh, YMax: height},
			WallSegment{Type: WallVertical, X: side.back, YMin: goalLow, YMax: goalHigh},
			WallSegment{Type: WallHorizontal, Y: goalLow, XMin: math.Min(side.x, side.back), XMax: math.Max(side.x, side.back)},
			WallSegment{Type: WallHorizontal, Y: goalHigh, XMin: math.Min(side.x, side.back), XMax: math.Max(side.x, side.back)},
		)
	}
	return walls
}
