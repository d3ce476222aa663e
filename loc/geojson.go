package loc

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// trailSimplifyTolerance is the Douglas-Peucker threshold for exported
// trails, in mm
const trailSimplifyTolerance = 5.0

func toOrb(p Point) orb.Point {
	return orb.Point{p.X, p.Y}
}

// FieldFeatures exports the field walls, the current pose and the recent
// trail as a GeoJSON FeatureCollection in field millimeters.
func FieldFeatures(field *FieldMap, snap *Snapshot, trail []TrailPoint) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	boundary := geojson.NewFeature(field.Bound().ToPolygon())
	boundary.Properties["layer"] = "field"
	boundary.Properties["width"] = field.Width()
	boundary.Properties["height"] = field.Height()
	fc.Append(boundary)

	for i, w := range field.Walls() {
		a, b := w.Endpoints()
		f := geojson.NewFeature(orb.LineString{toOrb(a), toOrb(b)})
		f.ID = fmt.Sprintf("wall-%d", i)
		f.Properties["layer"] = "wall"
		f.Properties["orientation"] = string(w.Type)
		fc.Append(f)
	}

	if len(trail) > 1 {
		ls := make(orb.LineString, len(trail))
		for i, tp := range trail {
			ls[i] = orb.Point{tp.X, tp.Y}
		}
		simplified := simplify.DouglasPeucker(trailSimplifyTolerance).LineString(ls.Clone())
		f := geojson.NewFeature(simplified)
		f.Properties["layer"] = "trail"
		f.Properties["points"] = len(trail)
		f.Properties["length"] = planar.Length(ls)
		fc.Append(f)
	}

	if snap != nil {
		pos := snap.Estimate.Position
		f := geojson.NewFeature(toOrb(pos))
		f.ID = "robot"
		f.Properties["layer"] = "robot"
		f.Properties["heading"] = snap.Estimate.HeadingDegrees()
		f.Properties["confidence"] = snap.Estimate.Confidence
		f.Properties["error"] = snap.Error
		f.Properties["validated"] = snap.Validated
		fc.Append(f)

		for _, s := range snap.Sensors {
			if !s.Healthy {
				continue
			}
			end := RayEnd(pos, snap.Estimate.Heading+Radians(s.Angle), s.Distance)
			rf := geojson.NewFeature(orb.LineString{toOrb(pos), toOrb(end)})
			rf.Properties["layer"] = "ray"
			rf.Properties["sensor"] = s.Name
			rf.Properties["distance"] = s.Distance
			rf.Properties["valid"] = s.Valid
			fc.Append(rf)
		}
	}

	return fc
}
