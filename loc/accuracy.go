package loc

import (
	"math"
	"sort"
)

// Accuracy levels by mean per-sensor error in mm
const (
	AccuracyExcellent = "excellent"
	AccuracyGood      = "good"
	AccuracyFair      = "fair"
	AccuracyPoor      = "poor"
	AccuracyUnknown   = "unknown"
)

// ClassifyAccuracy buckets a mean per-sensor error
func ClassifyAccuracy(meanError float64) string {
	switch {
	case meanError < 50:
		return AccuracyExcellent
	case meanError < 100:
		return AccuracyGood
	case meanError < 200:
		return AccuracyFair
	default:
		return AccuracyPoor
	}
}

// AccuracyReport summarizes how well the current pose explains the readings
type AccuracyReport struct {
	Level        string  `json:"level"`
	MeanError    float64 `json:"meanError"`
	TotalError   float64 `json:"totalError"`
	Confidence   float64 `json:"confidence"`
	ValidSensors int     `json:"validSensors"`
}

// Accuracy derives an accuracy report from a snapshot
func Accuracy(snap Snapshot) AccuracyReport {
	r := AccuracyReport{
		Level:        AccuracyUnknown,
		TotalError:   snap.Error,
		Confidence:   snap.Estimate.Confidence,
		ValidSensors: snap.ValidSensors,
	}
	if snap.ValidSensors == 0 || !snap.Initialized {
		return r
	}
	r.MeanError = snap.Error / float64(snap.ValidSensors)
	r.Level = ClassifyAccuracy(r.MeanError)
	return r
}

// EdgeDistances holds the distance from a point to each field edge
type EdgeDistances struct {
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Top    float64 `json:"top"`
}

// BoundsReport describes where a position sits relative to the field edges
type BoundsReport struct {
	InBounds        bool          `json:"inBounds"`
	Edges           EdgeDistances `json:"edges"`
	NearestEdge     string        `json:"nearestEdge"`
	NearestDistance float64       `json:"nearestDistance"`
}

// CheckBounds reports whether p is inside the field and how far each edge is
func CheckBounds(field *FieldMap, p Point) BoundsReport {
	left, right, bottom, top := field.EdgeDistances(p)
	r := BoundsReport{
		InBounds: field.Contains(p, 0),
		Edges:    EdgeDistances{Left: left, Right: right, Bottom: bottom, Top: top},
	}

	r.NearestEdge, r.NearestDistance = "left", left
	for _, e := range []struct {
		name string
		d    float64
	}{{"right", right}, {"bottom", bottom}, {"top", top}} {
		if e.d < r.NearestDistance {
			r.NearestEdge, r.NearestDistance = e.name, e.d
		}
	}
	return r
}

// SensorHealth counts responsive and in-range sensors
type SensorHealth struct {
	Total          int      `json:"total"`
	Healthy        int      `json:"healthy"`
	Valid          int      `json:"valid"`
	HealthyPercent float64  `json:"healthyPercent"`
	Unhealthy      []string `json:"unhealthy,omitempty"`
}

// Health derives sensor health from a snapshot
func Health(snap Snapshot) SensorHealth {
	h := SensorHealth{Total: len(snap.Sensors), Healthy: snap.HealthySensors, Valid: snap.ValidSensors}
	if h.Total > 0 {
		h.HealthyPercent = math.Round(1000*float64(h.Healthy)/float64(h.Total)) / 10
	}
	for _, s := range snap.Sensors {
		if !s.Healthy {
			h.Unhealthy = append(h.Unhealthy, s.Name)
		}
	}
	return h
}

// ClosestReading is the valid sensor reporting the shortest distance
type ClosestReading struct {
	Name      string  `json:"name"`
	Distance  float64 `json:"distance"`
	Direction string  `json:"direction"`
}

// ClosestSensor returns the valid sensor with the shortest reading
func ClosestSensor(snap Snapshot) (ClosestReading, bool) {
	ranked := RankSensors(snap)
	if len(ranked) == 0 || !ranked[0].Valid {
		return ClosestReading{}, false
	}
	s := ranked[0]
	return ClosestReading{
		Name:      s.Name,
		Distance:  s.Distance,
		Direction: DirectionName(Radians(s.Angle)),
	}, true
}

// RankSensors orders sensors by distance, valid readings first
func RankSensors(snap Snapshot) []SensorStatus {
	out := make([]SensorStatus, len(snap.Sensors))
	copy(out, snap.Sensors)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Valid != out[j].Valid {
			return out[i].Valid
		}
		return out[i].Distance < out[j].Distance
	})
	return out
}
