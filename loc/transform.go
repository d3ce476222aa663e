package loc

import "math"

// NormalizeAngle normalizes an angle in degrees to the range [0, 360).
func NormalizeAngle(degrees float64) float64 {
	degrees = math.Mod(degrees, 360)
	if degrees < 0 {
		degrees += 360
	}
	return degrees
}

// NormalizeRadians normalizes an angle in radians to the range [0, 2π).
func NormalizeRadians(rad float64) float64 {
	rad = math.Mod(rad, 2*math.Pi)
	if rad < 0 {
		rad += 2 * math.Pi
	}
	return rad
}

// AngleDiff returns the signed smallest difference a-b in radians, (-π, π]
func AngleDiff(a, b float64) float64 {
	d := NormalizeRadians(a - b)
	if d > math.Pi {
		d -= 2 * math.Pi
	}
	return d
}

// Radians converts degrees to radians
func Radians(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// Degrees converts radians to degrees
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// Distance returns the Euclidean distance between two points
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Clamp limits v to [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// RayEnd returns the point at distance d from origin along angle (radians)
func RayEnd(origin Point, angle, d float64) Point {
	return Point{
		X: origin.X + d*math.Cos(angle),
		Y: origin.Y + d*math.Sin(angle),
	}
}

var directionNames = [8]string{
	"Front", "Front-Left", "Left", "Back-Left",
	"Back", "Back-Right", "Right", "Front-Right",
}

// DirectionName maps a robot-relative angle (radians, CCW from forward) to
// one of eight 45° sectors centered on the forward axis.
func DirectionName(angle float64) string {
	deg := NormalizeAngle(Degrees(angle))
	sector := int(math.Floor((deg+22.5)/45)) % 8
	return directionNames[sector]
}
