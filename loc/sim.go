package loc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// SimSource synthesizes sensor readings by ray casting from a true pose and
// adding Gaussian noise. It implements DistanceSource and OrientationSource
// and can inject failures, stalls and a constant bias.
type SimSource struct {
	mu        sync.Mutex
	caster    *RayCaster
	sensors   []SensorDescriptor
	pose      Point
	heading   float64
	bias      float64
	noise     distuv.Normal
	failed    map[int]bool
	stalled   map[int]bool
	overrides map[int]float64
	noHeading bool
}

// NewSimSource creates a simulator at pose with the given noise sigma (mm)
func NewSimSource(caster *RayCaster, sensors []SensorDescriptor, pose Point, heading, sigma float64, seed uint64) *SimSource {
	return &SimSource{
		caster:  caster,
		sensors: sensors,
		pose:    pose,
		heading: heading,
		noise: distuv.Normal{
			Mu:    0,
			Sigma: sigma,
			Src:   rand.NewPCG(seed, seed^0x9e3779b97f4a7c15),
		},
		failed:    make(map[int]bool),
		stalled:   make(map[int]bool),
		overrides: make(map[int]float64),
	}
}

// Sensors returns the simulated sensor descriptors
func (s *SimSource) Sensors() []SensorDescriptor { return s.sensors }

// SetPose moves the simulated robot
func (s *SimSource) SetPose(p Point, heading float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = p
	s.heading = heading
}

// Pose returns the true simulated pose
func (s *SimSource) Pose() (Point, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pose, s.heading
}

// SetBias adds a constant offset to every reading
func (s *SimSource) SetBias(mm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bias = mm
}

// SetFailed makes a sensor return an error
func (s *SimSource) SetFailed(index int, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[index] = failed
}

// SetStalled makes a sensor block until its read is abandoned
func (s *SimSource) SetStalled(index int, stalled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled[index] = stalled
}

// SetOverride pins a sensor to a fixed reading
func (s *SimSource) SetOverride(index int, mm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[index] = mm
}

// ClearOverrides removes all pinned readings
func (s *SimSource) ClearOverrides() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = make(map[int]float64)
}

// SetHeadingAvailable toggles the orientation source
func (s *SimSource) SetHeadingAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noHeading = !ok
}

// ReadDistance returns the simulated distance for sensor index
func (s *SimSource) ReadDistance(ctx context.Context, index int) (float64, error) {
	s.mu.Lock()
	if index < 0 || index >= len(s.sensors) {
		s.mu.Unlock()
		return 0, fmt.Errorf("sensor index %d out of range", index)
	}
	if s.stalled[index] {
		s.mu.Unlock()
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if s.failed[index] {
		s.mu.Unlock()
		return 0, fmt.Errorf("sensor %s not responding", s.sensors[index].Name)
	}
	if v, ok := s.overrides[index]; ok {
		s.mu.Unlock()
		return v, nil
	}

	d := s.caster.CastSensor(s.pose, s.heading, s.sensors[index].Angle) + s.bias + s.noise.Rand()
	s.mu.Unlock()

	if d < 0 {
		d = 0
	}
	return d, nil
}

// Heading returns the simulated heading
func (s *SimSource) Heading(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noHeading {
		return 0, ErrNoHeading
	}
	return s.heading, nil
}
