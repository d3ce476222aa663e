package loc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultReadTimeout bounds a single sensor read
const DefaultReadTimeout = 20 * time.Millisecond

var (
	// ErrSensorTimeout is returned when a sensor does not answer in time
	ErrSensorTimeout = errors.New("sensor read timed out")
	// ErrNoSample is returned by sources that have not produced a value yet
	ErrNoSample = errors.New("no sample available")
	// ErrNoHeading is returned when the orientation source cannot report
	ErrNoHeading = errors.New("heading unavailable")
)

// DistanceSource produces one distance per sensor. When no new sample is
// available a source returns the last valid reading it has.
type DistanceSource interface {
	Sensors() []SensorDescriptor
	ReadDistance(ctx context.Context, index int) (float64, error)
}

// OrientationSource produces the robot heading in radians, relative to its
// orientation at startup.
type OrientationSource interface {
	Heading(ctx context.Context) (float64, error)
}

// inflight marks reads that outlived their deadline. A source that ignores
// ctx then holds at most one goroutine per key, and later reads of that key
// fail fast until the stuck one returns. A nil *inflight guards nothing.
type inflight struct {
	mu   sync.Mutex
	busy map[int]bool
}

func newInflight() *inflight {
	return &inflight{busy: make(map[int]bool)}
}

func (f *inflight) acquire(key int) bool {
	if f == nil {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[key] {
		return false
	}
	f.busy[key] = true
	return true
}

func (f *inflight) release(key int) {
	if f == nil {
		return
	}
	f.mu.Lock()
	delete(f.busy, key)
	f.mu.Unlock()
}

// running reports whether a read for key has not returned yet
func (f *inflight) running(key int) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[key]
}

// readWithTimeout runs read, abandoning it with stuck when ctx expires or
// when the previous read of key has not returned yet.
func readWithTimeout(ctx context.Context, guard *inflight, key int, stuck error, read func(context.Context) (float64, error)) (float64, error) {
	if !guard.acquire(key) {
		return 0, stuck
	}

	type result struct {
		v   float64
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := read(ctx)
		guard.release(key)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return 0, stuck
	}
}

// ReadAll reads every sensor in parallel, each bounded by timeout. Readings
// outside [minDist, maxDist] are marked invalid; failed or timed-out reads
// are invalid and unhealthy. The result is index-aligned with src.Sensors().
func ReadAll(ctx context.Context, src DistanceSource, timeout time.Duration, minDist, maxDist float64, cal *Calibration) []Reading {
	return readAll(ctx, src, nil, timeout, minDist, maxDist, cal)
}

func readAll(ctx context.Context, src DistanceSource, guard *inflight, timeout time.Duration, minDist, maxDist float64, cal *Calibration) []Reading {
	sensors := src.Sensors()
	readings := make([]Reading, len(sensors))
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}

	var g errgroup.Group
	for i, s := range sensors {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			d, err := readWithTimeout(rctx, guard, i, ErrSensorTimeout, func(ctx context.Context) (float64, error) {
				return src.ReadDistance(ctx, i)
			})
			if err != nil {
				readings[i] = Reading{}
				return nil
			}
			d = cal.Apply(s.Name, d)
			readings[i] = Reading{
				Distance: d,
				Healthy:  true,
				Valid:    d >= minDist && d <= maxDist,
			}
			return nil
		})
	}
	_ = g.Wait()

	return readings
}

// CountReadings returns the number of valid and healthy readings
func CountReadings(readings []Reading) (valid, healthy int) {
	for _, r := range readings {
		if r.Valid {
			valid++
		}
		if r.Healthy {
			healthy++
		}
	}
	return valid, healthy
}

// StaticHeading is an orientation source with a fixed heading
type StaticHeading float64

// Heading returns the fixed heading
func (h StaticHeading) Heading(context.Context) (float64, error) {
	return float64(h), nil
}

// LatestValues is a DistanceSource and OrientationSource backed by pushed
// samples. Transports that deliver readings asynchronously (MQTT, serial)
// store into it; the control loop reads the latest value of each sensor.
type LatestValues struct {
	mu         sync.RWMutex
	sensors    []SensorDescriptor
	index      map[string]int
	distances  []float64
	seen       []bool
	heading    float64
	hasHeading bool
	initial    float64
	hasInitial bool
}

// NewLatestValues creates an empty sample store for the given sensors
func NewLatestValues(sensors []SensorDescriptor) *LatestValues {
	idx := make(map[string]int, len(sensors))
	for i, s := range sensors {
		idx[s.Name] = i
	}
	return &LatestValues{
		sensors:   sensors,
		index:     idx,
		distances: make([]float64, len(sensors)),
		seen:      make([]bool, len(sensors)),
	}
}

// Sensors returns the sensor descriptors
func (lv *LatestValues) Sensors() []SensorDescriptor {
	return lv.sensors
}

// SetDistance stores a sample for the sensor at index
func (lv *LatestValues) SetDistance(index int, mm float64) error {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if index < 0 || index >= len(lv.distances) {
		return fmt.Errorf("sensor index %d out of range", index)
	}
	lv.distances[index] = mm
	lv.seen[index] = true
	return nil
}

// SetDistanceByName stores a sample for the named sensor
func (lv *LatestValues) SetDistanceByName(name string, mm float64) error {
	i, ok := lv.index[name]
	if !ok {
		return fmt.Errorf("unknown sensor %q", name)
	}
	return lv.SetDistance(i, mm)
}

// SetAbsoluteHeading stores a compass-style heading in radians. The first
// sample becomes the reference so reported headings start at zero.
func (lv *LatestValues) SetAbsoluteHeading(rad float64) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if !lv.hasInitial {
		lv.initial = rad
		lv.hasInitial = true
	}
	lv.heading = NormalizeRadians(rad - lv.initial)
	lv.hasHeading = true
}

// ReadDistance returns the latest sample for the sensor at index
func (lv *LatestValues) ReadDistance(_ context.Context, index int) (float64, error) {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	if index < 0 || index >= len(lv.distances) {
		return 0, fmt.Errorf("sensor index %d out of range", index)
	}
	if !lv.seen[index] {
		return 0, ErrNoSample
	}
	return lv.distances[index], nil
}

// Heading returns the latest relative heading
func (lv *LatestValues) Heading(context.Context) (float64, error) {
	lv.mu.RLock()
	defer lv.mu.RUnlock()
	if !lv.hasHeading {
		return 0, ErrNoHeading
	}
	return lv.heading, nil
}
