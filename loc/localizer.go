package loc

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// confidenceErrorScale is the error at which confidence reaches zero
const confidenceErrorScale = 2000.0

// failedValidationPenalty scales confidence when the final result did not
// validate.
const failedValidationPenalty = 0.6

// headingReadKey guards orientation reads next to the sensor indexes
const headingReadKey = -1

// ResetHandler is called after a full system reset
type ResetHandler func(reason string)

// Confidence maps an optimizer error to [0, 1]
func Confidence(err float64, validated bool) float64 {
	c := 1 - math.Min(err/confidenceErrorScale, 1)
	if !validated {
		c *= failedValidationPenalty
	}
	return c
}

// Localizer runs the per-cycle pipeline: read sensors, search, validate,
// smooth, publish. All mutable state sits behind mu; sensor reads happen
// outside the lock and the search runs under it, so readers only ever see
// whole cycles.
type Localizer struct {
	field       *FieldMap
	caster      *RayCaster
	optimizer   *Optimizer
	validator   *Validator
	distances   DistanceSource
	orientation OrientationSource
	sensors     []SensorDescriptor

	minDistance         float64
	maxDistance         float64
	readTimeout         time.Duration
	reads               *inflight
	minSensors          int
	maxRecoveryAttempts int

	mu               sync.RWMutex
	smoother         *Smoother
	failures         *FailureCounter
	calibration      *Calibration
	estimate         Estimate
	state            SearchState
	lastError        float64
	readings         []Reading
	rawHeading       float64
	hasRawHeading    bool
	headingOffset    float64
	headingLost      bool
	belowQuorum      bool
	recoveryAttempts int
	forceGlobal      bool
	lastGlobal       bool
	validated        bool
	reason           string
	cycles           uint64
	updated          time.Time
	resetHandler     ResetHandler
}

// NewLocalizer builds the engine from a validated configuration. The field
// map is constructed eagerly so a bad wall set fails here, not mid-run.
func NewLocalizer(cfg *Config, distances DistanceSource, orientation OrientationSource) (*Localizer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if distances == nil {
		return nil, fmt.Errorf("distance source is nil")
	}
	if orientation == nil {
		return nil, fmt.Errorf("orientation source is nil")
	}

	resolved := *cfg
	resolved.ApplyDefaults()
	cfg = &resolved

	field, err := NewFieldMapFromConfig(cfg.Field)
	if err != nil {
		return nil, fmt.Errorf("building field map: %w", err)
	}

	lc := cfg.Localizer
	caster := NewRayCaster(field, cfg.Sensors.MaxDistance)

	optimizer := NewOptimizer(field)
	optimizer.Resolution = lc.GridResolution
	optimizer.GlobalSearchThreshold = lc.GlobalSearchThreshold
	optimizer.GoodMatchError = lc.GoodMatchError
	optimizer.MaxIterations = lc.MaxIterations

	validator := NewValidator(field)
	validator.Margin = lc.BoundsMargin
	validator.MinSensors = lc.MinSensors

	sensors := distances.Sensors()
	return &Localizer{
		field:               field,
		caster:              caster,
		optimizer:           optimizer,
		validator:           validator,
		distances:           distances,
		orientation:         orientation,
		sensors:             sensors,
		minDistance:         cfg.Sensors.MinDistance,
		maxDistance:         cfg.Sensors.MaxDistance,
		readTimeout:         cfg.Sensors.ReadTimeout(),
		reads:               newInflight(),
		minSensors:          lc.MinSensors,
		maxRecoveryAttempts: lc.MaxRecoveryAttempts,
		smoother:            NewSmoother(lc.HistorySize),
		failures:            NewFailureCounter(lc.MaxFailures),
		estimate:            Estimate{Position: field.Center()},
		readings:            make([]Reading, len(sensors)),
	}, nil
}

// Field returns the field map
func (l *Localizer) Field() *FieldMap { return l.field }

// Caster returns the ray caster
func (l *Localizer) Caster() *RayCaster { return l.caster }

// Sensors returns the sensor descriptors
func (l *Localizer) Sensors() []SensorDescriptor { return l.sensors }

// SetCalibration installs per-sensor corrections applied to raw readings
func (l *Localizer) SetCalibration(cal *Calibration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calibration = cal
}

// SetResetHandler registers a callback invoked after every full reset
func (l *Localizer) SetResetHandler(handler ResetHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetHandler = handler
}

// Localize runs one cycle and returns the published estimate. It only
// fails when ctx is already done; degraded inputs lower the confidence
// instead.
func (l *Localizer) Localize(ctx context.Context) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, err
	}

	l.mu.RLock()
	cal := l.calibration
	l.mu.RUnlock()

	readings := readAll(ctx, l.distances, l.reads, l.readTimeout, l.minDistance, l.maxDistance, cal)
	rawHeading, headingErr := l.readHeading(ctx)

	est, resetReason := l.cycle(readings, rawHeading, headingErr)

	if resetReason != "" {
		l.notifyReset(resetReason)
	}
	return est, nil
}

func (l *Localizer) readHeading(ctx context.Context) (float64, error) {
	hctx, cancel := context.WithTimeout(ctx, l.readTimeout)
	defer cancel()
	return readWithTimeout(hctx, l.reads, headingReadKey, ErrNoHeading, l.orientation.Heading)
}

// cycle applies one set of inputs under the lock. It returns the published
// estimate and, when the failure counter tripped, the reset reason.
func (l *Localizer) cycle(readings []Reading, rawHeading float64, headingErr error) (Estimate, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cycles++
	l.updated = time.Now()
	l.readings = readings

	heading := l.estimate.Heading
	if headingErr == nil {
		l.rawHeading = rawHeading
		l.hasRawHeading = true
		heading = NormalizeRadians(rawHeading + l.headingOffset)
		if l.headingLost {
			log.Println("Heading source recovered")
			l.headingLost = false
		}
	} else if !l.headingLost {
		log.Printf("Warning: heading unavailable (%v), holding %.1f°", headingErr, Degrees(heading))
		l.headingLost = true
	}

	valid, _ := CountReadings(readings)
	if valid < l.minSensors {
		if !l.belowQuorum {
			log.Printf("Warning: only %d valid sensors (need %d), holding position", valid, l.minSensors)
			l.belowQuorum = true
		}
		l.estimate.Confidence = 0
		l.lastGlobal = false
		l.validated = false
		l.reason = ReasonInsufficientSensors
		return l.estimate, ""
	}
	if l.belowQuorum {
		log.Printf("Sensor quorum restored with %d valid sensors", valid)
		l.belowQuorum = false
	}

	model := NewErrorModel(l.caster, l.sensors, readings)

	state := l.state
	if l.forceGlobal {
		state.Initialized = false
		l.forceGlobal = false
	}

	pos, errVal, global := l.optimizer.Search(model, heading, state)
	ok, reason := l.validator.Validate(model, pos, heading)

	if !ok && l.recoveryAttempts < l.maxRecoveryAttempts {
		l.recoveryAttempts++
		log.Printf("Validation failed (%s, error %.0f), global re-search %d/%d",
			reason, errVal, l.recoveryAttempts, l.maxRecoveryAttempts)
		seed, _ := l.optimizer.GlobalSearch(model, heading)
		pos, errVal = l.optimizer.Refine(model, heading, seed)
		global = true
		ok, reason = l.validator.Validate(model, pos, heading)
	}
	if ok {
		l.recoveryAttempts = 0
	}

	l.state = SearchState{Position: pos, BestError: errVal, Initialized: true}
	l.lastError = errVal
	l.lastGlobal = global
	l.validated = ok
	l.reason = reason

	if l.failures.Record(ok) {
		resetReason := fmt.Sprintf("validation failed for %d consecutive cycles", l.failures.Count())
		l.resetLocked()
		log.Printf("Warning: %s, localization reset", resetReason)
		return l.estimate, resetReason
	}

	l.estimate = l.smoother.Smooth(Estimate{
		Position:   pos,
		Heading:    heading,
		Confidence: Confidence(errVal, ok),
	})
	return l.estimate, ""
}

// resetLocked clears search memory and history. The published position is
// kept with zero confidence. Caller holds mu.
func (l *Localizer) resetLocked() {
	l.state = SearchState{}
	l.estimate.Confidence = 0
	l.smoother.Reset()
	l.failures.Reset()
	l.recoveryAttempts = 0
	l.forceGlobal = false
}

func (l *Localizer) notifyReset(reason string) {
	l.mu.RLock()
	handler := l.resetHandler
	l.mu.RUnlock()
	if handler != nil {
		handler(reason)
	}
}

// Reset performs a full system reset. The next cycle runs a global search.
func (l *Localizer) Reset(reason string) {
	l.mu.Lock()
	l.resetLocked()
	l.mu.Unlock()
	log.Printf("Localization reset: %s", reason)
	l.notifyReset(reason)
}

// ResetPosition places the robot at (x, y). When heading is given the
// orientation reference is shifted so the current raw heading maps to it.
func (l *Localizer) ResetPosition(x, y float64, heading *float64) error {
	p := Point{X: x, Y: y}
	if !l.field.Contains(p, 0) {
		return fmt.Errorf("position (%.0f, %.0f) is outside the %.0fx%.0f field",
			x, y, l.field.Width(), l.field.Height())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.estimate.Position = p
	if heading != nil {
		h := NormalizeRadians(*heading)
		if l.hasRawHeading {
			l.headingOffset = AngleDiff(h, l.rawHeading)
		} else {
			l.headingOffset = h
		}
		l.estimate.Heading = h
	}
	l.state = SearchState{Position: p, BestError: 0, Initialized: true}
	l.smoother.Reset()
	l.failures.Reset()
	l.recoveryAttempts = 0
	l.forceGlobal = false

	log.Printf("Position reset to (%.0f, %.0f) heading %.1f°", x, y, Degrees(l.estimate.Heading))
	return nil
}

// ForceGlobalSearch makes the next cycle ignore the warm-start seed
func (l *Localizer) ForceGlobalSearch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.forceGlobal = true
	log.Println("Global re-search requested")
}

// Estimate returns the published pose
func (l *Localizer) Estimate() Estimate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.estimate
}

// SearchState returns the optimizer seed for the next cycle
func (l *Localizer) SearchState() SearchState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Snapshot returns a consistent copy of the published state
func (l *Localizer) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sensors := make([]SensorStatus, len(l.sensors))
	for i, s := range l.sensors {
		st := SensorStatus{Name: s.Name, Angle: NormalizeAngle(Degrees(s.Angle))}
		if i < len(l.readings) {
			st.Distance = l.readings[i].Distance
			st.Valid = l.readings[i].Valid
			st.Healthy = l.readings[i].Healthy
		}
		sensors[i] = st
	}
	valid, healthy := CountReadings(l.readings)

	return Snapshot{
		Estimate:            l.estimate,
		Error:               l.lastError,
		Sensors:             sensors,
		ValidSensors:        valid,
		HealthySensors:      healthy,
		Initialized:         l.state.Initialized,
		GlobalSearch:        l.lastGlobal,
		Validated:           l.validated,
		ValidationReason:    l.reason,
		ConsecutiveFailures: l.failures.Count(),
		Cycles:              l.cycles,
		Timestamp:           l.updated,
	}
}
