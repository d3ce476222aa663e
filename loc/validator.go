package loc

import "math"

// Validation defaults
const (
	DefaultBoundsMargin        = 100.0
	DefaultMinSensors          = 3
	DefaultMaxRecoveryAttempts = 3
	DefaultMaxFailures         = 10
	minErrorTolerance          = 500.0
	errorToleranceFraction     = 0.10
)

// Validation rejection reasons
const (
	ReasonOutOfBounds         = "out_of_bounds"
	ReasonErrorTooHigh        = "error_too_high"
	ReasonInsufficientSensors = "insufficient_sensors"
)

// Validator decides whether an optimizer result is plausible
type Validator struct {
	Field      *FieldMap
	Margin     float64
	MinSensors int // quorum; validation accepts one fewer, but never below 2
}

// NewValidator creates a validator with default margin and quorum
func NewValidator(field *FieldMap) *Validator {
	return &Validator{Field: field, Margin: DefaultBoundsMargin, MinSensors: DefaultMinSensors}
}

// ErrorTolerance returns max(500, 10% of the smaller field dimension)
func (v *Validator) ErrorTolerance() float64 {
	return math.Max(minErrorTolerance, errorToleranceFraction*v.Field.MinDimension())
}

// RelaxedQuorum returns max(2, quorum-1)
func (v *Validator) RelaxedQuorum() int {
	if v.MinSensors-1 > 2 {
		return v.MinSensors - 1
	}
	return 2
}

// Validate checks position against the margin box, the error tolerance and
// the relaxed quorum. The reason is empty when the result is accepted.
func (v *Validator) Validate(model *ErrorModel, position Point, heading float64) (bool, string) {
	if !v.Field.Contains(position, v.Margin) {
		return false, ReasonOutOfBounds
	}
	if model.ValidCount() < v.RelaxedQuorum() {
		return false, ReasonInsufficientSensors
	}
	if model.Error(position, heading) > v.ErrorTolerance() {
		return false, ReasonErrorTooHigh
	}
	return true, ""
}

// FailureCounter counts consecutive validation failures and trips once the
// count exceeds its threshold.
type FailureCounter struct {
	Threshold int
	count     int
}

// NewFailureCounter creates a counter that trips above threshold
func NewFailureCounter(threshold int) *FailureCounter {
	return &FailureCounter{Threshold: threshold}
}

// Record notes one cycle's outcome and reports whether the threshold has
// been exceeded.
func (fc *FailureCounter) Record(ok bool) bool {
	if ok {
		fc.count = 0
		return false
	}
	fc.count++
	return fc.count > fc.Threshold
}

// Count returns the current consecutive failure count
func (fc *FailureCounter) Count() int { return fc.count }

// Reset clears the counter
func (fc *FailureCounter) Reset() { fc.count = 0 }
