package loc

import "math"

// SensorWeight returns the trust weight for a measured distance. Short
// readings are trusted more than long ones.
func SensorWeight(measured float64) float64 {
	return math.Min(0.5+0.5/(1+measured/1000), 1.0)
}

type observation struct {
	angle    float64
	measured float64
	weight   float64
}

// ErrorModel scores candidate positions against one cycle's valid readings
type ErrorModel struct {
	caster *RayCaster
	obs    []observation
}

// NewErrorModel keeps only the valid readings. sensors and readings are
// index-aligned.
func NewErrorModel(caster *RayCaster, sensors []SensorDescriptor, readings []Reading) *ErrorModel {
	obs := make([]observation, 0, len(readings))
	for i, r := range readings {
		if i >= len(sensors) || !r.Valid {
			continue
		}
		obs = append(obs, observation{
			angle:    sensors[i].Angle,
			measured: r.Distance,
			weight:   SensorWeight(r.Distance),
		})
	}
	return &ErrorModel{caster: caster, obs: obs}
}

// ValidCount returns how many readings contribute to the error
func (m *ErrorModel) ValidCount() int { return len(m.obs) }

// Caster returns the ray caster behind the model
func (m *ErrorModel) Caster() *RayCaster { return m.caster }

// Error returns the weighted L1 mismatch between measured and predicted
// distances for a robot at position with the given heading.
func (m *ErrorModel) Error(position Point, heading float64) float64 {
	var total float64
	for _, o := range m.obs {
		predicted := m.caster.Cast(position, heading+o.angle)
		total += o.weight * math.Abs(o.measured-predicted)
	}
	return total
}

// MeanError returns the error divided by the number of contributing sensors
func (m *ErrorModel) MeanError(position Point, heading float64) float64 {
	if len(m.obs) == 0 {
		return 0
	}
	return m.Error(position, heading) / float64(len(m.obs))
}
