package loc

import (
	"gonum.org/v1/gonum/stat"
)

// Smoother defaults
const (
	DefaultHistorySize    = 5
	minSamplesToSmooth    = 3
	minConfidenceToSmooth = 0.3
)

// Smoother blends recent estimates with linearly increasing weights so the
// newest sample counts most. Headings are averaged on the circle.
type Smoother struct {
	size    int
	history []Estimate
}

// NewSmoother creates a smoother that keeps the last size samples
func NewSmoother(size int) *Smoother {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &Smoother{size: size, history: make([]Estimate, 0, size)}
}

// Len returns the number of buffered samples
func (s *Smoother) Len() int { return len(s.history) }

// Reset drops all buffered samples
func (s *Smoother) Reset() { s.history = s.history[:0] }

// Smooth appends sample and returns the smoothed estimate. With too few
// samples or a low-confidence sample the input passes through unchanged.
func (s *Smoother) Smooth(sample Estimate) Estimate {
	if len(s.history) == s.size {
		copy(s.history, s.history[1:])
		s.history = s.history[:s.size-1]
	}
	s.history = append(s.history, sample)

	if len(s.history) < minSamplesToSmooth || sample.Confidence < minConfidenceToSmooth {
		return sample
	}

	n := len(s.history)
	weights := make([]float64, n)
	xs := make([]float64, n)
	ys := make([]float64, n)
	headings := make([]float64, n)
	confs := make([]float64, n)
	for i, h := range s.history {
		weights[i] = float64(i + 1)
		xs[i] = h.Position.X
		ys[i] = h.Position.Y
		headings[i] = h.Heading
		confs[i] = h.Confidence
	}

	return Estimate{
		Position: Point{
			X: stat.Mean(xs, weights),
			Y: stat.Mean(ys, weights),
		},
		Heading:    NormalizeRadians(stat.CircularMean(headings, weights)),
		Confidence: stat.Mean(confs, weights),
	}
}
