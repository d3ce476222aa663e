package loc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSmoother_PassThroughWithFewSamples(t *testing.T) {
	s := NewSmoother(5)

	a := Estimate{Position: Point{X: 100, Y: 100}, Heading: 0, Confidence: 0.9}
	b := Estimate{Position: Point{X: 300, Y: 300}, Heading: 1, Confidence: 0.9}

	assert.Equal(t, a, s.Smooth(a))
	assert.Equal(t, b, s.Smooth(b), "two samples are not enough to smooth")
	assert.Equal(t, 2, s.Len())
}

func TestSmoother_PassThroughLowConfidence(t *testing.T) {
	s := NewSmoother(5)
	for i := 0; i < 4; i++ {
		s.Smooth(Estimate{Position: Point{X: 100, Y: 100}, Confidence: 0.9})
	}

	low := Estimate{Position: Point{X: 900, Y: 900}, Heading: 2, Confidence: 0.2}
	assert.Equal(t, low, s.Smooth(low))
}

func TestSmoother_IdempotentUnderConstantInput(t *testing.T) {
	s := NewSmoother(5)
	in := Estimate{Position: Point{X: 1215, Y: 910}, Heading: 1.25, Confidence: 0.8}

	for i := 0; i < 12; i++ {
		out := s.Smooth(in)
		assert.InDelta(t, in.Position.X, out.Position.X, 1e-9)
		assert.InDelta(t, in.Position.Y, out.Position.Y, 1e-9)
		assert.InDelta(t, in.Heading, out.Heading, 1e-9)
		assert.InDelta(t, in.Confidence, out.Confidence, 1e-9)
	}
	assert.Equal(t, 5, s.Len(), "history is bounded by its size")
}

func TestSmoother_LinearWeights(t *testing.T) {
	s := NewSmoother(5)
	xs := []float64{0, 100, 200}
	var out Estimate
	for _, x := range xs {
		out = s.Smooth(Estimate{Position: Point{X: x}, Confidence: 1})
	}
	// weights 1, 2, 3
	assert.InDelta(t, (0*1+100*2+200*3)/6.0, out.Position.X, 1e-9)
}

func TestSmoother_HeadingWraparound(t *testing.T) {
	s := NewSmoother(5)
	headings := []float64{359, 1, 359, 1}

	var out Estimate
	for _, h := range headings {
		out = s.Smooth(Estimate{Heading: Radians(h), Confidence: 1})
	}

	deg := Degrees(out.Heading)
	// the circular mean sits at 0°, reported in [0, 360)
	dist := math.Min(deg, 360-deg)
	assert.Less(t, dist, 1.0, "smoothed heading %.3f° is not near 0°", deg)
	assert.GreaterOrEqual(t, out.Heading, 0.0)
	assert.Less(t, out.Heading, 2*math.Pi)
}

func TestSmoother_Reset(t *testing.T) {
	s := NewSmoother(0)
	for i := 0; i < 3; i++ {
		s.Smooth(Estimate{Confidence: 1})
	}
	s.Reset()
	assert.Equal(t, 0, s.Len())

	in := Estimate{Position: Point{X: 7, Y: 8}, Confidence: 1}
	assert.Equal(t, in, s.Smooth(in))
}
