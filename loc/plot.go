package loc

import (
	"fmt"
	"image/color"
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// ErrorSurface samples the pose error over the whole field at a fixed
// heading. It implements plotter.GridXYZ.
type ErrorSurface struct {
	Resolution float64
	cols, rows int
	values     []float64
	min        float64
	minAt      Point
}

// NewErrorSurface evaluates model at every cell center of a grid with the
// given resolution (mm)
func NewErrorSurface(model *ErrorModel, heading, resolution float64) *ErrorSurface {
	field := model.Caster().Field()
	cols := int(math.Ceil(field.Width() / resolution))
	rows := int(math.Ceil(field.Height() / resolution))

	s := &ErrorSurface{
		Resolution: resolution,
		cols:       cols,
		rows:       rows,
		values:     make([]float64, cols*rows),
		min:        math.Inf(1),
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			p := Point{X: s.X(c), Y: s.Y(r)}
			e := model.Error(p, heading)
			s.values[r*cols+c] = e
			if e < s.min {
				s.min, s.minAt = e, p
			}
		}
	}
	return s
}

// Dims returns the grid dimensions
func (s *ErrorSurface) Dims() (c, r int) { return s.cols, s.rows }

// Z returns the error at a cell
func (s *ErrorSurface) Z(c, r int) float64 { return s.values[r*s.cols+c] }

// X returns the field X of a column center
func (s *ErrorSurface) X(c int) float64 { return (float64(c) + 0.5) * s.Resolution }

// Y returns the field Y of a row center
func (s *ErrorSurface) Y(r int) float64 { return (float64(r) + 0.5) * s.Resolution }

// Minimum returns the lowest sampled error and where it occurred
func (s *ErrorSurface) Minimum() (Point, float64) { return s.minAt, s.min }

// SaveErrorPlot renders the surface as a heat map with optional markers
// for the estimated and true positions
func SaveErrorPlot(surface *ErrorSurface, estimate, truth *Point, path string) error {
	p := plot.New()
	p.Title.Text = "Pose error surface"
	p.X.Label.Text = "x (mm)"
	p.Y.Label.Text = "y (mm)"

	p.Add(plotter.NewHeatMap(surface, palette.Heat(12, 1)))

	addMarker := func(pt *Point, c color.Color, shape draw.GlyphDrawer, name string) error {
		if pt == nil {
			return nil
		}
		sc, err := plotter.NewScatter(plotter.XYs{{X: pt.X, Y: pt.Y}})
		if err != nil {
			return fmt.Errorf("%s marker: %w", name, err)
		}
		sc.GlyphStyle.Color = c
		sc.GlyphStyle.Radius = vg.Points(5)
		sc.GlyphStyle.Shape = shape
		p.Add(sc)
		p.Legend.Add(name, sc)
		return nil
	}

	if err := addMarker(estimate, color.RGBA{B: 255, A: 255}, draw.CircleGlyph{}, "estimate"); err != nil {
		return err
	}
	if err := addMarker(truth, color.RGBA{G: 160, A: 255}, draw.CrossGlyph{}, "truth"); err != nil {
		return err
	}

	if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save error plot: %w", err)
	}
	return nil
}
