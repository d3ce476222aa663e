package loc

import (
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// VectorRenderer renders the field and robot state as vector graphics.
// Canvas units are field millimeters with Y up.
type VectorRenderer struct {
	Field       *FieldMap
	Padding     float64           // mm around the field
	Resolution  canvas.Resolution // PNG output resolution
	GridSpacing float64           // mm between grid lines; 0 disables
	RobotRadius float64           // mm
}

// NewVectorRenderer creates a vector renderer with default settings
func NewVectorRenderer(field *FieldMap) *VectorRenderer {
	return &VectorRenderer{
		Field:       field,
		Padding:     100.0,
		Resolution:  canvas.DPMM(0.5),
		GridSpacing: 500.0,
		RobotRadius: 90.0,
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func (r *VectorRenderer) size() (float64, float64) {
	return r.Field.Width() + 2*r.Padding, r.Field.Height() + 2*r.Padding
}

// RenderToSVG writes the field and optional robot state as SVG
func (r *VectorRenderer) RenderToSVG(w io.Writer, snap *Snapshot, trail []TrailPoint) error {
	width, height := r.size()
	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, snap, trail)
	return svgRenderer.Close()
}

// RenderToPNG rasterizes the same drawing and writes it as PNG
func (r *VectorRenderer) RenderToPNG(w io.Writer, snap *Snapshot, trail []TrailPoint) error {
	width, height := r.size()
	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, snap, trail)
	return png.Encode(w, rast)
}

func (r *VectorRenderer) toCanvas(p Point) (float64, float64) {
	return p.X + r.Padding, p.Y + r.Padding
}

func (r *VectorRenderer) line(renderer canvasRenderer, a, b Point, style canvas.Style) {
	ax, ay := r.toCanvas(a)
	bx, by := r.toCanvas(b)
	p := &canvas.Path{}
	p.MoveTo(ax, ay)
	p.LineTo(bx, by)
	renderer.RenderPath(p, style, canvas.Identity)
}

func (r *VectorRenderer) renderToCanvas(renderer canvasRenderer, snap *Snapshot, trail []TrailPoint) {
	width, height := r.size()

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: colorBackground}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 2.0
		gridStyle.Dashes = []float64{10.0, 10.0}

		for x := r.GridSpacing; x < r.Field.Width(); x += r.GridSpacing {
			r.line(renderer, Point{X: x, Y: 0}, Point{X: x, Y: r.Field.Height()}, gridStyle)
		}
		for y := r.GridSpacing; y < r.Field.Height(); y += r.GridSpacing {
			r.line(renderer, Point{X: 0, Y: y}, Point{X: r.Field.Width(), Y: y}, gridStyle)
		}
	}

	wallStyle := canvas.DefaultStyle
	wallStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	wallStyle.Stroke = canvas.Paint{Color: colorWall}
	wallStyle.StrokeWidth = 20.0
	for _, w := range r.Field.Walls() {
		a, b := w.Endpoints()
		r.line(renderer, a, b, wallStyle)
	}

	if len(trail) > 1 {
		trailStyle := canvas.DefaultStyle
		trailStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trailStyle.Stroke = canvas.Paint{Color: colorTrail}
		trailStyle.StrokeWidth = 8.0

		tp := &canvas.Path{}
		for i, p := range trail {
			cx, cy := r.toCanvas(Point{X: p.X, Y: p.Y})
			if i == 0 {
				tp.MoveTo(cx, cy)
			} else {
				tp.LineTo(cx, cy)
			}
		}
		renderer.RenderPath(tp, trailStyle, canvas.Identity)
	}

	if snap == nil {
		return
	}

	pos := snap.Estimate.Position
	heading := snap.Estimate.Heading

	rayStyle := canvas.DefaultStyle
	rayStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	rayStyle.StrokeWidth = 4.0
	for _, s := range snap.Sensors {
		if !s.Healthy {
			continue
		}
		rayStyle.Stroke = canvas.Paint{Color: colorRayInvalid}
		if s.Valid {
			rayStyle.Stroke = canvas.Paint{Color: colorRayValid}
		}
		r.line(renderer, pos, RayEnd(pos, heading+Radians(s.Angle), s.Distance), rayStyle)
	}

	cx, cy := r.toCanvas(pos)
	bodyStyle := canvas.DefaultStyle
	bodyStyle.Fill = canvas.Paint{Color: colorRobot}
	bodyStyle.Stroke = canvas.Paint{Color: canvas.Black}
	bodyStyle.StrokeWidth = 8.0
	renderer.RenderPath(canvas.Circle(r.RobotRadius).Translate(cx, cy), bodyStyle, canvas.Identity)

	dirStyle := canvas.DefaultStyle
	dirStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	dirStyle.Stroke = canvas.Paint{Color: canvas.Black}
	dirStyle.StrokeWidth = 12.0
	dirLen := r.RobotRadius * 1.5
	r.line(renderer, pos, Point{
		X: pos.X + dirLen*math.Cos(heading),
		Y: pos.Y + dirLen*math.Sin(heading),
	}, dirStyle)
}
