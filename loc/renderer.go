package loc

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Palette used by both the raster and vector renderers
var (
	colorBackground = color.RGBA{34, 120, 60, 255}   // field green
	colorWall       = color.RGBA{245, 245, 245, 255} // white boundary
	colorRobot      = color.RGBA{30, 144, 255, 255}  // dodger blue
	colorOutline    = color.RGBA{40, 40, 40, 255}
	colorRayValid   = color.RGBA{255, 215, 0, 255} // gold
	colorRayInvalid = color.RGBA{160, 160, 160, 255}
	colorTrail      = color.RGBA{255, 99, 71, 255} // tomato
	colorText       = color.RGBA{255, 255, 255, 255}
)

// FieldRenderer draws the field, robot pose, sensor rays and recent trail
// into a raster image. Field Y grows upward; image Y grows downward.
type FieldRenderer struct {
	Field   *FieldMap
	Scale   float64 // pixels per mm
	Padding int
}

// NewFieldRenderer creates a renderer with a scale of 4 mm per pixel
func NewFieldRenderer(field *FieldMap) *FieldRenderer {
	return &FieldRenderer{
		Field:   field,
		Scale:   0.25,
		Padding: 20,
	}
}

// Size returns the output image dimensions
func (r *FieldRenderer) Size() (int, int) {
	w := int(math.Ceil(r.Field.Width()*r.Scale)) + 2*r.Padding
	h := int(math.Ceil(r.Field.Height()*r.Scale)) + 2*r.Padding
	return w, h
}

// toImage converts field mm to pixel coordinates
func (r *FieldRenderer) toImage(p Point) (int, int) {
	x := int(math.Round(p.X*r.Scale)) + r.Padding
	y := int(math.Round((r.Field.Height()-p.Y)*r.Scale)) + r.Padding
	return x, y
}

// Render draws the field and, if snap is non-nil, the robot state
func (r *FieldRenderer) Render(snap *Snapshot, trail []TrailPoint) *image.RGBA {
	w, h := r.Size()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, colorBackground)
		}
	}

	for _, wall := range r.Field.Walls() {
		a, b := wall.Endpoints()
		ax, ay := r.toImage(a)
		bx, by := r.toImage(b)
		drawLine(img, ax, ay, bx, by, 2, colorWall)
	}

	for _, tp := range trail {
		tx, ty := r.toImage(Point{X: tp.X, Y: tp.Y})
		drawCircle(img, tx, ty, 1, colorTrail)
	}

	if snap == nil {
		return img
	}

	pos := snap.Estimate.Position
	cx, cy := r.toImage(pos)
	for _, s := range snap.Sensors {
		if !s.Healthy {
			continue
		}
		end := RayEnd(pos, snap.Estimate.Heading+Radians(s.Angle), s.Distance)
		ex, ey := r.toImage(end)
		c := colorRayInvalid
		if s.Valid {
			c = colorRayValid
		}
		drawLine(img, cx, cy, ex, ey, 0, c)
	}

	drawRobot(img, cx, cy, 22, snap.Estimate.Heading)

	drawText(img, 6, 14, fmt.Sprintf("x=%.0f y=%.0f h=%.0f", pos.X, pos.Y, snap.Estimate.HeadingDegrees()), colorText)
	drawText(img, 6, h-6, fmt.Sprintf("conf %.2f  err %.0f  %d/%d sensors",
		snap.Estimate.Confidence, snap.Error, snap.ValidSensors, len(snap.Sensors)), colorText)
	return img
}

// EncodePNG writes the rendered image to w
func (r *FieldRenderer) EncodePNG(w io.Writer, snap *Snapshot, trail []TrailPoint) error {
	return png.Encode(w, r.Render(snap, trail))
}

// SavePNG renders to a PNG file
func (r *FieldRenderer) SavePNG(path string, snap *Snapshot, trail []TrailPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := r.EncodePNG(f, snap, trail); err != nil {
		return fmt.Errorf("encoding png: %w", err)
	}
	return nil
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

// drawLine draws a line of the given half-thickness by sampling along it
func drawLine(img *image.RGBA, x0, y0, x1, y1, half int, c color.RGBA) {
	dx, dy := float64(x1-x0), float64(y1-y0)
	steps := int(math.Max(math.Abs(dx), math.Abs(dy)))
	if steps == 0 {
		steps = 1
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := x0 + int(math.Round(t*dx))
		y := y0 + int(math.Round(t*dy))
		for oy := -half; oy <= half; oy++ {
			for ox := -half; ox <= half; ox++ {
				setPixel(img, x+ox, y+oy, c)
			}
		}
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				setPixel(img, cx+dx, cy+dy, c)
			}
		}
	}
}

// drawRobot draws the robot body with an outline and a heading tick.
// heading is in field radians (CCW); the image Y axis is flipped.
func drawRobot(img *image.RGBA, cx, cy, size int, heading float64) {
	radius := size / 2
	drawCircle(img, cx, cy, radius+2, colorOutline)
	drawCircle(img, cx, cy, radius, colorRobot)

	tipX := cx + int(math.Round(float64(radius)*math.Cos(heading)))
	tipY := cy - int(math.Round(float64(radius)*math.Sin(heading)))
	drawLine(img, cx, cy, tipX, tipY, 1, colorOutline)
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
