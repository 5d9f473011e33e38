package drawing

import (
	"fmt"
	"image"
	"math"
	"strconv"

	"github.com/fogleman/gg"
	"github.com/zlnvch/studysync/models"
)

const highlighterAlpha = 0.5

type rgb struct {
	r, g, b float64
}

func parseColor(s string) (rgb, error) {
	if len(s) != 7 || s[0] != '#' {
		return rgb{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return rgb{}, fmt.Errorf("invalid color %q", s)
	}
	return rgb{
		r: float64((v>>16)&0xff) / 255,
		g: float64((v>>8)&0xff) / 255,
		b: float64(v&0xff) / 255,
	}, nil
}

// Surface is a software canvas in device pixels. Strokes are stored in
// content units and scaled by the zoom factor when rasterized.
type Surface struct {
	img  *image.RGBA
	zoom float64
}

func NewSurface(width int, height int, zoom float64) *Surface {
	if zoom <= 0 {
		zoom = 1
	}
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, max(width, 0), max(height, 0))), zoom: zoom}
}

func (s *Surface) Image() *image.RGBA {
	return s.img
}

func (s *Surface) Zoom() float64 {
	return s.zoom
}

func (s *Surface) Clear() {
	clear(s.img.Pix)
}

// Clone returns an independent copy of the pixels.
func (s *Surface) Clone() *image.RGBA {
	out := image.NewRGBA(s.img.Rect)
	copy(out.Pix, s.img.Pix)
	return out
}

// DrawStroke rasterizes one stroke as a whole and composites it with the
// stroke tool's rule. Overlapping parts of the same stroke are blended once.
func (s *Surface) DrawStroke(stroke models.Stroke) error {
	color, err := parseColor(stroke.Color)
	if err != nil {
		return err
	}
	if len(stroke.Points) == 0 {
		return nil
	}

	m := newMask(stroke, s.zoom, s.img.Rect)
	if m == nil {
		return nil
	}
	s.composite(m, stroke.Tool, color)
	return nil
}

// mask is the coverage of one stroke over its bounding box, 0 to 1 per pixel.
type mask struct {
	box      image.Rectangle
	coverage []float64
}

// newMask strokes the smoothed path with gg and keeps the alpha channel as
// coverage. Interior joins are round; the highlighter gets butt caps.
func newMask(stroke models.Stroke, zoom float64, bounds image.Rectangle) *mask {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range stroke.Points {
		minX, maxX = math.Min(minX, p.X*zoom), math.Max(maxX, p.X*zoom)
		minY, maxY = math.Min(minY, p.Y*zoom), math.Max(maxY, p.Y*zoom)
	}
	width := stroke.Width * zoom
	pad := width/2 + 1
	box := image.Rect(
		int(math.Floor(minX-pad)), int(math.Floor(minY-pad)),
		int(math.Ceil(maxX+pad))+1, int(math.Ceil(maxY+pad))+1,
	).Intersect(bounds)
	if box.Empty() {
		return nil
	}

	dc := gg.NewContext(box.Dx(), box.Dy())
	dc.Translate(float64(-box.Min.X), float64(-box.Min.Y))
	dc.Scale(zoom, zoom)
	dc.SetRGBA(1, 1, 1, 1)
	dc.SetLineWidth(width)
	dc.SetLineJoin(gg.LineJoinRound)
	roundCaps := stroke.Tool != models.ToolHighlighter
	if roundCaps {
		dc.SetLineCap(gg.LineCapRound)
	} else {
		dc.SetLineCap(gg.LineCapButt)
	}

	pts := stroke.Points
	if len(pts) == 1 {
		if !roundCaps {
			return nil
		}
		dc.DrawCircle(pts[0].X, pts[0].Y, stroke.Width/2)
		dc.Fill()
	} else {
		// Each interior point is the control of a quadratic curve between
		// neighbouring midpoints
		dc.MoveTo(pts[0].X, pts[0].Y)
		for i := 1; i < len(pts)-1; i++ {
			dc.QuadraticTo(pts[i].X, pts[i].Y, (pts[i].X+pts[i+1].X)/2, (pts[i].Y+pts[i+1].Y)/2)
		}
		last := pts[len(pts)-1]
		dc.LineTo(last.X, last.Y)
		dc.Stroke()
	}

	img, ok := dc.Image().(*image.RGBA)
	if !ok {
		return nil
	}
	m := &mask{box: box, coverage: make([]float64, box.Dx()*box.Dy())}
	for y := 0; y < box.Dy(); y++ {
		for x := 0; x < box.Dx(); x++ {
			m.coverage[y*box.Dx()+x] = float64(img.Pix[img.PixOffset(x, y)+3]) / 255
		}
	}
	return m
}

// composite blends the mask into the surface. Pixels are premultiplied.
//   - pen: source-over
//   - highlighter: multiply at half opacity
//   - eraser: destination-out
func (s *Surface) composite(m *mask, tool models.Tool, color rgb) {
	src := [3]float64{color.r, color.g, color.b}
	for y := m.box.Min.Y; y < m.box.Max.Y; y++ {
		for x := m.box.Min.X; x < m.box.Max.X; x++ {
			a := m.coverage[(y-m.box.Min.Y)*m.box.Dx()+(x-m.box.Min.X)]
			if a == 0 {
				continue
			}
			off := s.img.PixOffset(x, y)
			px := s.img.Pix[off : off+4 : off+4]
			var dst [3]float64
			for c := 0; c < 3; c++ {
				dst[c] = float64(px[c]) / 255
			}
			da := float64(px[3]) / 255

			var out [3]float64
			var outA float64
			switch tool {
			case models.ToolEraser:
				for c := 0; c < 3; c++ {
					out[c] = dst[c] * (1 - a)
				}
				outA = da * (1 - a)
			case models.ToolHighlighter:
				sa := a * highlighterAlpha
				for c := 0; c < 3; c++ {
					backdrop := 0.0
					if da > 0 {
						backdrop = dst[c] / da
					}
					mixed := (1-da)*src[c] + da*backdrop*src[c]
					out[c] = sa*mixed + dst[c]*(1-sa)
				}
				outA = sa + da*(1-sa)
			default:
				for c := 0; c < 3; c++ {
					out[c] = src[c]*a + dst[c]*(1-a)
				}
				outA = a + da*(1-a)
			}

			for c := 0; c < 3; c++ {
				px[c] = toByte(out[c])
			}
			px[3] = toByte(outA)
		}
	}
}

func toByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(v * 255))
}

// Extents returns the content size needed to show every stroke.
func Extents(strokes []models.Stroke) (float64, float64) {
	var w, h float64
	for _, s := range strokes {
		for _, p := range s.Points {
			w = math.Max(w, p.X+s.Width)
			h = math.Max(h, p.Y+s.Width)
		}
	}
	return w, h
}

// Render replays strokes in order onto a fresh surface.
func Render(strokes []models.Stroke, width int, height int, zoom float64) *image.RGBA {
	s := NewSurface(width, height, zoom)
	for _, stroke := range strokes {
		// Strokes are validated before they reach the log
		_ = s.DrawStroke(stroke)
	}
	return s.img
}
