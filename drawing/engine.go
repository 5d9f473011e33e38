package drawing

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/models"
)

// FrameInterval is the redraw coalescing window, one pass per display frame.
const FrameInterval = 16 * time.Millisecond

var ErrNotDrawing = errors.New("no stroke in progress")

// LocalPoint converts a raw pointer position, relative to the viewport, into
// zoom-independent content coordinates rounded to hundredths.
func LocalPoint(rawX float64, rawY float64, originX float64, originY float64, zoom float64) models.Point {
	if zoom <= 0 {
		zoom = 1
	}
	return models.Point{
		X: math.Round((rawX-originX)/zoom*100) / 100,
		Y: math.Round((rawY-originY)/zoom*100) / 100,
	}
}

type Tool struct {
	Kind  models.Tool
	Color string
	Width float64
}

// Engine captures local strokes, keeps the shared log and replays it onto a
// software surface.
type Engine struct {
	log      *Log
	authorId string
	frame    time.Duration

	mu            sync.Mutex
	tool          Tool
	zoom          float64
	originX       float64
	originY       float64
	contentWidth  float64
	contentHeight float64
	drawing       bool
	points        []models.Point
	surface       *Surface
	redrawTimer   *time.Timer
	closed        bool
	onRedraw      func()
	onChange      func([]models.Stroke)
}

func NewEngine(b bus.Bus, sessionId string, authorId string) *Engine {
	e := &Engine{
		log:      NewLog(b, sessionId),
		authorId: authorId,
		frame:    FrameInterval,
		tool:     Tool{Kind: models.ToolPen, Color: "#000000", Width: 4},
		zoom:     1,
		surface:  NewSurface(0, 0, 1),
	}
	e.log.OnChange(e.handleStrokes)
	return e
}

func (e *Engine) handleStrokes(strokes []models.Stroke) {
	e.RequestRedraw()
	e.mu.Lock()
	fn := e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn(strokes)
	}
}

func (e *Engine) Start(ctx context.Context) error {
	return e.log.Start(ctx)
}

func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.redrawTimer != nil {
		e.redrawTimer.Stop()
		e.redrawTimer = nil
	}
	e.mu.Unlock()
	e.log.Close()
}

func (e *Engine) Log() *Log {
	return e.log
}

func (e *Engine) OnRedraw(fn func()) {
	e.mu.Lock()
	e.onRedraw = fn
	e.mu.Unlock()
}

// OnChange is called with the full stroke log whenever it changes.
func (e *Engine) OnChange(fn func([]models.Stroke)) {
	e.mu.Lock()
	e.onChange = fn
	e.mu.Unlock()
}

func (e *Engine) SetTool(tool Tool) error {
	check := models.Stroke{
		AuthorId: e.authorId,
		Tool:     tool.Kind,
		Color:    tool.Color,
		Width:    tool.Width,
		Points:   []models.Point{{}, {}},
	}
	if err := check.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.tool = tool
	e.mu.Unlock()
	return nil
}

func (e *Engine) Tool() Tool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tool
}

// SetViewport records the zoom factor and the content surface's origin
// relative to the viewport. A zoom change needs a full replay.
func (e *Engine) SetViewport(zoom float64, originX float64, originY float64) {
	if zoom <= 0 || math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return
	}
	e.mu.Lock()
	changed := zoom != e.zoom
	e.zoom = zoom
	e.originX = originX
	e.originY = originY
	e.mu.Unlock()
	if changed {
		e.resizeSurface()
	}
}

// Resize follows the tracked content's extents. The surface is rebuilt and
// fully replayed, never copied, so strokes outside the old bounds survive.
func (e *Engine) Resize(contentWidth float64, contentHeight float64) {
	e.mu.Lock()
	e.contentWidth = math.Max(contentWidth, 0)
	e.contentHeight = math.Max(contentHeight, 0)
	e.mu.Unlock()
	e.resizeSurface()
}

func (e *Engine) resizeSurface() {
	e.mu.Lock()
	w := int(math.Ceil(e.contentWidth * e.zoom))
	h := int(math.Ceil(e.contentHeight * e.zoom))
	e.surface = NewSurface(w, h, e.zoom)
	e.mu.Unlock()
	e.RequestRedraw()
}

func (e *Engine) PointerDown(rawX float64, rawY float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drawing = true
	e.points = []models.Point{LocalPoint(rawX, rawY, e.originX, e.originY, e.zoom)}
}

// PointerMove appends a point and previews the new segment with the active
// tool's compositing rule. The preview is replaced by the next full redraw.
func (e *Engine) PointerMove(rawX float64, rawY float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.drawing || len(e.points) >= models.MaxStrokePoints {
		return
	}
	p := LocalPoint(rawX, rawY, e.originX, e.originY, e.zoom)
	prev := e.points[len(e.points)-1]
	e.points = append(e.points, p)

	segment := models.Stroke{
		Tool:   e.tool.Kind,
		Color:  e.tool.Color,
		Width:  e.tool.Width,
		Points: []models.Point{prev, p},
	}
	if err := e.surface.DrawStroke(segment); err != nil {
		logrus.WithError(err).Warn("Preview failed")
	}
}

// PointerUp commits the stroke in progress if it has at least two points.
func (e *Engine) PointerUp(ctx context.Context) (string, error) {
	e.mu.Lock()
	if !e.drawing {
		e.mu.Unlock()
		return "", ErrNotDrawing
	}
	e.drawing = false
	points := e.points
	e.points = nil
	stroke := models.Stroke{
		AuthorId: e.authorId,
		Tool:     e.tool.Kind,
		Color:    e.tool.Color,
		Width:    e.tool.Width,
		Points:   points,
	}
	e.mu.Unlock()

	if len(points) < 2 {
		return "", nil
	}
	return e.AddStroke(ctx, stroke)
}

func (e *Engine) AddStroke(ctx context.Context, stroke models.Stroke) (string, error) {
	if stroke.AuthorId == "" {
		stroke.AuthorId = e.authorId
	}
	if stroke.CreatedAt == 0 {
		stroke.CreatedAt = time.Now().UnixMilli()
	}
	return e.log.Append(ctx, stroke)
}

func (e *Engine) UndoLast(ctx context.Context) error {
	return e.log.UndoLast(ctx)
}

func (e *Engine) ClearAll(ctx context.Context) error {
	return e.log.ClearAll(ctx)
}

func (e *Engine) Strokes() []models.Stroke {
	return e.log.Strokes()
}

// RequestRedraw schedules one full redraw; requests within a frame coalesce.
func (e *Engine) RequestRedraw() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.redrawTimer != nil {
		return
	}
	e.redrawTimer = time.AfterFunc(e.frame, func() {
		e.mu.Lock()
		e.redrawTimer = nil
		e.mu.Unlock()
		e.Redraw()
	})
}

// Redraw clears the surface and replays the whole log in order.
func (e *Engine) Redraw() {
	strokes := e.log.Strokes()

	e.mu.Lock()
	e.surface.Clear()
	for _, stroke := range strokes {
		if err := e.surface.DrawStroke(stroke); err != nil {
			logrus.WithError(err).WithField("stroke", stroke.Id).Warn("Skipping stroke during redraw")
		}
	}
	if e.drawing && len(e.points) > 1 {
		// Keep the uncommitted stroke visible on top
		_ = e.surface.DrawStroke(models.Stroke{Tool: e.tool.Kind, Color: e.tool.Color, Width: e.tool.Width, Points: e.points})
	}
	fn := e.onRedraw
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Snapshot copies the current surface pixels.
func (e *Engine) Snapshot() *image.RGBA {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.surface.Clone()
}
