package service

import (
	"bytes"
	"context"
	"image/png"
	"math"

	"github.com/zlnvch/studysync/bus"
	"github.com/zlnvch/studysync/drawing"
	"github.com/zlnvch/studysync/models"
)

const (
	minCanvasSize = 64
	maxCanvasSize = 4096
)

// RenderCanvas replays a session's stroke log and returns it as a PNG.
func (s *Service) RenderCanvas(ctx context.Context, sessionId string) ([]byte, error) {
	if err := models.ValidateId(sessionId); err != nil {
		return nil, err
	}
	snap, err := s.Bus.Get(ctx, bus.Join(bus.SessionRoot(sessionId), "strokes"))
	if err != nil {
		return nil, err
	}
	strokes := drawing.DecodeStrokes(snap)

	w, h := drawing.Extents(strokes)
	img := drawing.Render(strokes, canvasSize(w), canvasSize(h), 1)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canvasSize(extent float64) int {
	size := int(math.Ceil(extent))
	if size < minCanvasSize {
		return minCanvasSize
	}
	if size > maxCanvasSize {
		return maxCanvasSize
	}
	return size
}
