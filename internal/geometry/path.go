package geometry

import (
	"image"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/gogpu/gg"
	"github.com/paulmach/orb"
)

// ParsePath decodes a "lon,lat|lon,lat|..." query value. Pairs that are not
// two numbers are skipped. latlng swaps the order of every pair and t, when
// set, is applied to each point.
func ParsePath(raw string, latlng bool, t Transform) orb.LineString {
	if raw == "" {
		return nil
	}
	var path orb.LineString
	for _, pair := range strings.Split(raw, "|") {
		parts := strings.Split(pair, ",")
		if len(parts) != 2 {
			continue
		}
		a, errA := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if errA != nil || errB != nil {
			continue
		}
		p := orb.Point{a, b}
		if latlng {
			p = orb.Point{b, a}
		}
		if t != nil {
			p = t(p)
		}
		path = append(path, p)
	}
	return path
}

// Viewport is the frame a static map is drawn into.
type Viewport struct {
	Zoom    float64
	Center  orb.Point
	Bearing float64
	Pitch   float64
	Width   int
	Height  int
	Scale   int
}

// OverlayStyle controls path drawing.
type OverlayStyle struct {
	Stroke color.Color
	Fill   color.Color
	Width  float64
}

// DefaultOverlayStyle is the translucent blue line over a white wash.
var DefaultOverlayStyle = OverlayStyle{
	Stroke: color.NRGBA{R: 0, G: 64, B: 255, A: 179},
	Fill:   color.NRGBA{R: 255, G: 255, B: 255, A: 102},
	Width:  1,
}

// RenderOverlay draws path over a transparent canvas matching the viewport.
// It returns nil when the path has fewer than two points.
func RenderOverlay(vp Viewport, path orb.LineString, style OverlayStyle) (image.Image, error) {
	if len(path) < 2 {
		return nil, nil
	}

	// pixel positions at a fixed reference zoom, then scaled, keep precision
	const refZoom = 20
	factor := math.Exp2(vp.Zoom - refZoom)
	px := func(ll orb.Point) orb.Point {
		p := Px(ll, refZoom)
		return orb.Point{p[0] * factor, p[1] * factor}
	}

	center := px(vp.Center)
	w, h := float64(vp.Width), float64(vp.Height)
	mapHeight := worldSize(vp.Zoom)
	// keep the frame inside the world vertically
	center[1] = math.Min(math.Max(center[1], h/2), mapHeight-h/2)

	scale := float64(max(vp.Scale, 1))
	dc := gg.NewContext(int(scale*w), int(scale*h))
	defer dc.Close()

	dc.Scale(scale, scale)
	if vp.Bearing != 0 {
		dc.Translate(w/2, h/2)
		dc.Rotate(-vp.Bearing / 180 * math.Pi)
		dc.Translate(-center[0], -center[1])
	} else {
		dc.Translate(-center[0]+w/2, -center[1]+h/2)
	}

	for i, ll := range path {
		p := px(ll)
		if i == 0 {
			dc.MoveTo(p[0], p[1])
		} else {
			dc.LineTo(p[0], p[1])
		}
	}
	if path[0].Equal(path[len(path)-1]) {
		dc.ClosePath()
	}

	dc.SetColor(style.Fill)
	if err := dc.FillPreserve(); err != nil {
		return nil, err
	}
	if style.Width > 0 {
		dc.SetLineWidth(style.Width)
		dc.SetColor(style.Stroke)
		if err := dc.Stroke(); err != nil {
			return nil, err
		}
	} else {
		dc.ClearPath()
	}
	return dc.Image(), nil
}
