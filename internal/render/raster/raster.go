// Package raster is a small in-process rendering engine. It draws a style's
// background colour and its raster layers, fetching tiles through the
// resolver. Vector layers are not drawn; deployments that need them plug a
// full engine into render.Engine instead.
package raster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/joeblew999/plat-maps/internal/geometry"
	"github.com/joeblew999/plat-maps/internal/imaging"
	"github.com/joeblew999/plat-maps/internal/render"
)

// maxTilesPerLayer bounds the tile grid one layer may fetch for a frame.
const maxTilesPerLayer = 1024

// Engine creates raster maps.
type Engine struct{}

// NewMap implements render.Engine.
func (Engine) NewMap(opts render.MapOptions) (render.Map, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("raster engine needs a fetcher")
	}
	return &Map{ratio: max(opts.Ratio, 1), fetch: opts.Fetcher, log: opts.Log}, nil
}

type layer struct {
	id       string
	tiles    string
	tileSize int
	minZoom  int
	maxZoom  int
	opacity  float64
}

// Map renders one style.
type Map struct {
	ratio int
	fetch render.Fetcher
	log   *logrus.Entry

	background color.Color
	layers     []layer
}

type styleDoc struct {
	Sources map[string]struct {
		Type     string   `json:"type"`
		Tiles    []string `json:"tiles"`
		TileSize int      `json:"tileSize"`
		MinZoom  *int     `json:"minzoom"`
		MaxZoom  *int     `json:"maxzoom"`
	} `json:"sources"`
	Layers []struct {
		ID     string         `json:"id"`
		Type   string         `json:"type"`
		Source string         `json:"source"`
		Paint  map[string]any `json:"paint"`
		Layout map[string]any `json:"layout"`
	} `json:"layers"`
}

// Load implements render.Map.
func (m *Map) Load(style []byte) error {
	var doc styleDoc
	if err := json.Unmarshal(style, &doc); err != nil {
		return fmt.Errorf("parse style: %w", err)
	}
	m.background = color.Transparent
	for _, l := range doc.Layers {
		if v, _ := l.Layout["visibility"].(string); v == "none" {
			continue
		}
		switch l.Type {
		case "background":
			if c, ok := l.Paint["background-color"].(string); ok {
				m.background = imaging.ColorOr(c, color.Transparent)
			}
		case "raster":
			src, ok := doc.Sources[l.Source]
			if !ok || len(src.Tiles) == 0 {
				continue
			}
			ly := layer{id: l.ID, tiles: src.Tiles[0], tileSize: src.TileSize, maxZoom: 22, opacity: 1}
			if ly.tileSize == 0 {
				ly.tileSize = 512
			}
			if src.MinZoom != nil {
				ly.minZoom = *src.MinZoom
			}
			if src.MaxZoom != nil {
				ly.maxZoom = *src.MaxZoom
			}
			if o, ok := l.Paint["raster-opacity"].(float64); ok {
				ly.opacity = o
			}
			m.layers = append(m.layers, ly)
		}
	}
	return nil
}

// Render implements render.Map.
func (m *Map) Render(ctx context.Context, p render.Params) ([]byte, error) {
	w, h := p.Width*m.ratio, p.Height*m.ratio
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(canvas, canvas.Bounds(), image.NewUniform(m.background), image.Point{}, xdraw.Src)

	if p.Bearing != 0 && m.log != nil {
		m.log.Debugf("raster engine ignores bearing %.1f", p.Bearing)
	}
	for _, ly := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.drawLayer(ctx, canvas, ly, p)
	}
	return canvas.Pix, nil
}

// drawLayer tiles the frame with the layer's tiles at the nearest zoom.
func (m *Map) drawLayer(ctx context.Context, canvas *image.RGBA, ly layer, p render.Params) {
	// engine zoom is for 512 px tiles; geometry works in 256 px tiles
	worldZoom := p.Zoom + 1
	tz := int(math.Round(worldZoom + math.Log2(geometry.TileSize/float64(ly.tileSize))))
	if tz < ly.minZoom {
		return
	}
	tz = min(max(tz, 0), ly.maxZoom)

	ratio := float64(m.ratio)
	center := geometry.Px(p.Center, worldZoom)
	left := center[0]*ratio - float64(canvas.Rect.Dx())/2
	top := center[1]*ratio - float64(canvas.Rect.Dy())/2
	tilePx := geometry.TileSize * math.Exp2(worldZoom) * ratio / math.Exp2(float64(tz))

	n := 1 << uint(tz)
	x0 := int(math.Floor(left / tilePx))
	x1 := int(math.Floor((left + float64(canvas.Rect.Dx())) / tilePx))
	y0 := max(int(math.Floor(top/tilePx)), 0)
	y1 := min(int(math.Floor((top+float64(canvas.Rect.Dy()))/tilePx)), n-1)
	if tiles := (x1 - x0 + 1) * (y1 - y0 + 1); tiles > maxTilesPerLayer {
		if m.log != nil {
			m.log.WithField("layer", ly.id).Warnf("skipping %d tiles at z%d", tiles, tz)
		}
		return
	}

	for ty := y0; ty <= y1; ty++ {
		for tx := x0; tx <= x1; tx++ {
			wx := ((tx % n) + n) % n
			url := strings.NewReplacer(
				"{z}", strconv.Itoa(tz),
				"{x}", strconv.Itoa(wx),
				"{y}", strconv.Itoa(ty),
			).Replace(ly.tiles)
			res := m.fetch.ResolveURL(ctx, url)
			if len(res.Data) == 0 {
				continue
			}
			tile, _, err := image.Decode(bytes.NewReader(res.Data))
			if err != nil {
				if m.log != nil {
					m.log.WithField("layer", ly.id).Warnf("decode %s: %v", url, err)
				}
				continue
			}
			dst := image.Rect(
				int(math.Round(float64(tx)*tilePx-left)),
				int(math.Round(float64(ty)*tilePx-top)),
				int(math.Round(float64(tx+1)*tilePx-left)),
				int(math.Round(float64(ty+1)*tilePx-top)),
			)
			var opts *xdraw.Options
			if ly.opacity < 1 {
				opts = &xdraw.Options{DstMask: image.NewUniform(color.Alpha{A: uint8(ly.opacity * 255)})}
			}
			xdraw.BiLinear.Scale(canvas, dst, tile, tile.Bounds(), xdraw.Over, opts)
		}
	}
}

// Release implements render.Map.
func (m *Map) Release() {
	m.layers = nil
}
