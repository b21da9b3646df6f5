package api

import (
	"context"
	"errors"
	"image"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb"

	"github.com/joeblew999/plat-maps/internal/geometry"
	"github.com/joeblew999/plat-maps/internal/imaging"
	"github.com/joeblew999/plat-maps/internal/pool"
	"github.com/joeblew999/plat-maps/internal/render"
	"github.com/joeblew999/plat-maps/internal/style"
)

// ImageOutput is an encoded raster image.
type ImageOutput struct {
	ContentType  string `header:"Content-Type"`
	LastModified string `header:"Last-Modified"`
	Body         []byte
}

// frame is a validated-on-use image request. Zoom is in 256 px tile space.
type frame struct {
	zoom    float64
	center  orb.Point
	bearing float64
	pitch   float64
	width   int
	height  int
	scale   int
	format  string
	tile    bool
	path    orb.LineString
	overlay geometry.OverlayStyle
}

func httpTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(http.TimeFormat)
}

// renderedStyle returns a style that serves raster output.
func (h *Handler) renderedStyle(id string) (*style.Style, error) {
	s, ok := h.svc.Styles.Get(id)
	if !ok || !s.Rendered() {
		return nil, huma.Error404NotFound("Style not found")
	}
	return s, nil
}

// respondImage validates the frame, renders it and encodes the result.
func (h *Handler) respondImage(ctx context.Context, s *style.Style, f frame) (*ImageOutput, error) {
	opts := h.svc.Options
	if err := geometry.ValidateCenter(f.center[0], f.center[1]); err != nil {
		return nil, huma.Error400BadRequest("Invalid center")
	}
	if err := geometry.ValidateSize(f.width, f.height, f.scale, opts.MaxSize); err != nil {
		return nil, huma.Error400BadRequest("Invalid size")
	}
	format, err := imaging.ParseFormat(f.format)
	if err != nil {
		return nil, huma.Error400BadRequest("Invalid format")
	}

	margin := 0
	if f.tile && f.zoom > 2 {
		margin = max(opts.TileMargin, 0)
	}
	params := render.Params{
		// engine tiles are 512 px, a zoom level above the 256 px grid
		Zoom:    max(0, f.zoom-1),
		Center:  f.center,
		Bearing: f.bearing,
		Pitch:   f.pitch,
		Width:   f.width,
		Height:  f.height,
	}
	// zoom -1 does not exist in the engine: render zoom 0 twice as large and
	// shrink it afterwards
	double := f.zoom == 0
	if double {
		params.Width *= 2
		params.Height *= 2
	}
	params.Width += 2 * margin
	params.Height += 2 * margin

	raw, err := s.Renderer.Render(ctx, f.scale, params)
	if err != nil {
		if errors.Is(err, pool.ErrClosed) {
			return nil, huma.Error503ServiceUnavailable("Style is being removed")
		}
		if ctx.Err() != nil {
			return nil, huma.Error503ServiceUnavailable("Request cancelled", err)
		}
		h.svc.Log.WithField("style", s.ID).Errorf("render: %v", err)
		return nil, huma.Error500InternalServerError("Render failed", err)
	}
	img, err := imaging.FromPremultiplied(raw.Pix, raw.Width, raw.Height)
	if err != nil {
		return nil, huma.Error500InternalServerError("Render failed", err)
	}

	w, hgt := f.width*f.scale, f.height*f.scale
	if margin > 0 {
		m := margin * f.scale
		img = imaging.Crop(img, image.Rect(m, m, m+w, m+hgt))
	}
	if double {
		img = imaging.Resize(img, w, hgt)
	}

	overlay, err := geometry.RenderOverlay(geometry.Viewport{
		Zoom:    f.zoom,
		Center:  f.center,
		Bearing: f.bearing,
		Pitch:   f.pitch,
		Width:   f.width,
		Height:  f.height,
		Scale:   f.scale,
	}, f.path, f.overlay)
	if err != nil {
		return nil, huma.Error500InternalServerError("Overlay failed", err)
	}
	imaging.Composite(img, overlay)

	var out image.Image = img
	if s.Watermark != "" {
		if out, err = imaging.Watermark(img, s.Watermark, f.scale); err != nil {
			return nil, huma.Error500InternalServerError("Watermark failed", err)
		}
	}

	body, err := imaging.EncodeBytes(out, format, opts.Quality(string(format)))
	if err != nil {
		return nil, huma.Error500InternalServerError("Encode failed", err)
	}
	return &ImageOutput{
		ContentType:  format.ContentType(),
		LastModified: httpTime(s.LastModified),
		Body:         body,
	}, nil
}
