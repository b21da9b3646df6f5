package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-maps/internal/geometry"
)

type RenderedTileInput struct {
	ID              string `path:"id" doc:"Style id" example:"basic"`
	Z               int    `path:"z" doc:"Zoom"`
	X               int    `path:"x" doc:"Column"`
	Tile            string `path:"tile" doc:"Row, optional @Nx scale and format" example:"0@2x.png"`
	IfModifiedSince string `header:"If-Modified-Since"`
	CacheControl    string `header:"Cache-Control"`
}

// RegisterRendered registers raster tile routes.
func (h *Handler) RegisterRendered(api huma.API) {
	huma.Get(api, "/styles/{id}/{z}/{x}/{tile}", h.GetRenderedTile, huma.OperationTags("rendered"))
}

// scaleAllowed reports whether a parsed scale suffix may be served.
func (h *Handler) scaleAllowed(scale int) bool {
	return scale >= 1 && scale <= h.svc.Options.MaxScaleFactor
}

func (h *Handler) GetRenderedTile(ctx context.Context, input *RenderedTileInput) (*ImageOutput, error) {
	s, err := h.renderedStyle(input.ID)
	if err != nil {
		return nil, err
	}
	y, scale, format, ok := parseTileSegment(input.Tile)
	if !ok || !h.scaleAllowed(scale) {
		return nil, huma.Error404NotFound("Not found")
	}

	z, x := input.Z, input.X
	minZoom, maxZoom := 0.0, 20.0
	if v, ok := number(s.TileJSON["minzoom"]); ok {
		minZoom = v
	}
	if v, ok := number(s.TileJSON["maxzoom"]); ok {
		maxZoom = v
	}
	if !geometry.TileInRange(z, x, y) || float64(z) < minZoom || float64(z) > maxZoom {
		return nil, huma.Error404NotFound("Out of bounds")
	}

	if ims := input.IfModifiedSince; ims != "" && !strings.Contains(input.CacheControl, "no-cache") {
		if since, err := http.ParseTime(ims); err == nil && !s.LastModified.After(since) {
			return nil, huma.Status304NotModified()
		}
	}

	return h.respondImage(ctx, s, frame{
		zoom:   float64(z),
		center: geometry.TileCenter(z, x, y),
		width:  geometry.TileSize,
		height: geometry.TileSize,
		scale:  scale,
		format: format,
		tile:   true,
	})
}
