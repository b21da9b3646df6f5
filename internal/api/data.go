package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-maps/internal/geometry"
	"github.com/joeblew999/plat-maps/internal/tilesource"
	"github.com/joeblew999/plat-maps/internal/transcode"
)

// tilePattern matches the last tile path segment: y, optional @Nx scale and
// the format extension.
var tilePattern = regexp.MustCompile(`^(\d+)(?:@(\d+)x)?\.(\w+)$`)

// parseTileSegment splits "5@2x.png". Scale is 1 without suffix and 0 when
// the suffix is malformed.
func parseTileSegment(seg string) (y, scale int, format string, ok bool) {
	m := tilePattern.FindStringSubmatch(seg)
	if m == nil {
		return 0, 0, "", false
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, "", false
	}
	scale = 1
	if m[2] != "" {
		scale, _ = strconv.Atoi(m[2])
		if scale < 2 {
			scale = 0
		}
	}
	return y, scale, m[3], true
}

type DataFileInput struct {
	RequestContext
	File string `path:"file" doc:"Data id with .json extension" example:"openmaptiles.json"`
}

type DataTileInput struct {
	ID   string `path:"id" doc:"Data id" example:"openmaptiles"`
	Z    int    `path:"z" doc:"Zoom"`
	X    int    `path:"x" doc:"Column"`
	Tile string `path:"tile" doc:"Row and format" example:"0.pbf"`
}

// TileOutput is a binary tile. Data tiles are always gzip encoded.
type TileOutput struct {
	Status          int
	ContentType     string `header:"Content-Type"`
	ContentEncoding string `header:"Content-Encoding"`
	LastModified    string `header:"Last-Modified"`
	Body            []byte
}

// RegisterData registers vector and raster data routes.
func (h *Handler) RegisterData(api huma.API) {
	huma.Get(api, "/data/{file}", h.GetDataTileJSON, huma.OperationTags("data"))
	huma.Get(api, "/data/{id}/{z}/{x}/{tile}", h.GetDataTile, huma.OperationTags("data"))
}

// dataTileJSON is the TileJSON of a data source with tiles URLs for the
// request.
func (h *Handler) dataTileJSON(rc *RequestContext, src *tilesource.Source) map[string]any {
	tj := src.TileJSON()
	format := src.Info.Format
	if format == "pbf" && h.svc.Options.PbfAlias != "" {
		format = h.svc.Options.PbfAlias
	}
	domains := stringsOf(tj["domains"])
	delete(tj, "domains")
	tj["tiles"] = h.tileURLs(rc, domains, "data/"+src.Name, format)
	return tj
}

func (h *Handler) GetDataTileJSON(ctx context.Context, input *DataFileInput) (*struct{ Body map[string]any }, error) {
	id, ok := strings.CutSuffix(input.File, ".json")
	if !ok {
		return nil, huma.Error404NotFound("Not found")
	}
	src, ok := h.svc.Data.Lookup(id)
	if !ok {
		return nil, huma.Error404NotFound("Data not found")
	}
	return &struct{ Body map[string]any }{Body: h.dataTileJSON(&input.RequestContext, src)}, nil
}

func (h *Handler) GetDataTile(ctx context.Context, input *DataTileInput) (*TileOutput, error) {
	src, ok := h.svc.Data.Lookup(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("Data not found")
	}
	y, scale, format, ok := parseTileSegment(input.Tile)
	if !ok || scale != 1 {
		return nil, huma.Error404NotFound("Not found")
	}
	if alias := h.svc.Options.PbfAlias; alias != "" && format == alias {
		format = "pbf"
	}
	stored := src.Info.Format
	if format != stored && !(format == "geojson" && stored == "pbf") {
		return nil, huma.Error404NotFound("Invalid format")
	}
	z, x := input.Z, input.X
	if !geometry.TileInRange(z, x, y) || z < src.Info.MinZoom || z > src.Info.MaxZoom {
		return nil, huma.Error404NotFound("Out of bounds")
	}

	tile, err := h.svc.Data.GetTile(ctx, src.Name, z, x, y)
	if errors.Is(err, tilesource.ErrTileNotFound) {
		return &TileOutput{Status: http.StatusNoContent}, nil
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to read tile", err)
	}

	data := tile.Data
	if stored == "pbf" && h.svc.Transform != nil {
		raw, err := tilesource.Gunzip(data)
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to inflate tile", err)
		}
		data = h.svc.Transform(src.Name, raw, z, x, y)
	}

	out := &TileOutput{Status: http.StatusOK, ContentEncoding: "gzip"}
	switch format {
	case "pbf":
		out.ContentType = "application/x-protobuf"
	case "geojson":
		out.ContentType = "application/json"
		if data, err = transcode.GeoJSON(data, z, x, y); err != nil {
			return nil, huma.Error500InternalServerError("Failed to transcode tile", err)
		}
	default:
		out.ContentType = contentTypeFor(format)
	}
	// content may have changed, validators come from the archive only
	if !tile.Modified.IsZero() && format != "geojson" {
		out.LastModified = tile.Modified.UTC().Format(http.TimeFormat)
	}

	if !tilesource.IsGzipped(data) {
		if data, err = tilesource.Gzip(data); err != nil {
			return nil, huma.Error500InternalServerError("Failed to compress tile", err)
		}
	}
	out.Body = data
	return out, nil
}

func contentTypeFor(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	case "json":
		return "application/json"
	}
	return "application/octet-stream"
}
