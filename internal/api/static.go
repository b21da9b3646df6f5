package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/paulmach/orb"

	"github.com/joeblew999/plat-maps/internal/geometry"
	"github.com/joeblew999/plat-maps/internal/imaging"
)

var (
	sizePattern   = regexp.MustCompile(`^(\d+)x(\d+)(?:@(\d+)x)?\.(\w+)$`)
	centerPattern = regexp.MustCompile(`^(-?\d+\.?\d*),(-?\d+\.?\d*),(-?\d+\.?\d*)(?:@(-?\d+\.?\d*)(?:,(\d+\.?\d*))?)?$`)
)

type OverlayQuery struct {
	Path    string  `query:"path" doc:"Overlay path as lon,lat|lon,lat|..." example:"8.5,47.3|8.6,47.4"`
	LatLng  bool    `query:"latlng" doc:"Path pairs are lat,lon"`
	Stroke  string  `query:"stroke" doc:"Path stroke colour (CSS)" example:"red"`
	Fill    string  `query:"fill" doc:"Path fill colour (CSS)"`
	Padding float64 `query:"padding" default:"0.1" doc:"Fit padding as a fraction of the image size"`
}

type StaticInput struct {
	ID     string  `path:"id" doc:"Style id" example:"basic"`
	Center string  `path:"center" doc:"lon,lat,zoom[@bearing[,pitch]], minx,miny,maxx,maxy or auto" example:"8.54,47.37,12@30,0"`
	Size   string  `path:"size" doc:"Size, optional @Nx scale and format" example:"512x256@2x.png"`
	Width  float64 `query:"width" default:"1" doc:"Path line width"`
	OverlayQuery
}

// StaticQueryInput is the query-string bbox variant. Keys are matched
// case-insensitively, so the query is read in Resolve rather than through
// parameter tags.
type StaticQueryInput struct {
	ID string `path:"id" doc:"Style id" example:"basic"`

	bbox      string
	width     int
	height    int
	scale     int
	format    string
	lineWidth float64
	overlay   OverlayQuery
}

const staticQueryDoc = "Query keys are case-insensitive. `bbox` is minx,miny,maxx,maxy in EPSG:3857 meters. " +
	"`width` and `height` are output pixels (default 256) and are divided by `scale` (default 1). " +
	"`format` accepts png or a MIME type such as image/png. Overlay keys: path, latlng, stroke, fill, padding, linewidth."

func (in *StaticQueryInput) Resolve(ctx huma.Context) []error {
	u := ctx.URL()
	q := map[string]string{}
	for k, v := range u.Query() {
		if len(v) > 0 {
			q[strings.ToLower(k)] = v[0]
		}
	}
	num := func(key string, def float64) float64 {
		v, ok := q[key]
		if !ok || v == "" {
			return def
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	}
	integer := func(key string, def int) int {
		v, ok := q[key]
		if !ok || v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	}

	in.bbox = q["bbox"]
	in.width = integer("width", geometry.TileSize)
	in.height = integer("height", geometry.TileSize)
	in.scale = integer("scale", 1)
	in.format = q["format"]
	if in.format == "" {
		in.format = "image/png"
	}
	in.format = in.format[strings.LastIndex(in.format, "/")+1:]
	in.lineWidth = num("linewidth", 1)

	latlng, ok := q["latlng"]
	in.overlay = OverlayQuery{
		Path:    q["path"],
		LatLng:  ok && latlng != "false" && latlng != "0",
		Stroke:  q["stroke"],
		Fill:    q["fill"],
		Padding: num("padding", 0.1),
	}
	return nil
}

// RegisterStatic registers static map routes.
func (h *Handler) RegisterStatic(api huma.API) {
	if !h.svc.Options.ServeStaticMaps {
		return
	}
	huma.Get(api, "/styles/{id}/static/{center}/{size}", h.GetStatic, huma.OperationTags("static"))
	huma.Get(api, "/styles/{id}/static/raw/{center}/{size}", h.GetStaticRaw, huma.OperationTags("static"))
	huma.Get(api, "/styles/{id}/static", h.GetStaticQuery, huma.OperationTags("static"), func(o *huma.Operation) {
		o.Description = staticQueryDoc
	})
}

func (h *Handler) GetStatic(ctx context.Context, input *StaticInput) (*ImageOutput, error) {
	return h.static(ctx, input, false)
}

// GetStaticRaw takes coordinates in web mercator meters.
func (h *Handler) GetStaticRaw(ctx context.Context, input *StaticInput) (*ImageOutput, error) {
	return h.static(ctx, input, true)
}

func (q OverlayQuery) style(width float64) geometry.OverlayStyle {
	st := geometry.DefaultOverlayStyle
	st.Stroke = imaging.ColorOr(q.Stroke, st.Stroke)
	st.Fill = imaging.ColorOr(q.Fill, st.Fill)
	st.Width = width
	return st
}

func parseSize(seg string) (w, h, scale int, format string, ok bool) {
	m := sizePattern.FindStringSubmatch(seg)
	if m == nil {
		return 0, 0, 0, "", false
	}
	w, _ = strconv.Atoi(m[1])
	h, _ = strconv.Atoi(m[2])
	scale = 1
	if m[3] != "" {
		scale, _ = strconv.Atoi(m[3])
		if scale < 2 {
			scale = 0
		}
	}
	return w, h, scale, m[4], true
}

func parseFloats(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// parseBBox reads "minx,miny,maxx,maxy" and applies t to both corners.
func parseBBox(s string, t geometry.Transform) (orb.Bound, orb.Point, error) {
	v, err := parseFloats(s)
	if err != nil || len(v) != 4 {
		return orb.Bound{}, orb.Point{}, fmt.Errorf("bbox %q", s)
	}
	lo, hi := orb.Point{v[0], v[1]}, orb.Point{v[2], v[3]}
	center := orb.Point{(v[0] + v[2]) / 2, (v[1] + v[3]) / 2}
	if t != nil {
		lo, hi, center = t(lo), t(hi), t(center)
	}
	return orb.Bound{Min: lo, Max: hi}, center, nil
}

func (h *Handler) static(ctx context.Context, input *StaticInput, raw bool) (*ImageOutput, error) {
	s, err := h.renderedStyle(input.ID)
	if err != nil {
		return nil, err
	}
	w, hgt, scale, format, ok := parseSize(input.Size)
	if !ok || !h.scaleAllowed(scale) {
		return nil, huma.Error404NotFound("Not found")
	}
	t := s.Transform()
	if raw {
		t = geometry.MercatorToLL
	}

	f := frame{
		width:   w,
		height:  hgt,
		scale:   scale,
		format:  format,
		path:    geometry.ParsePath(input.Path, input.LatLng, t),
		overlay: input.style(input.Width),
	}

	switch c := input.Center; {
	case c == "auto":
		if len(f.path) < 2 {
			return nil, huma.Error400BadRequest("Invalid path")
		}
		bound := geometry.Bounds(f.path)
		f.center = geometry.Center(bound)
		f.zoom = geometry.ZoomForBoundingBox(bound, w, hgt, input.Padding)

	case strings.Count(c, ",") == 3 && !strings.Contains(c, "@"):
		bound, center, err := parseBBox(c, t)
		if err != nil {
			return nil, huma.Error404NotFound("Not found")
		}
		f.center = center
		f.zoom = geometry.ZoomForBoundingBox(bound, w, hgt, input.Padding)

	default:
		center, zoom, bearing, pitch, err := parseCenter(c)
		if errors.Is(err, geometry.ErrInvalidZoom) {
			return nil, huma.Error404NotFound("Invalid zoom")
		}
		if err != nil {
			return nil, huma.Error404NotFound("Not found")
		}
		if t != nil {
			center = t(center)
		}
		f.center, f.zoom, f.bearing, f.pitch = center, zoom, bearing, pitch
	}
	return h.respondImage(ctx, s, f)
}

// parseCenter reads "lon,lat,zoom[@bearing[,pitch]]".
func parseCenter(s string) (center orb.Point, zoom, bearing, pitch float64, err error) {
	m := centerPattern.FindStringSubmatch(s)
	if m == nil {
		return orb.Point{}, 0, 0, 0, fmt.Errorf("center %q", s)
	}
	num := func(v string) float64 {
		if v == "" {
			return 0
		}
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	zoom = num(m[3])
	if zoom < 0 || zoom > geometry.ZoomLimit || math.IsNaN(zoom) {
		return orb.Point{}, 0, 0, 0, fmt.Errorf("%w: %v", geometry.ErrInvalidZoom, zoom)
	}
	return orb.Point{num(m[1]), num(m[2])}, zoom, num(m[4]), num(m[5]), nil
}

// GetStaticQuery serves /styles/{id}/static?bbox=..., always in web mercator
// meters.
func (h *Handler) GetStaticQuery(ctx context.Context, input *StaticQueryInput) (*ImageOutput, error) {
	s, err := h.renderedStyle(input.ID)
	if err != nil {
		return nil, err
	}
	if !h.scaleAllowed(input.scale) {
		return nil, huma.Error400BadRequest("Invalid scale")
	}
	w, hgt := input.width/input.scale, input.height/input.scale
	t := geometry.MercatorToLL
	bound, center, err := parseBBox(input.bbox, t)
	if err != nil {
		return nil, huma.Error400BadRequest("Invalid bbox")
	}
	return h.respondImage(ctx, s, frame{
		zoom:    geometry.ZoomForBoundingBox(bound, w, hgt, input.overlay.Padding),
		center:  center,
		width:   w,
		height:  hgt,
		scale:   input.scale,
		format:  input.format,
		path:    geometry.ParsePath(input.overlay.Path, input.overlay.LatLng, t),
		overlay: input.overlay.style(input.lineWidth),
	})
}
