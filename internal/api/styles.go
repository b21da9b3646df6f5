package api

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-maps/internal/style"
)

var spritePattern = regexp.MustCompile(`^sprite(@[23]x)?\.(json|png)$`)

type StyleInput struct {
	RequestContext
	ID string `path:"id" doc:"Style id" example:"basic"`
}

type StyleFileInput struct {
	RequestContext
	File string `path:"file" doc:"Style id with .json extension" example:"basic.json"`
}

type SpriteInput struct {
	ID     string `path:"id" doc:"Style id" example:"basic"`
	Sprite string `path:"sprite" doc:"Sprite file" example:"sprite@2x.png"`
}

type SpriteOutput struct {
	ContentType  string `header:"Content-Type"`
	LastModified string `header:"Last-Modified"`
	Body         []byte
}

type StyleListItem struct {
	Version int    `json:"version" doc:"Style spec version"`
	Name    string `json:"name" doc:"Style name"`
	ID      string `json:"id" doc:"Style id"`
	URL     string `json:"url" doc:"Style document URL"`
}

// RegisterStyles registers style, sprite and rendered TileJSON routes.
func (h *Handler) RegisterStyles(api huma.API) {
	huma.Get(api, "/styles/{id}/style.json", h.GetStyle, huma.OperationTags("styles"))
	huma.Get(api, "/styles/{id}/{sprite}", h.GetSprite, huma.OperationTags("styles"))
	huma.Get(api, "/styles/{file}", h.GetRenderedTileJSON, huma.OperationTags("rendered"))
}

// RegisterListings registers the index routes.
func (h *Handler) RegisterListings(api huma.API) {
	huma.Get(api, "/styles.json", h.ListStyles, huma.OperationTags("styles"))
	huma.Get(api, "/rendered.json", h.ListRendered, huma.OperationTags("rendered"))
	huma.Get(api, "/data.json", h.ListData, huma.OperationTags("data"))
	huma.Get(api, "/index.json", h.ListIndex, huma.OperationTags("rendered", "data"))
}

func (h *Handler) GetStyle(ctx context.Context, input *StyleInput) (*struct{ Body map[string]any }, error) {
	s, ok := h.svc.Styles.Get(input.ID)
	if !ok {
		return nil, huma.Error404NotFound("Style not found")
	}
	doc := s.Public.Clone()
	for _, src := range doc.Sources() {
		if u, ok := src["url"].(string); ok {
			src["url"] = h.fixURL(&input.RequestContext, u)
		}
	}
	for _, key := range []string{"sprite", "glyphs"} {
		if u := doc.String(key); u != "" {
			doc[key] = h.fixURL(&input.RequestContext, u)
		}
	}
	return &struct{ Body map[string]any }{Body: doc}, nil
}

func (h *Handler) GetSprite(ctx context.Context, input *SpriteInput) (*SpriteOutput, error) {
	s, ok := h.svc.Styles.Get(input.ID)
	if !ok || s.SpritePath == "" {
		return nil, huma.Error404NotFound("Sprite not found")
	}
	m := spritePattern.FindStringSubmatch(input.Sprite)
	if m == nil {
		return nil, huma.Error404NotFound("Not found")
	}
	data, err := os.ReadFile(s.SpritePath + m[1] + "." + m[2])
	if err != nil {
		return nil, huma.Error404NotFound("Sprite not found")
	}
	ct := "image/png"
	if m[2] == "json" {
		ct = "application/json"
	}
	return &SpriteOutput{ContentType: ct, LastModified: httpTime(s.LastModified), Body: data}, nil
}

// renderedTileJSON is the TileJSON of a rendered style for the request.
func (h *Handler) renderedTileJSON(rc *RequestContext, s *style.Style) map[string]any {
	format, _ := s.TileJSON["format"].(string)
	if format == "" {
		format = "png"
	}
	return s.TileJSONFor(h.tileURLs(rc, s.Domains, "styles/"+s.ID, format))
}

func (h *Handler) GetRenderedTileJSON(ctx context.Context, input *StyleFileInput) (*struct{ Body map[string]any }, error) {
	id, ok := strings.CutSuffix(input.File, ".json")
	if !ok {
		return nil, huma.Error404NotFound("Not found")
	}
	s, ok := h.svc.Styles.Get(id)
	if !ok || !s.Rendered() {
		return nil, huma.Error404NotFound("Style not found")
	}
	return &struct{ Body map[string]any }{Body: h.renderedTileJSON(&input.RequestContext, s)}, nil
}

func (h *Handler) ListStyles(ctx context.Context, input *StyleInputList) (*struct{ Body []StyleListItem }, error) {
	out := []StyleListItem{}
	for _, s := range h.svc.Styles.List() {
		version := 8
		if v, ok := number(s.Public["version"]); ok {
			version = int(v)
		}
		out = append(out, StyleListItem{
			Version: version,
			Name:    s.Name,
			ID:      s.ID,
			URL:     h.baseURL(&input.RequestContext) + "styles/" + s.ID + "/style.json" + input.query(),
		})
	}
	return &struct{ Body []StyleListItem }{Body: out}, nil
}

// StyleInputList is the input of the listing operations.
type StyleInputList struct {
	RequestContext
}

func (h *Handler) renderedList(rc *RequestContext) []map[string]any {
	out := []map[string]any{}
	for _, s := range h.svc.Styles.List() {
		if s.Rendered() {
			out = append(out, h.renderedTileJSON(rc, s))
		}
	}
	return out
}

func (h *Handler) dataList(rc *RequestContext) []map[string]any {
	out := []map[string]any{}
	for _, name := range h.svc.Data.Sorted() {
		if src, ok := h.svc.Data.Get(name); ok {
			out = append(out, h.dataTileJSON(rc, src))
		}
	}
	return out
}

func (h *Handler) ListRendered(ctx context.Context, input *StyleInputList) (*struct{ Body []map[string]any }, error) {
	return &struct{ Body []map[string]any }{Body: h.renderedList(&input.RequestContext)}, nil
}

func (h *Handler) ListData(ctx context.Context, input *StyleInputList) (*struct{ Body []map[string]any }, error) {
	return &struct{ Body []map[string]any }{Body: h.dataList(&input.RequestContext)}, nil
}

func (h *Handler) ListIndex(ctx context.Context, input *StyleInputList) (*struct{ Body []map[string]any }, error) {
	out := append(h.renderedList(&input.RequestContext), h.dataList(&input.RequestContext)...)
	return &struct{ Body []map[string]any }{Body: out}, nil
}
