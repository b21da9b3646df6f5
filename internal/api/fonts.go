package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

type GlyphInput struct {
	FontStack string `path:"fontstack" doc:"Comma separated font stacks" example:"Open Sans Regular,Arial Unicode MS Regular"`
	Range     string `path:"range" doc:"Glyph range" example:"0-255.pbf"`
}

type GlyphOutput struct {
	ContentType  string `header:"Content-Type"`
	LastModified string `header:"Last-Modified"`
	Body         []byte
}

// RegisterFonts registers glyph routes.
func (h *Handler) RegisterFonts(api huma.API) {
	huma.Get(api, "/fonts/{fontstack}/{range}", h.GetGlyphs, huma.OperationTags("fonts"))
	huma.Get(api, "/fonts.json", h.GetFonts, huma.OperationTags("fonts"))
}

func (h *Handler) GetGlyphs(ctx context.Context, input *GlyphInput) (*GlyphOutput, error) {
	rng, ok := strings.CutSuffix(input.Range, ".pbf")
	if !ok {
		return nil, huma.Error404NotFound("Not found")
	}
	data, err := h.svc.Fonts.GlyphRange(input.FontStack, rng)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	return &GlyphOutput{
		ContentType:  "application/x-protobuf",
		LastModified: h.started.Format(http.TimeFormat),
		Body:         data,
	}, nil
}

func (h *Handler) GetFonts(ctx context.Context, input *struct{}) (*struct{ Body []string }, error) {
	names := h.svc.Fonts.List()
	if names == nil {
		names = []string{}
	}
	return &struct{ Body []string }{Body: names}, nil
}
