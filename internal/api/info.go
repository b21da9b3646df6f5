package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-maps/internal/service"
)

type InfoBody struct {
	Name     string   `json:"name" doc:"Service name"`
	Version  string   `json:"version" doc:"Service version"`
	Styles   int      `json:"styles" doc:"Registered styles"`
	Rendered int      `json:"rendered" doc:"Styles served as raster tiles"`
	Data     int      `json:"data" doc:"Data sources"`
	Fonts    int      `json:"fonts" doc:"Font stacks available to clients"`
	Features []string `json:"features" doc:"Enabled features"`
}

// RegisterHealth registers health and info routes.
func (h *Handler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
	huma.Get(api, "/api/v1/archives", h.GetArchives, huma.OperationTags("data"))
}

func (h *Handler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: Version}}, nil
}

func (h *Handler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	body := InfoBody{
		Name:     "plat-maps",
		Version:  Version,
		Data:     len(h.svc.Data.Names()),
		Fonts:    len(h.svc.Fonts.List()),
		Features: []string{"mbtiles", "pmtiles", "geojson"},
	}
	for _, s := range h.svc.Styles.List() {
		body.Styles++
		if s.Rendered() {
			body.Rendered++
		}
	}
	if body.Rendered > 0 {
		body.Features = append(body.Features, "rendered")
		if h.svc.Options.ServeStaticMaps {
			body.Features = append(body.Features, "static")
		}
	}
	return &struct{ Body InfoBody }{Body: body}, nil
}

// GetArchives lists the archive files in the archives directory, configured
// or not.
func (h *Handler) GetArchives(ctx context.Context, input *struct{}) (*struct{ Body []service.ArchiveFile }, error) {
	files, err := service.ListArchives(h.svc.Options.Paths.Archives)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list archives", err)
	}
	return &struct{ Body []service.ArchiveFile }{Body: files}, nil
}
