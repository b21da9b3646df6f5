// Package api defines the Huma operations of the map server: rendered tiles
// and static maps, vector data tiles, styles, sprites, glyphs and listings.
package api

import (
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"

	"github.com/joeblew999/plat-maps/internal/config"
	"github.com/joeblew999/plat-maps/internal/fonts"
	"github.com/joeblew999/plat-maps/internal/resolver"
	"github.com/joeblew999/plat-maps/internal/service"
	"github.com/joeblew999/plat-maps/internal/style"
	"github.com/joeblew999/plat-maps/internal/tilesource"
)

// Version is reported by /health and /api/v1/info.
const Version = "1.0.0"

// Services holds the dependencies of the handlers.
type Services struct {
	Options config.Options
	Styles  *style.Registry
	// Data holds one source per data id.
	Data      *tilesource.Repository
	Fonts     *fonts.Catalog
	Bus       *service.EventBus
	PublicURL string
	Transform resolver.TransformFunc
	Log       *logrus.Entry
}

// Handler holds all operations. Methods named Register* are discovered by
// huma.AutoRegister.
type Handler struct {
	svc       *Services
	publicURL string
	started   time.Time
}

func NewHandler(svc *Services) *Handler {
	pub := svc.PublicURL
	if pub != "" && !strings.HasSuffix(pub, "/") {
		pub += "/"
	}
	return &Handler{svc: svc, publicURL: pub, started: time.Now().UTC().Truncate(time.Second)}
}

// RequestContext captures what generated URLs need from the request. Inputs
// embed it; huma calls Resolve before the handler runs.
type RequestContext struct {
	Key string `query:"key" doc:"Access key, propagated into generated URLs"`

	host  string
	proto string
}

func (r *RequestContext) Resolve(ctx huma.Context) []error {
	r.host = ctx.Host()
	r.proto = "http"
	if p := ctx.Header("X-Forwarded-Proto"); p != "" {
		r.proto = p
	}
	return nil
}

func (r *RequestContext) query() string {
	if r.Key == "" {
		return ""
	}
	return "?key=" + url.QueryEscape(r.Key)
}

// baseURL is the public URL, or the request's own origin, ending in "/".
func (h *Handler) baseURL(rc *RequestContext) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	return rc.proto + "://" + rc.host + "/"
}

// tileURLs builds TileJSON "tiles" entries for path. Domains may contain "*"
// which is replaced by the request's first host label.
func (h *Handler) tileURLs(rc *RequestContext, domains []string, path, format string) []string {
	suffix := path + "/{z}/{x}/{y}." + format + rc.query()
	if h.publicURL != "" {
		return []string{h.publicURL + suffix}
	}
	if len(domains) == 0 {
		domains = h.svc.Options.Domains
	}
	if len(domains) == 0 {
		domains = []string{rc.host}
	}

	hostParts := strings.Split(rc.host, ".")
	hostOnly := rc.host
	if hp, _, err := net.SplitHostPort(rc.host); err == nil {
		hostOnly = hp
	}
	relative := len(hostParts) > 1 && net.ParseIP(hostOnly) == nil

	var out []string
	for _, d := range domains {
		if strings.Contains(d, "*") {
			if !relative {
				continue
			}
			parts := append([]string{strings.Replace(d, "*", hostParts[0], 1)}, hostParts[1:]...)
			d = strings.Join(parts, ".")
		}
		out = append(out, rc.proto+"://"+d+"/"+suffix)
	}
	if len(out) == 0 {
		out = append(out, rc.proto+"://"+rc.host+"/"+suffix)
	}
	return out
}

// fixURL replaces the local:// scheme with the base URL.
func (h *Handler) fixURL(rc *RequestContext, u string) string {
	if !strings.HasPrefix(u, "local://") {
		return u
	}
	return h.baseURL(rc) + strings.TrimPrefix(u, "local://") + rc.query()
}

// number reads a numeric TileJSON value.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// stringsOf reads a string list decoded from JSON or YAML.
func stringsOf(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		var out []string
		for _, e := range l {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"1.0.0"`
}

type MessageBody struct {
	Message string `json:"message" doc:"Result message"`
}
