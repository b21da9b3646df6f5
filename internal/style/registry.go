package style

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joeblew999/plat-maps/internal/config"
	"github.com/joeblew999/plat-maps/internal/fonts"
	"github.com/joeblew999/plat-maps/internal/geometry"
	"github.com/joeblew999/plat-maps/internal/render"
	"github.com/joeblew999/plat-maps/internal/resolver"
	"github.com/joeblew999/plat-maps/internal/service"
	"github.com/joeblew999/plat-maps/internal/tilesource"
)

var ErrStyleNotFound = errors.New("style not found")

// Style is a registered style.
type Style struct {
	ID           string
	Name         string
	Public       Document
	SpritePath   string // sprite file prefix, empty when the style has none
	LastModified time.Time
	TileJSON     map[string]any
	Watermark    string
	Domains      []string
	Fonts        []string
	// Sources and Renderer are nil when rendering is disabled.
	Sources  *tilesource.Repository
	Renderer *render.Renderer
}

// Rendered reports whether raster tiles and static maps are served.
func (s *Style) Rendered() bool { return s.Renderer != nil }

// Transform is the projection hook of the style's sources, or nil.
func (s *Style) Transform() geometry.Transform {
	if s.Sources == nil {
		return nil
	}
	return s.Sources.Transform()
}

// Options configure a Registry.
type Options struct {
	StylesDir  string
	SpritesDir string
	Render     bool
	Sizes      render.Sizes
	MaxScale   int
	Watermark  string
	Verbose    bool
}

// Deps are the collaborators shared by all registrations.
type Deps struct {
	Engine    render.Engine
	Fonts     *fonts.Catalog
	Data      *DataIndex
	Empty     *resolver.EmptyCache
	Client    *http.Client
	Transform resolver.TransformFunc
	Bus       *service.EventBus
	Log       *logrus.Entry
}

// Registry holds the registered styles.
type Registry struct {
	opts Options
	deps Deps

	mu     sync.RWMutex
	styles map[string]*Style
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options, deps Deps) *Registry {
	if deps.Empty == nil {
		deps.Empty = resolver.NewEmptyCache()
	}
	if deps.Bus == nil {
		deps.Bus = service.NewEventBus()
	}
	return &Registry{opts: opts, deps: deps, styles: map[string]*Style{}}
}

// Add loads and registers a style. Any error leaves the registry unchanged.
func (r *Registry) Add(ctx context.Context, id string, params config.Style) error {
	log := r.deps.Log.WithField("style", id)

	file := params.Style
	if !filepath.IsAbs(file) {
		file = filepath.Join(r.opts.StylesDir, file)
	}
	doc, err := Read(file)
	if err != nil {
		return err
	}
	modified := time.Now().UTC()
	if st, err := os.Stat(file); err == nil {
		modified = st.ModTime().UTC()
	}
	modified = modified.Truncate(time.Second)

	s := &Style{
		ID:           id,
		Name:         doc.Name(),
		LastModified: modified,
		Watermark:    params.Watermark,
		Domains:      params.Domains,
		Fonts:        doc.Fonts(),
	}
	if s.Watermark == "" {
		s.Watermark = r.opts.Watermark
	}
	if s.Name == "" {
		s.Name = id
	}
	sprites := r.spriteReplacer(params.Style, file)

	s.Public, s.SpritePath, err = r.publicDocument(doc, id, sprites, params)
	if err != nil {
		return err
	}
	r.deps.Fonts.Allow(s.Fonts...)

	s.TileJSON = baseTileJSON(s.Name, params.TileJSON)
	if r.opts.Render {
		if err := r.prepareRendering(ctx, s, doc, sprites, params, log); err != nil {
			return err
		}
	}

	r.mu.Lock()
	old := r.styles[id]
	r.styles[id] = s
	r.mu.Unlock()
	if old != nil {
		r.release(ctx, old, log)
	}

	log.Infof("registered %q", s.Name)
	r.deps.Bus.Publish(service.Event{Resource: "styles", Action: "created", ID: id})
	return nil
}

// spriteReplacer expands the sprite placeholders: {style} is the style file
// name without extension and {styleJsonFolder} is the style's folder relative
// to the sprites directory.
func (r *Registry) spriteReplacer(name, file string) *strings.Replacer {
	folder := filepath.Dir(name)
	if sprites, err := filepath.Abs(r.opts.SpritesDir); err == nil {
		if dir, err := filepath.Abs(filepath.Dir(file)); err == nil {
			if rel, err := filepath.Rel(sprites, dir); err == nil {
				folder = rel
			}
		}
	}
	base := filepath.Base(name)
	return strings.NewReplacer(
		"{style}", strings.TrimSuffix(base, filepath.Ext(base)),
		"{styleJsonFolder}", filepath.ToSlash(folder),
	)
}

// publicDocument rewrites resource URLs to local:// form for the style.json
// endpoint.
func (r *Registry) publicDocument(doc Document, id string, sprites *strings.Replacer, params config.Style) (Document, string, error) {
	pub := doc.Clone()
	for name, src := range pub.Sources() {
		url, _ := src["url"].(string)
		ref, fromData, ok := ArchiveRef(url)
		if !ok {
			continue
		}
		entry, err := r.dataEntry(ref, fromData, params.Mapping)
		if err != nil {
			return nil, "", fmt.Errorf("source %s: %w", name, err)
		}
		src["url"] = "local://data/" + entry.ID + ".json"
	}

	var spritePath string
	if sprite := pub.String("sprite"); sprite != "" && !IsRemote(sprite) {
		sprite = sprites.Replace(sprite)
		spritePath = filepath.Join(r.opts.SpritesDir, filepath.FromSlash(sprite))
		pub["sprite"] = "local://styles/" + id + "/sprite"
	}
	if glyphs := pub.String("glyphs"); glyphs != "" && !IsRemote(glyphs) {
		pub["glyphs"] = "local://fonts/{fontstack}/{range}.pbf"
	}
	return pub, spritePath, nil
}

func (r *Registry) dataEntry(ref string, fromData bool, mapping map[string]string) (DataEntry, error) {
	if !fromData {
		return r.deps.Data.ByFile(ref), nil
	}
	if to, ok := mapping[ref]; ok {
		ref = to
	} else if to, ok := mapping[strings.ToLower(ref)]; ok {
		ref = to
	}
	e, ok := r.deps.Data.ByID(ref)
	if !ok {
		return DataEntry{}, fmt.Errorf("data %q not found", ref)
	}
	return e, nil
}

// prepareRendering opens the style's sources, builds the render document and
// creates the renderer pools.
func (r *Registry) prepareRendering(ctx context.Context, s *Style, doc Document, sprites *strings.Replacer, params config.Style, log *logrus.Entry) error {
	rd := doc.Clone()
	rd.FlattenExtrusions()

	if sprite := rd.String("sprite"); sprite != "" && !IsRemote(sprite) {
		sprite = sprites.Replace(sprite)
		rd["sprite"] = resolver.SpriteScheme + path.Clean(filepath.ToSlash(sprite))
	}
	if glyphs := rd.String("glyphs"); glyphs != "" && !IsRemote(glyphs) {
		rd["glyphs"] = resolver.GlyphScheme + "{fontstack}/{range}.pbf"
	}

	repo := tilesource.NewRepository(log)
	type pending struct {
		name string
		def  map[string]any
		spec tilesource.Spec
	}
	var todo []pending
	for name, src := range rd.Sources() {
		url, _ := src["url"].(string)
		ref, fromData, ok := ArchiveRef(url)
		if !ok {
			continue
		}
		entry, err := r.dataEntry(ref, fromData, params.Mapping)
		if err != nil {
			return fmt.Errorf("source %s: %w", name, err)
		}
		todo = append(todo, pending{name: name, def: src, spec: tilesource.Spec{Path: entry.Path, TileJSON: entry.TileJSON}})
	}

	// sorted so the projection of the last source by name wins consistently
	sort.Slice(todo, func(i, j int) bool { return todo[i].name < todo[j].name })
	for _, p := range todo {
		if _, err := repo.Add(ctx, p.name, p.spec); err != nil {
			repo.Close()
			return err
		}
	}

	for _, p := range todo {
		src, _ := repo.Get(p.name)
		def := p.def
		delete(def, "url")
		def["tiles"] = []string{src.TileURL()}
		info := src.Info
		def["minzoom"] = info.MinZoom
		def["maxzoom"] = info.MaxZoom
		if len(info.Bounds) == 4 {
			def["bounds"] = info.Bounds
		}
		if t, _ := def["type"].(string); t == "raster" {
			if _, ok := def["tileSize"]; !ok {
				def["tileSize"] = 256
			}
		}
		if info.Attribution != "" {
			def["attribution"] = info.Attribution
		}
	}
	if _, overridden := params.TileJSON["attribution"]; !overridden {
		if attr := repo.Attribution(); attr != "" {
			s.TileJSON["attribution"] = attr
		}
	}

	body, err := rd.Marshal()
	if err != nil {
		repo.Close()
		return fmt.Errorf("encode render style: %w", err)
	}

	res := &resolver.Resolver{
		Sources:   repo,
		Glyphs:    r.deps.Fonts.Unrestricted(),
		SpriteDir: r.opts.SpritesDir,
		Client:    r.deps.Client,
		Empty:     r.deps.Empty,
		Transform: r.deps.Transform,
		Log:       log,
		Verbose:   r.opts.Verbose,
	}
	s.Sources = repo
	s.Renderer = render.NewRenderer(r.deps.Engine, body, res, r.opts.Sizes, max(r.opts.MaxScale, 1), log)
	if err := s.Renderer.Warm(ctx); err != nil {
		log.Warnf("renderer warm-up: %v", err)
	}
	return nil
}

// baseTileJSON is the TileJSON of a rendered style before tiles URLs are
// added per request. Configured overrides win.
func baseTileJSON(name string, overrides map[string]any) map[string]any {
	tj := map[string]any{
		"tilejson":    "2.0.0",
		"name":        name,
		"attribution": "",
		"minzoom":     0,
		"maxzoom":     20,
		"bounds":      []float64{-180, -85.0511, 180, 85.0511},
		"format":      "png",
		"type":        "baselayer",
	}
	for k, v := range overrides {
		tj[k] = v
	}
	tilesource.FixCenter(tj)
	return tj
}

// Get returns the style with id.
func (r *Registry) Get(id string) (*Style, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.styles[id]
	return s, ok
}

// List returns all styles sorted by id.
func (r *Registry) List() []*Style {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Style, 0, len(r.styles))
	for _, s := range r.styles {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove unregisters a style, closing its renderer pools before its sources.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.styles[id]
	delete(r.styles, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrStyleNotFound, id)
	}
	r.release(ctx, s, r.deps.Log.WithField("style", id))
	r.deps.Bus.Publish(service.Event{Resource: "styles", Action: "deleted", ID: id})
	return nil
}

func (r *Registry) release(ctx context.Context, s *Style, log *logrus.Entry) {
	if s.Renderer != nil {
		if err := s.Renderer.Close(ctx); err != nil {
			// maps still rendering read from the sources; close them once
			// the pools have drained
			log.Warnf("close renderer: %v, deferring source close", err)
			go func() {
				if err := s.Renderer.Close(context.WithoutCancel(ctx)); err != nil {
					log.Warnf("close renderer: %v", err)
					return
				}
				closeSources(s, log)
			}()
			return
		}
	}
	closeSources(s, log)
}

func closeSources(s *Style, log *logrus.Entry) {
	if s.Sources == nil {
		return
	}
	if err := s.Sources.Close(); err != nil {
		log.Warnf("close sources: %v", err)
	}
}

// Close removes every style.
func (r *Registry) Close(ctx context.Context) {
	for _, s := range r.List() {
		_ = r.Remove(ctx, s.ID)
	}
}

// TileJSONFor returns a copy of the style's TileJSON with tiles filled in.
func (s *Style) TileJSONFor(tiles []string) map[string]any {
	tj := make(map[string]any, len(s.TileJSON)+1)
	for k, v := range s.TileJSON {
		tj[k] = v
	}
	tj["tiles"] = tiles
	return tj
}
