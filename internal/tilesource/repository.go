package tilesource

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/joeblew999/plat-maps/internal/geometry"
)

// ArchiveScheme prefixes the internal tile URLs registered for sources.
const ArchiveScheme = "archive://"

// Spec describes a source to add.
type Spec struct {
	Path string
	// TileJSON overrides fields reported by the archive.
	TileJSON map[string]any
}

// Source is an opened archive registered under a name.
type Source struct {
	Name      string
	Path      string
	Archive   Archive
	Info      Info
	Transform geometry.Transform
	overrides map[string]any
}

// TileURL is the internal URL template the resolver understands.
func (s *Source) TileURL() string {
	return ArchiveScheme + s.Name + "/{z}/{x}/{y}." + s.Info.Format
}

// Color is the placeholder colour declared for the source, if any.
func (s *Source) Color() string {
	c, _ := s.overrides["color"].(string)
	return c
}

// TileJSON returns the source metadata as TileJSON, with overrides applied and
// a center derived from the bounds when the archive has none.
func (s *Source) TileJSON() map[string]any {
	info := s.Info
	tj := map[string]any{
		"tilejson": "2.0.0",
		"name":     s.Name,
		"format":   info.Format,
		"minzoom":  info.MinZoom,
		"maxzoom":  info.MaxZoom,
	}
	if info.Attribution != "" {
		tj["attribution"] = info.Attribution
	}
	if info.Description != "" {
		tj["description"] = info.Description
	}
	if len(info.Bounds) == 4 {
		tj["bounds"] = info.Bounds
	}
	if len(info.Center) >= 2 {
		tj["center"] = info.Center
	}
	if info.VectorLayers != nil {
		tj["vector_layers"] = info.VectorLayers
	}
	maps.Copy(tj, s.overrides)
	FixCenter(tj)
	return tj
}

// FixCenter fills "center" from "bounds" when it is missing, zoomed so the
// bounds span roughly 1024 px.
func FixCenter(tj map[string]any) {
	if _, ok := tj["center"]; ok {
		return
	}
	b, ok := tj["bounds"].([]float64)
	if !ok || len(b) != 4 {
		return
	}
	const tiles = 1024.0 / geometry.TileSize
	tj["center"] = []float64{
		(b[0] + b[2]) / 2,
		(b[1] + b[3]) / 2,
		math.Round(-math.Log2((b[2] - b[0]) / 360 / tiles)),
	}
}

// Repository maps source names to opened archives.
type Repository struct {
	log *logrus.Entry

	mu        sync.RWMutex
	sources   map[string]*Source
	order     []string
	transform geometry.Transform
}

// NewRepository creates an empty repository.
func NewRepository(log *logrus.Entry) *Repository {
	return &Repository{log: log, sources: map[string]*Source{}}
}

// Add opens spec.Path and registers it as name. Adding a name twice replaces
// the earlier source. The projection transform of the most recently added
// source declaring one becomes the repository transform.
func (r *Repository) Add(ctx context.Context, name string, spec Spec) (*Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	archive, err := Open(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", name, err)
	}
	src := &Source{
		Name:      name,
		Path:      spec.Path,
		Archive:   archive,
		Info:      archive.Info(),
		overrides: spec.TileJSON,
	}
	if f, ok := spec.TileJSON["format"].(string); ok && f != "" {
		src.Info.Format = f
	}

	if def := src.Info.Projection; def != "" {
		t, err := geometry.ProjectionTransform(def)
		if err != nil {
			r.log.WithField("source", name).Warnf("ignoring projection: %v", err)
		}
		src.Transform = t
	}

	r.mu.Lock()
	old, replaced := r.sources[name]
	r.sources[name] = src
	if !replaced {
		r.order = append(r.order, name)
	}
	if src.Transform != nil {
		r.transform = src.Transform
	}
	r.mu.Unlock()

	if replaced {
		old.Archive.Close()
	}
	return src, nil
}

// Get returns the named source.
func (r *Repository) Get(name string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	return s, ok
}

// Lookup is Get ignoring case.
func (r *Repository) Lookup(name string) (*Source, bool) {
	if s, ok := r.Get(name); ok {
		return s, ok
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for n, s := range r.sources {
		if strings.EqualFold(n, name) {
			return s, true
		}
	}
	return nil, false
}

// GetTile reads z/x/y of the named source. A missing tile is ErrTileNotFound;
// an unknown source is ErrSourceNotFound.
func (r *Repository) GetTile(ctx context.Context, name string, z, x, y int) (Tile, error) {
	s, ok := r.Get(name)
	if !ok {
		return Tile{}, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	return s.Archive.GetTile(ctx, z, x, y)
}

// Names returns source names in the order they were first added.
func (r *Repository) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Sorted returns source names alphabetically.
func (r *Repository) Sorted() []string {
	names := r.Names()
	sort.Strings(names)
	return names
}

// Attribution joins the distinct attributions of all sources with "; ".
func (r *Repository) Attribution() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var parts []string
	seen := map[string]bool{}
	for _, name := range r.order {
		a := r.sources[name].Info.Attribution
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		parts = append(parts, a)
	}
	return strings.Join(parts, "; ")
}

// Transform is the projection hook of the most recently added source that
// declared a non-default projection, or nil.
func (r *Repository) Transform() geometry.Transform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transform
}

// Remove closes and forgets the named source.
func (r *Repository) Remove(name string) error {
	r.mu.Lock()
	s, ok := r.sources[name]
	if ok {
		delete(r.sources, name)
		r.order = removeName(r.order, name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	return s.Archive.Close()
}

// Close closes every source.
func (r *Repository) Close() error {
	r.mu.Lock()
	sources := r.sources
	r.sources = map[string]*Source{}
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for _, s := range sources {
		if err := s.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
