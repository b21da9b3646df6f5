// Package tiler cuts GeoJSON into vector tiles and writes them as a PMTiles
// archive the server can serve as a data source.
package tiler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"

	"github.com/joeblew999/plat-maps/internal/pmtiles"
)

// MaxZoom is the deepest zoom the tiler cuts.
const MaxZoom = 14

var ErrNoFeatures = errors.New("no features to tile")

// Options control tiling.
type Options struct {
	Layer   string
	MinZoom int
	MaxZoom int
	Name    string
	// Attribution is stored in the archive metadata.
	Attribution string
}

func (o Options) normalized() Options {
	if o.Layer == "" {
		o.Layer = "default"
	}
	o.MinZoom = max(o.MinZoom, 0)
	if o.MaxZoom <= 0 || o.MaxZoom > MaxZoom {
		o.MaxZoom = MaxZoom
	}
	o.MinZoom = min(o.MinZoom, o.MaxZoom)
	return o
}

// Build cuts the collection into gzipped MVT tiles, ordered by zoom, x, y.
func Build(ctx context.Context, fc *geojson.FeatureCollection, opts Options) ([]pmtiles.Tile, error) {
	opts = opts.normalized()
	if fc == nil || len(fc.Features) == 0 {
		return nil, ErrNoFeatures
	}

	var out []pmtiles.Tile
	for z := opts.MinZoom; z <= opts.MaxZoom; z++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		byTile := map[maptile.Tile][]*geojson.Feature{}
		for _, f := range fc.Features {
			if f.Geometry == nil {
				continue
			}
			for _, t := range tilesCovering(f.Geometry.Bound(), maptile.Zoom(z)) {
				byTile[t] = append(byTile[t], f)
			}
		}
		for t, features := range byTile {
			data, err := encodeTile(t, features, opts.Layer)
			if err != nil {
				return nil, fmt.Errorf("tile %d/%d/%d: %w", t.Z, t.X, t.Y, err)
			}
			if data == nil {
				continue
			}
			out = append(out, pmtiles.Tile{Z: uint8(t.Z), X: t.X, Y: t.Y, Data: data})
		}
	}
	if len(out) == 0 {
		return nil, ErrNoFeatures
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.X != b.X {
			return a.X < b.X
		}
		return a.Y < b.Y
	})
	return out, nil
}

// WriteFile tiles the GeoJSON file at input into a PMTiles archive at output.
func WriteFile(ctx context.Context, input, output string, opts Options) (int, error) {
	raw, err := os.ReadFile(input)
	if err != nil {
		return 0, fmt.Errorf("reading geojson: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing geojson: %w", err)
	}
	opts = opts.normalized()
	tiles, err := Build(ctx, fc, opts)
	if err != nil {
		return 0, err
	}

	bound := collectionBound(fc)
	center := bound.Center()
	name := opts.Name
	if name == "" {
		name = opts.Layer
	}
	meta := map[string]any{
		"name":   name,
		"format": "pbf",
		"vector_layers": []map[string]any{{
			"id":      opts.Layer,
			"minzoom": opts.MinZoom,
			"maxzoom": opts.MaxZoom,
			"fields":  map[string]any{},
		}},
	}
	if opts.Attribution != "" {
		meta["attribution"] = opts.Attribution
	}

	f, err := os.Create(output)
	if err != nil {
		return 0, err
	}
	err = pmtiles.Write(f, tiles, pmtiles.WriteOptions{
		TileType:        pmtiles.Mvt,
		TileCompression: pmtiles.Gzip,
		Bounds:          [4]float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]},
		Center:          [3]float64{center[0], center[1], float64(opts.MinZoom)},
		Metadata:        meta,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(output)
		return 0, err
	}
	return len(tiles), nil
}

func collectionBound(fc *geojson.FeatureCollection) orb.Bound {
	var b orb.Bound
	first := true
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		if first {
			b, first = f.Geometry.Bound(), false
			continue
		}
		b = b.Union(f.Geometry.Bound())
	}
	return b
}

// encodeTile returns nil when nothing survives clipping.
func encodeTile(t maptile.Tile, features []*geojson.Feature, layerName string) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	tb := t.Bound()
	for _, f := range features {
		if !intersects(f.Geometry, tb) {
			continue
		}
		// Clip and ProjectToTile mutate geometry in place
		g := orb.Clone(f.Geometry)
		if g == nil {
			continue
		}
		c := geojson.NewFeature(g)
		for k, v := range f.Properties {
			c.Properties[k] = v
		}
		fc.Append(c)
	}
	if len(fc.Features) == 0 {
		return nil, nil
	}

	layer := mvt.NewLayer(layerName, fc)
	if eps := simplifyEpsilon(t.Z); eps > 0 {
		layer.Simplify(simplify.DouglasPeucker(eps))
	}
	layer.Clip(tb)
	layer.ProjectToTile(t)
	layer.RemoveEmpty(0.5, 0.5)
	if len(layer.Features) == 0 {
		return nil, nil
	}
	return mvt.MarshalGzipped(mvt.Layers{layer})
}

// intersects is a cheap geometry/tile test: exact for points, vertex and
// corner containment for polygons, bounding boxes otherwise.
func intersects(g orb.Geometry, tb orb.Bound) bool {
	if g == nil || !g.Bound().Intersects(tb) {
		return false
	}
	switch g := g.(type) {
	case orb.Point:
		return tb.Contains(g)
	case orb.MultiPoint:
		for _, p := range g {
			if tb.Contains(p) {
				return true
			}
		}
		return false
	case orb.Polygon:
		for _, ring := range g {
			for _, p := range ring {
				if tb.Contains(p) {
					return true
				}
			}
		}
		corners := []orb.Point{tb.Min, {tb.Max[0], tb.Min[1]}, tb.Max, {tb.Min[0], tb.Max[1]}, tb.Center()}
		for _, p := range corners {
			if planar.PolygonContains(g, p) {
				return true
			}
		}
		return false
	case orb.MultiPolygon:
		for _, p := range g {
			if intersects(p, tb) {
				return true
			}
		}
		return false
	}
	return true
}

// tilesCovering returns the tiles at zoom z that touch the bound.
func tilesCovering(b orb.Bound, z maptile.Zoom) []maptile.Tile {
	lo := maptile.At(orb.Point{b.Min[0], b.Max[1]}, z)
	hi := maptile.At(orb.Point{b.Max[0], b.Min[1]}, z)
	minX, maxX := min(lo.X, hi.X), max(lo.X, hi.X)
	minY, maxY := min(lo.Y, hi.Y), max(lo.Y, hi.Y)

	var out []maptile.Tile
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			out = append(out, maptile.New(x, y, z))
		}
	}
	return out
}

// simplifyEpsilon is the Douglas-Peucker tolerance in degrees for zoom z.
func simplifyEpsilon(z maptile.Zoom) float64 {
	switch {
	case z >= 14:
		return 0
	case z >= 10:
		return 0.00001
	case z >= 6:
		return 0.0001
	case z >= 4:
		return 0.0005
	}
	return 0.001
}
