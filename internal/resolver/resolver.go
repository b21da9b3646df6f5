// Package resolver answers the resource requests a rendering engine makes
// while drawing a map: archive tiles, sprites, glyph ranges and remote URLs.
//
// Resolution never fails. Every failure degrades to a placeholder response
// so a single missing tile does not abort a whole render.
package resolver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joeblew999/plat-maps/internal/tilesource"
)

// Response is a resolved resource.
type Response struct {
	Data     []byte
	Modified time.Time
	Expires  time.Time
	ETag     string
}

// Sources is the per-style view of tile sources.
type Sources interface {
	GetTile(ctx context.Context, name string, z, x, y int) (tilesource.Tile, error)
	Get(name string) (*tilesource.Source, bool)
}

// Glyphs serves glyph ranges.
type Glyphs interface {
	GlyphRange(stacks, rng string) ([]byte, error)
}

// TransformFunc rewrites a vector tile payload after decompression.
type TransformFunc func(source string, data []byte, z, x, y int) []byte

// Resolver resolves requests for one style.
type Resolver struct {
	Sources   Sources
	Glyphs    Glyphs
	SpriteDir string
	Client    *http.Client
	Empty     *EmptyCache
	Transform TransformFunc
	Log       *logrus.Entry
	Verbose   bool
}

// ResolveURL parses raw and resolves it. Unparseable URLs resolve to an empty
// payload.
func (r *Resolver) ResolveURL(ctx context.Context, raw string) Response {
	req, err := ParseRequest(raw)
	if err != nil {
		r.Log.Warnf("resolve: %v", err)
		return Response{Data: []byte{}}
	}
	return r.Resolve(ctx, req)
}

// Resolve fetches the resource described by req.
func (r *Resolver) Resolve(ctx context.Context, req Request) Response {
	switch req := req.(type) {
	case ArchiveRequest:
		return r.archive(ctx, req)
	case SpriteRequest:
		return r.sprite(req)
	case GlyphRequest:
		return r.glyph(req)
	case RemoteRequest:
		return r.remote(ctx, req)
	}
	return Response{Data: []byte{}}
}

func (r *Resolver) archive(ctx context.Context, req ArchiveRequest) Response {
	format, color := req.Format, ""
	if src, ok := r.Sources.Get(req.Source); ok {
		format, color = src.Info.Format, src.Color()
	}

	tile, err := r.Sources.GetTile(ctx, req.Source, req.Z, req.X, req.Y)
	if err != nil {
		if !errors.Is(err, tilesource.ErrTileNotFound) {
			r.Log.WithField("source", req.Source).Errorf("tile %d/%d/%d: %v", req.Z, req.X, req.Y, err)
		} else if r.Verbose {
			r.Log.WithField("source", req.Source).Debugf("tile %d/%d/%d missing, placeholder served", req.Z, req.X, req.Y)
		}
		return Response{Data: r.Empty.Get(format, color)}
	}

	resp := Response{Data: tile.Data, Modified: tile.Modified}
	if format == "pbf" {
		data, err := tilesource.Gunzip(tile.Data)
		if err != nil {
			r.Log.WithField("source", req.Source).Warnf("skipping tile %d/%d/%d: %v", req.Z, req.X, req.Y, err)
			data = []byte{}
		} else if r.Transform != nil {
			data = r.Transform(req.Source, data, req.Z, req.X, req.Y)
		}
		resp.Data = data
	}
	return resp
}

func (r *Resolver) sprite(req SpriteRequest) Response {
	format := extension(req.Path)
	p := filepath.Join(r.SpriteDir, filepath.FromSlash(req.Path))
	if rel, err := filepath.Rel(r.SpriteDir, p); err != nil || strings.HasPrefix(rel, "..") {
		r.Log.Warnf("sprite path %q escapes sprites directory", req.Path)
		return Response{Data: r.Empty.Get(format, "")}
	}
	data, err := os.ReadFile(p)
	if err != nil {
		r.Log.Warnf("sprite: %v", err)
		return Response{Data: r.Empty.Get(format, "")}
	}
	resp := Response{Data: data}
	if st, err := os.Stat(p); err == nil {
		resp.Modified = st.ModTime()
	}
	return resp
}

func (r *Resolver) glyph(req GlyphRequest) Response {
	data, err := r.Glyphs.GlyphRange(req.Stacks, req.Range)
	if err != nil {
		r.Log.Warnf("glyphs: %v", err)
		return Response{Data: []byte{}}
	}
	return Response{Data: data}
}

func (r *Resolver) remote(ctx context.Context, req RemoteRequest) Response {
	empty := func() Response { return Response{Data: r.Empty.Get(req.Format, "")} }

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		r.Log.Warnf("remote %s: %v", req.URL, err)
		return empty()
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(hreq)
	if err != nil {
		r.Log.Warnf("remote %s: %v", req.URL, err)
		return empty()
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		r.Log.Warnf("remote %s: status %d", req.URL, res.StatusCode)
		return empty()
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		r.Log.Warnf("remote %s: %v", req.URL, err)
		return empty()
	}

	resp := Response{Data: data, ETag: res.Header.Get("ETag")}
	if t, err := http.ParseTime(res.Header.Get("Last-Modified")); err == nil {
		resp.Modified = t
	}
	if t, err := http.ParseTime(res.Header.Get("Expires")); err == nil {
		resp.Expires = t
	}
	return resp
}
