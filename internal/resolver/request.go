package resolver

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/joeblew999/plat-maps/internal/tilesource"
)

// Schemes of the internal URLs written into render styles.
const (
	SpriteScheme = "sprites://"
	GlyphScheme  = "fonts://"
)

// Request is one of ArchiveRequest, SpriteRequest, GlyphRequest or
// RemoteRequest.
type Request interface {
	isRequest()
}

// ArchiveRequest addresses a tile of a named source.
type ArchiveRequest struct {
	Source  string
	Z, X, Y int
	Format  string
}

// SpriteRequest addresses a file under the sprites directory.
type SpriteRequest struct {
	Path string
}

// GlyphRequest addresses a glyph range of one or more font stacks.
type GlyphRequest struct {
	Stacks string
	Range  string
}

// RemoteRequest is fetched over HTTP(S).
type RemoteRequest struct {
	URL    string
	Format string
}

func (ArchiveRequest) isRequest() {}
func (SpriteRequest) isRequest()  {}
func (GlyphRequest) isRequest()   {}
func (RemoteRequest) isRequest()  {}

// ParseRequest classifies an engine resource URL.
func ParseRequest(raw string) (Request, error) {
	switch {
	case strings.HasPrefix(raw, tilesource.ArchiveScheme):
		return parseArchive(strings.TrimPrefix(raw, tilesource.ArchiveScheme))
	case strings.HasPrefix(raw, SpriteScheme):
		p, err := url.PathUnescape(strings.TrimPrefix(raw, SpriteScheme))
		if err != nil {
			return nil, fmt.Errorf("sprite url %q: %w", raw, err)
		}
		return SpriteRequest{Path: p}, nil
	case strings.HasPrefix(raw, GlyphScheme):
		rest, err := url.PathUnescape(strings.TrimPrefix(raw, GlyphScheme))
		if err != nil {
			return nil, fmt.Errorf("glyph url %q: %w", raw, err)
		}
		i := strings.LastIndex(rest, "/")
		if i < 0 {
			return nil, fmt.Errorf("glyph url %q has no range", raw)
		}
		return GlyphRequest{Stacks: rest[:i], Range: strings.TrimSuffix(rest[i+1:], ".pbf")}, nil
	case strings.HasPrefix(raw, "http://"), strings.HasPrefix(raw, "https://"):
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("remote url %q: %w", raw, err)
		}
		return RemoteRequest{URL: raw, Format: extension(u.Path)}, nil
	}
	return nil, fmt.Errorf("unsupported resource url %q", raw)
}

func parseArchive(rest string) (Request, error) {
	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return nil, fmt.Errorf("archive url %q: want source/z/x/y.format", rest)
	}
	last := parts[3]
	dot := strings.IndexByte(last, '.')
	if dot < 0 {
		return nil, fmt.Errorf("archive url %q: missing format", rest)
	}
	z, errZ := strconv.Atoi(parts[1])
	x, errX := strconv.Atoi(parts[2])
	y, errY := strconv.Atoi(last[:dot])
	if errZ != nil || errX != nil || errY != nil {
		return nil, fmt.Errorf("archive url %q: bad coordinates", rest)
	}
	name, err := url.PathUnescape(parts[0])
	if err != nil {
		return nil, err
	}
	return ArchiveRequest{Source: name, Z: z, X: x, Y: y, Format: last[dot+1:]}, nil
}

// extension maps a file name to a tile format.
func extension(p string) string {
	switch ext := strings.ToLower(path.Ext(p)); ext {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".png", ".webp", ".pbf":
		return ext[1:]
	}
	return ""
}
