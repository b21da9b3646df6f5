// Package style loads map style documents and registers them for serving.
//
// A style is kept in two rewritten forms: the public document served at
// /styles/{id}/style.json, whose resource URLs use the local:// scheme and
// are fixed up per request, and the render document handed to the engine,
// whose URLs use the internal archive://, sprites:// and fonts:// schemes.
package style

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Document is a decoded style JSON document.
type Document map[string]any

// DefaultFonts are reported for symbol layers without text-font.
var DefaultFonts = []string{"Open Sans Regular", "Arial Unicode MS Regular"}

// Read decodes the style file at path.
func Read(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse style %s: %w", path, err)
	}
	return doc, nil
}

// Clone deep-copies the document through JSON.
func (d Document) Clone() Document {
	b, _ := json.Marshal(d)
	var out Document
	_ = json.Unmarshal(b, &out)
	return out
}

// Name is the style's "name" field.
func (d Document) Name() string {
	s, _ := d["name"].(string)
	return s
}

// String returns a top level string field.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Sources returns the source definitions keyed by source name.
func (d Document) Sources() map[string]map[string]any {
	out := map[string]map[string]any{}
	sources, _ := d["sources"].(map[string]any)
	for name, v := range sources {
		if m, ok := v.(map[string]any); ok {
			out[name] = m
		}
	}
	return out
}

// Layers returns the layer definitions in order.
func (d Document) Layers() []map[string]any {
	var out []map[string]any
	layers, _ := d["layers"].([]any)
	for _, v := range layers {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Fonts returns the distinct font names used by symbol layers, in first-use
// order. Symbol layers without text-font use DefaultFonts.
func (d Document) Fonts() []string {
	var out []string
	seen := map[string]bool{}
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, l := range d.Layers() {
		if t, _ := l["type"].(string); t != "symbol" {
			continue
		}
		layout, _ := l["layout"].(map[string]any)
		fonts, ok := layout["text-font"].([]any)
		if !ok {
			for _, f := range DefaultFonts {
				add(f)
			}
			continue
		}
		for _, f := range fonts {
			if s, ok := f.(string); ok {
				add(s)
			}
		}
	}
	return out
}

// FlattenExtrusions sets fill-extrusion height and base to zero; extrusions
// need a pitched view the static renderer does not produce.
func (d Document) FlattenExtrusions() {
	for _, l := range d.Layers() {
		if t, _ := l["type"].(string); t != "fill-extrusion" {
			continue
		}
		paint, ok := l["paint"].(map[string]any)
		if !ok {
			continue
		}
		if _, ok := paint["fill-extrusion-height"]; ok {
			paint["fill-extrusion-height"] = 0
		}
		if _, ok := paint["fill-extrusion-base"]; ok {
			paint["fill-extrusion-base"] = 0
		}
	}
}

// Marshal encodes the document.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// ArchiveRef parses a local archive reference: "mbtiles://{id}" or
// "pmtiles://{id}" names a data id, "mbtiles://file.mbtiles" a file.
func ArchiveRef(url string) (ref string, fromData, ok bool) {
	for _, scheme := range []string{"mbtiles://", "pmtiles://"} {
		if strings.HasPrefix(url, scheme) {
			ref = strings.TrimPrefix(url, scheme)
			if len(ref) > 2 && ref[0] == '{' && ref[len(ref)-1] == '}' {
				return ref[1 : len(ref)-1], true, true
			}
			return ref, false, ref != ""
		}
	}
	return "", false, false
}

// IsRemote reports whether url is fetched over HTTP(S).
func IsRemote(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
