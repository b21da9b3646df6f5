package style

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeblew999/plat-maps/internal/config"
	"github.com/joeblew999/plat-maps/internal/fonts"
	"github.com/joeblew999/plat-maps/internal/logging"
	"github.com/joeblew999/plat-maps/internal/pmtiles"
	"github.com/joeblew999/plat-maps/internal/render"
	"github.com/joeblew999/plat-maps/internal/service"
)

type stubMap struct {
	loaded []byte
	// when hold is set Render signals busy and waits for hold to close
	hold, busy chan struct{}
}

func (m *stubMap) Load(style []byte) error { m.loaded = style; return nil }
func (m *stubMap) Render(_ context.Context, p render.Params) ([]byte, error) {
	if m.hold != nil {
		m.busy <- struct{}{}
		<-m.hold
	}
	return make([]byte, p.Width*p.Height*4), nil
}
func (m *stubMap) Release() {}

type stubEngine struct {
	created    atomic.Int32
	last       atomic.Pointer[stubMap]
	hold, busy chan struct{}
}

func (e *stubEngine) NewMap(render.MapOptions) (render.Map, error) {
	e.created.Add(1)
	m := &stubMap{hold: e.hold, busy: e.busy}
	e.last.Store(m)
	return m, nil
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeArchive(t *testing.T, path string, meta map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	tiles := []pmtiles.Tile{{Z: 0, X: 0, Y: 0, Data: []byte("png")}}
	if err := pmtiles.Write(&buf, tiles, pmtiles.WriteOptions{TileType: pmtiles.Png, Metadata: meta}); err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, buf.Bytes())
}

const basicStyle = `{
  "version": 8,
  "name": "Basic",
  "sprite": "{style}/sprite",
  "glyphs": "{fontstack}/{range}.pbf",
  "sources": {
    "sat": {"type": "raster", "url": "pmtiles://{satellite}"},
    "extra": {"type": "raster", "url": "pmtiles://extra.pmtiles"},
    "remote": {"type": "vector", "url": "https://example.com/tiles.json"}
  },
  "layers": [
    {"id": "sat", "type": "raster", "source": "sat"},
    {"id": "labels", "type": "symbol", "source": "remote", "layout": {"text-font": ["Noto Sans Bold"]}},
    {"id": "default", "type": "symbol", "source": "remote"},
    {"id": "bldg", "type": "fill-extrusion", "source": "remote", "paint": {"fill-extrusion-height": 10}}
  ]
}`

type fixture struct {
	dir      string
	engine   *stubEngine
	fonts    *fonts.Catalog
	data     *DataIndex
	bus      *service.EventBus
	registry *Registry
}

func newFixture(t *testing.T, renderMaps bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "styles", "basic.json"), []byte(basicStyle))
	writeArchive(t, filepath.Join(dir, "data", "sat.pmtiles"), map[string]any{"attribution": "Sat Co"})
	writeArchive(t, filepath.Join(dir, "data", "extra.pmtiles"), map[string]any{"attribution": "Extra Ltd"})
	writeFile(t, filepath.Join(dir, "fonts", "Noto Sans Bold", "0-255.pbf"), []byte("noto"))

	cat, err := fonts.Discover(filepath.Join(dir, "fonts"), false)
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		dir:    dir,
		engine: &stubEngine{},
		fonts:  cat,
		data:   NewDataIndex(filepath.Join(dir, "data"), map[string]config.Data{"satellite": {PMTiles: "sat.pmtiles"}}),
		bus:    service.NewEventBus(),
	}
	f.registry = NewRegistry(Options{
		StylesDir:  filepath.Join(dir, "styles"),
		SpritesDir: filepath.Join(dir, "sprites"),
		Render:     renderMaps,
		Sizes:      render.Sizes{Min: []int{1}, Max: []int{2}},
		MaxScale:   2,
	}, Deps{
		Engine: f.engine,
		Fonts:  f.fonts,
		Data:   f.data,
		Bus:    f.bus,
		Log:    logging.Discard(),
	})
	t.Cleanup(func() { f.registry.Close(context.Background()) })
	return f
}

func TestDocumentFonts(t *testing.T) {
	var doc Document
	if err := json.Unmarshal([]byte(basicStyle), &doc); err != nil {
		t.Fatal(err)
	}
	want := append([]string{"Noto Sans Bold"}, DefaultFonts...)
	if got := doc.Fonts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("fonts=%v, want %v", got, want)
	}
}

func TestFlattenExtrusionsLeavesOriginal(t *testing.T) {
	var doc Document
	if err := json.Unmarshal([]byte(basicStyle), &doc); err != nil {
		t.Fatal(err)
	}
	flat := doc.Clone()
	flat.FlattenExtrusions()
	if h := flat.Layers()[3]["paint"].(map[string]any)["fill-extrusion-height"]; h != 0 {
		t.Fatalf("flattened height=%v", h)
	}
	if h := doc.Layers()[3]["paint"].(map[string]any)["fill-extrusion-height"]; h != float64(10) {
		t.Fatalf("original height=%v", h)
	}
}

func TestArchiveRef(t *testing.T) {
	tests := []struct {
		url      string
		ref      string
		fromData bool
		ok       bool
	}{
		{"mbtiles://{osm}", "osm", true, true},
		{"pmtiles://world.pmtiles", "world.pmtiles", false, true},
		{"mbtiles://", "", false, false},
		{"https://example.com/x.json", "", false, false},
	}
	for _, tt := range tests {
		ref, fromData, ok := ArchiveRef(tt.url)
		if ref != tt.ref || fromData != tt.fromData || ok != tt.ok {
			t.Errorf("ArchiveRef(%q) = %q, %v, %v", tt.url, ref, fromData, ok)
		}
	}
}

func TestDataIndexByFile(t *testing.T) {
	idx := NewDataIndex("/data", map[string]config.Data{"Roads": {MBTiles: "roads.mbtiles"}})
	if e, ok := idx.ByID("roads"); !ok || e.Path != "/data/roads.mbtiles" {
		t.Fatalf("ByID=%+v %v", e, ok)
	}
	if e := idx.ByFile("roads.mbtiles"); e.ID != "Roads" {
		t.Fatalf("configured file got id %q", e.ID)
	}
	a := idx.ByFile("other/world.pmtiles")
	b := idx.ByFile("world.pmtiles")
	if a.ID != "world" || b.ID != "world-2" {
		t.Fatalf("ids=%q,%q", a.ID, b.ID)
	}
	if n := len(idx.Entries()); n != 3 {
		t.Fatalf("entries=%d", n)
	}
}

func TestRegistryAddPublicDocument(t *testing.T) {
	f := newFixture(t, false)
	events := f.bus.Subscribe()
	defer f.bus.Unsubscribe(events)

	if err := f.registry.Add(context.Background(), "basic", config.Style{Style: "basic.json"}); err != nil {
		t.Fatal(err)
	}
	s, ok := f.registry.Get("basic")
	if !ok {
		t.Fatal("style not registered")
	}
	if s.Rendered() {
		t.Fatal("rendering disabled but renderer created")
	}
	src := s.Public.Sources()
	if src["sat"]["url"] != "local://data/satellite.json" {
		t.Fatalf("sat url=%v", src["sat"]["url"])
	}
	if src["extra"]["url"] != "local://data/extra.json" {
		t.Fatalf("extra url=%v", src["extra"]["url"])
	}
	if src["remote"]["url"] != "https://example.com/tiles.json" {
		t.Fatalf("remote url rewritten: %v", src["remote"]["url"])
	}
	if s.Public["sprite"] != "local://styles/basic/sprite" || s.Public["glyphs"] != "local://fonts/{fontstack}/{range}.pbf" {
		t.Fatalf("sprite=%v glyphs=%v", s.Public["sprite"], s.Public["glyphs"])
	}
	if s.SpritePath != filepath.Join(f.dir, "sprites", "basic", "sprite") {
		t.Fatalf("sprite path=%s", s.SpritePath)
	}
	if !reflect.DeepEqual(f.fonts.List(), []string{"Noto Sans Bold"}) {
		t.Fatalf("fonts=%v", f.fonts.List())
	}
	if s.TileJSON["tilejson"] != "2.0.0" || s.TileJSON["name"] != "Basic" {
		t.Fatalf("tilejson=%v", s.TileJSON)
	}

	select {
	case e := <-events:
		if e.Resource != "styles" || e.ID != "basic" {
			t.Fatalf("event=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestRegistryAddRendered(t *testing.T) {
	f := newFixture(t, true)
	if err := f.registry.Add(context.Background(), "basic", config.Style{Style: "basic.json"}); err != nil {
		t.Fatal(err)
	}
	s, _ := f.registry.Get("basic")
	if !s.Rendered() || s.Renderer.MaxScale() != 2 {
		t.Fatal("renderer missing")
	}
	if n := f.engine.created.Load(); n != 2 {
		t.Fatalf("warm created %d maps, want 1 per scale", n)
	}
	if attr := s.TileJSON["attribution"]; attr != "Extra Ltd; Sat Co" {
		t.Fatalf("attribution=%v", attr)
	}

	var rd Document
	if err := json.Unmarshal(f.engine.last.Load().loaded, &rd); err != nil {
		t.Fatal(err)
	}
	sat := rd.Sources()["sat"]
	if _, has := sat["url"]; has {
		t.Fatal("render source kept url")
	}
	if tiles := sat["tiles"].([]any); tiles[0] != "archive://sat/{z}/{x}/{y}.png" {
		t.Fatalf("tiles=%v", tiles)
	}
	if rd["sprite"] != "sprites://basic/sprite" || rd["glyphs"] != "fonts://{fontstack}/{range}.pbf" {
		t.Fatalf("sprite=%v glyphs=%v", rd["sprite"], rd["glyphs"])
	}
	if h := rd.Layers()[3]["paint"].(map[string]any)["fill-extrusion-height"]; h != float64(0) {
		t.Fatalf("extrusion height=%v", h)
	}

	if err := f.registry.Remove(context.Background(), "basic"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.registry.Get("basic"); ok {
		t.Fatal("style still registered")
	}
}

func TestRegistryRemoveDefersSourcesWhileRendering(t *testing.T) {
	f := newFixture(t, true)
	f.engine.hold = make(chan struct{})
	f.engine.busy = make(chan struct{}, 1)
	if err := f.registry.Add(context.Background(), "basic", config.Style{Style: "basic.json"}); err != nil {
		t.Fatal(err)
	}
	s, _ := f.registry.Get("basic")

	done := make(chan error, 1)
	go func() {
		_, err := s.Renderer.Render(context.Background(), 1, render.Params{Width: 8, Height: 8})
		done <- err
	}()
	<-f.engine.busy

	// shutdown deadline already passed
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.registry.Remove(ctx, "basic"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sources.GetTile(context.Background(), "sat", 0, 0, 0); err != nil {
		t.Fatalf("sources closed under a busy renderer: %v", err)
	}

	close(f.engine.hold)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := s.Sources.GetTile(context.Background(), "sat", 0, 0, 0); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sources still open after the renderer drained")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistrySpriteFolder(t *testing.T) {
	f := newFixture(t, false)
	writeFile(t, filepath.Join(f.dir, "styles", "nested", "city.json"),
		[]byte(`{"version":8,"sprite":"{styleJsonFolder}/{style}","sources":{},"layers":[]}`))
	if err := f.registry.Add(context.Background(), "city", config.Style{Style: filepath.Join("nested", "city.json")}); err != nil {
		t.Fatal(err)
	}
	s, _ := f.registry.Get("city")
	want := filepath.Join(f.dir, "styles", "nested", "city")
	if s.SpritePath != want {
		t.Fatalf("sprite path=%s, want %s", s.SpritePath, want)
	}
}

func TestRegistryAttributionOverride(t *testing.T) {
	f := newFixture(t, true)
	err := f.registry.Add(context.Background(), "basic", config.Style{
		Style:    "basic.json",
		TileJSON: map[string]any{"attribution": "Mine"},
	})
	if err != nil {
		t.Fatal(err)
	}
	s, _ := f.registry.Get("basic")
	if s.TileJSON["attribution"] != "Mine" {
		t.Fatalf("attribution=%v", s.TileJSON["attribution"])
	}
}

func TestRegistrySkipsMissingData(t *testing.T) {
	f := newFixture(t, false)
	writeFile(t, filepath.Join(f.dir, "styles", "broken.json"),
		[]byte(`{"version":8,"sources":{"x":{"type":"vector","url":"mbtiles://{nope}"}},"layers":[]}`))
	if err := f.registry.Add(context.Background(), "broken", config.Style{Style: "broken.json"}); err == nil {
		t.Fatal("expected error for unknown data id")
	}
	if len(f.registry.List()) != 0 {
		t.Fatal("broken style registered")
	}
}

func TestRegistryMapping(t *testing.T) {
	f := newFixture(t, false)
	writeFile(t, filepath.Join(f.dir, "styles", "mapped.json"),
		[]byte(`{"version":8,"sources":{"x":{"type":"raster","url":"mbtiles://{base}"}},"layers":[]}`))
	err := f.registry.Add(context.Background(), "mapped", config.Style{
		Style:   "mapped.json",
		Mapping: map[string]string{"base": "satellite"},
	})
	if err != nil {
		t.Fatal(err)
	}
	s, _ := f.registry.Get("mapped")
	if s.Public.Sources()["x"]["url"] != "local://data/satellite.json" {
		t.Fatalf("url=%v", s.Public.Sources()["x"]["url"])
	}
	if err := f.registry.Remove(context.Background(), "nope"); err == nil {
		t.Fatal("expected not-found")
	}
}
