package server

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/sirupsen/logrus"

	"github.com/joeblew999/plat-maps/internal/pmtiles"
	"github.com/joeblew999/plat-maps/internal/render"
	"github.com/joeblew999/plat-maps/internal/tiler"
)

type stubMap struct{ ratio int }

func (m *stubMap) Load([]byte) error { return nil }
func (m *stubMap) Render(_ context.Context, p render.Params) ([]byte, error) {
	pix := make([]byte, p.Width*m.ratio*p.Height*m.ratio*4)
	for i := range pix {
		pix[i] = 0xff
	}
	return pix, nil
}
func (m *stubMap) Release() {}

type stubEngine struct{}

func (stubEngine) NewMap(opts render.MapOptions) (render.Map, error) {
	return &stubMap{ratio: opts.Ratio}, nil
}

const testStyle = `{
  "version": 8,
  "name": "Basic",
  "sprite": "{style}/sprite",
  "glyphs": "{fontstack}/{range}.pbf",
  "sources": {
    "points": {"type": "vector", "url": "pmtiles://{points}"}
  },
  "layers": [
    {"id": "bg", "type": "background"},
    {"id": "poi", "type": "symbol", "source": "points", "source-layer": "poi",
     "layout": {"text-font": ["Noto Sans Regular", "Arial Unicode"]}}
  ]
}`

const testConfig = `{
  "options": {
    "maxScaleFactor": 2,
    "minRendererPoolSizes": [1, 1],
    "maxRendererPoolSizes": [2, 2]
  },
  "styles": {
    "basic": {"style": "basic.json", "tilejson": {"minzoom": 0, "maxzoom": 5}}
  },
  "data": {
    "points": {"pmtiles": "points.pmtiles"}
  }
}`

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func writePoints(t *testing.T, path string) {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Point{100, 40})
	f.Properties["name"] = "somewhere"
	fc.Append(f)
	tiles, err := tiler.Build(context.Background(), fc, tiler.Options{Layer: "poi", MaxZoom: 1})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	err = pmtiles.Write(&buf, tiles, pmtiles.WriteOptions{
		TileType:        pmtiles.Mvt,
		TileCompression: pmtiles.Gzip,
		Metadata:        map[string]any{"attribution": "Points Inc"},
	})
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, path, buf.Bytes())
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.json"), []byte(testConfig))
	writeFile(t, filepath.Join(dir, "styles", "basic.json"), []byte(testStyle))
	writeFile(t, filepath.Join(dir, "sprites", "basic", "sprite.json"), []byte(`{"dot":{"x":0,"y":0,"width":8,"height":8}}`))
	writeFile(t, filepath.Join(dir, "fonts", "Noto Sans Regular", "0-255.pbf"), []byte("noto"))
	writeFile(t, filepath.Join(dir, "fonts", "Arial Unicode", "0-255.pbf"), []byte("arial"))
	writeFile(t, filepath.Join(dir, "fonts", "Secret Font", "0-255.pbf"), []byte("secret"))
	writePoints(t, filepath.Join(dir, "data", "points.pmtiles"))

	srv, err := New(context.Background(), Config{
		ConfigPath: filepath.Join(dir, "config.json"),
		Engine:     stubEngine{},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close(context.Background()) })
	return srv
}

func get(t *testing.T, srv http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://example.com"+target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
}

func gunzip(t *testing.T, data []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func expectProblem(t *testing.T, rec *httptest.ResponseRecorder, status int, detail string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status=%d, want %d: %s", rec.Code, status, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), detail) {
		t.Fatalf("body %s does not mention %q", rec.Body.String(), detail)
	}
}

func TestHealthAndCORS(t *testing.T) {
	srv := newTestServer(t)
	rec := get(t, srv, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct{ Status string }
	decodeJSON(t, rec, &body)
	if body.Status != "ok" {
		t.Fatalf("status=%q", body.Status)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin=%q", got)
	}
}

func TestDataTiles(t *testing.T) {
	srv := newTestServer(t)

	rec := get(t, srv, "/data/points/0/0/0.pbf", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Encoding") != "gzip" || rec.Header().Get("Content-Type") != "application/x-protobuf" {
		t.Fatalf("headers=%v", rec.Header())
	}
	if len(gunzip(t, rec.Body.Bytes())) == 0 {
		t.Fatal("empty tile")
	}

	rec = get(t, srv, "/data/points/0/0/0.geojson", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("geojson status=%d: %s", rec.Code, rec.Body.String())
	}
	fc, err := geojson.UnmarshalFeatureCollection(gunzip(t, rec.Body.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if len(fc.Features) != 1 || fc.Features[0].Properties["layer"] != "poi" {
		t.Fatalf("features=%+v", fc.Features)
	}

	if rec := get(t, srv, "/data/points/1/0/1.pbf", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("missing tile status=%d", rec.Code)
	}
	expectProblem(t, get(t, srv, "/data/points/3/0/0.pbf", nil), http.StatusNotFound, "Out of bounds")
	expectProblem(t, get(t, srv, "/data/points/0/0/0.png", nil), http.StatusNotFound, "Invalid format")
	expectProblem(t, get(t, srv, "/data/nowhere/0/0/0.pbf", nil), http.StatusNotFound, "Data not found")
}

func TestDataTileJSON(t *testing.T) {
	srv := newTestServer(t)
	rec := get(t, srv, "/data/points.json?key=abc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rec.Code, rec.Body.String())
	}
	var tj struct {
		Tiles       []string
		Attribution string
		Format      string
	}
	decodeJSON(t, rec, &tj)
	want := "http://example.com/data/points/{z}/{x}/{y}.pbf?key=abc"
	if len(tj.Tiles) != 1 || tj.Tiles[0] != want {
		t.Fatalf("tiles=%v, want %s", tj.Tiles, want)
	}
	if tj.Attribution != "Points Inc" || tj.Format != "pbf" {
		t.Fatalf("tilejson=%+v", tj)
	}
}

func TestStyleDocument(t *testing.T) {
	srv := newTestServer(t)
	rec := get(t, srv, "/styles/basic/style.json?key=abc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rec.Code, rec.Body.String())
	}
	var doc struct {
		Sprite  string
		Glyphs  string
		Sources map[string]struct{ URL string }
	}
	decodeJSON(t, rec, &doc)
	if got := doc.Sources["points"].URL; got != "http://example.com/data/points.json?key=abc" {
		t.Fatalf("source url=%q", got)
	}
	if doc.Sprite != "http://example.com/styles/basic/sprite?key=abc" {
		t.Fatalf("sprite=%q", doc.Sprite)
	}
	if doc.Glyphs != "http://example.com/fonts/{fontstack}/{range}.pbf?key=abc" {
		t.Fatalf("glyphs=%q", doc.Glyphs)
	}

	rec = get(t, srv, "/styles/basic/sprite.json", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dot") {
		t.Fatalf("sprite status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec := get(t, srv, "/styles/basic/sprite@2x.png", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing sprite status=%d", rec.Code)
	}
	if rec := get(t, srv, "/styles/other/style.json", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown style status=%d", rec.Code)
	}
}

func TestListings(t *testing.T) {
	srv := newTestServer(t)

	var styles []struct{ ID, Name, URL string }
	decodeJSON(t, get(t, srv, "/styles.json", nil), &styles)
	if len(styles) != 1 || styles[0].ID != "basic" || styles[0].Name != "Basic" ||
		styles[0].URL != "http://example.com/styles/basic/style.json" {
		t.Fatalf("styles=%+v", styles)
	}

	var rendered []struct {
		Tiles       []string
		Attribution string
	}
	decodeJSON(t, get(t, srv, "/rendered.json", nil), &rendered)
	if len(rendered) != 1 || rendered[0].Tiles[0] != "http://example.com/styles/basic/{z}/{x}/{y}.png" {
		t.Fatalf("rendered=%+v", rendered)
	}
	if rendered[0].Attribution != "Points Inc" {
		t.Fatalf("attribution=%q", rendered[0].Attribution)
	}

	var index []map[string]any
	decodeJSON(t, get(t, srv, "/index.json", nil), &index)
	if len(index) != 2 {
		t.Fatalf("index has %d entries", len(index))
	}

	var tj struct{ Tiles []string }
	decodeJSON(t, get(t, srv, "/styles/basic.json", nil), &tj)
	if len(tj.Tiles) != 1 || !strings.HasSuffix(tj.Tiles[0], "/styles/basic/{z}/{x}/{y}.png") {
		t.Fatalf("tiles=%v", tj.Tiles)
	}
}

func TestRenderedTiles(t *testing.T) {
	srv := newTestServer(t)

	for _, tt := range []struct {
		path string
		size int
	}{
		{"/styles/basic/0/0/0.png", 256},
		{"/styles/basic/3/4/2@2x.png", 512},
	} {
		rec := get(t, srv, tt.path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d: %s", tt.path, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("Content-Type") != "image/png" || rec.Header().Get("Last-Modified") == "" {
			t.Fatalf("%s headers=%v", tt.path, rec.Header())
		}
		img, err := png.Decode(rec.Body)
		if err != nil {
			t.Fatal(err)
		}
		if b := img.Bounds(); b.Dx() != tt.size || b.Dy() != tt.size {
			t.Fatalf("%s size=%v, want %d", tt.path, b, tt.size)
		}
	}

	if rec := get(t, srv, "/styles/basic/0/0/0@3x.png", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("@3x status=%d", rec.Code)
	}
	if rec := get(t, srv, "/styles/basic/0/0/0@1x.png", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("@1x status=%d", rec.Code)
	}
	expectProblem(t, get(t, srv, "/styles/basic/6/0/0.png", nil), http.StatusNotFound, "Out of bounds")
	expectProblem(t, get(t, srv, "/styles/basic/1/2/0.png", nil), http.StatusNotFound, "Out of bounds")
	expectProblem(t, get(t, srv, "/styles/basic/1/0/0.gif", nil), http.StatusBadRequest, "Invalid format")
}

func TestRenderedTileNotModified(t *testing.T) {
	srv := newTestServer(t)
	later := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)

	rec := get(t, srv, "/styles/basic/1/0/0.png", http.Header{"If-Modified-Since": {later}})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status=%d, want 304", rec.Code)
	}
	rec = get(t, srv, "/styles/basic/1/0/0.png", http.Header{
		"If-Modified-Since": {later},
		"Cache-Control":     {"no-cache"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("no-cache status=%d, want 200", rec.Code)
	}
}

func TestStaticMaps(t *testing.T) {
	srv := newTestServer(t)

	rec := get(t, srv, "/styles/basic/static/8.5,47.4,3@10,20/300x200@2x.jpg", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rec.Code, rec.Body.String())
	}
	img, err := jpeg.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 600 || b.Dy() != 400 {
		t.Fatalf("size=%v", b)
	}

	rec = get(t, srv, "/styles/basic/static/8,47,9,48/256x128.png?path=8.1,47.1|8.9,47.9&stroke=red&width=3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("bbox status=%d: %s", rec.Code, rec.Body.String())
	}

	rec = get(t, srv, "/styles/basic/static/auto/256x256.png?path=8.1,47.1|8.9,47.9", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("auto status=%d: %s", rec.Code, rec.Body.String())
	}

	expectProblem(t, get(t, srv, "/styles/basic/static/8.5,47.4,10/2561x256.png", nil), http.StatusBadRequest, "Invalid size")
	expectProblem(t, get(t, srv, "/styles/basic/static/8.5,47.4,10/4611686018427387904x256@2x.png", nil), http.StatusBadRequest, "Invalid size")
	expectProblem(t, get(t, srv, "/styles/basic/static/200,47.4,10/256x256.png", nil), http.StatusBadRequest, "Invalid center")
	// center is checked before size
	expectProblem(t, get(t, srv, "/styles/basic/static/200,47.4,10/4000x256.png", nil), http.StatusBadRequest, "Invalid center")
	expectProblem(t, get(t, srv, "/styles/basic/static/auto/256x256.png?path=8.1,47.1", nil), http.StatusBadRequest, "Invalid path")
	expectProblem(t, get(t, srv, "/styles/basic/static/8.5,47.4,30/256x256.png", nil), http.StatusNotFound, "Invalid zoom")
}

func TestStaticMapQuery(t *testing.T) {
	srv := newTestServer(t)
	// roughly 8.5,47.3 to 9.5,47.9 in EPSG:3857 meters
	const bbox = "946000,5980000,1057000,6100000"

	tests := []struct {
		name          string
		query         string
		width, height int
		jpg           bool
	}{
		{"output pixels divided by scale", "bbox=" + bbox + "&width=600&height=400&scale=2", 600, 400, false},
		{"default size", "bbox=" + bbox, 256, 256, false},
		{"mime format", "bbox=" + bbox + "&width=300&height=200&format=image/jpeg", 300, 200, true},
		{"upper-case keys", "BBOX=" + bbox + "&Width=300&HEIGHT=200&Format=image/png", 300, 200, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, srv, "/styles/basic/static?"+tt.query, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status=%d: %s", rec.Code, rec.Body.String())
			}
			var img image.Image
			var err error
			if tt.jpg {
				img, err = jpeg.Decode(rec.Body)
			} else {
				img, err = png.Decode(rec.Body)
			}
			if err != nil {
				t.Fatal(err)
			}
			if b := img.Bounds(); b.Dx() != tt.width || b.Dy() != tt.height {
				t.Fatalf("size=%v, want %dx%d", b, tt.width, tt.height)
			}
		})
	}

	expectProblem(t, get(t, srv, "/styles/basic/static?width=256", nil), http.StatusBadRequest, "Invalid bbox")
	expectProblem(t, get(t, srv, "/styles/basic/static?bbox="+bbox+"&scale=3", nil), http.StatusBadRequest, "Invalid scale")
	expectProblem(t, get(t, srv, "/styles/basic/static?bbox="+bbox+"&width=9223372036854775807", nil), http.StatusBadRequest, "Invalid size")
	// degrees are read as meters and land near 0,0
	rec := get(t, srv, "/styles/basic/static?bbox=8,47,9,48", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rec.Code, rec.Body.String())
	}
}

func TestGlyphs(t *testing.T) {
	srv := newTestServer(t)

	rec := get(t, srv, "/fonts/Noto%20Sans%20Regular,Arial%20Unicode/0-255.pbf", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "notoarial" {
		t.Fatalf("body=%q", rec.Body.String())
	}
	if rec := get(t, srv, "/fonts/Noto%20Sans%20Regular,Secret%20Font/0-255.pbf", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("restricted font status=%d", rec.Code)
	}
	if rec := get(t, srv, "/fonts/Noto%20Sans%20Regular/0-99.pbf", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing range status=%d", rec.Code)
	}

	var names []string
	decodeJSON(t, get(t, srv, "/fonts.json", nil), &names)
	for _, n := range names {
		if n == "Secret Font" {
			t.Fatalf("fonts.json lists a restricted font: %v", names)
		}
	}
}

func TestEventsStream(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	body := rec.Body.String()
	if !strings.Contains(body, "datastar-patch-signals") || !strings.Contains(body, `"styles":1`) {
		t.Fatalf("stream=%q", body)
	}
}

func TestArchiveFallback(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "points.pmtiles")
	writePoints(t, archive)

	srv, err := New(context.Background(), Config{
		ConfigPath: filepath.Join(dir, "missing.json"),
		Archive:    archive,
		Engine:     stubEngine{},
	}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close(context.Background())

	var data []map[string]any
	decodeJSON(t, get(t, srv, "/data.json", nil), &data)
	if len(data) != 1 {
		t.Fatalf("data=%v", data)
	}
	if rec := get(t, srv, "/data/points/0/0/0.pbf", nil); rec.Code != http.StatusOK {
		t.Fatalf("tile status=%d", rec.Code)
	}
}

func TestOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	paths := srv.OpenAPI().Paths
	for _, p := range []string{"/styles/{id}/{z}/{x}/{tile}", "/data/{id}/{z}/{x}/{tile}", "/fonts/{fontstack}/{range}", "/styles/{id}/static/{center}/{size}"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi misses %s", p)
		}
	}
}
