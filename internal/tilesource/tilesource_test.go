package tilesource

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/joeblew999/plat-maps/internal/logging"
	"github.com/joeblew999/plat-maps/internal/pmtiles"
)

func writePMTiles(t *testing.T, dir, name string, meta map[string]any) string {
	t.Helper()
	var buf bytes.Buffer
	tiles := []pmtiles.Tile{
		{Z: 0, X: 0, Y: 0, Data: []byte("z0")},
		{Z: 1, X: 1, Y: 0, Data: []byte("z1")},
	}
	if err := pmtiles.Write(&buf, tiles, pmtiles.WriteOptions{TileType: pmtiles.Png, Metadata: meta}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeMBTiles(t *testing.T, dir, name string, metadata map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	stmts := []string{
		"CREATE TABLE metadata (name TEXT, value TEXT)",
		"CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)",
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatal(err)
		}
	}
	for k, v := range metadata {
		if _, err := db.Exec("INSERT INTO metadata VALUES (?, ?)", k, v); err != nil {
			t.Fatal(err)
		}
	}
	// XYZ 2/1/0 is TMS row 3
	if _, err := db.Exec("INSERT INTO tiles VALUES (2, 1, 3, ?)", []byte("tile-2-1-0")); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMBTilesArchive(t *testing.T) {
	path := writeMBTiles(t, t.TempDir(), "zurich.mbtiles", map[string]string{
		"name":        "Zurich",
		"format":      "pbf",
		"minzoom":     "0",
		"maxzoom":     "14",
		"bounds":      "8.4,47.3,8.6,47.4",
		"attribution": "© OSM",
		"json":        `{"vector_layers":[{"id":"water"}]}`,
	})

	a, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	info := a.Info()
	if info.Format != "pbf" || info.MaxZoom != 14 || len(info.Bounds) != 4 {
		t.Fatalf("info=%+v", info)
	}
	if info.VectorLayers == nil {
		t.Fatal("vector_layers not read")
	}

	tile, err := a.GetTile(context.Background(), 2, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(tile.Data) != "tile-2-1-0" {
		t.Fatalf("data=%q", tile.Data)
	}
	if tile.Modified.IsZero() {
		t.Fatal("modified time not set")
	}

	if _, err := a.GetTile(context.Background(), 2, 0, 0); !errors.Is(err, ErrTileNotFound) {
		t.Fatalf("err=%v, want ErrTileNotFound", err)
	}
}

func TestRepository(t *testing.T) {
	dir := t.TempDir()
	pm := writePMTiles(t, dir, "world.pmtiles", map[string]any{"attribution": "A"})
	pm2 := writePMTiles(t, dir, "other.pmtiles", map[string]any{"attribution": "B"})
	pm3 := writePMTiles(t, dir, "dup.pmtiles", map[string]any{"attribution": "A"})

	repo := NewRepository(logging.Discard())
	ctx := context.Background()
	for name, path := range map[string]string{"world": pm, "other": pm2} {
		if _, err := repo.Add(ctx, name, Spec{Path: path}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.Add(ctx, "dup", Spec{Path: pm3, TileJSON: map[string]any{"color": "#ff0000"}}); err != nil {
		t.Fatal(err)
	}

	tile, err := repo.GetTile(ctx, "world", 1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(tile.Data) != "z1" {
		t.Fatalf("data=%q", tile.Data)
	}
	if _, err := repo.GetTile(ctx, "world", 1, 0, 0); !errors.Is(err, ErrTileNotFound) {
		t.Fatalf("err=%v, want ErrTileNotFound", err)
	}
	if _, err := repo.GetTile(ctx, "nope", 0, 0, 0); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("err=%v, want ErrSourceNotFound", err)
	}

	attr := repo.Attribution()
	if attr != "A; B" && attr != "B; A" {
		t.Fatalf("attribution=%q", attr)
	}

	src, _ := repo.Get("dup")
	if src.Color() != "#ff0000" {
		t.Fatalf("color=%q", src.Color())
	}
	if got := src.TileURL(); got != "archive://dup/{z}/{x}/{y}.png" {
		t.Fatalf("tile url=%q", got)
	}
	if _, ok := repo.Lookup("WORLD"); !ok {
		t.Fatal("Lookup should ignore case")
	}

	if err := repo.Remove("other"); err != nil {
		t.Fatal(err)
	}
	if _, ok := repo.Get("other"); ok {
		t.Fatal("source still present after Remove")
	}
	if err := repo.Remove("other"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("err=%v, want ErrSourceNotFound", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRepositoryProjectionLastWins(t *testing.T) {
	dir := t.TempDir()
	first := writePMTiles(t, dir, "a.pmtiles", map[string]any{"proj4": "EPSG:3395"})
	plain := writePMTiles(t, dir, "b.pmtiles", nil)

	repo := NewRepository(logging.Discard())
	defer repo.Close()
	ctx := context.Background()

	if _, err := repo.Add(ctx, "a", Spec{Path: first}); err != nil {
		t.Fatal(err)
	}
	if repo.Transform() == nil {
		t.Fatal("expected transform after EPSG:3395 source")
	}
	if _, err := repo.Add(ctx, "b", Spec{Path: plain}); err != nil {
		t.Fatal(err)
	}
	if repo.Transform() == nil {
		t.Fatal("source without projection must not clear the transform")
	}
}

func TestFixCenter(t *testing.T) {
	tj := map[string]any{"bounds": []float64{-180, -85, 180, 85}}
	FixCenter(tj)
	c, ok := tj["center"].([]float64)
	if !ok || len(c) != 3 {
		t.Fatalf("center=%v", tj["center"])
	}
	if c[0] != 0 || c[1] != 0 || c[2] != 2 {
		t.Fatalf("center=%v, want [0 0 2]", c)
	}
}

func TestGzipHelpers(t *testing.T) {
	raw := []byte("hello tiles")
	z, err := Gzip(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !IsGzipped(z) {
		t.Fatal("Gzip output lacks magic")
	}
	again, err := Gzip(z)
	if err != nil || !bytes.Equal(again, z) {
		t.Fatal("Gzip should not double compress")
	}
	back, err := Gunzip(z)
	if err != nil || !bytes.Equal(back, raw) {
		t.Fatalf("Gunzip=%q err=%v", back, err)
	}
	same, _ := Gunzip(raw)
	if !bytes.Equal(same, raw) {
		t.Fatal("Gunzip should pass plain data through")
	}
}
