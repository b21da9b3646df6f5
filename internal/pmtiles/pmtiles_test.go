package pmtiles

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	pm "github.com/protomaps/go-pmtiles/pmtiles"
)

func writeFixture(t *testing.T) ([]Tile, []byte) {
	t.Helper()
	tiles := []Tile{
		{Z: 0, X: 0, Y: 0, Data: []byte("root")},
		{Z: 1, X: 0, Y: 0, Data: []byte("sea")},
		{Z: 1, X: 0, Y: 1, Data: []byte("sea")},
		{Z: 1, X: 1, Y: 1, Data: []byte("land")},
	}
	var buf bytes.Buffer
	err := Write(&buf, tiles, WriteOptions{
		TileType: Png,
		Center:   [3]float64{8.5, 47.3, 1},
		Metadata: map[string]any{"name": "fixture", "attribution": "test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return tiles, buf.Bytes()
}

func TestWriteLayout(t *testing.T) {
	_, b := writeFixture(t)

	h, err := pm.DeserializeHeader(b[:HeaderV3LenBytes])
	if err != nil {
		t.Fatal(err)
	}
	if h.TileType != Png || h.MinZoom != 0 || h.MaxZoom != 1 || !h.Clustered {
		t.Fatalf("header=%+v", h)
	}
	if h.AddressedTilesCount != 4 || h.TileContentsCount != 3 || h.TileEntriesCount != 3 {
		t.Fatalf("counts addressed=%d contents=%d entries=%d", h.AddressedTilesCount, h.TileContentsCount, h.TileEntriesCount)
	}
	if h.TileCompression != NoCompression || h.InternalCompression != Gzip {
		t.Fatalf("compression tile=%d internal=%d", h.TileCompression, h.InternalCompression)
	}
	if bounds := Bounds(h); bounds[0] != -180 || bounds[2] != 180 {
		t.Fatalf("bounds=%v, want world", bounds)
	}

	root := b[h.RootOffset : h.RootOffset+h.RootLength]
	entries := pm.DeserializeEntries(bytes.NewBuffer(root), h.InternalCompression)
	if len(entries) != 3 {
		t.Fatalf("entries=%+v", entries)
	}
	// 1/0/0 and 1/0/1 are ids 1 and 2 with the same payload
	if e := entries[1]; e.TileID != 1 || e.RunLength != 2 {
		t.Fatalf("sea entry=%+v, want a run of 2 from id 1", e)
	}
	if e, ok := pm.FindTile(entries, pm.ZxyToID(1, 0, 1)); !ok || e.TileID != 1 {
		t.Fatalf("FindTile(1/0/1)=%+v,%v", e, ok)
	}
}

func TestWriteRejectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, nil, WriteOptions{TileType: Mvt}); err == nil {
		t.Fatal("expected error for no tiles")
	}
}

func TestWriteAndRead(t *testing.T) {
	tiles, b := writeFixture(t)

	r, err := NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatal(err)
	}
	if got := r.Metadata()["name"]; got != "fixture" {
		t.Fatalf("metadata name=%v", got)
	}
	if c := Center(r.Header()); c[0] != 8.5 || c[1] != 47.3 || c[2] != 1 {
		t.Fatalf("center=%v", c)
	}

	for _, tt := range tiles {
		data, ok, err := r.Tile(tt.Z, tt.X, tt.Y)
		if err != nil || !ok {
			t.Fatalf("Tile(%d,%d,%d) ok=%v err=%v", tt.Z, tt.X, tt.Y, ok, err)
		}
		if !bytes.Equal(data, tt.Data) {
			t.Fatalf("Tile(%d,%d,%d)=%q, want %q", tt.Z, tt.X, tt.Y, data, tt.Data)
		}
	}

	if _, ok, err := r.Tile(1, 1, 0); ok || err != nil {
		t.Fatalf("missing tile ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.Tile(5, 0, 0); ok || err != nil {
		t.Fatalf("out of zoom range ok=%v err=%v", ok, err)
	}
}

func TestReadLeafDirectory(t *testing.T) {
	payload := []byte("leaf-tile")
	leaf := pm.SerializeEntries([]EntryV3{{TileID: 5, Offset: 0, Length: uint32(len(payload)), RunLength: 1}}, NoCompression)
	root := pm.SerializeEntries([]EntryV3{{TileID: 5, Offset: 0, Length: uint32(len(leaf)), RunLength: 0}}, NoCompression)
	meta := []byte("{}")

	h := HeaderV3{
		SpecVersion:         3,
		RootOffset:          HeaderV3LenBytes,
		RootLength:          uint64(len(root)),
		MetadataOffset:      HeaderV3LenBytes + uint64(len(root)),
		MetadataLength:      uint64(len(meta)),
		LeafDirectoryOffset: HeaderV3LenBytes + uint64(len(root)+len(meta)),
		LeafDirectoryLength: uint64(len(leaf)),
		TileDataOffset:      HeaderV3LenBytes + uint64(len(root)+len(meta)+len(leaf)),
		TileDataLength:      uint64(len(payload)),
		InternalCompression: NoCompression,
		TileCompression:     NoCompression,
		TileType:            Mvt,
		MinZoom:             0,
		MaxZoom:             2,
	}
	var buf bytes.Buffer
	for _, part := range [][]byte{pm.SerializeHeader(h), root, meta, leaf, payload} {
		buf.Write(part)
	}
	path := filepath.Join(t.TempDir(), "leaf.pmtiles")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	// id 5 is 2/0/0
	data, ok, err := r.Tile(2, 0, 0)
	if err != nil || !ok || !bytes.Equal(data, payload) {
		t.Fatalf("leaf tile=%q ok=%v err=%v", data, ok, err)
	}
}

func TestReadRejectsTruncated(t *testing.T) {
	_, b := writeFixture(t)
	cut := b[:HeaderV3LenBytes+4]
	if _, err := NewReader(bytes.NewReader(cut), int64(len(cut))); err == nil {
		t.Fatal("expected error for truncated archive")
	}
}

func TestTileTypeFormat(t *testing.T) {
	for _, f := range []string{"pbf", "png", "jpg", "webp"} {
		if got := Format(TileTypeOf(f)); got != f {
			t.Fatalf("Format(TileTypeOf(%q))=%q", f, got)
		}
	}
	if Format(UnknownTileType) != "" {
		t.Fatal("unknown tile type has a format")
	}
}
