// Package pmtiles provides PMTiles v3 support for tile serving and
// generation.
//
// The binary format itself (header layout, directory encoding, Hilbert tile
// ids and directory search) comes from github.com/protomaps/go-pmtiles/pmtiles.
// This package adds the single-directory writer used by the tile command and
// a file reader that walks leaf directories with the library's primitives.
//
// Source: https://github.com/protomaps/go-pmtiles (BSD-3-Clause)
// Spec: https://github.com/protomaps/PMTiles/blob/main/spec/v3/spec.md
package pmtiles

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	pm "github.com/protomaps/go-pmtiles/pmtiles"
)

type (
	// Compression is the algorithm applied to directories, metadata or
	// individual tiles.
	Compression = pm.Compression
	// TileType is the format of individual tile contents.
	TileType = pm.TileType
	HeaderV3 = pm.HeaderV3
	// EntryV3 is a directory entry. A zero RunLength marks a pointer to a
	// leaf directory.
	EntryV3 = pm.EntryV3
)

const (
	UnknownCompression = pm.UnknownCompression
	NoCompression      = pm.NoCompression
	Gzip               = pm.Gzip

	UnknownTileType = pm.UnknownTileType
	Mvt             = pm.Mvt
	Png             = pm.Png
	Jpeg            = pm.Jpeg
	Webp            = pm.Webp
)

// HeaderV3LenBytes is the fixed-size binary header.
const HeaderV3LenBytes = pm.HeaderV3LenBytes

// Format returns the tile file extension used in URLs.
func Format(t TileType) string {
	switch t {
	case Mvt:
		return "pbf"
	case Png:
		return "png"
	case Jpeg:
		return "jpg"
	case Webp:
		return "webp"
	}
	return ""
}

// TileTypeOf maps a tile file extension to a TileType.
func TileTypeOf(format string) TileType {
	switch format {
	case "pbf", "mvt":
		return Mvt
	case "png":
		return Png
	case "jpg", "jpeg":
		return Jpeg
	case "webp":
		return Webp
	}
	return UnknownTileType
}

// Bounds returns the header bounds as west, south, east, north.
func Bounds(h HeaderV3) [4]float64 {
	return [4]float64{
		float64(h.MinLonE7) / 1e7, float64(h.MinLatE7) / 1e7,
		float64(h.MaxLonE7) / 1e7, float64(h.MaxLatE7) / 1e7,
	}
}

// Center returns the header center as lon, lat, zoom.
func Center(h HeaderV3) [3]float64 {
	return [3]float64{float64(h.CenterLonE7) / 1e7, float64(h.CenterLatE7) / 1e7, float64(h.CenterZoom)}
}

// encodeMetadata converts metadata to gzipped JSON.
func encodeMetadata(metadata map[string]any) ([]byte, error) {
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeMetadata parses JSON metadata stored with compression c.
func decodeMetadata(b []byte, c Compression) (map[string]any, error) {
	raw := b
	switch c {
	case NoCompression, UnknownCompression:
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("decompress metadata: %w", err)
		}
		defer r.Close()
		if raw, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("decompress metadata: %w", err)
		}
	default:
		return nil, fmt.Errorf("metadata compression %d not supported", c)
	}
	metadata := map[string]any{}
	if len(raw) == 0 {
		return metadata, nil
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}
