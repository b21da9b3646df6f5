// Package tilesource opens tile archives and keeps them addressable by name.
//
// Two archive formats are supported: MBTiles (SQLite) and PMTiles. Both are
// read through the Archive interface; the Repository adds naming, attribution
// accumulation and the projection hook on top.
package tilesource

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrTileNotFound means the archive has no tile at the address. It is a
	// normal outcome, not a failure.
	ErrTileNotFound   = errors.New("tile not found")
	ErrSourceNotFound = errors.New("source not found")
)

// Tile is a stored tile as read from an archive.
type Tile struct {
	Data     []byte
	Modified time.Time
}

// Info is what an archive says about itself.
type Info struct {
	Name        string
	Description string
	Attribution string
	Format      string // pbf, png, jpg, webp
	MinZoom     int
	MaxZoom     int
	Bounds      []float64 // west, south, east, north
	Center      []float64 // lon, lat, zoom
	Projection  string    // proj4 definition or EPSG code, empty for web mercator
	// VectorLayers is the raw vector_layers metadata, when present.
	VectorLayers any
}

// Archive is a read-only tile store.
type Archive interface {
	Info() Info
	// GetTile returns ErrTileNotFound when the tile is absent.
	GetTile(ctx context.Context, z, x, y int) (Tile, error)
	Close() error
}

// Open picks the archive implementation from the file extension.
func Open(path string) (Archive, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mbtiles":
		return OpenMBTiles(path)
	case ".pmtiles":
		return OpenPMTiles(path)
	}
	return nil, fmt.Errorf("unsupported archive %s", filepath.Base(path))
}
