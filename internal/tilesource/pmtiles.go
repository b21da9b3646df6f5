package tilesource

import (
	"context"
	"os"
	"time"

	"github.com/joeblew999/plat-maps/internal/pmtiles"
)

// PMTiles is an archive backed by a PMTiles v3 file, decoded with
// github.com/protomaps/go-pmtiles.
type PMTiles struct {
	r        *pmtiles.Reader
	info     Info
	modified time.Time
}

// OpenPMTiles opens the archive at path.
func OpenPMTiles(path string) (*PMTiles, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	r, err := pmtiles.Open(path)
	if err != nil {
		return nil, err
	}
	h := r.Header()
	meta := r.Metadata()

	b := pmtiles.Bounds(h)
	c := pmtiles.Center(h)
	info := Info{
		Format:       pmtiles.Format(h.TileType),
		MinZoom:      int(h.MinZoom),
		MaxZoom:      int(h.MaxZoom),
		Bounds:       b[:],
		Center:       c[:],
		Name:         str(meta["name"]),
		Description:  str(meta["description"]),
		Attribution:  str(meta["attribution"]),
		Projection:   str(meta["proj4"]),
		VectorLayers: meta["vector_layers"],
	}
	return &PMTiles{r: r, info: info, modified: st.ModTime().UTC().Truncate(time.Second)}, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// Info implements Archive.
func (p *PMTiles) Info() Info { return p.info }

// GetTile implements Archive.
func (p *PMTiles) GetTile(_ context.Context, z, x, y int) (Tile, error) {
	if z < 0 || z > 255 || x < 0 || y < 0 {
		return Tile{}, ErrTileNotFound
	}
	data, ok, err := p.r.Tile(uint8(z), uint32(x), uint32(y))
	if err != nil {
		return Tile{}, err
	}
	if !ok {
		return Tile{}, ErrTileNotFound
	}
	return Tile{Data: data, Modified: p.modified}, nil
}

// Close implements Archive.
func (p *PMTiles) Close() error { return p.r.Close() }
