package tilesource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// MBTiles is an archive backed by an MBTiles SQLite file.
type MBTiles struct {
	db       *sql.DB
	info     Info
	modified time.Time
}

// OpenMBTiles opens path read-only and loads its metadata table.
func OpenMBTiles(path string) (*MBTiles, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	m := &MBTiles{db: db, modified: st.ModTime().UTC().Truncate(time.Second)}
	if m.info, err = m.loadInfo(); err != nil {
		db.Close()
		return nil, fmt.Errorf("read metadata %s: %w", path, err)
	}
	return m, nil
}

func (m *MBTiles) loadInfo() (Info, error) {
	rows, err := m.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Info{}, err
	}
	defer rows.Close()

	info := Info{MaxZoom: 22}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Info{}, err
		}
		switch name {
		case "name":
			info.Name = value
		case "description":
			info.Description = value
		case "attribution":
			info.Attribution = value
		case "format":
			info.Format = value
		case "minzoom":
			info.MinZoom, _ = strconv.Atoi(value)
		case "maxzoom":
			info.MaxZoom, _ = strconv.Atoi(value)
		case "bounds":
			info.Bounds = parseFloats(value)
		case "center":
			info.Center = parseFloats(value)
		case "proj4":
			info.Projection = value
		case "json":
			var extra struct {
				VectorLayers any `json:"vector_layers"`
			}
			if err := json.Unmarshal([]byte(value), &extra); err == nil {
				info.VectorLayers = extra.VectorLayers
			}
		}
	}
	if err := rows.Err(); err != nil {
		return Info{}, err
	}
	if info.Format == "jpeg" {
		info.Format = "jpg"
	}
	return info, nil
}

func parseFloats(s string) []float64 {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

// Info implements Archive.
func (m *MBTiles) Info() Info { return m.info }

// GetTile implements Archive. Rows are stored in TMS order, so y is flipped.
func (m *MBTiles) GetTile(ctx context.Context, z, x, y int) (Tile, error) {
	tmsY := (1 << uint(z)) - 1 - y
	var data []byte
	err := m.db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		z, x, tmsY,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Tile{}, ErrTileNotFound
	}
	if err != nil {
		return Tile{}, fmt.Errorf("query tile %d/%d/%d: %w", z, x, y, err)
	}
	return Tile{Data: data, Modified: m.modified}, nil
}

// Close implements Archive.
func (m *MBTiles) Close() error { return m.db.Close() }
