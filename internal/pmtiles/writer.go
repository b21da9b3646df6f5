package pmtiles

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	pm "github.com/protomaps/go-pmtiles/pmtiles"
)

// Tile is one tile handed to Write.
type Tile struct {
	Z    uint8
	X, Y uint32
	Data []byte
}

// WriteOptions describe the archive being written.
type WriteOptions struct {
	TileType        TileType
	TileCompression Compression
	// Bounds as west, south, east, north; zero means the whole world.
	Bounds   [4]float64
	Center   [3]float64
	Metadata map[string]any
}

func e7(v float64) int32 { return int32(v * 1e7) }

// Write serializes tiles as a single-directory archive. Identical payloads
// are stored once and consecutive ids sharing a payload become one run.
func Write(w io.Writer, tiles []Tile, opts WriteOptions) error {
	if len(tiles) == 0 {
		return errors.New("no tiles to write")
	}

	type keyed struct {
		id   uint64
		data []byte
	}
	sorted := make([]keyed, 0, len(tiles))
	minZ, maxZ := uint8(255), uint8(0)
	for _, t := range tiles {
		sorted = append(sorted, keyed{id: pm.ZxyToID(t.Z, t.X, t.Y), data: t.Data})
		minZ = min(minZ, t.Z)
		maxZ = max(maxZ, t.Z)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })

	var (
		entries  []EntryV3
		data     bytes.Buffer
		offsets  = map[string]uint64{}
		contents uint64
	)
	for _, t := range sorted {
		offset, seen := offsets[string(t.data)]
		if !seen {
			offset = uint64(data.Len())
			offsets[string(t.data)] = offset
			data.Write(t.data)
			contents++
		}
		n := len(entries)
		if n > 0 && entries[n-1].Offset == offset && entries[n-1].TileID+uint64(entries[n-1].RunLength) == t.id {
			entries[n-1].RunLength++
			continue
		}
		entries = append(entries, EntryV3{TileID: t.id, Offset: offset, Length: uint32(len(t.data)), RunLength: 1})
	}

	root := pm.SerializeEntries(entries, Gzip)
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("serialize metadata: %w", err)
	}

	bounds := opts.Bounds
	if bounds == [4]float64{} {
		bounds = [4]float64{-180, -85.0511, 180, 85.0511}
	}
	tileCompression := opts.TileCompression
	if tileCompression == UnknownCompression {
		tileCompression = NoCompression
	}

	dataOffset := HeaderV3LenBytes + uint64(len(root)) + uint64(len(meta))
	header := HeaderV3{
		SpecVersion:         3,
		RootOffset:          HeaderV3LenBytes,
		RootLength:          uint64(len(root)),
		MetadataOffset:      HeaderV3LenBytes + uint64(len(root)),
		MetadataLength:      uint64(len(meta)),
		LeafDirectoryOffset: dataOffset,
		TileDataOffset:      dataOffset,
		TileDataLength:      uint64(data.Len()),
		AddressedTilesCount: uint64(len(sorted)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   contents,
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     tileCompression,
		TileType:            opts.TileType,
		MinZoom:             minZ,
		MaxZoom:             maxZ,
		MinLonE7:            e7(bounds[0]),
		MinLatE7:            e7(bounds[1]),
		MaxLonE7:            e7(bounds[2]),
		MaxLatE7:            e7(bounds[3]),
		CenterZoom:          uint8(opts.Center[2]),
		CenterLonE7:         e7(opts.Center[0]),
		CenterLatE7:         e7(opts.Center[1]),
	}

	for _, part := range [][]byte{pm.SerializeHeader(header), root, meta, data.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}
