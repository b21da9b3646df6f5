package pmtiles

import (
	"bytes"
	"fmt"
	"io"
	"os"

	pm "github.com/protomaps/go-pmtiles/pmtiles"
)

// maxDepth bounds leaf directory recursion.
const maxDepth = 4

// Reader serves tiles from an archive. It is safe for concurrent use as long
// as the underlying io.ReaderAt is.
type Reader struct {
	r        io.ReaderAt
	size     int64
	closer   io.Closer
	header   HeaderV3
	root     []EntryV3
	metadata map[string]any
}

// Open opens the archive file at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := NewReader(f, st.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// NewReader reads the header, root directory and metadata of an archive of
// size bytes.
func NewReader(ra io.ReaderAt, size int64) (*Reader, error) {
	buf := make([]byte, HeaderV3LenBytes)
	if _, err := ra.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header, err := pm.DeserializeHeader(buf)
	if err != nil {
		return nil, err
	}
	if header.SpecVersion != 3 {
		return nil, fmt.Errorf("unsupported spec version %d", header.SpecVersion)
	}
	if c := header.InternalCompression; c != NoCompression && c != Gzip {
		return nil, fmt.Errorf("directory compression %d not supported", c)
	}

	r := &Reader{r: ra, size: size, header: header}

	root, err := r.directory(header.RootOffset, header.RootLength)
	if err != nil {
		return nil, fmt.Errorf("read root directory: %w", err)
	}
	r.root = root

	metaBytes, err := r.section(header.MetadataOffset, header.MetadataLength)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if r.metadata, err = decodeMetadata(metaBytes, header.InternalCompression); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) section(offset, length uint64) ([]byte, error) {
	if offset > uint64(r.size) || length > uint64(r.size)-offset {
		return nil, fmt.Errorf("section %d+%d outside %d byte archive", offset, length, r.size)
	}
	b := make([]byte, length)
	if length == 0 {
		return b, nil
	}
	if _, err := r.r.ReadAt(b, int64(offset)); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Reader) directory(offset, length uint64) ([]EntryV3, error) {
	b, err := r.section(offset, length)
	if err != nil {
		return nil, err
	}
	return pm.DeserializeEntries(bytes.NewBuffer(b), r.header.InternalCompression), nil
}

// Header returns the archive header.
func (r *Reader) Header() HeaderV3 { return r.header }

// Metadata returns the decoded JSON metadata.
func (r *Reader) Metadata() map[string]any { return r.metadata }

// Tile returns the stored bytes of z/x/y, still in the archive's tile
// compression. ok is false when the archive has no such tile.
func (r *Reader) Tile(z uint8, x, y uint32) (data []byte, ok bool, err error) {
	if z < r.header.MinZoom || z > r.header.MaxZoom {
		return nil, false, nil
	}
	id := pm.ZxyToID(z, x, y)

	entries := r.root
	for depth := 0; depth < maxDepth; depth++ {
		e, found := pm.FindTile(entries, id)
		if !found {
			return nil, false, nil
		}
		if e.RunLength > 0 {
			data, err := r.section(r.header.TileDataOffset+e.Offset, uint64(e.Length))
			if err != nil {
				return nil, false, fmt.Errorf("read tile %d/%d/%d: %w", z, x, y, err)
			}
			return data, true, nil
		}
		if entries, err = r.directory(r.header.LeafDirectoryOffset+e.Offset, uint64(e.Length)); err != nil {
			return nil, false, fmt.Errorf("read leaf directory: %w", err)
		}
	}
	return nil, false, fmt.Errorf("directory nesting exceeds %d levels", maxDepth)
}

// Close releases the file opened by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
