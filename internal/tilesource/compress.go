package tilesource

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// IsGzipped reports whether b starts with the gzip magic bytes.
func IsGzipped(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// Gunzip inflates b when it is gzipped and returns it unchanged otherwise.
func Gunzip(b []byte) ([]byte, error) {
	if !IsGzipped(b) {
		return b, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Gzip compresses b unless it already is.
func Gzip(b []byte) ([]byte, error) {
	if IsGzipped(b) {
		return b, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
