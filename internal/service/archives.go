package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ArchiveFile is a tile archive found in the archives directory.
type ArchiveFile struct {
	Name   string `json:"name" doc:"Archive file name" example:"zurich.mbtiles"`
	Format string `json:"format" doc:"Container format" enum:"mbtiles,pmtiles" example:"mbtiles"`
	Size   string `json:"size" doc:"Human-readable file size" example:"5.4 MB"`
}

// ArchiveKind returns "mbtiles" or "pmtiles" for a supported file name, or
// the empty string.
func ArchiveKind(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mbtiles":
		return "mbtiles"
	case ".pmtiles":
		return "pmtiles"
	}
	return ""
}

// ListArchives returns the tile archives directly inside dir, sorted by name.
// A missing directory is empty.
func ListArchives(dir string) ([]ArchiveFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ArchiveFile{}, nil
		}
		return nil, err
	}

	files := []ArchiveFile{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		kind := ArchiveKind(entry.Name())
		if kind == "" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, ArchiveFile{
			Name:   entry.Name(),
			Format: kind,
			Size:   formatSize(info.Size()),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
