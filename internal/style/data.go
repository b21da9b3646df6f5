package style

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joeblew999/plat-maps/internal/config"
)

// DataEntry is a configured archive served under /data/{ID}.
type DataEntry struct {
	ID       string
	Path     string
	TileJSON map[string]any
}

// DataIndex maps style archive references to data entries. Styles may name
// archive files that are not configured; those are added on first use with
// the file's base name as id.
type DataIndex struct {
	dir string

	mu      sync.RWMutex
	entries map[string]DataEntry
}

// NewDataIndex builds the index from the data section of the configuration.
func NewDataIndex(dir string, data map[string]config.Data) *DataIndex {
	idx := &DataIndex{dir: dir, entries: map[string]DataEntry{}}
	for id, d := range data {
		idx.entries[id] = DataEntry{ID: id, Path: idx.path(d.Archive()), TileJSON: d.TileJSON}
	}
	return idx
}

func (d *DataIndex) path(file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(d.dir, file)
}

// ByID returns the entry with id, ignoring case.
func (d *DataIndex) ByID(id string) (DataEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.entries[id]; ok {
		return e, true
	}
	for k, e := range d.entries {
		if strings.EqualFold(k, id) {
			return e, true
		}
	}
	return DataEntry{}, false
}

// ByFile returns the entry serving file, adding one when none does.
func (d *DataIndex) ByFile(file string) DataEntry {
	p := d.path(file)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.Path == p {
			return e
		}
	}
	base := filepath.Base(file)
	id := strings.TrimSuffix(base, filepath.Ext(base))
	for i := 2; ; i++ {
		if _, taken := d.entries[id]; !taken {
			break
		}
		id = strings.TrimSuffix(base, filepath.Ext(base)) + "-" + strconv.Itoa(i)
	}
	e := DataEntry{ID: id, Path: p}
	d.entries[id] = e
	return e
}

// Entries returns all entries sorted by id.
func (d *DataIndex) Entries() []DataEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]DataEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
