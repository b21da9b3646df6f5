// Package fonts serves glyph range protobufs from a directory of font stacks.
//
// Every subdirectory of the fonts directory holding a 0-255.pbf file is a
// font stack. A glyph range request names one or more stacks separated by
// commas; the payloads of the stacks found on disk are concatenated in request
// order, which protobuf decoders read as a merged message.
package fonts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNoGlyphs       = errors.New("no glyphs found")
	ErrFontNotAllowed = errors.New("font not allowed")
	ErrInvalidRange   = errors.New("invalid glyph range")
)

var rangePattern = regexp.MustCompile(`^\d+-\d+$`)

// Catalog knows the font stacks on disk and, unless every font is served, the
// subset of them that styles reported using.
type Catalog struct {
	dir        string
	restricted bool

	mu      sync.RWMutex
	stacks  map[string]bool
	allowed map[string]bool
}

// Discover scans dir for font stacks. A missing directory yields an empty
// catalog. When serveAll is false only stacks passed to Allow are served by
// GlyphRange.
func Discover(dir string, serveAll bool) (*Catalog, error) {
	c := &Catalog{
		dir:        dir,
		restricted: !serveAll,
		stacks:     map[string]bool{},
		allowed:    map[string]bool{},
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("read fonts directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), "0-255.pbf")); err == nil {
			c.stacks[e.Name()] = true
		}
	}
	return c, nil
}

// Allow adds font stack names to the allow-list.
func (c *Catalog) Allow(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		c.allowed[n] = true
	}
}

// Unrestricted returns a view of the catalog that ignores the allow-list.
// The renderer uses it so styles can load any font on disk.
func (c *Catalog) Unrestricted() *Catalog {
	return &Catalog{dir: c.dir, stacks: c.stacks, allowed: map[string]bool{}}
}

// Has reports whether a stack exists on disk.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stacks[name]
}

// List returns the sorted stack names clients may request.
func (c *Catalog) List() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for name := range c.stacks {
		if c.restricted && !c.allowed[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GlyphRange returns the concatenated range payloads of the comma separated
// stacks. Stacks without a file for the range are skipped; if none remain the
// result is ErrNoGlyphs.
func (c *Catalog) GlyphRange(stacks, rng string) ([]byte, error) {
	if !rangePattern.MatchString(rng) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, rng)
	}

	names := strings.Split(stacks, ",")
	c.mu.RLock()
	for _, name := range names {
		if c.restricted && !c.allowed[name] {
			c.mu.RUnlock()
			return nil, fmt.Errorf("%w: %s", ErrFontNotAllowed, name)
		}
	}
	c.mu.RUnlock()

	var (
		out   []byte
		found int
	)
	for _, name := range names {
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, name, rng+".pbf"))
		if err != nil {
			continue
		}
		out = append(out, data...)
		found++
	}
	if found == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNoGlyphs, stacks, rng)
	}
	return out, nil
}
