package resolver

import (
	"bytes"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/joeblew999/plat-maps/internal/imaging"
)

// DefaultEmptyColor is the placeholder colour when a source declares none.
const DefaultEmptyColor = "rgba(255,255,255,0)"

// EmptyCache memoises 1x1 placeholder images by (format, colour). Each key is
// synthesised at most once, even under concurrent first requests.
type EmptyCache struct {
	// Synthesize encodes a placeholder. Defaults to imaging.Solid.
	Synthesize func(f imaging.Format, color string) ([]byte, error)

	mu      sync.RWMutex
	entries map[string][]byte
	group   singleflight.Group
}

// NewEmptyCache creates a cache using imaging.Solid.
func NewEmptyCache() *EmptyCache {
	return &EmptyCache{Synthesize: imaging.Solid, entries: map[string][]byte{}}
}

// Get returns the placeholder for format and colour. Vector and unknown
// formats get a zero-length payload. A placeholder that fails to encode is
// also returned as zero-length and is not cached. The result is a copy the
// caller may modify.
func (c *EmptyCache) Get(format, color string) []byte {
	f, err := imaging.ParseFormat(format)
	if err != nil {
		return []byte{}
	}
	if color == "" {
		color = DefaultEmptyColor
	}
	key := string(f) + "," + color

	c.mu.RLock()
	b, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return bytes.Clone(b)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		c.mu.RLock()
		b, ok := c.entries[key]
		c.mu.RUnlock()
		if ok {
			return b, nil
		}
		b, err := c.Synthesize(f, color)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = b
		c.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return []byte{}
	}
	return bytes.Clone(v.([]byte))
}
