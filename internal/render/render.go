// Package render manages pools of map rendering handles.
//
// A rendering engine is anything that implements Engine. Every style gets one
// pool of engine maps per pixel ratio; a render borrows a map from the pool
// matching the requested scale, draws one frame and gives it back.
package render

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"github.com/joeblew999/plat-maps/internal/pool"
	"github.com/joeblew999/plat-maps/internal/resolver"
)

// Params describe one frame in engine terms: zoom for 512 px tiles and size
// in logical pixels.
type Params struct {
	Zoom    float64
	Center  orb.Point
	Bearing float64
	Pitch   float64
	Width   int
	Height  int
}

// Fetcher resolves the resource URLs a map asks for.
type Fetcher interface {
	ResolveURL(ctx context.Context, url string) resolver.Response
}

// MapOptions configure a new engine map.
type MapOptions struct {
	Ratio   int
	Fetcher Fetcher
	Log     *logrus.Entry
}

// Map is a loaded, reusable rendering handle.
type Map interface {
	// Load parses the style document. It is called once per map.
	Load(style []byte) error
	// Render draws a frame and returns premultiplied RGBA pixels of
	// Width*Ratio x Height*Ratio.
	Render(ctx context.Context, p Params) ([]byte, error)
	Release()
}

// Engine creates maps.
type Engine interface {
	NewMap(opts MapOptions) (Map, error)
}

// Image is a rendered frame.
type Image struct {
	Pix    []byte
	Width  int
	Height int
}

// Sizes is the pool size policy indexed by scale-1. Scales past the end of a
// list use its last value.
type Sizes struct {
	Min []int
	Max []int
}

// DefaultSizes are the pool bounds for scales 1, 2 and 3+.
var DefaultSizes = Sizes{Min: []int{8, 4, 2}, Max: []int{16, 8, 4}}

func pick(list []int, scale int) int {
	if len(list) == 0 {
		return 0
	}
	return list[min(scale-1, len(list)-1)]
}

// For returns the min and max pool size for scale. Max is never below min.
func (s Sizes) For(scale int) (minSize, maxSize int) {
	minSize = pick(s.Min, scale)
	maxSize = max(minSize, pick(s.Max, scale))
	return minSize, maxSize
}

// handle is a pooled map with an id for log correlation.
type handle struct {
	id string
	m  Map
}

// Renderer owns the per-scale pools of one style.
type Renderer struct {
	style []byte
	log   *logrus.Entry
	pools []*pool.Pool[*handle] // index scale-1
}

// NewRenderer creates pools for scales 1..maxScale. Pools start empty; call
// Warm to pre-create the minimum number of maps.
func NewRenderer(engine Engine, style []byte, fetcher Fetcher, sizes Sizes, maxScale int, log *logrus.Entry) *Renderer {
	r := &Renderer{style: style, log: log}
	for scale := 1; scale <= max(maxScale, 1); scale++ {
		minSize, maxSize := sizes.For(scale)
		opts := MapOptions{Ratio: scale, Fetcher: fetcher, Log: log}
		r.pools = append(r.pools, pool.New(pool.Options[*handle]{
			Min: minSize,
			Max: maxSize,
			Create: func(ctx context.Context) (*handle, error) {
				m, err := engine.NewMap(opts)
				if err != nil {
					return nil, fmt.Errorf("create map: %w", err)
				}
				if err := m.Load(style); err != nil {
					m.Release()
					return nil, fmt.Errorf("load style: %w", err)
				}
				h := &handle{id: uuid.NewString(), m: m}
				log.WithField("map", h.id).Debugf("created renderer @%dx", opts.Ratio)
				return h, nil
			},
			Destroy: func(h *handle) {
				h.m.Release()
			},
		}))
	}
	return r
}

// MaxScale is the largest scale served.
func (r *Renderer) MaxScale() int { return len(r.pools) }

// Warm pre-creates the minimum maps of every pool.
func (r *Renderer) Warm(ctx context.Context) error {
	for i, p := range r.pools {
		if err := p.Warm(ctx); err != nil {
			return fmt.Errorf("warm @%dx pool: %w", i+1, err)
		}
	}
	return nil
}

// Render draws one frame at scale.
func (r *Renderer) Render(ctx context.Context, scale int, params Params) (Image, error) {
	if scale < 1 || scale > len(r.pools) {
		return Image{}, fmt.Errorf("scale %d out of range 1..%d", scale, len(r.pools))
	}
	p := r.pools[scale-1]
	h, err := p.Acquire(ctx)
	if err != nil {
		return Image{}, err
	}

	start := time.Now()
	pix, err := h.m.Render(ctx, params)
	// a failed frame leaves the map reusable, it goes back like any other
	p.Release(h)
	if err != nil {
		return Image{}, fmt.Errorf("render: %w", err)
	}

	img := Image{Pix: pix, Width: params.Width * scale, Height: params.Height * scale}
	if len(pix) != img.Width*img.Height*4 {
		return Image{}, fmt.Errorf("render returned %d bytes for %dx%d", len(pix), img.Width, img.Height)
	}
	r.log.WithField("map", h.id).Debugf("rendered %dx%d@%dx z%.2f in %s", params.Width, params.Height, scale, params.Zoom, time.Since(start))
	return img, nil
}

// Close drains and destroys every pool.
func (r *Renderer) Close(ctx context.Context) error {
	for _, p := range r.pools {
		if err := p.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}
