// Package geometry holds the viewport math shared by the tile and static map
// endpoints: web mercator pixel conversion, zoom fitting, request validation,
// path overlays and optional source reprojection.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// TileSize is the nominal tile edge in pixels at scale 1.
const TileSize = 256

// MaxLatitude is the web mercator latitude limit.
const MaxLatitude = 85.06

// ZoomLimit bounds fitted zoom levels.
const ZoomLimit = 25

// MaxScale is the largest pixel ratio any request may ask for.
const MaxScale = 9

var (
	ErrInvalidCenter = errors.New("invalid center")
	ErrInvalidSize   = errors.New("invalid size")
	ErrInvalidZoom   = errors.New("invalid zoom")
	ErrInvalidPath   = errors.New("invalid path")
)

// Transform maps a coordinate into WGS84 longitude/latitude.
type Transform func(orb.Point) orb.Point

// worldSize is the pixel extent of the world at a fractional zoom.
func worldSize(zoom float64) float64 {
	return TileSize * math.Exp2(zoom)
}

// Px converts a longitude/latitude to global pixel coordinates at zoom.
func Px(ll orb.Point, zoom float64) orb.Point {
	size := worldSize(zoom)
	f := math.Sin(ll.Lat() * math.Pi / 180)
	f = math.Min(math.Max(f, -0.9999), 0.9999)
	x := size/2 + ll.Lon()*size/360
	y := size/2 - 0.5*math.Log((1+f)/(1-f))*size/(2*math.Pi)
	return orb.Point{math.Min(x, size), math.Min(y, size)}
}

// LL converts global pixel coordinates at zoom back to longitude/latitude.
func LL(px orb.Point, zoom float64) orb.Point {
	size := worldSize(zoom)
	lon := px[0]/size*360 - 180
	n := math.Pi - 2*math.Pi*px[1]/size
	lat := 180 / math.Pi * math.Atan(math.Sinh(n))
	return orb.Point{lon, lat}
}

// TileCenter returns the longitude/latitude of the pixel center of tile
// z/x/y in a 256 px tiling.
func TileCenter(z, x, y int) orb.Point {
	return LL(orb.Point{(float64(x) + 0.5) * TileSize, (float64(y) + 0.5) * TileSize}, float64(z))
}

// TileInRange reports whether x and y address a tile at zoom z.
func TileInRange(z, x, y int) bool {
	if z < 0 || x < 0 || y < 0 || z > 30 {
		return false
	}
	n := 1 << uint(z)
	return x < n && y < n
}

// MercatorToLL is the transform for coordinates given in EPSG:3857 meters.
func MercatorToLL(p orb.Point) orb.Point {
	return project.Mercator.ToWGS84(p)
}

// ZoomForBoundingBox fits a bounding box with padding into a width x height
// image. The result is clamped to [log2(max(w,h)/256), 25].
func ZoomForBoundingBox(b orb.Bound, width, height int, padding float64) float64 {
	minCorner := Px(orb.Point{b.Min.Lon(), b.Max.Lat()}, ZoomLimit)
	maxCorner := Px(orb.Point{b.Max.Lon(), b.Min.Lat()}, ZoomLimit)
	w := float64(width) / (1 + 2*padding)
	h := float64(height) / (1 + 2*padding)

	z := ZoomLimit - math.Max(
		math.Log2((maxCorner[0]-minCorner[0])/w),
		math.Log2((maxCorner[1]-minCorner[1])/h),
	)

	floor := math.Log2(float64(max(width, height)) / TileSize)
	return math.Max(floor, math.Min(ZoomLimit, z))
}

// ValidateCenter rejects non-finite coordinates and coordinates outside the
// mercator domain.
func ValidateCenter(lon, lat float64) error {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.Abs(lon) > 180 || math.Abs(lat) > MaxLatitude {
		return fmt.Errorf("%w: %v,%v", ErrInvalidCenter, lon, lat)
	}
	return nil
}

// ValidateSize rejects empty images and images whose scaled edge exceeds
// maxSize. Each factor is bounded before multiplying so oversized inputs
// cannot wrap around.
func ValidateSize(width, height, scale, maxSize int) error {
	if min(width, height) <= 0 || max(width, height) > maxSize ||
		scale < 1 || scale > MaxScale || max(width, height)*scale > maxSize {
		return fmt.Errorf("%w: %dx%d@%dx", ErrInvalidSize, width, height, scale)
	}
	return nil
}

// Bounds returns the bounding box of the points.
func Bounds(path orb.LineString) orb.Bound {
	return path.Bound()
}

// Center returns the mercator midpoint of a bounding box.
func Center(b orb.Bound) orb.Point {
	lo := project.WGS84.ToMercator(b.Min)
	hi := project.WGS84.ToMercator(b.Max)
	return project.Mercator.ToWGS84(orb.Point{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2})
}
