package geometry

import (
	"fmt"
	"strings"

	"github.com/go-spatial/proj"
	"github.com/paulmach/orb"
)

// ProjectionTransform returns the transform from an archive's declared
// projection into the renderer's spherical mercator longitude/latitude.
// A nil transform with a nil error means no conversion is needed.
//
// Only ellipsoidal world mercator (EPSG:3395) needs a conversion; spherical
// mercator and plain WGS84 are already what the renderer expects.
func ProjectionTransform(def string) (Transform, error) {
	d := strings.ToLower(strings.TrimSpace(def))
	switch {
	case d == "", d == "epsg:3857", d == "epsg:900913", d == "epsg:4326":
		return nil, nil
	case strings.Contains(d, "+proj=longlat"):
		return nil, nil
	case strings.Contains(d, "+proj=merc") && strings.Contains(d, "+a=6378137") && strings.Contains(d, "+b=6378137"):
		return nil, nil
	case d == "epsg:3395", strings.Contains(d, "+proj=merc"):
		return fromWorldMercator, nil
	}
	return nil, fmt.Errorf("unsupported projection %q", def)
}

// fromWorldMercator treats the input as if the archive's grid were spherical:
// forward project with the ellipsoidal definition, then invert with the
// spherical one.
func fromWorldMercator(p orb.Point) orb.Point {
	xy, err := proj.Convert(proj.EPSG3395, []float64{p[0], p[1]})
	if err != nil {
		return p
	}
	ll, err := proj.Inverse(proj.EPSG3857, xy)
	if err != nil || len(ll) < 2 {
		return p
	}
	return orb.Point{ll[0], ll[1]}
}
