// Package transcode turns Mapbox vector tiles into GeoJSON.
package transcode

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/joeblew999/plat-maps/internal/tilesource"
)

// LayerProperty is the feature property naming the source layer.
const LayerProperty = "layer"

// FeatureCollection decodes a vector tile at z/x/y and returns every feature
// of every layer, in layer then feature order, with geometry in WGS84 and the
// layer name stored in the "layer" property. Gzipped input is accepted.
func FeatureCollection(data []byte, z, x, y int) (*geojson.FeatureCollection, error) {
	raw, err := tilesource.Gunzip(data)
	if err != nil {
		return nil, fmt.Errorf("inflate tile: %w", err)
	}
	layers, err := mvt.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode tile %d/%d/%d: %w", z, x, y, err)
	}
	layers.ProjectToWGS84(maptile.New(uint32(x), uint32(y), maptile.Zoom(z)))

	fc := geojson.NewFeatureCollection()
	for _, layer := range layers {
		for _, f := range layer.Features {
			if f.Properties == nil {
				f.Properties = geojson.Properties{}
			}
			f.Properties[LayerProperty] = layer.Name
			fc.Append(f)
		}
	}
	return fc, nil
}

// GeoJSON is FeatureCollection serialized to JSON.
func GeoJSON(data []byte, z, x, y int) ([]byte, error) {
	fc, err := FeatureCollection(data, z, x, y)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fc)
}
