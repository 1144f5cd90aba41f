package layers

import (
	"errors"
	"fmt"

	geojson "github.com/paulmach/go.geojson"

	"github.com/cxd309/abm-engine/internal/agent"
	"github.com/cxd309/abm-engine/internal/filter"
	"github.com/cxd309/abm-engine/internal/surface"
)

var (
	// ErrUnknownKind is returned for a rebuild kind outside trips/heat/arc/all.
	ErrUnknownKind = errors.New("unknown layer kind")
	// ErrNoData is returned when a request lacks the snapshot a kind needs.
	ErrNoData = errors.New("no scenario data")
)

// Build produces the layers named by req.Kind. KindAll builds trips and heat,
// and arc as well when req.Arcs is non-empty.
func Build(req Request) ([]Layer, error) {
	switch req.Kind {
	case KindTrips:
		l, err := buildTrips(req)
		if err != nil {
			return nil, err
		}
		return []Layer{l}, nil
	case KindHeat:
		l, err := buildHeat(req)
		if err != nil {
			return nil, err
		}
		return []Layer{l}, nil
	case KindArc:
		return []Layer{buildArc(req)}, nil
	case KindAll:
		trips, err := buildTrips(req)
		if err != nil {
			return nil, err
		}
		heat, err := buildHeat(req)
		if err != nil {
			return nil, err
		}
		out := []Layer{trips, heat}
		if len(req.Arcs) > 0 {
			out = append(out, buildArc(req))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}
}

// buildTrips emits one LineString per visible agent with at least two samples.
// The current timestamp only drives animation and does not change the data.
func buildTrips(req Request) (Layer, error) {
	if req.Baseline == nil || req.View == nil {
		return Layer{}, fmt.Errorf("trips layer: %w", ErrNoData)
	}
	fc := geojson.NewFeatureCollection()
	var minT, maxT float64
	first := true
	for _, id := range req.View.Visible {
		rec, ok := req.Baseline.Agent(id)
		if !ok || len(rec.Path) < 2 {
			continue
		}
		coords := make([][]float64, len(rec.Path))
		for i, p := range rec.Path {
			coords[i] = p.Coordinates()
		}
		f := geojson.NewLineStringFeature(coords)
		f.ID = rec.ID
		f.SetProperty("agent", rec.ID)
		f.SetProperty("timestamps", rec.Timestamps)
		if mode, ok := rec.Attribute(agent.KeyMode); ok {
			f.SetProperty("mode", mode)
		}
		fc.AddFeature(f)

		lo, hi := rec.Timestamps[0], rec.Timestamps[len(rec.Timestamps)-1]
		if first || lo < minT {
			minT = lo
		}
		if first || hi > maxT {
			maxT = hi
		}
		first = false
	}

	return Layer{
		Source: surface.Source{ID: TripsLayerName, Type: "geojson", Data: fc},
		Descriptor: surface.Descriptor{
			ID:         TripsLayerName,
			Type:       "TripsLayer",
			Source:     TripsLayerName,
			Generation: req.Generation,
			Props: map[string]any{
				"currentTime": req.CurrentTimestamp,
				"loopStart":   minT,
				"loopEnd":     maxT,
				"agents":      len(fc.Features),
			},
		},
	}, nil
}

// buildHeat flattens the active table inside the window into weighted points.
// The weight is the number of surviving visitors of a coordinate in one hour.
func buildHeat(req Request) (Layer, error) {
	if req.View == nil {
		return Layer{}, fmt.Errorf("heat layer: %w", ErrNoData)
	}
	heatType := req.HeatType
	if heatType == "" {
		heatType = DefaultHeatType
	}

	var points []HeatPoint
	fc := geojson.NewFeatureCollection()
	for _, h := range filter.Restrict(req.View.Active, req.Window) {
		bucket := req.View.Active[h]
		for _, p := range bucket.Coords {
			w := len(bucket.Values[p])
			points = append(points, HeatPoint{Coordinate: p, Weight: w, Hour: h})
			f := geojson.NewPointFeature(p.Coordinates())
			f.SetProperty("weight", w)
			f.SetProperty("hour", h)
			fc.AddFeature(f)
		}
	}

	return Layer{
		Source: surface.Source{ID: AggregationLayerName, Type: "geojson", Data: fc},
		Descriptor: surface.Descriptor{
			ID:         AggregationLayerName,
			Type:       "HeatmapLayer",
			Source:     AggregationLayerName,
			Generation: req.Generation,
			Props: map[string]any{
				"heatType": heatType,
				"from":     req.Window.From,
				"to":       req.Window.To,
			},
		},
		Heat: points,
	}, nil
}

// buildArc converts the supplied flows; it does not read the ABM indices.
func buildArc(req Request) Layer {
	fc := geojson.NewFeatureCollection()
	for _, a := range req.Arcs {
		f := geojson.NewLineStringFeature([][]float64{a.Source.Coordinates(), a.Target.Coordinates()})
		f.SetProperty("weight", a.Weight)
		if a.Label != "" {
			f.SetProperty("label", a.Label)
		}
		fc.AddFeature(f)
	}
	return Layer{
		Source: surface.Source{ID: ArcLayerName, Type: "geojson", Data: fc},
		Descriptor: surface.Descriptor{
			ID:         ArcLayerName,
			Type:       "ArcLayer",
			Source:     ArcLayerName,
			Generation: req.Generation,
		},
	}
}

// ScenarioLayer wraps a completed scenario result so it can be installed under
// the scenario's own name, e.g. "wind".
func ScenarioLayer(name string, gen uint64, fc *geojson.FeatureCollection) Layer {
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	return Layer{
		Source: surface.Source{ID: name, Type: "geojson", Data: fc},
		Descriptor: surface.Descriptor{
			ID:         name,
			Type:       "GeoJsonLayer",
			Source:     name,
			Generation: gen,
		},
	}
}
