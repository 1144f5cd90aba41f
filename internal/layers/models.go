// Package layers turns the filtered ABM state into payloads for the trips,
// aggregation and arc map layers and installs them on a rendering surface.
package layers

import (
	"fmt"

	"github.com/cxd309/abm-engine/internal/agent"
	"github.com/cxd309/abm-engine/internal/filter"
	"github.com/cxd309/abm-engine/internal/index"
	"github.com/cxd309/abm-engine/internal/surface"
)

// Kind selects which layers a rebuild regenerates.
type Kind string

const (
	KindTrips Kind = "trips"
	KindHeat  Kind = "heat"
	KindArc   Kind = "arc"
	KindAll   Kind = "all"
)

// Well-known layer names. Each is also the id of the layer's source.
const (
	TripsLayerName       = "abm-trips"
	AggregationLayerName = "abm-aggregation"
	ArcLayerName         = "abm-arc"
)

// DefaultHeatType is the aggregation style used when a request names none.
const DefaultHeatType = "default"

// ParseKind validates a rebuild kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTrips, KindHeat, KindArc, KindAll:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// HeatPoint is one weighted coordinate of the aggregation layer.
type HeatPoint struct {
	Coordinate agent.Point `json:"c"`
	Weight     int         `json:"w"`
	Hour       int         `json:"hour"`
}

// ArcDatum is one flow of an externally supplied arc dataset.
type ArcDatum struct {
	Source agent.Point `json:"source"`
	Target agent.Point `json:"target"`
	Weight float64     `json:"weight"`
	Label  string      `json:"label,omitempty"`
}

// Request carries everything one rebuild reads. Baseline and View are shared
// snapshots and are never modified here.
type Request struct {
	Kind             Kind
	Generation       uint64
	Baseline         *index.Baseline
	View             *filter.View
	Window           filter.TimeWindow
	CurrentTimestamp float64
	HeatType         string
	Arcs             []ArcDatum
}

// Layer is a source plus the layer that renders it.
type Layer struct {
	Source     surface.Source     `json:"source"`
	Descriptor surface.Descriptor `json:"layer"`
	// Heat holds the flattened points for aggregation layers.
	Heat []HeatPoint `json:"heat,omitempty"`
}
