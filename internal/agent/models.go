// Package agent defines the canonical in-memory form of one simulated agent
// and the normalizer that turns raw ABM result records into it.
package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Attribute keys with a fixed meaning in the ABM result payload.
const (
	KeyID        = "id"
	KeySource    = "source"
	KeyMode      = "mode"
	KeyAge       = "agent_age"
	KeyResidency = "resident_or_visitor"
)

// Sentinel attribute values that never take part in filtering.
const (
	ValueUnknown = "unknown"
	ValueNil     = "nil"
)

// Point is a 2D map coordinate. It is comparable and used directly as a map
// key wherever visits are grouped by location.
type Point struct {
	X float64
	Y float64
}

// String renders the point the way the map layers key coordinates ("x,y").
func (p Point) String() string {
	return strconv.FormatFloat(p.X, 'f', -1, 64) + "," + strconv.FormatFloat(p.Y, 'f', -1, 64)
}

// Coordinates returns the point as a GeoJSON position.
func (p Point) Coordinates() []float64 { return []float64{p.X, p.Y} }

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON accepts a position array with at least two finite numbers.
// Further dimensions (altitude) are ignored.
func (p *Point) UnmarshalJSON(data []byte) error {
	var coords []float64
	if err := json.Unmarshal(data, &coords); err != nil {
		return fmt.Errorf("point: %w", err)
	}
	if len(coords) < 2 {
		return fmt.Errorf("point: need 2 coordinates, got %d", len(coords))
	}
	if !finite(coords[0]) || !finite(coords[1]) {
		return fmt.Errorf("point: non-finite coordinate")
	}
	p.X, p.Y = coords[0], coords[1]
	return nil
}

// Trip is one origin-to-destination movement of an agent. PathIndexes refer
// into the owning agent's Path. Origin and Destination are passed through as
// the simulation wrote them (coordinates, place names or null).
type Trip struct {
	AgentID         string          `json:"agent"`
	Origin          json.RawMessage `json:"origin,omitempty"`
	Destination     json.RawMessage `json:"destination,omitempty"`
	PathIndexes     []int           `json:"pathIndexes"`
	DurationSeconds float64         `json:"duration"` // seconds
	LengthMeters    float64         `json:"length"`   // metres
}

// Record is a validated agent. Records are never modified after ingestion.
type Record struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
	Path       []Point           `json:"path"`
	Timestamps []float64         `json:"timestamps"` // seconds since simulation start
	Trips      []Trip            `json:"trips,omitempty"`
	// DroppedTrips counts trips left out because they could not be decoded or
	// pointed outside Path.
	DroppedTrips int `json:"-"`
}

// Attribute returns the normalized value for key and whether it was present.
func (r Record) Attribute(key string) (string, bool) {
	v, ok := r.Attributes[key]
	return v, ok
}

// IsSentinel reports whether v marks a missing attribute value.
func IsSentinel(v string) bool { return v == ValueUnknown || v == ValueNil }

// rawRecord is the JSON shape of one record in a simulation result set.
type rawRecord struct {
	ID         *string                    `json:"id"`
	Agent      map[string]json.RawMessage `json:"agent"`
	Path       []Point                    `json:"path"`
	Timestamps []float64                  `json:"timestamps"`
	Trips      []json.RawMessage          `json:"trips"`
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
