package engine

import (
	"encoding/json"

	"github.com/cxd309/abm-engine/internal/agent"
	"github.com/cxd309/abm-engine/internal/filter"
	"github.com/cxd309/abm-engine/internal/index"
	"github.com/cxd309/abm-engine/internal/layers"
)

// ProcessingMeta holds the identity and display parameters of one run.
type ProcessingMeta struct {
	ScenarioID       string      `json:"scenario_id"`
	Kind             layers.Kind `json:"kind"`              // defaults to "all"
	HeatType         string      `json:"heat_type"`         // defaults to "default"
	CurrentTimestamp float64     `json:"current_timestamp"` // seconds
}

// WindowInput is an inclusive hour-bucket range. Omitted bounds fall back to
// the first and last hour of the data.
type WindowInput struct {
	From *int `json:"from,omitempty"`
	To   *int `json:"to,omitempty"`
}

// SliceQuery asks which agents were sampled in the 5-minute slice around a
// timestamp. An empty Dimension means every agent.
type SliceQuery struct {
	Timestamp float64 `json:"timestamp"`
	Dimension string  `json:"dimension,omitempty"`
	Value     string  `json:"value,omitempty"`
}

// ProcessingInput is the JSON-serialisable input to the engine.
type ProcessingInput struct {
	Meta    ProcessingMeta    `json:"processing_meta"`
	Records json.RawMessage   `json:"records"`
	Exclude filter.Flags      `json:"exclude,omitempty"`
	Window  *WindowInput      `json:"window,omitempty"`
	Arcs    []layers.ArcDatum `json:"arcs,omitempty"`
	Slices  []SliceQuery      `json:"slice_queries,omitempty"`
}

// RejectionLog is a dropped record as reported to the caller.
type RejectionLog struct {
	Position int    `json:"position"`
	Error    string `json:"error"`
}

// Summary describes the ingested and filtered scenario.
type Summary struct {
	Agents       int               `json:"agents"`
	Skipped      int               `json:"skipped"`
	Visible      int               `json:"visible"`
	Excluded     int               `json:"excluded"`
	Trips        int               `json:"trips"`
	DroppedTrips int               `json:"dropped_trips"`
	Hours        []int             `json:"hours"`
	Window       filter.TimeWindow `json:"window"`
	Values       []string          `json:"attribute_values"`
}

// SliceResult answers one SliceQuery.
type SliceResult struct {
	SliceQuery
	Start  int64    `json:"slice_start"`
	Agents []string `json:"agents"`
}

// ProcessingOutput is the complete output of a run.
type ProcessingOutput struct {
	Meta       ProcessingMeta `json:"processing_meta"`
	Summary    Summary        `json:"summary"`
	Rejections []RejectionLog `json:"rejections,omitempty"`
	Layers     []layers.Layer `json:"layers"`
	Slices     []SliceResult  `json:"slices,omitempty"`
}

// Processor holds the ingested and filtered state of a single batch run.
type Processor struct {
	meta     ProcessingMeta
	ingest   agent.NormalizeResult
	baseline *index.Baseline
	view     *filter.View
	window   filter.TimeWindow
	arcs     []layers.ArcDatum
	slices   []SliceQuery
}
