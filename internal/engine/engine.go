// Package engine implements the batch ABM processing pipeline.
//
// A run has three stages:
//
//  1. Ingest - the raw result set is normalized; malformed and duplicate
//     records are dropped and reported, never fatal on their own.
//
//  2. Index and filter - the baseline indices are built in one pass and the
//     exclusion flags are applied to derive the visible agents and the active
//     hour-bucket table.
//
//  3. Layers - the requested layer payloads are built from the filtered state
//     inside the time window, and any time-slice queries are answered.
package engine

import (
	"encoding/json"
	"fmt"

	"github.com/cxd309/abm-engine/internal/agent"
	"github.com/cxd309/abm-engine/internal/filter"
	"github.com/cxd309/abm-engine/internal/index"
	"github.com/cxd309/abm-engine/internal/layers"
)

// NewProcessor ingests and indexes the records of input and applies its
// exclusion flags and time window.
func NewProcessor(input ProcessingInput) (*Processor, error) {
	meta := input.Meta
	if meta.Kind == "" {
		meta.Kind = layers.KindAll
	}
	if _, err := layers.ParseKind(string(meta.Kind)); err != nil {
		return nil, err
	}
	if meta.HeatType == "" {
		meta.HeatType = layers.DefaultHeatType
	}

	ingest, err := agent.NormalizeAll(input.Records)
	if err != nil {
		return nil, fmt.Errorf("ingesting records: %w", err)
	}
	if len(ingest.Records) == 0 {
		return nil, fmt.Errorf("ingesting records: %w: all %d records rejected", agent.ErrEmptyResult, ingest.Skipped)
	}

	base := index.Build(ingest.Records)
	window, err := resolveWindow(input.Window, base.Buckets)
	if err != nil {
		return nil, err
	}

	return &Processor{
		meta:     meta,
		ingest:   ingest,
		baseline: base,
		view:     filter.Apply(input.Exclude, base),
		window:   window,
		arcs:     input.Arcs,
		slices:   input.Slices,
	}, nil
}

// Run builds the layers and answers the slice queries.
func (p *Processor) Run() (ProcessingOutput, error) {
	built, err := layers.Build(layers.Request{
		Kind:             p.meta.Kind,
		Baseline:         p.baseline,
		View:             p.view,
		Window:           p.window,
		CurrentTimestamp: p.meta.CurrentTimestamp,
		HeatType:         p.meta.HeatType,
		Arcs:             p.arcs,
	})
	if err != nil {
		return ProcessingOutput{}, fmt.Errorf("building %s layers: %w", p.meta.Kind, err)
	}

	out := ProcessingOutput{
		Meta:    p.meta,
		Summary: p.summary(),
		Layers:  built,
	}
	for _, r := range p.ingest.Rejections {
		out.Rejections = append(out.Rejections, RejectionLog{Position: r.Position, Error: r.Err.Error()})
	}
	for _, q := range p.slices {
		out.Slices = append(out.Slices, p.querySlice(q))
	}
	return out, nil
}

func (p *Processor) summary() Summary {
	return Summary{
		Agents:       len(p.baseline.Agents),
		Skipped:      p.ingest.Skipped,
		Visible:      len(p.view.Visible),
		Excluded:     p.view.Excluded,
		Trips:        len(p.baseline.Trips),
		DroppedTrips: p.ingest.DroppedTrips,
		Hours:        p.baseline.Buckets.Hours(),
		Window:       p.window,
		Values:       p.baseline.Attributes.Values(),
	}
}

// querySlice lists the visible agents of one slice, each once, in the order
// they were first sampled.
func (p *Processor) querySlice(q SliceQuery) SliceResult {
	key := index.AllAgents
	if q.Dimension != "" && q.Dimension != index.DimensionAll {
		key = index.SliceKey{Dimension: q.Dimension, Value: q.Value}
	}
	res := SliceResult{SliceQuery: q, Start: index.SliceOf(q.Timestamp), Agents: []string{}}
	seen := make(map[string]struct{})
	for _, id := range p.baseline.Slices.At(q.Timestamp, key) {
		if _, dup := seen[id]; dup || !p.view.IsVisible(id) {
			continue
		}
		seen[id] = struct{}{}
		res.Agents = append(res.Agents, id)
	}
	return res
}

// resolveWindow fills missing bounds from the data and validates the result.
func resolveWindow(in *WindowInput, buckets index.TimeBucketTable) (filter.TimeWindow, error) {
	w := filter.FullWindow(buckets)
	if in == nil {
		return w, nil
	}
	if in.From != nil {
		w.From = *in.From
	}
	if in.To != nil {
		w.To = *in.To
	}
	return filter.NewTimeWindow(w.From, w.To)
}

// RunJSON is the primary entry point for the CLI and WASM targets.
// It accepts a JSON-encoded ProcessingInput, runs the pipeline, and returns a
// JSON-encoded ProcessingOutput.
func RunJSON(jsonInput string) (string, error) {
	var input ProcessingInput
	if err := json.Unmarshal([]byte(jsonInput), &input); err != nil {
		return "", fmt.Errorf("invalid input JSON: %w", err)
	}

	proc, err := NewProcessor(input)
	if err != nil {
		return "", err
	}

	result, err := proc.Run()
	if err != nil {
		return "", err
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshaling output: %w", err)
	}
	return string(out), nil
}
