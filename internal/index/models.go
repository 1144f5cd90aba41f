// Package index builds the read-only lookup structures derived from a loaded
// ABM result set: agent positions, attribute clusters, hour buckets of visited
// coordinates, and five-minute time slices.
package index

import (
	"encoding/json"
	"sort"

	"github.com/cxd309/abm-engine/internal/agent"
)

const (
	// HourOffset shifts simulation hour zero onto the displayed clock hour.
	HourOffset = 8
	// SliceSeconds is the width of a FineSliceTable slice.
	SliceSeconds = 300
)

// Slice dimensions.
const (
	DimensionAll      = "all"
	DimensionMode     = "mode"
	DimensionAge      = "age"
	DimensionResident = "resident"
)

// AgentIndex maps an agent id to its position in Baseline.Agents.
type AgentIndex map[string]int

// Lookup returns the position of id. A missing id is reported, never defaulted.
func (ix AgentIndex) Lookup(id string) (int, bool) {
	pos, ok := ix[id]
	return pos, ok
}

// AttributeIndex maps an attribute value to the agents holding it, in load order.
type AttributeIndex map[string][]string

// Values returns the indexed attribute values in sorted order.
func (ax AttributeIndex) Values() []string {
	out := make([]string, 0, len(ax))
	for v := range ax {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Bucket is one hour of the time-bucket table.
type Bucket struct {
	// Busy lists agents whose first path sample falls in this hour.
	Busy []string `json:"busyAgents"`
	// Coords lists visited coordinates in first-seen order.
	Coords []agent.Point `json:"-"`
	// Values maps a coordinate to the agents that visited it in this hour, first-seen order.
	Values map[agent.Point][]string `json:"-"`
}

// MarshalJSON encodes the bucket with coordinates keyed as "x,y" strings.
func (b *Bucket) MarshalJSON() ([]byte, error) {
	values := make(map[string][]string, len(b.Values))
	for p, ids := range b.Values {
		values[p.String()] = ids
	}
	return json.Marshal(struct {
		Busy   []string            `json:"busyAgents"`
		Values map[string][]string `json:"values"`
	}{Busy: b.Busy, Values: values})
}

// TimeBucketTable maps an hour bucket to its visits.
type TimeBucketTable map[int]*Bucket

// Hours returns the bucket keys in ascending order.
func (t TimeBucketTable) Hours() []int {
	out := make([]int, 0, len(t))
	for h := range t {
		out = append(out, h)
	}
	sort.Ints(out)
	return out
}

// HourOf returns the bucket for a timestamp in seconds.
func HourOf(ts float64) int {
	return floorDiv(ts, 3600) + HourOffset
}

// SliceKey names one agent list inside a time slice.
type SliceKey struct {
	Dimension string
	Value     string
}

// AllAgents is the slice key listing every agent present in a slice.
var AllAgents = SliceKey{Dimension: DimensionAll, Value: DimensionAll}

// FineSliceTable maps a 300-second-aligned timestamp to per-category agent lists.
// Lists may repeat an agent once per sample that falls in the slice.
type FineSliceTable map[int64]map[SliceKey][]string

// SliceOf returns the slice start for a timestamp in seconds.
func SliceOf(ts float64) int64 {
	return int64(floorDiv(ts, SliceSeconds)) * SliceSeconds
}

// At returns the agents listed under key in the slice containing ts.
func (f FineSliceTable) At(ts float64, key SliceKey) []string {
	slice, ok := f[SliceOf(ts)]
	if !ok {
		return nil
	}
	return slice[key]
}

// Starts returns the slice starts in ascending order.
func (f FineSliceTable) Starts() []int64 {
	out := make([]int64, 0, len(f))
	for s := range f {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Baseline is the full set of structures built once per scenario load.
// Nothing reachable from a Baseline may be modified after Build returns.
type Baseline struct {
	Agents     []agent.Record
	AgentIndex AgentIndex
	Attributes AttributeIndex
	Buckets    TimeBucketTable
	Slices     FineSliceTable
	Trips      []agent.Trip
}

// AgentIDs returns every agent id in canonical order.
func (b *Baseline) AgentIDs() []string {
	ids := make([]string, len(b.Agents))
	for i, a := range b.Agents {
		ids[i] = a.ID
	}
	return ids
}

// Agent returns the record for id.
func (b *Baseline) Agent(id string) (agent.Record, bool) {
	pos, ok := b.AgentIndex.Lookup(id)
	if !ok {
		return agent.Record{}, false
	}
	return b.Agents[pos], true
}
