package index

import (
	"math"

	"github.com/cxd309/abm-engine/internal/agent"
)

// sliceDimensions pairs each non-"all" slice dimension with its attribute key.
var sliceDimensions = [...]struct {
	dim string
	key string
}{
	{DimensionMode, agent.KeyMode},
	{DimensionAge, agent.KeyAge},
	{DimensionResident, agent.KeyResidency},
}

// Build derives every baseline structure in a single pass over records and,
// per record, a single pass over its samples. Records must have unique ids.
func Build(records []agent.Record) *Baseline {
	b := &Baseline{
		Agents:     records,
		AgentIndex: make(AgentIndex, len(records)),
		Attributes: make(AttributeIndex),
		Buckets:    make(TimeBucketTable),
		Slices:     make(FineSliceTable),
	}
	for pos, rec := range records {
		b.AgentIndex[rec.ID] = pos
		b.Trips = append(b.Trips, rec.Trips...)
		b.indexAttributes(rec)
		b.indexSamples(rec)
	}
	return b
}

// indexAttributes files rec under each distinct non-sentinel attribute value.
// Identical values held under different keys collapse into one entry.
func (b *Baseline) indexAttributes(rec agent.Record) {
	seen := make(map[string]struct{}, len(rec.Attributes))
	for key, value := range rec.Attributes {
		if key == agent.KeyID || key == agent.KeySource || agent.IsSentinel(value) {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		b.Attributes[value] = append(b.Attributes[value], rec.ID)
	}
}

// indexSamples adds rec's path samples to the hour buckets and time slices.
func (b *Baseline) indexSamples(rec agent.Record) {
	var sliceKeys []SliceKey
	sliceKeys = append(sliceKeys, AllAgents)
	for _, d := range sliceDimensions {
		if v, ok := rec.Attribute(d.key); ok {
			sliceKeys = append(sliceKeys, SliceKey{Dimension: d.dim, Value: v})
		}
	}

	for i, ts := range rec.Timestamps {
		p := rec.Path[i]

		h := HourOf(ts)
		bucket := b.Buckets[h]
		if bucket == nil {
			bucket = &Bucket{Values: make(map[agent.Point][]string)}
			b.Buckets[h] = bucket
		}
		visitors, known := bucket.Values[p]
		if !known {
			bucket.Coords = append(bucket.Coords, p)
		}
		if !containsID(visitors, rec.ID) {
			bucket.Values[p] = append(visitors, rec.ID)
		}
		if i == 0 {
			bucket.Busy = append(bucket.Busy, rec.ID)
		}

		s := SliceOf(ts)
		slice := b.Slices[s]
		if slice == nil {
			slice = make(map[SliceKey][]string, len(sliceKeys))
			b.Slices[s] = slice
		}
		for _, k := range sliceKeys {
			slice[k] = append(slice[k], rec.ID)
		}
	}
}

// containsID reports whether id is in ids, scanning from the tail.
func containsID(ids []string, id string) bool {
	for i := len(ids) - 1; i >= 0; i-- {
		if ids[i] == id {
			return true
		}
	}
	return false
}

func floorDiv(ts, width float64) int {
	return int(math.Floor(ts / width))
}
