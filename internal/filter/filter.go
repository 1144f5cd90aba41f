// Package filter derives the visible agent subset and the active time-bucket
// table from a baseline and a set of attribute exclusion flags.
//
// Apply never modifies the baseline. Coordinate lists that survive filtering
// untouched are shared with the baseline rather than copied, so a View must be
// treated as read-only just like the baseline it came from.
package filter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cxd309/abm-engine/internal/agent"
	"github.com/cxd309/abm-engine/internal/index"
)

// ErrInvalidFlags is returned when exclusion flag input cannot be accepted.
var ErrInvalidFlags = errors.New("invalid exclusion flags")

// Flags maps an attribute value to true when agents holding it must be hidden.
type Flags map[string]bool

// ParseFlags decodes a JSON object of attribute value to boolean.
func ParseFlags(data []byte) (Flags, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidFlags)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlags, err)
	}
	flags := make(Flags, len(raw))
	for k, v := range raw {
		if k == "" {
			return nil, fmt.Errorf("%w: empty attribute value", ErrInvalidFlags)
		}
		var b bool
		if err := json.Unmarshal(v, &b); err != nil {
			return nil, fmt.Errorf("%w: value for %q is not a boolean", ErrInvalidFlags, k)
		}
		flags[k] = b
	}
	return flags, nil
}

// Excluded returns the flagged attribute values in sorted order.
func (f Flags) Excluded() []string {
	var out []string
	for k, v := range f {
		if v {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// View is the filtered state derived from one Apply call.
type View struct {
	// Visible lists the visible agent ids in baseline order.
	Visible []string
	// Active is the hour-bucket table restricted to busy, non-excluded agents.
	Active index.TimeBucketTable
	// Excluded is the number of distinct agents hidden by the flags.
	Excluded int

	visible map[string]struct{}
}

// IsVisible reports whether id is in the visible set.
func (v *View) IsVisible(id string) bool {
	_, ok := v.visible[id]
	return ok
}

// Apply builds a fresh View from flags. Only values flagged true contribute to
// the exclusion set; the set is rebuilt from scratch on every call.
func Apply(flags Flags, base *index.Baseline) *View {
	excluded := make(map[string]struct{})
	for value, hide := range flags {
		if !hide {
			continue
		}
		for _, id := range base.Attributes[value] {
			excluded[id] = struct{}{}
		}
	}

	v := &View{
		Visible:  make([]string, 0, len(base.Agents)-len(excluded)),
		Excluded: len(excluded),
		visible:  make(map[string]struct{}, len(base.Agents)-len(excluded)),
	}
	for _, rec := range base.Agents {
		if _, hidden := excluded[rec.ID]; hidden {
			continue
		}
		v.Visible = append(v.Visible, rec.ID)
		v.visible[rec.ID] = struct{}{}
	}
	v.Active = activeTable(base.Buckets, excluded)
	return v
}

// activeTable keeps, per bucket, the busy agents not excluded and filters each
// coordinate's visitors down to those busy agents. A visitor that is not busy in
// the bucket is dropped even when it is not excluded. Empty coordinates and
// empty buckets are left out.
func activeTable(buckets index.TimeBucketTable, excluded map[string]struct{}) index.TimeBucketTable {
	out := make(index.TimeBucketTable, len(buckets))
	for h, bucket := range buckets {
		busy := keepIDs(bucket.Busy, func(id string) bool {
			_, hidden := excluded[id]
			return !hidden
		})
		if len(busy) == 0 {
			continue
		}
		busySet := make(map[string]struct{}, len(busy))
		for _, id := range busy {
			busySet[id] = struct{}{}
		}

		nb := &index.Bucket{Busy: busy, Values: make(map[agent.Point][]string)}
		for _, p := range bucket.Coords {
			visitors := keepIDs(bucket.Values[p], func(id string) bool {
				_, ok := busySet[id]
				return ok
			})
			if len(visitors) == 0 {
				continue
			}
			nb.Coords = append(nb.Coords, p)
			nb.Values[p] = visitors
		}
		if len(nb.Coords) == 0 {
			continue
		}
		out[h] = nb
	}
	return out
}

// keepIDs returns the ids for which keep is true. When every id is kept the
// input slice itself is returned; otherwise a new slice is allocated.
func keepIDs(ids []string, keep func(string) bool) []string {
	for i, id := range ids {
		if keep(id) {
			continue
		}
		out := make([]string, i, len(ids)-1)
		copy(out, ids[:i])
		for _, rest := range ids[i+1:] {
			if keep(rest) {
				out = append(out, rest)
			}
		}
		return out
	}
	return ids
}
