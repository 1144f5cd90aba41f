package filter

import (
	"errors"
	"fmt"

	"github.com/cxd309/abm-engine/internal/index"
)

// ErrInvalidWindow is returned for a time window whose start is after its end.
var ErrInvalidWindow = errors.New("invalid time window")

// TimeWindow is an inclusive range of hour buckets.
type TimeWindow struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// NewTimeWindow validates and returns the window [from, to].
func NewTimeWindow(from, to int) (TimeWindow, error) {
	if from > to {
		return TimeWindow{}, fmt.Errorf("%w: from %d is after to %d", ErrInvalidWindow, from, to)
	}
	return TimeWindow{From: from, To: to}, nil
}

// FullWindow spans every bucket in t. An empty table yields the offset hour.
func FullWindow(t index.TimeBucketTable) TimeWindow {
	hours := t.Hours()
	if len(hours) == 0 {
		return TimeWindow{From: index.HourOffset, To: index.HourOffset}
	}
	return TimeWindow{From: hours[0], To: hours[len(hours)-1]}
}

// Contains reports whether hour h lies inside w.
func (w TimeWindow) Contains(h int) bool { return h >= w.From && h <= w.To }

// Restrict returns the hours of t inside w, ascending.
func Restrict(t index.TimeBucketTable, w TimeWindow) []int {
	var out []int
	for _, h := range t.Hours() {
		if w.Contains(h) {
			out = append(out, h)
		}
	}
	return out
}
