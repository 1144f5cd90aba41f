package index

import (
	"reflect"
	"testing"

	"github.com/cxd309/abm-engine/internal/agent"
)

func rec(id string, attrs map[string]string, ts []float64, path []agent.Point) agent.Record {
	a := map[string]string{agent.KeyID: id}
	for k, v := range attrs {
		a[k] = v
	}
	return agent.Record{ID: id, Attributes: a, Path: path, Timestamps: ts}
}

func compareIDs(t *testing.T, what string, got, want []string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%s mismatch:\ngot:  %v\nwant: %v", what, got, want)
	}
}

func TestBuild_AgentIndex(t *testing.T) {
	records := []agent.Record{
		rec("a", nil, []float64{0}, []agent.Point{{X: 0, Y: 0}}),
		rec("b", nil, []float64{0}, []agent.Point{{X: 1, Y: 1}}),
		rec("c", nil, nil, nil),
	}
	b := Build(records)

	if len(b.AgentIndex) != len(records) {
		t.Fatalf("expected %d index entries, got %d", len(records), len(b.AgentIndex))
	}
	for i, r := range records {
		pos, ok := b.AgentIndex.Lookup(r.ID)
		if !ok || pos != i {
			t.Errorf("Lookup(%q) = %d, %t; want %d, true", r.ID, pos, ok, i)
		}
	}
	if _, ok := b.AgentIndex.Lookup("zzz"); ok {
		t.Error("expected miss for unknown id")
	}
	if _, ok := b.Agent("zzz"); ok {
		t.Error("expected Agent miss for unknown id")
	}
}

// Three agents start at 0 s, 3600 s and 7200 s; agents 1 and 2 share a
// coordinate during hour 9.
func TestBuild_HourBuckets(t *testing.T) {
	shared := agent.Point{X: 5, Y: 5}
	records := []agent.Record{
		rec("agent1", nil, []float64{0, 3600, 3700}, []agent.Point{{X: 0, Y: 0}, shared, shared}),
		rec("agent2", nil, []float64{3600, 3650}, []agent.Point{shared, {X: 6, Y: 6}}),
		rec("agent3", nil, []float64{7200}, []agent.Point{{X: 7, Y: 7}}),
	}
	b := Build(records)

	if got := b.Buckets.Hours(); !reflect.DeepEqual(got, []int{8, 9, 10}) {
		t.Fatalf("expected hours [8 9 10], got %v", got)
	}
	compareIDs(t, "bucket 9 shared coordinate", b.Buckets[9].Values[shared], []string{"agent1", "agent2"})
	compareIDs(t, "bucket 9 busy", b.Buckets[9].Busy, []string{"agent2"})
	compareIDs(t, "bucket 8 busy", b.Buckets[8].Busy, []string{"agent1"})
	compareIDs(t, "bucket 10 busy", b.Buckets[10].Busy, []string{"agent3"})

	wantCoords := []agent.Point{shared, {X: 6, Y: 6}}
	if !reflect.DeepEqual(b.Buckets[9].Coords, wantCoords) {
		t.Errorf("bucket 9 coords: got %v, want %v", b.Buckets[9].Coords, wantCoords)
	}
}

func TestBuild_SingleSampleAgent(t *testing.T) {
	p := agent.Point{X: 1, Y: 2}
	b := Build([]agent.Record{rec("solo", nil, []float64{42}, []agent.Point{p})})

	busyCount := 0
	for _, bucket := range b.Buckets {
		for _, id := range bucket.Busy {
			if id == "solo" {
				busyCount++
			}
		}
	}
	if busyCount != 1 {
		t.Fatalf("expected solo in exactly one busy list, got %d", busyCount)
	}
	compareIDs(t, "values", b.Buckets[8].Values[p], []string{"solo"})
}

func TestBuild_RepeatVisitsDeduped(t *testing.T) {
	p := agent.Point{X: 3, Y: 3}
	b := Build([]agent.Record{
		rec("a", nil, []float64{0, 10, 20, 30}, []agent.Point{p, p, {X: 4, Y: 4}, p}),
	})
	compareIDs(t, "values", b.Buckets[8].Values[p], []string{"a"})
	compareIDs(t, "busy", b.Buckets[8].Busy, []string{"a"})
}

func TestBuild_AttributeIndex(t *testing.T) {
	records := []agent.Record{
		rec("1", map[string]string{"mode": "car", "source": "abm"}, nil, nil),
		rec("2", map[string]string{"mode": "bike", "agent_age": "unknown"}, nil, nil),
		rec("3", map[string]string{"mode": "walk", "origin": "nil"}, nil, nil),
		rec("4", map[string]string{"mode": "car", "alt_mode": "car"}, nil, nil),
	}
	b := Build(records)

	compareIDs(t, "car", b.Attributes["car"], []string{"1", "4"})
	compareIDs(t, "bike", b.Attributes["bike"], []string{"2"})
	for _, excluded := range []string{"abm", "unknown", "nil", "1", "2"} {
		if _, ok := b.Attributes[excluded]; ok {
			t.Errorf("value %q should not be indexed", excluded)
		}
	}
	if got := b.Attributes.Values(); !reflect.DeepEqual(got, []string{"bike", "car", "walk"}) {
		t.Errorf("Values: got %v", got)
	}
}

func TestBuild_FineSlices(t *testing.T) {
	attrs := map[string]string{"mode": "car", "agent_age": "18-30", "resident_or_visitor": "resident"}
	b := Build([]agent.Record{
		rec("a", attrs, []float64{0, 100, 301}, []agent.Point{{X: 0, Y: 0}, {X: 0, Y: 0}, {X: 1, Y: 1}}),
		rec("b", map[string]string{"mode": "bike"}, []float64{299}, []agent.Point{{X: 2, Y: 2}}),
	})

	if got := b.Slices.Starts(); !reflect.DeepEqual(got, []int64{0, 300}) {
		t.Fatalf("expected slices [0 300], got %v", got)
	}
	compareIDs(t, "all@0", b.Slices.At(0, AllAgents), []string{"a", "a", "b"})
	compareIDs(t, "car@0", b.Slices.At(150, SliceKey{DimensionMode, "car"}), []string{"a", "a"})
	compareIDs(t, "bike@0", b.Slices.At(0, SliceKey{DimensionMode, "bike"}), []string{"b"})
	compareIDs(t, "age@300", b.Slices.At(300, SliceKey{DimensionAge, "18-30"}), []string{"a"})
	compareIDs(t, "resident@300", b.Slices.At(599, SliceKey{DimensionResident, "resident"}), []string{"a"})
	if _, ok := b.Slices[0][SliceKey{DimensionAge, ""}]; ok {
		t.Error("missing attributes must not create slice entries")
	}
	if got := b.Slices.At(900, AllAgents); got != nil {
		t.Errorf("expected nil for empty slice, got %v", got)
	}
}

func TestBuild_TripsInOrder(t *testing.T) {
	r1 := rec("a", nil, nil, nil)
	r1.Trips = []agent.Trip{{AgentID: "a", DurationSeconds: 1}, {AgentID: "a", DurationSeconds: 2}}
	r2 := rec("b", nil, nil, nil)
	r2.Trips = []agent.Trip{{AgentID: "b", DurationSeconds: 3}}

	b := Build([]agent.Record{r1, r2})
	if len(b.Trips) != 3 {
		t.Fatalf("expected 3 trips, got %d", len(b.Trips))
	}
	for i, want := range []float64{1, 2, 3} {
		if b.Trips[i].DurationSeconds != want {
			t.Errorf("trip %d: got duration %v, want %v", i, b.Trips[i].DurationSeconds, want)
		}
	}
}

func TestHourOf_Negative(t *testing.T) {
	if got := HourOf(-1); got != 7 {
		t.Errorf("HourOf(-1) = %d, want 7", got)
	}
	if got := SliceOf(-1); got != -300 {
		t.Errorf("SliceOf(-1) = %d, want -300", got)
	}
}
