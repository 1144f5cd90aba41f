package agent

import (
	"errors"
	"reflect"
	"testing"
)

func TestNormalize_Valid(t *testing.T) {
	raw := []byte(`{
		"agent": {"id": "a1", "mode": "car", "agent_age": 25, "student": true, "source": "abm", "extra": null},
		"path": [[10.5, 53.1], [10.6, 53.2, 4]],
		"timestamps": [0, 60],
		"trips": [{"origin": [10.5, 53.1], "destination": [10.6, 53.2], "pathIndexes": [0, 1], "duration": 60, "length": 120.5}]
	}`)

	rec, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rec.ID != "a1" {
		t.Errorf("expected id a1, got %q", rec.ID)
	}
	wantAttrs := map[string]string{
		"id": "a1", "mode": "car", "agent_age": "25", "student": "true", "source": "abm", "extra": "nil",
	}
	if !reflect.DeepEqual(rec.Attributes, wantAttrs) {
		t.Errorf("attributes mismatch:\ngot:  %v\nwant: %v", rec.Attributes, wantAttrs)
	}
	wantPath := []Point{{10.5, 53.1}, {10.6, 53.2}}
	if !reflect.DeepEqual(rec.Path, wantPath) {
		t.Errorf("path mismatch: got %v, want %v", rec.Path, wantPath)
	}
	if len(rec.Trips) != 1 {
		t.Fatalf("expected 1 trip, got %d", len(rec.Trips))
	}
	trip := rec.Trips[0]
	if trip.AgentID != "a1" || trip.DurationSeconds != 60 || trip.LengthMeters != 120.5 {
		t.Errorf("trip mismatch: %+v", trip)
	}
	if string(trip.Origin) != "[10.5, 53.1]" || !reflect.DeepEqual(trip.PathIndexes, []int{0, 1}) {
		t.Errorf("trip origin or indexes mismatch: %s %v", trip.Origin, trip.PathIndexes)
	}
}

func TestNormalize_BadTripsKeepAgent(t *testing.T) {
	cases := map[string]string{
		"null origin":        `{"origin": null, "destination": [1,1], "pathIndexes": [0, 1]}`,
		"place name":         `{"origin": "Hauptbahnhof", "destination": "Rathaus", "pathIndexes": [0, 1]}`,
		"index out of range": `{"origin": [0,0], "destination": [1,1], "pathIndexes": [0, 5]}`,
		"negative index":     `{"pathIndexes": [-1]}`,
		"wrong field type":   `{"pathIndexes": [0], "duration": "long"}`,
		"null trip":          `null`,
	}
	for name, trip := range cases {
		raw := `{"agent": {"id": "a", "mode": "car"}, "path": [[0,0],[1,1]], "timestamps": [0, 60], "trips": [` +
			trip + `, {"pathIndexes": [1], "duration": 5}]}`
		rec, err := Normalize([]byte(raw))
		if err != nil {
			t.Errorf("%s: agent rejected: %v", name, err)
			continue
		}
		if rec.ID != "a" || len(rec.Path) != 2 {
			t.Errorf("%s: unexpected record %+v", name, rec)
		}
		var kept []float64
		for _, tr := range rec.Trips {
			kept = append(kept, tr.DurationSeconds)
		}
		switch name {
		case "null origin", "place name":
			if len(rec.Trips) != 2 || rec.DroppedTrips != 0 {
				t.Errorf("%s: expected both trips kept, got %d kept %d dropped", name, len(rec.Trips), rec.DroppedTrips)
			}
		default:
			if !reflect.DeepEqual(kept, []float64{5}) || rec.DroppedTrips != 1 {
				t.Errorf("%s: expected only the valid trip kept, got %v with %d dropped", name, kept, rec.DroppedTrips)
			}
		}
	}
}

func TestNormalize_TripOriginPassThrough(t *testing.T) {
	rec, err := Normalize([]byte(`{"agent": {"id": "a"}, "path": [[0,0]], "timestamps": [0],
		"trips": [{"origin": "Hauptbahnhof", "destination": null, "pathIndexes": [0]}]}`))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	trip := rec.Trips[0]
	if string(trip.Origin) != `"Hauptbahnhof"` || trip.Destination != nil {
		t.Errorf("origin/destination not passed through: %s / %s", trip.Origin, trip.Destination)
	}
}

func TestNormalize_TopLevelID(t *testing.T) {
	rec, err := Normalize([]byte(`{"id": "x", "agent": {"mode": "walk"}, "path": [], "timestamps": []}`))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if rec.ID != "x" {
		t.Errorf("expected id x, got %q", rec.ID)
	}
}

func TestNormalize_Rejections(t *testing.T) {
	cases := map[string]string{
		"no agent block":  `{"path": [[0,0]], "timestamps": [0]}`,
		"no id":           `{"agent": {"mode": "car"}, "path": [[0,0]], "timestamps": [0]}`,
		"no path":         `{"agent": {"id": "a"}, "timestamps": [0]}`,
		"no timestamps":   `{"agent": {"id": "a"}, "path": [[0,0]]}`,
		"length mismatch": `{"agent": {"id": "a"}, "path": [[0,0],[1,1]], "timestamps": [0]}`,
		"short point":     `{"agent": {"id": "a"}, "path": [[0]], "timestamps": [0]}`,
		"not an object":   `[1,2,3]`,
	}
	for name, raw := range cases {
		if _, err := Normalize([]byte(raw)); !errors.Is(err, ErrMalformedRecord) {
			t.Errorf("%s: expected ErrMalformedRecord, got %v", name, err)
		}
	}
}

func TestNormalizeAll_SkipsMalformedAndDuplicates(t *testing.T) {
	data := []byte(`[
		{"agent": {"id": "a1"}, "path": [[0,0]], "timestamps": [0], "trips": [{"pathIndexes": [4]}]},
		{"agent": {"id": "a2"}, "path": [[0,0],[1,1]], "timestamps": [0]},
		{"agent": {"id": "a3"}, "path": [[0,0]], "timestamps": [0]},
		{"agent": {"id": "a1"}, "path": [[5,5]], "timestamps": [10]}
	]`)

	res, err := NormalizeAll(data)
	if err != nil {
		t.Fatalf("NormalizeAll failed: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(res.Records))
	}
	if res.Records[0].ID != "a1" || res.Records[1].ID != "a3" {
		t.Errorf("unexpected record order: %s, %s", res.Records[0].ID, res.Records[1].ID)
	}
	if res.Skipped != 2 {
		t.Errorf("expected 2 skipped, got %d", res.Skipped)
	}
	if res.DroppedTrips != 1 || len(res.Records[0].Trips) != 0 {
		t.Errorf("expected the bad trip dropped and the agent kept, got %d dropped", res.DroppedTrips)
	}
	if len(res.Rejections) != 2 || res.Rejections[0].Position != 1 || res.Rejections[1].Position != 3 {
		t.Errorf("unexpected rejections: %+v", res.Rejections)
	}
}

func TestNormalizeAll_Empty(t *testing.T) {
	for _, in := range []string{"", "null", "[]", "  "} {
		if _, err := NormalizeAll([]byte(in)); !errors.Is(err, ErrEmptyResult) {
			t.Errorf("input %q: expected ErrEmptyResult, got %v", in, err)
		}
	}
	if _, err := NormalizeAll([]byte(`{"agent": {}}`)); err == nil || errors.Is(err, ErrEmptyResult) {
		t.Errorf("expected decode error for non-array payload, got %v", err)
	}
}

func TestPointString(t *testing.T) {
	if got := (Point{X: 10.25, Y: -3}).String(); got != "10.25,-3" {
		t.Errorf("expected 10.25,-3, got %s", got)
	}
}
