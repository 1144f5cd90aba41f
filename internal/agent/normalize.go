package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord wraps every reason a single record is rejected.
	ErrMalformedRecord = errors.New("malformed agent record")
	// ErrEmptyResult is returned when a result set contains no records at all.
	ErrEmptyResult = errors.New("empty simulation result")
)

// maxRejections caps how many per-record errors NormalizeAll keeps.
const maxRejections = 20

// Rejection describes one record dropped during ingestion.
type Rejection struct {
	Position int   // index in the raw result array
	Err      error // wraps ErrMalformedRecord
}

// NormalizeResult is the outcome of ingesting a whole result set.
type NormalizeResult struct {
	Records    []Record
	Skipped    int
	Rejections []Rejection // first maxRejections only
	// DroppedTrips totals Record.DroppedTrips over the kept records.
	DroppedTrips int
}

// Normalize validates one raw record and flattens it into a Record.
func Normalize(raw json.RawMessage) (Record, error) {
	var rr rawRecord
	if err := json.Unmarshal(raw, &rr); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if rr.Agent == nil {
		return Record{}, fmt.Errorf("%w: missing agent block", ErrMalformedRecord)
	}

	attrs := make(map[string]string, len(rr.Agent))
	for k, v := range rr.Agent {
		s, err := attributeString(v)
		if err != nil {
			return Record{}, fmt.Errorf("%w: attribute %q: %v", ErrMalformedRecord, k, err)
		}
		attrs[k] = s
	}

	id, ok := attrs[KeyID]
	if !ok && rr.ID != nil {
		id = *rr.ID
		ok = true
	}
	if !ok || id == "" || id == ValueNil {
		return Record{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if rr.Path == nil {
		return Record{}, fmt.Errorf("%w: agent %q: missing path", ErrMalformedRecord, id)
	}
	if rr.Timestamps == nil {
		return Record{}, fmt.Errorf("%w: agent %q: missing timestamps", ErrMalformedRecord, id)
	}
	if len(rr.Path) != len(rr.Timestamps) {
		return Record{}, fmt.Errorf("%w: agent %q: %d path points but %d timestamps",
			ErrMalformedRecord, id, len(rr.Path), len(rr.Timestamps))
	}
	for i, t := range rr.Timestamps {
		if !finite(t) {
			return Record{}, fmt.Errorf("%w: agent %q: timestamp %d is not finite", ErrMalformedRecord, id, i)
		}
	}

	rec := Record{
		ID:         id,
		Attributes: attrs,
		Path:       rr.Path,
		Timestamps: rr.Timestamps,
	}
	// A bad trip costs only itself; the agent's path is still usable.
	for _, raw := range rr.Trips {
		trip, ok := decodeTrip(raw, len(rr.Path))
		if !ok {
			rec.DroppedTrips++
			continue
		}
		trip.AgentID = id
		rec.Trips = append(rec.Trips, trip)
	}
	return rec, nil
}

// decodeTrip reads one raw trip and checks its path indexes against a path of
// n points.
func decodeTrip(raw json.RawMessage, n int) (Trip, bool) {
	var trip Trip
	if isNull(raw) {
		return Trip{}, false
	}
	if err := json.Unmarshal(raw, &trip); err != nil {
		return Trip{}, false
	}
	for _, pi := range trip.PathIndexes {
		if pi < 0 || pi >= n {
			return Trip{}, false
		}
	}
	if isNull(trip.Origin) {
		trip.Origin = nil
	}
	if isNull(trip.Destination) {
		trip.Destination = nil
	}
	return trip, true
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// NormalizeAll ingests a JSON array of raw records. Malformed records and
// repeated agent ids are dropped and counted; ingestion only fails when the
// payload itself is unusable.
func NormalizeAll(data []byte) (NormalizeResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return NormalizeResult{}, ErrEmptyResult
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return NormalizeResult{}, fmt.Errorf("decoding result set: %w", err)
	}
	if len(raws) == 0 {
		return NormalizeResult{}, ErrEmptyResult
	}

	res := NormalizeResult{Records: make([]Record, 0, len(raws))}
	seen := make(map[string]struct{}, len(raws))
	reject := func(pos int, err error) {
		res.Skipped++
		if len(res.Rejections) < maxRejections {
			res.Rejections = append(res.Rejections, Rejection{Position: pos, Err: err})
		}
	}

	for i, raw := range raws {
		rec, err := Normalize(raw)
		if err != nil {
			reject(i, err)
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			reject(i, fmt.Errorf("%w: duplicate agent id %q", ErrMalformedRecord, rec.ID))
			continue
		}
		seen[rec.ID] = struct{}{}
		res.DroppedTrips += rec.DroppedTrips
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// attributeString normalizes a raw attribute value to its string form.
func attributeString(v json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var val any
	if err := dec.Decode(&val); err != nil {
		return "", err
	}
	switch t := val.(type) {
	case nil:
		return ValueNil, nil
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}
