// Package poller drives the request/poll protocol of long-running scenario
// calculations whose results arrive incrementally.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	geojson "github.com/paulmach/go.geojson"
)

// ErrEmptyEnvelope is returned when a status response carries no GeoJSON.
var ErrEmptyEnvelope = errors.New("result envelope has no geojson")

// ErrUnknownScenario is returned for a scenario kind the result source does not serve.
var ErrUnknownScenario = errors.New("unknown scenario kind")

// Kind names a scenario calculation.
type Kind string

const (
	KindWind       Kind = "wind"
	KindStormwater Kind = "stormwater"
	KindNoise      Kind = "noise"
	KindABM        Kind = "abm"
)

// ParseKind validates a scenario kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindWind, KindStormwater, KindNoise, KindABM:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownScenario, s)
}

// State is the lifecycle position of one poll run.
type State string

const (
	StateRequested       State = "requested"
	StatePartialReceived State = "partial_received"
	StateComplete        State = "complete"
	StateFailed          State = "failed"
	StateCancelled       State = "cancelled"
)

// Envelope is one status response of the result source.
type Envelope struct {
	GeoJSON        json.RawMessage `json:"geojson"`
	Complete       bool            `json:"complete"`
	TasksCompleted int             `json:"tasksCompleted"`
	// RainData is only reported for stormwater results.
	RainData []float64 `json:"rainData,omitempty"`
}

// FeatureCollection decodes the envelope's GeoJSON.
func (e Envelope) FeatureCollection() (*geojson.FeatureCollection, error) {
	raw := bytes.TrimSpace(e.GeoJSON)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrEmptyEnvelope
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding result geojson: %w", err)
	}
	return fc, nil
}

// ResultSource starts scenario calculations and reports on them.
type ResultSource interface {
	// FetchResult asks for a calculation of kind and returns its task id.
	FetchResult(ctx context.Context, kind Kind, payload json.RawMessage) (string, error)
	// FetchStatus reports the current state of a task.
	FetchStatus(ctx context.Context, kind Kind, taskID string) (Envelope, error)
}

// Request identifies what to poll for. Payload is passed through untouched.
type Request struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Update is an accepted envelope handed to the caller.
type Update struct {
	RequestID string
	Kind      Kind
	Attempt   int
	Envelope  Envelope
	Features  *geojson.FeatureCollection
}

// AcceptFunc receives every accepted update. Returning an error fails the run.
type AcceptFunc func(ctx context.Context, u Update) error

// Outcome summarizes a finished run.
type Outcome struct {
	RequestID string `json:"requestId"`
	Kind      Kind   `json:"kind"`
	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
	Accepted  int    `json:"accepted"`
	Discarded int    `json:"discarded"`
	Features  int    `json:"features"`
}
