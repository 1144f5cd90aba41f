package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cxd309/abm-engine/internal/agent"
	"github.com/cxd309/abm-engine/internal/filter"
	"github.com/cxd309/abm-engine/internal/layers"
	"github.com/cxd309/abm-engine/internal/poller"
	"github.com/cxd309/abm-engine/internal/surface"
)

const scenario = `[
	{"agent": {"id": "1", "mode": "car", "agent_age": 30}, "path": [[0,0],[1,1]], "timestamps": [0, 60]},
	{"agent": {"id": "2", "mode": "bike", "agent_age": 30}, "path": [[0,0],[2,2]], "timestamps": [30, 90]},
	{"agent": {"id": "3", "mode": "walk"}, "path": [[5,5],[6,6]], "timestamps": [3700, 3760]},
	{"agent": {"mode": "car"}, "path": [[0,0]], "timestamps": [0]}
]`

func wait(t *testing.T, c Change) []layers.Layer {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	built, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	return built
}

func layerIDs(m *surface.Memory) []string {
	var ids []string
	for _, d := range m.Layers() {
		ids = append(ids, d.ID)
	}
	return ids
}

func TestLoad(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{})

	c, err := s.Load(context.Background(), []byte(scenario))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	wait(t, c)

	snap := s.Snapshot()
	if snap.Agents() != 3 || snap.Skipped != 1 || snap.Visible() != 3 {
		t.Errorf("unexpected snapshot: agents=%d skipped=%d visible=%d", snap.Agents(), snap.Skipped, snap.Visible())
	}
	if snap.Window != (filter.TimeWindow{From: 8, To: 9}) {
		t.Errorf("expected full window 8..9, got %+v", snap.Window)
	}
	if got := layerIDs(mem); !reflect.DeepEqual(got, []string{layers.TripsLayerName, layers.AggregationLayerName}) {
		t.Errorf("mounted layers: got %v", got)
	}
}

func TestLoad_FailureKeepsScenario(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{})
	c, err := s.Load(context.Background(), []byte(scenario))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	wait(t, c)
	before := s.Snapshot()
	ops := len(mem.Ops())

	for _, payload := range []string{``, `[]`, `[{"path": []}]`} {
		if _, err := s.Load(context.Background(), []byte(payload)); !errors.Is(err, agent.ErrEmptyResult) {
			t.Errorf("Load(%q): expected ErrEmptyResult, got %v", payload, err)
		}
	}
	if _, err := s.Load(context.Background(), []byte(`{"agent": {}}`)); err == nil {
		t.Error("expected error for non-array payload")
	}
	if s.Snapshot() != before {
		t.Error("failed load replaced the scenario")
	}
	if len(mem.Ops()) != ops {
		t.Error("failed load touched the surface")
	}
}

func TestApplyFilter(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{})
	c, _ := s.Load(context.Background(), []byte(scenario))
	wait(t, c)
	gen := s.Snapshot().Generation

	c, err := s.ApplyFilter(context.Background(), filter.Flags{"car": true, "walk": false})
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	built := wait(t, c)

	snap := s.Snapshot()
	if !reflect.DeepEqual(snap.View.Visible, []string{"2", "3"}) {
		t.Errorf("visible: got %v", snap.View.Visible)
	}
	if snap.Generation <= gen {
		t.Errorf("expected generation to advance past %d, got %d", gen, snap.Generation)
	}
	if built[0].Descriptor.Props["agents"] != 2 {
		t.Errorf("trips layer agents: got %v", built[0].Descriptor.Props["agents"])
	}
	if d, _ := mem.Layer(layers.TripsLayerName); d.Generation != snap.Generation {
		t.Errorf("mounted trips generation %d, want %d", d.Generation, snap.Generation)
	}
}

func TestApplyFilter_BeforeLoad(t *testing.T) {
	s := New(surface.NewMemory(), Options{})
	if _, err := s.ApplyFilter(context.Background(), filter.Flags{"bike": true}); err != nil {
		t.Fatalf("ApplyFilter before load: %v", err)
	}
	c, err := s.Load(context.Background(), []byte(scenario))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	wait(t, c)
	if got := s.Snapshot().View.Visible; !reflect.DeepEqual(got, []string{"1", "3"}) {
		t.Errorf("flags not carried into load: visible %v", got)
	}
}

func TestLatestMutationWins(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{})
	c, _ := s.Load(context.Background(), []byte(scenario))
	wait(t, c)

	var changes []Change
	for _, f := range []filter.Flags{{"car": true}, {"bike": true}, {"walk": true}} {
		c, err := s.ApplyFilter(context.Background(), f)
		if err != nil {
			t.Fatalf("ApplyFilter: %v", err)
		}
		changes = append(changes, c)
	}
	for _, c := range changes {
		<-c.Done
	}
	want := s.Snapshot().Generation
	for name, gen := range s.Coordinator().Mounted() {
		if gen != want {
			t.Errorf("layer %s mounted from generation %d, want %d", name, gen, want)
		}
	}
}

func TestSetTimeWindow(t *testing.T) {
	s := New(surface.NewMemory(), Options{})
	if _, err := s.SetTimeWindow(context.Background(), filter.TimeWindow{From: 8, To: 8}); !errors.Is(err, ErrNoScenario) {
		t.Errorf("expected ErrNoScenario, got %v", err)
	}
	c, _ := s.Load(context.Background(), []byte(scenario))
	wait(t, c)

	if _, err := s.SetTimeWindow(context.Background(), filter.TimeWindow{From: 9, To: 8}); !errors.Is(err, filter.ErrInvalidWindow) {
		t.Errorf("expected ErrInvalidWindow, got %v", err)
	}
	c, err := s.SetTimeWindow(context.Background(), filter.TimeWindow{From: 9, To: 9})
	if err != nil {
		t.Fatalf("SetTimeWindow: %v", err)
	}
	built := wait(t, c)
	heat := built[1].Heat
	for _, p := range heat {
		if p.Hour != 9 {
			t.Errorf("heat point outside window: %+v", p)
		}
	}
	if len(heat) == 0 {
		t.Error("expected heat points in hour 9")
	}
}

func TestSetHeatTypeAndTimestamp(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{})
	c, _ := s.Load(context.Background(), []byte(scenario))
	wait(t, c)

	wait(t, mustChange(t)(s.SetHeatType(context.Background(), "residents")))
	wait(t, mustChange(t)(s.SetCurrentTimestamp(context.Background(), 120)))

	heat, _ := mem.Layer(layers.AggregationLayerName)
	if heat.Props["heatType"] != "residents" {
		t.Errorf("heatType: got %v", heat.Props["heatType"])
	}
	trips, _ := mem.Layer(layers.TripsLayerName)
	if trips.Props["currentTime"] != 120.0 {
		t.Errorf("currentTime: got %v", trips.Props["currentTime"])
	}
}

func TestSetArcs(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{})
	c, _ := s.Load(context.Background(), []byte(scenario))
	wait(t, c)

	arcs := []layers.ArcDatum{{Source: agent.Point{X: 0, Y: 0}, Target: agent.Point{X: 1, Y: 1}, Weight: 2}}
	wait(t, mustChange(t)(s.SetArcs(context.Background(), arcs)))
	if !mem.HasLayer(layers.ArcLayerName) {
		t.Fatal("expected arc layer after SetArcs")
	}
	wait(t, mustChange(t)(s.SetArcs(context.Background(), nil)))
	if mem.HasLayer(layers.ArcLayerName) {
		t.Error("expected arc layer retired after clearing arcs")
	}
}

func mustChange(t *testing.T) func(Change, error) Change {
	return func(c Change, err error) Change {
		t.Helper()
		if err != nil {
			t.Fatalf("mutation failed: %v", err)
		}
		return c
	}
}

func TestRebuild(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{})
	if _, err := s.Rebuild(context.Background(), layers.KindHeat); !errors.Is(err, ErrNoScenario) {
		t.Errorf("expected ErrNoScenario, got %v", err)
	}
	c, _ := s.Load(context.Background(), []byte(scenario))
	wait(t, c)
	if _, err := s.Rebuild(context.Background(), "bogus"); !errors.Is(err, layers.ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	built := wait(t, mustChange(t)(s.Rebuild(context.Background(), layers.KindHeat)))
	if len(built) != 1 || built[0].Descriptor.ID != layers.AggregationLayerName {
		t.Errorf("unexpected rebuild: %+v", built)
	}
}

func TestReset(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{})
	c, _ := s.Load(context.Background(), []byte(scenario))
	wait(t, c)
	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.Snapshot() != nil {
		t.Error("snapshot survived reset")
	}
	if len(mem.Layers()) != 0 {
		t.Errorf("layers survived reset: %v", layerIDs(mem))
	}
}

// fakeSource reports a growing result that completes after complete calls.
type fakeSource struct {
	mu       sync.Mutex
	calls    int
	complete int
}

func (f *fakeSource) FetchResult(context.Context, poller.Kind, json.RawMessage) (string, error) {
	return "task", nil
}

func (f *fakeSource) FetchStatus(context.Context, poller.Kind, string) (poller.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	features := `{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{}}`
	fc := `{"type":"FeatureCollection","features":[` + features
	for i := 1; i < f.calls; i++ {
		fc += "," + features
	}
	fc += `]}`
	return poller.Envelope{
		GeoJSON:  json.RawMessage(fc),
		Complete: f.complete > 0 && f.calls >= f.complete,
	}, nil
}

func TestStartPoll_InstallsResult(t *testing.T) {
	mem := surface.NewMemory()
	s := New(mem, Options{Source: &fakeSource{complete: 3}, PollInterval: time.Millisecond})
	defer s.Close()

	done, err := s.StartPoll(context.Background(), poller.Request{Kind: poller.KindWind}, PollOptions{})
	if err != nil {
		t.Fatalf("StartPoll: %v", err)
	}
	out := <-done
	if out.State != poller.StateComplete || out.Features != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	src, ok := mem.Source("wind")
	if !ok || len(src.Data.Features) != 3 {
		t.Errorf("expected wind source with 3 features, got %+v", src)
	}
	if !mem.HasLayer("wind") {
		t.Error("expected wind layer mounted")
	}
	if got, ok := s.PollOutcome(poller.KindWind); !ok || got.RequestID != out.RequestID {
		t.Errorf("PollOutcome: got %+v", got)
	}
	if s.Polling(poller.KindWind) {
		t.Error("poll still registered after completion")
	}
}

func TestStartPoll_CancelledByLoad(t *testing.T) {
	s := New(surface.NewMemory(), Options{Source: &fakeSource{}, PollInterval: 5 * time.Millisecond})
	defer s.Close()

	done, err := s.StartPoll(context.Background(), poller.Request{Kind: poller.KindWind}, PollOptions{})
	if err != nil {
		t.Fatalf("StartPoll: %v", err)
	}
	c, err := s.Load(context.Background(), []byte(scenario))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wait(t, c)

	select {
	case out := <-done:
		if out.State != poller.StateCancelled {
			t.Errorf("expected cancelled poll, got %s", out.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll not cancelled by Load")
	}
}

// gatedSource holds FetchStatus until release is closed, ignoring ctx, and
// then reports a complete one-feature result.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSource) FetchResult(context.Context, poller.Kind, json.RawMessage) (string, error) {
	return "task", nil
}

func (g *gatedSource) FetchStatus(context.Context, poller.Kind, string) (poller.Envelope, error) {
	close(g.entered)
	<-g.release
	return poller.Envelope{
		GeoJSON:  json.RawMessage(`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[0,0]},"properties":{}}]}`),
		Complete: true,
	}, nil
}

func TestStartPoll_InFlightResultDroppedAfterLoad(t *testing.T) {
	mem := surface.NewMemory()
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(mem, Options{Source: src, PollInterval: time.Millisecond})
	defer s.Close()

	done, err := s.StartPoll(context.Background(), poller.Request{Kind: poller.KindWind}, PollOptions{})
	if err != nil {
		t.Fatalf("StartPoll: %v", err)
	}
	<-src.entered

	c, err := s.Load(context.Background(), []byte(scenario))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wait(t, c)
	close(src.release)

	select {
	case out := <-done:
		if out.State != poller.StateCancelled {
			t.Errorf("expected cancelled poll, got %s", out.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not finish")
	}
	if mem.HasLayer("wind") {
		t.Error("result of the cancelled poll was mounted")
	}
	if _, ok := s.Coordinator().Mounted()["wind"]; ok {
		t.Errorf("wind registered: %v", s.Coordinator().Mounted())
	}
}

func TestStartPoll_InFlightResultSurvivesFilterChange(t *testing.T) {
	mem := surface.NewMemory()
	src := &gatedSource{entered: make(chan struct{}), release: make(chan struct{})}
	s := New(mem, Options{Source: src, PollInterval: time.Millisecond})
	defer s.Close()

	loaded, err := s.Load(context.Background(), []byte(scenario))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wait(t, loaded)
	done, err := s.StartPoll(context.Background(), poller.Request{Kind: poller.KindWind}, PollOptions{})
	if err != nil {
		t.Fatalf("StartPoll: %v", err)
	}
	<-src.entered

	c, err := s.ApplyFilter(context.Background(), filter.Flags{"car": true})
	if err != nil {
		t.Fatalf("ApplyFilter: %v", err)
	}
	wait(t, c)
	close(src.release)

	if out := <-done; out.State != poller.StateComplete {
		t.Errorf("expected complete poll, got %+v", out)
	}
	if !mem.HasLayer("wind") {
		t.Error("expected wind layer mounted after a filter change")
	}
}

func TestStartPoll_PollerLogsUnderOwnComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := New(surface.NewMemory(), Options{Source: &fakeSource{complete: 1}, PollInterval: time.Millisecond, Logger: logger})

	done, err := s.StartPoll(context.Background(), poller.Request{Kind: poller.KindWind}, PollOptions{})
	if err != nil {
		t.Fatalf("StartPoll: %v", err)
	}
	<-done
	s.Close()

	var found bool
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "component=poller") {
			found = true
			if strings.Count(line, "component=") != 1 {
				t.Errorf("poller line carries more than one component: %s", line)
			}
		}
	}
	if !found {
		t.Errorf("no poller log lines in:\n%s", buf.String())
	}
}

func TestStartPoll_SameKindReplaces(t *testing.T) {
	s := New(surface.NewMemory(), Options{Source: &fakeSource{}, PollInterval: 5 * time.Millisecond})
	defer s.Close()

	first, _ := s.StartPoll(context.Background(), poller.Request{Kind: poller.KindNoise}, PollOptions{})
	second, _ := s.StartPoll(context.Background(), poller.Request{Kind: poller.KindNoise}, PollOptions{MaxAttempts: 2})

	select {
	case out := <-first:
		if out.State != poller.StateCancelled {
			t.Errorf("first poll: expected cancelled, got %s", out.State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first poll not cancelled")
	}
	if out := <-second; out.Attempts != 2 {
		t.Errorf("second poll: expected 2 attempts, got %+v", out)
	}
}

func TestStartPoll_Errors(t *testing.T) {
	s := New(surface.NewMemory(), Options{})
	if _, err := s.StartPoll(context.Background(), poller.Request{Kind: poller.KindWind}, PollOptions{}); !errors.Is(err, ErrNoResultSource) {
		t.Errorf("expected ErrNoResultSource, got %v", err)
	}
	s = New(surface.NewMemory(), Options{Source: &fakeSource{}})
	if _, err := s.StartPoll(context.Background(), poller.Request{Kind: "traffic"}, PollOptions{}); !errors.Is(err, poller.ErrUnknownScenario) {
		t.Errorf("expected ErrUnknownScenario, got %v", err)
	}
}
