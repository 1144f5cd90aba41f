// Package session holds the live scenario: the ingested baseline, the current
// filter state and the pollers of running scenario calculations.
//
// A Session is the single writer of that state. Mutations are serialized by a
// mutex and publish a fresh immutable Snapshot, so readers never see a
// half-built index. Every mutation starts a new layer generation and rebuilds
// the layers off-lock; rebuilds that finish after a newer mutation are
// discarded by the coordinator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cxd309/abm-engine/internal/agent"
	"github.com/cxd309/abm-engine/internal/filter"
	"github.com/cxd309/abm-engine/internal/index"
	"github.com/cxd309/abm-engine/internal/layers"
	"github.com/cxd309/abm-engine/internal/poller"
	"github.com/cxd309/abm-engine/internal/surface"
)

var (
	// ErrNoScenario is returned by operations that need a loaded scenario.
	ErrNoScenario = errors.New("no scenario loaded")
	// ErrNoResultSource is returned by StartPoll when the session has no source.
	ErrNoResultSource = errors.New("no result source configured")
)

var tracer = otel.Tracer("github.com/cxd309/abm-engine/internal/session")

var (
	recordsLoaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abm_records_loaded_total",
		Help: "Agent records ingested into a scenario",
	})
	recordsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abm_records_skipped_total",
		Help: "Malformed or duplicate agent records dropped at ingestion",
	})
	visibleAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abm_visible_agents",
		Help: "Agents visible under the current exclusion flags",
	})
	activePolls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abm_active_polls",
		Help: "Scenario pollers currently running",
	})
)

// Snapshot is one published state of the session. It is never modified after
// publication.
type Snapshot struct {
	ScenarioID       string            `json:"scenarioId"`
	Generation       uint64            `json:"generation"`
	LoadedAt         time.Time         `json:"loadedAt"`
	Baseline         *index.Baseline   `json:"-"`
	View             *filter.View      `json:"-"`
	Flags            filter.Flags      `json:"flags"`
	Window           filter.TimeWindow `json:"window"`
	HeatType         string            `json:"heatType"`
	CurrentTimestamp float64           `json:"currentTimestamp"`
	Arcs             []layers.ArcDatum `json:"arcs,omitempty"`
	Skipped          int               `json:"skipped"`
	Rejections       []agent.Rejection `json:"-"`
}

// Agents is the number of ingested agents.
func (s *Snapshot) Agents() int { return len(s.Baseline.Agents) }

// Visible is the number of agents passing the current flags.
func (s *Snapshot) Visible() int { return len(s.View.Visible) }

// request turns the snapshot into a layer rebuild request.
func (s *Snapshot) request(kind layers.Kind) layers.Request {
	return layers.Request{
		Kind:             kind,
		Generation:       s.Generation,
		Baseline:         s.Baseline,
		View:             s.View,
		Window:           s.Window,
		CurrentTimestamp: s.CurrentTimestamp,
		HeatType:         s.HeatType,
		Arcs:             s.Arcs,
	}
}

// Change is the result of a mutation: the snapshot it published and the
// pending rebuild of that snapshot's layers.
type Change struct {
	Snapshot *Snapshot
	Done     <-chan layers.Result
}

// Wait blocks until the rebuild finishes or ctx is done.
func (c Change) Wait(ctx context.Context) ([]layers.Layer, error) {
	select {
	case res := <-c.Done:
		return res.Layers, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Options configures a Session.
type Options struct {
	// Source serves scenario calculations. StartPoll fails without one.
	Source poller.ResultSource
	// PollInterval is passed to every poller. Zero means poller.DefaultInterval.
	PollInterval time.Duration
	Logger       *slog.Logger
}

type pollHandle struct {
	cancel context.CancelFunc
	// epoch is the scenario the poll was started against.
	epoch uint64
}

// Session is the single writer of scenario state.
type Session struct {
	coord    *layers.Coordinator
	source   poller.ResultSource
	interval time.Duration
	logger   *slog.Logger
	// base is the caller's logger, handed to pollers unscoped.
	base *slog.Logger

	state atomic.Pointer[Snapshot]

	mu       sync.Mutex
	flags    filter.Flags
	heatType string
	epoch    uint64
	polls    map[poller.Kind]*pollHandle
	outcomes map[poller.Kind]poller.Outcome
	wg       sync.WaitGroup
}

// New returns an empty session drawing on s.
func New(s surface.Surface, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		coord:    layers.NewCoordinator(s, logger),
		source:   opts.Source,
		interval: opts.PollInterval,
		logger:   logger.With("component", "session"),
		base:     logger,
		flags:    filter.Flags{},
		heatType: layers.DefaultHeatType,
		polls:    make(map[poller.Kind]*pollHandle),
		outcomes: make(map[poller.Kind]poller.Outcome),
	}
}

// Snapshot returns the published state, or nil before the first Load.
func (s *Session) Snapshot() *Snapshot { return s.state.Load() }

// Coordinator exposes the layer coordinator, mainly for its registry.
func (s *Session) Coordinator() *layers.Coordinator { return s.coord }

// Load ingests a raw ABM result set and replaces the current scenario. The
// exclusion flags and heat type in force are carried over; the time window
// resets to the full range of the new data. Any running pollers are cancelled.
// On error the current scenario is left untouched.
func (s *Session) Load(ctx context.Context, data []byte) (Change, error) {
	ctx, span := tracer.Start(ctx, "session.Load")
	defer span.End()

	res, err := agent.NormalizeAll(data)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Change{}, fmt.Errorf("loading scenario: %w", err)
	}
	if len(res.Records) == 0 {
		err := fmt.Errorf("loading scenario: %w: all %d records rejected", agent.ErrEmptyResult, res.Skipped)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Change{}, err
	}
	base := index.Build(res.Records)
	recordsLoaded.Add(float64(len(res.Records)))
	recordsSkipped.Add(float64(res.Skipped))

	s.mu.Lock()
	s.cancelPollsLocked()
	s.epoch++
	snap := &Snapshot{
		ScenarioID: uuid.NewString(),
		Generation: s.coord.Advance(),
		LoadedAt:   time.Now().UTC(),
		Baseline:   base,
		View:       filter.Apply(s.flags, base),
		Flags:      copyFlags(s.flags),
		Window:     filter.FullWindow(base.Buckets),
		HeatType:   s.heatType,
		Skipped:    res.Skipped,
		Rejections: res.Rejections,
	}
	s.publishLocked(snap)
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("abm.scenario_id", snap.ScenarioID),
		attribute.Int("abm.agents", len(res.Records)),
		attribute.Int("abm.skipped", res.Skipped),
		attribute.Int("abm.dropped_trips", res.DroppedTrips),
	)
	s.logger.Info("scenario loaded", "scenario_id", snap.ScenarioID, "agents", len(res.Records),
		"skipped", res.Skipped, "dropped_trips", res.DroppedTrips, "hours", len(base.Buckets), "generation", snap.Generation)
	for _, r := range res.Rejections {
		s.logger.Debug("record rejected", "position", r.Position, "error", r.Err)
	}
	return s.rebuild(ctx, snap, layers.KindAll), nil
}

// ApplyFilter replaces the exclusion flags and rebuilds the trips and
// aggregation layers. Flags set before any scenario is loaded are kept for the
// next Load.
func (s *Session) ApplyFilter(ctx context.Context, flags filter.Flags) (Change, error) {
	return s.mutate(ctx, func(next *Snapshot) {
		s.flags = copyFlags(flags)
		next.Flags = copyFlags(flags)
		next.View = filter.Apply(next.Flags, next.Baseline)
	}, func() { s.flags = copyFlags(flags) })
}

// SetTimeWindow restricts the aggregation layer to the hours in w.
func (s *Session) SetTimeWindow(ctx context.Context, w filter.TimeWindow) (Change, error) {
	if _, err := filter.NewTimeWindow(w.From, w.To); err != nil {
		return Change{}, err
	}
	return s.mutate(ctx, func(next *Snapshot) { next.Window = w }, nil)
}

// SetHeatType switches the aggregation style of the heat layer.
func (s *Session) SetHeatType(ctx context.Context, heatType string) (Change, error) {
	if heatType == "" {
		heatType = layers.DefaultHeatType
	}
	return s.mutate(ctx, func(next *Snapshot) {
		s.heatType = heatType
		next.HeatType = heatType
	}, func() { s.heatType = heatType })
}

// SetCurrentTimestamp moves the trips animation to t.
func (s *Session) SetCurrentTimestamp(ctx context.Context, t float64) (Change, error) {
	return s.mutate(ctx, func(next *Snapshot) { next.CurrentTimestamp = t }, nil)
}

// SetArcs replaces the externally supplied flows drawn by the arc layer.
func (s *Session) SetArcs(ctx context.Context, arcs []layers.ArcDatum) (Change, error) {
	arcs = append([]layers.ArcDatum(nil), arcs...)
	c, err := s.mutate(ctx, func(next *Snapshot) { next.Arcs = arcs }, nil)
	if err != nil || len(arcs) > 0 {
		return c, err
	}
	// Rebuilds never retire a kind they skip, so drop the old arcs here.
	if err := s.coord.Retire(layers.ArcLayerName); err != nil {
		return c, err
	}
	return c, nil
}

// Rebuild regenerates the layers of kind from the current snapshot without
// changing it.
func (s *Session) Rebuild(ctx context.Context, kind layers.Kind) (Change, error) {
	if _, err := layers.ParseKind(string(kind)); err != nil {
		return Change{}, err
	}
	snap := s.state.Load()
	if snap == nil {
		return Change{}, ErrNoScenario
	}
	return s.rebuild(ctx, snap, kind), nil
}

// Reset drops the scenario, cancels every poller and retires all layers.
// Exclusion flags and heat type return to their defaults.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPollsLocked()
	s.epoch++
	s.coord.Advance()
	s.flags = filter.Flags{}
	s.heatType = layers.DefaultHeatType
	s.state.Store(nil)
	visibleAgents.Set(0)
	s.logger.Info("session reset")
	return s.coord.RetireAll()
}

// Close cancels all pollers and waits for them to exit.
func (s *Session) Close() {
	s.mu.Lock()
	s.cancelPollsLocked()
	s.mu.Unlock()
	s.wg.Wait()
}

// mutate copies the current snapshot, lets apply change the copy and publishes
// it under a new generation. When nothing is loaded, offline runs instead (if
// set) and the call succeeds with an empty Change.
func (s *Session) mutate(ctx context.Context, apply func(*Snapshot), offline func()) (Change, error) {
	s.mu.Lock()
	cur := s.state.Load()
	if cur == nil {
		if offline == nil {
			s.mu.Unlock()
			return Change{}, ErrNoScenario
		}
		offline()
		s.mu.Unlock()
		return Change{}, nil
	}
	next := *cur
	apply(&next)
	next.Generation = s.coord.Advance()
	s.publishLocked(&next)
	s.mu.Unlock()

	return s.rebuild(ctx, &next, layers.KindAll), nil
}

func (s *Session) publishLocked(snap *Snapshot) {
	s.state.Store(snap)
	visibleAgents.Set(float64(len(snap.View.Visible)))
}

func (s *Session) rebuild(ctx context.Context, snap *Snapshot, kind layers.Kind) Change {
	done := s.coord.RebuildAsync(ctx, snap.request(kind))
	out := make(chan layers.Result, 1)
	go func() {
		defer close(out)
		res := <-done
		switch {
		case res.Err == nil:
		case errors.Is(res.Err, layers.ErrStaleGeneration):
			s.logger.Debug("rebuild superseded", "generation", snap.Generation, "kind", kind)
		default:
			s.logger.Error("layer rebuild failed", "generation", snap.Generation, "kind", kind, "error", res.Err)
		}
		out <- res
	}()
	return Change{Snapshot: snap, Done: out}
}

func copyFlags(f filter.Flags) filter.Flags {
	out := make(filter.Flags, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
