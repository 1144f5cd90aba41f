package layers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/cxd309/abm-engine/internal/surface"
)

// ErrStaleGeneration is returned when a rebuild finishes after its scenario
// generation has been superseded. Its output is discarded.
var ErrStaleGeneration = errors.New("stale layer generation")

var tracer = otel.Tracer("github.com/cxd309/abm-engine/internal/layers")

var (
	rebuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "abm_layer_rebuild_duration_seconds",
		Help:    "Time spent building layer payloads",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"kind"})

	layersInstalled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abm_layers_installed_total",
		Help: "Layers installed on the rendering surface",
	}, []string{"layer"})

	staleDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abm_layer_stale_discarded_total",
		Help: "Rebuilt layers discarded because a newer scenario generation was active",
	})
)

// Result is the outcome of an asynchronous rebuild.
type Result struct {
	Layers []Layer
	Err    error
}

// Coordinator installs layers on a surface and tracks which are mounted.
//
// Installs are serialized. For every layer the surface sees, in order: removal
// of any layer with the same name, the new source, the new layer; only then is
// the name recorded in the registry. An install whose generation is older than
// the coordinator's current generation is discarded before touching the surface.
type Coordinator struct {
	surface surface.Surface
	logger  *slog.Logger

	generation atomic.Uint64

	mu      sync.Mutex
	mounted map[string]uint64 // layer name -> generation that installed it
}

// NewCoordinator returns a coordinator drawing on s.
func NewCoordinator(s surface.Surface, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		surface: s,
		logger:  logger.With("component", "layers"),
		mounted: make(map[string]uint64),
	}
}

// Advance starts a new generation and returns it. Rebuilds issued under older
// generations will no longer install.
func (c *Coordinator) Advance() uint64 { return c.generation.Add(1) }

// Generation returns the current generation.
func (c *Coordinator) Generation() uint64 { return c.generation.Load() }

// Rebuild builds the layers for req and installs them.
func (c *Coordinator) Rebuild(ctx context.Context, req Request) ([]Layer, error) {
	ctx, span := tracer.Start(ctx, "layers.Rebuild")
	defer span.End()
	span.SetAttributes(
		attribute.String("abm.layer_kind", string(req.Kind)),
		attribute.Int64("abm.generation", int64(req.Generation)),
	)

	timer := prometheus.NewTimer(rebuildDuration.WithLabelValues(string(req.Kind)))
	built, err := Build(req)
	timer.ObserveDuration()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.Install(req.Generation, built); err != nil {
		if !errors.Is(err, ErrStaleGeneration) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	return built, nil
}

// RebuildAsync runs Rebuild in its own goroutine. The channel receives exactly
// one Result and is then closed.
func (c *Coordinator) RebuildAsync(ctx context.Context, req Request) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		built, err := c.Rebuild(ctx, req)
		ch <- Result{Layers: built, Err: err}
	}()
	return ch
}

// Install mounts built layers for generation gen.
func (c *Coordinator) Install(gen uint64, built []Layer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur := c.generation.Load(); gen < cur {
		staleDiscarded.Add(float64(len(built)))
		c.logger.Debug("discarding stale layers", "generation", gen, "current", cur, "layers", len(built))
		return fmt.Errorf("%w: generation %d, current %d", ErrStaleGeneration, gen, cur)
	}

	for _, l := range built {
		name := l.Descriptor.ID
		if err := c.retireLocked(name); err != nil {
			return err
		}
		if err := c.surface.AddSource(l.Source); err != nil {
			return fmt.Errorf("adding source %q: %w", l.Source.ID, err)
		}
		if err := c.surface.InstallLayer(l.Descriptor); err != nil {
			return fmt.Errorf("installing layer %q: %w", name, err)
		}
		c.mounted[name] = gen
		layersInstalled.WithLabelValues(name).Inc()
		c.logger.Info("layer installed", "layer", name, "generation", gen, "features", featureCount(l))
	}
	return nil
}

// Retire removes the named layer from the surface and the registry.
func (c *Coordinator) Retire(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retireLocked(name)
}

// RetireAll removes every registered layer.
func (c *Coordinator) RetireAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, name := range c.mountedNamesLocked() {
		if err := c.retireLocked(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) retireLocked(name string) error {
	if c.surface.HasLayer(name) {
		if err := c.surface.RemoveLayer(name); err != nil {
			return fmt.Errorf("retiring layer %q: %w", name, err)
		}
	}
	delete(c.mounted, name)
	return nil
}

// Mounted returns a copy of the registry.
func (c *Coordinator) Mounted() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.mounted))
	for k, v := range c.mounted {
		out[k] = v
	}
	return out
}

func (c *Coordinator) mountedNamesLocked() []string {
	names := make([]string, 0, len(c.mounted))
	for n := range c.mounted {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func featureCount(l Layer) int {
	if l.Source.Data == nil {
		return 0
	}
	return len(l.Source.Data.Features)
}
